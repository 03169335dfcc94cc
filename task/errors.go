package task

import "fmt"

// ConfigError is a defect in step configuration. It is fatal for the run
// and names the offending step.
type ConfigError struct {
	Step string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error in %q: %v", e.Step, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func NewConfigError(step Ref, err error) *ConfigError {
	return &ConfigError{Step: step.String(), Err: err}
}
