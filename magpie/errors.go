package magpie

import (
	"fmt"
	"strings"

	"tangled.sh/tangled.sh/magpie/queue"
	"tangled.sh/tangled.sh/magpie/task"
)

type ConfigError = task.ConfigError

// BuildError is a failure of the step runner while rebuilding.
type BuildError struct {
	Step string
	Err  error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// UploadError lists every upload that failed at the end of a run.
type UploadError struct {
	Failures []queue.Result
}

func (e *UploadError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d upload(s) failed", len(e.Failures))
	for _, f := range e.Failures {
		sb.WriteString("\n  ")
		sb.WriteString(f.String())
	}
	return sb.String()
}
