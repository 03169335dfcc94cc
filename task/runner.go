package task

import (
	"context"
	"slices"
)

// Mapping is one declared source-to-destination file set of a step.
type Mapping struct {
	Src  []string
	Dest []string
}

// SingleDest returns the only destination of m.
func (m Mapping) SingleDest() (string, error) {
	switch len(m.Dest) {
	case 0:
		return "", ErrNoDest
	case 1:
		return m.Dest[0], nil
	default:
		return "", ErrMultiDest
	}
}

// HasSource reports whether path is one of m's sources.
func (m Mapping) HasSource(path string) bool {
	return slices.Contains(m.Src, path)
}

// Runner is the build-step runner magpie sits in front of. It knows how to
// list and execute steps but never decides whether they need to run.
type Runner interface {
	TargetLister
	// Mappings lists the file mappings declared by ref, in declaration
	// order. Unknown refs yield ErrUnknownStep.
	Mappings(ref Ref) ([]Mapping, error)
	// RunRestricted executes ref for exactly the given mappings. The
	// step's own configuration is left untouched.
	RunRestricted(ctx context.Context, ref Ref, mappings []Mapping) error
}
