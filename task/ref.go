package task

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyRef    = errors.New("empty step reference")
	ErrUnknownStep = errors.New("unknown step")
	ErrNoSources   = errors.New("mapping has no source files")
	ErrNoDest      = errors.New("mapping has no destination")
	ErrMultiDest   = errors.New("mapping has more than one destination")
)

// Ref names a step as "kind:target". A bare ref has no target and stands
// for every configured target of its kind.
type Ref struct {
	Kind   string
	Target string
}

func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ref{}, ErrEmptyRef
	}

	kind, target, found := strings.Cut(s, ":")
	if kind == "" || (found && target == "") {
		return Ref{}, fmt.Errorf("malformed step reference %q", s)
	}

	return Ref{Kind: kind, Target: target}, nil
}

func (r Ref) IsBare() bool {
	return r.Target == ""
}

func (r Ref) String() string {
	if r.IsBare() {
		return r.Kind
	}
	return r.Kind + ":" + r.Target
}

// Reserved reports whether a target name is configuration rather than a
// runnable target.
func Reserved(target string) bool {
	return target == "options" || strings.HasPrefix(target, "_")
}

// TargetLister lists the configured target names of a step kind, in
// declaration order.
type TargetLister interface {
	Targets(kind string) ([]string, error)
}

// ExpandBare parses refs and replaces every bare ref with one ref per
// non-reserved target of its kind. Input order is preserved.
func ExpandBare(refs []string, lister TargetLister) ([]Ref, error) {
	var expanded []Ref
	for _, s := range refs {
		ref, err := ParseRef(s)
		if err != nil {
			return nil, err
		}

		if !ref.IsBare() {
			expanded = append(expanded, ref)
			continue
		}

		targets, err := lister.Targets(ref.Kind)
		if err != nil {
			return nil, fmt.Errorf("expanding %s: %w", ref.Kind, err)
		}
		for _, t := range targets {
			if Reserved(t) {
				continue
			}
			expanded = append(expanded, Ref{Kind: ref.Kind, Target: t})
		}
	}

	return expanded, nil
}
