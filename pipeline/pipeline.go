// Package pipeline reconstructs chains of build steps from flat step
// configuration: a step's destination feeding the next kind's sources.
//
// Only adjacent kinds are linked, in the order they were first named, and
// only by exact destination to source path equality. Every seed mapping of
// the first kind yields one linear chain.
package pipeline

import (
	"errors"
	"fmt"

	"tangled.sh/tangled.sh/magpie/fingerprint"
	"tangled.sh/tangled.sh/magpie/ledger"
	"tangled.sh/tangled.sh/magpie/task"
)

var (
	ErrPipelineConfig = errors.New("invalid pipeline configuration")
	ErrTooFewKinds    = fmt.Errorf("%w: at least two step kinds are required", ErrPipelineConfig)
	ErrTooFewSteps    = fmt.Errorf("%w: at least two steps are required", ErrPipelineConfig)
	ErrNoConsumer     = fmt.Errorf("%w: output is not consumed by the next step kind", ErrPipelineConfig)
)

type Stage struct {
	Step task.Ref
	Src  []string
	Dest string
	// VersionedDest is only set on the last stage.
	VersionedDest string
}

// Mapping is the file mapping a stage asks its step to build. Only the last
// stage builds straight to its versioned destination.
func (s Stage) Mapping() task.Mapping {
	dest := s.Dest
	if s.VersionedDest != "" {
		dest = s.VersionedDest
	}
	return task.Mapping{Src: s.Src, Dest: []string{dest}}
}

type Pipeline struct {
	Stages      []Stage
	Fingerprint fingerprint.Fingerprint
}

func (p Pipeline) First() Stage {
	return p.Stages[0]
}

func (p Pipeline) Last() Stage {
	return p.Stages[len(p.Stages)-1]
}

type Group struct {
	Kind  string
	Steps []task.Ref
}

// GroupByKind buckets refs by kind, in the order each kind is first seen.
func GroupByKind(refs []task.Ref) []Group {
	var groups []Group
	index := make(map[string]int)
	for _, r := range refs {
		i, ok := index[r.Kind]
		if !ok {
			i = len(groups)
			index[r.Kind] = i
			groups = append(groups, Group{Kind: r.Kind})
		}
		groups[i].Steps = append(groups[i].Steps, r)
	}
	return groups
}

type MappingLister interface {
	Mappings(ref task.Ref) ([]task.Mapping, error)
}

type Hasher interface {
	Files(paths ...string) (fingerprint.Fingerprint, error)
}

type Recorder interface {
	Record(e ledger.Entry)
}

type Resolver struct {
	steps  MappingLister
	hasher Hasher
	ledger Recorder
}

func NewResolver(steps MappingLister, hasher Hasher, rec Recorder) *Resolver {
	return &Resolver{steps: steps, hasher: hasher, ledger: rec}
}

// Discover builds one pipeline per file mapping of the first kind's steps.
// Each finished pipeline is fingerprinted from its first stage's sources
// and recorded in the ledger right away.
func (r *Resolver) Discover(refs []task.Ref) ([]Pipeline, error) {
	groups := GroupByKind(refs)
	if len(groups) < 2 {
		return nil, &task.ConfigError{Err: ErrTooFewKinds}
	}
	if len(refs) < 2 {
		return nil, &task.ConfigError{Err: ErrTooFewSteps}
	}

	mappings := make(map[task.Ref][]task.Mapping, len(refs))
	for _, ref := range refs {
		m, err := r.steps.Mappings(ref)
		if err != nil {
			return nil, task.NewConfigError(ref, err)
		}
		mappings[ref] = m
	}

	var pipelines []Pipeline
	for _, seed := range groups[0].Steps {
		for _, m := range mappings[seed] {
			p, err := r.discoverOne(seed, m, groups[1:], mappings)
			if err != nil {
				return nil, err
			}
			pipelines = append(pipelines, p)
		}
	}

	return pipelines, nil
}

func (r *Resolver) discoverOne(seed task.Ref, m task.Mapping, rest []Group, mappings map[task.Ref][]task.Mapping) (Pipeline, error) {
	if len(m.Src) == 0 {
		return Pipeline{}, task.NewConfigError(seed, task.ErrNoSources)
	}
	dest, err := m.SingleDest()
	if err != nil {
		return Pipeline{}, task.NewConfigError(seed, err)
	}

	stages := []Stage{{Step: seed, Src: m.Src, Dest: dest}}

	for _, g := range rest {
		current := stages[len(stages)-1]
		next, found, err := consumer(g, current.Dest, mappings)
		if err != nil {
			return Pipeline{}, err
		}
		if !found {
			break
		}
		stages = append(stages, next)
	}

	if len(stages) < 2 {
		return Pipeline{}, task.NewConfigError(seed, fmt.Errorf("%w: %s", ErrNoConsumer, dest))
	}

	fp, err := r.hasher.Files(stages[0].Src...)
	if err != nil {
		return Pipeline{}, task.NewConfigError(seed, err)
	}

	last := &stages[len(stages)-1]
	last.VersionedDest = fingerprint.VersionedPath(last.Dest, fp)

	r.ledger.Record(ledger.Entry{
		Fingerprint:   fp,
		OriginalPath:  last.Dest,
		VersionedPath: last.VersionedDest,
	})

	return Pipeline{Stages: stages, Fingerprint: fp}, nil
}

// consumer finds the first mapping in g whose sources include path.
func consumer(g Group, path string, mappings map[task.Ref][]task.Mapping) (Stage, bool, error) {
	for _, step := range g.Steps {
		for _, m := range mappings[step] {
			if !m.HasSource(path) {
				continue
			}
			dest, err := m.SingleDest()
			if err != nil {
				return Stage{}, false, task.NewConfigError(step, err)
			}
			return Stage{Step: step, Src: []string{path}, Dest: dest}, true, nil
		}
	}
	return Stage{}, false, nil
}

// CollectIgnoredSourcesByStep returns, per step, every source path that step
// consumes inside a pipeline. Those files must not also be processed as
// standalone artifacts of the step.
func CollectIgnoredSourcesByStep(pipelines []Pipeline) map[task.Ref][]string {
	ignored := make(map[task.Ref][]string)
	seen := make(map[task.Ref]map[string]struct{})

	for _, p := range pipelines {
		for _, s := range p.Stages {
			if seen[s.Step] == nil {
				seen[s.Step] = make(map[string]struct{})
			}
			for _, src := range s.Src {
				if _, ok := seen[s.Step][src]; ok {
					continue
				}
				seen[s.Step][src] = struct{}{}
				ignored[s.Step] = append(ignored[s.Step], src)
			}
		}
	}

	return ignored
}
