package magpie

import (
	"context"
	"fmt"
	"os"

	"tangled.sh/tangled.sh/magpie/fingerprint"
	"tangled.sh/tangled.sh/magpie/ledger"
	"tangled.sh/tangled.sh/magpie/pipeline"
	"tangled.sh/tangled.sh/magpie/task"
)

// pipelines fetches the final artifact of every discovered chain and
// rebuilds whole chains on a miss. Step mappings outside every chain are
// handled as standalone units in the same pass, so each step still runs at
// most once.
func (r *run) pipelines(ctx context.Context, refs []task.Ref) error {
	resolver := pipeline.NewResolver(r.runner, r.hasher, r.ledger)
	pipelines, err := resolver.Discover(refs)
	if err != nil {
		return err
	}
	r.l.Info("discovered pipelines", "count", len(pipelines))

	units, err := r.units(refs, pipeline.CollectIgnoredSourcesByStep(pipelines))
	if err != nil {
		return err
	}

	paths := make([]string, 0, len(pipelines)+len(units))
	for _, p := range pipelines {
		paths = append(paths, p.Last().VersionedDest)
	}
	paths = append(paths, unitPaths(units)...)

	hits := r.fetchAll(ctx, paths)
	chainHits, unitHits := hits[:len(pipelines)], hits[len(pipelines):]

	var b rebuilds
	for i, p := range pipelines {
		if chainHits[i] {
			continue
		}
		for _, s := range p.Stages {
			b.add(s.Step, s.Mapping())
		}
	}
	for i, u := range units {
		if !unitHits[i] {
			b.add(u.step, u.mapping())
		}
	}

	// kinds in first-seen order put producers before their consumers
	var order []task.Ref
	for _, g := range pipeline.GroupByKind(refs) {
		order = append(order, g.Steps...)
	}

	built, err := r.rebuildAll(ctx, order, b.missing)

	for i, p := range pipelines {
		if !chainHits[i] && chainBuilt(p, built) {
			r.enqueue(p.Last().VersionedDest)
		}
	}
	for i, u := range units {
		if !unitHits[i] && built[u.step] {
			r.enqueue(u.versioned)
		}
	}

	return err
}

func chainBuilt(p pipeline.Pipeline, built map[task.Ref]bool) bool {
	for _, s := range p.Stages {
		if !built[s.Step] {
			return false
		}
	}
	return true
}

// versionAfterBuild runs every step unconditionally, then names each output
// after the fingerprint of its own content.
func (r *run) versionAfterBuild(ctx context.Context, refs []task.Ref) error {
	for _, ref := range refs {
		mappings, err := r.runner.Mappings(ref)
		if err != nil {
			return task.NewConfigError(ref, err)
		}
		if len(mappings) == 0 {
			continue
		}

		dests := make([]string, len(mappings))
		for i, m := range mappings {
			if len(m.Src) == 0 {
				return task.NewConfigError(ref, task.ErrNoSources)
			}
			if dests[i], err = m.SingleDest(); err != nil {
				return task.NewConfigError(ref, err)
			}
		}

		if err := r.rebuild(ctx, ref, mappings); err != nil {
			return err
		}

		for _, dest := range dests {
			// outputs were just rewritten, so bypass any digest memo
			data, err := os.ReadFile(dest)
			if err != nil {
				return &BuildError{Step: ref.String(), Err: err}
			}
			fp := fingerprint.Bytes(data)

			versioned := fingerprint.VersionedPath(dest, fp)
			if err := os.Rename(dest, versioned); err != nil {
				return &BuildError{Step: ref.String(), Err: fmt.Errorf("versioning output: %w", err)}
			}

			r.ledger.Record(ledger.Entry{
				Fingerprint:   fp,
				OriginalPath:  dest,
				VersionedPath: versioned,
			})
			r.enqueue(versioned)
		}
	}

	return nil
}
