// Package magpie sits in front of a build-step runner. For every output it
// computes a content fingerprint, fetches a previously built artifact from
// the remote store when one exists, and otherwise lets the step run and
// queues the fresh artifact for upload.
package magpie

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"tangled.sh/tangled.sh/magpie/fingerprint"
	"tangled.sh/tangled.sh/magpie/ledger"
	"tangled.sh/tangled.sh/magpie/log"
	"tangled.sh/tangled.sh/magpie/queue"
	"tangled.sh/tangled.sh/magpie/repository"
	"tangled.sh/tangled.sh/magpie/task"
)

var tracer = otel.Tracer("tangled.sh/tangled.sh/magpie/magpie")

type Hasher interface {
	Files(paths ...string) (fingerprint.Fingerprint, error)
}

type Magpie struct {
	opts   Options
	runner task.Runner
	repo   repository.Repository
	hasher Hasher
	l      *slog.Logger
}

type Opt func(*Magpie)

func WithHasher(h Hasher) Opt {
	return func(m *Magpie) {
		m.hasher = h
	}
}

func WithLogger(l *slog.Logger) Opt {
	return func(m *Magpie) {
		m.l = l
	}
}

func New(opts Options, runner task.Runner, repo repository.Repository, o ...Opt) *Magpie {
	m := &Magpie{
		opts:   opts,
		runner: runner,
		repo:   repo,
		hasher: fingerprintFiles{},
		l:      slog.Default(),
	}
	for _, fn := range o {
		fn(m)
	}
	return m
}

type fingerprintFiles struct{}

func (fingerprintFiles) Files(paths ...string) (fingerprint.Fingerprint, error) {
	return fingerprint.Files(paths...)
}

// run holds the state of a single invocation. Nothing outlives it.
type run struct {
	*Magpie
	ledger  *ledger.Ledger
	uploads *queue.Queue
	canPush bool
	l       *slog.Logger
}

// unit is one fingerprint-then-fetch-or-build cycle for a single output.
type unit struct {
	step      task.Ref
	src       []string
	dest      string
	fp        fingerprint.Fingerprint
	versioned string
}

func (u unit) mapping() task.Mapping {
	return task.Mapping{Src: u.src, Dest: []string{u.versioned}}
}

// Run processes every configured step once. Configuration defects abort
// immediately. A failed rebuild stops further rebuilds, but the ledger and
// the uploads of steps that did build are still flushed. Failed uploads are
// reported together after all of them have been attempted.
func (m *Magpie) Run(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "magpie.Run")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	opts := m.opts
	if err := opts.Validate(); err != nil {
		return &ConfigError{Err: err}
	}

	l := m.l.With("run", uuid.NewString())
	r := &run{
		Magpie:  m,
		ledger:  ledger.New(opts.LedgerPath, opts.LedgerTemplate),
		uploads: queue.NewQueue(m.repo),
		canPush: m.repo.CanPush(),
		l:       l,
	}
	ctx = log.IntoContext(ctx, l)

	refs, err := task.ExpandBare(opts.Steps, m.runner)
	if err != nil {
		return &ConfigError{Err: err}
	}
	if len(refs) == 0 {
		return &ConfigError{Err: ErrNoSteps}
	}

	switch {
	case opts.VersionAfterBuild:
		err = r.versionAfterBuild(ctx, refs)
	case opts.Pipeline:
		err = r.pipelines(ctx, refs)
	default:
		err = r.steps(ctx, refs)
	}
	if err != nil {
		var be *BuildError
		if !errors.As(err, &be) {
			return err
		}
		return errors.Join(err, r.finish(ctx))
	}

	return r.finish(ctx)
}

// steps handles every mapping of refs as an independent unit.
func (r *run) steps(ctx context.Context, refs []task.Ref) error {
	units, err := r.units(refs, nil)
	if err != nil {
		return err
	}

	hits := r.fetchAll(ctx, unitPaths(units))

	// rebuilds wait until every unit has been classified, so each step
	// runs at most once
	var b rebuilds
	for i, u := range units {
		if !hits[i] {
			b.add(u.step, u.mapping())
		}
	}

	built, err := r.rebuildAll(ctx, b.order, b.missing)
	for i, u := range units {
		if !hits[i] && built[u.step] {
			r.enqueue(u.versioned)
		}
	}

	return err
}

// units fingerprints every mapping of refs and records it in the ledger.
// Mappings that share a source with ignored[step] belong to a pipeline and
// are skipped.
func (r *run) units(refs []task.Ref, ignored map[task.Ref][]string) ([]unit, error) {
	var units []unit
	for _, ref := range refs {
		mappings, err := r.runner.Mappings(ref)
		if err != nil {
			return nil, task.NewConfigError(ref, err)
		}

		for _, mp := range mappings {
			if consumed(mp, ignored[ref]) {
				continue
			}
			u, err := r.newUnit(ref, mp)
			if err != nil {
				return nil, err
			}
			r.ledger.Record(ledger.Entry{
				Fingerprint:   u.fp,
				OriginalPath:  u.dest,
				VersionedPath: u.versioned,
			})
			units = append(units, u)
		}
	}
	return units, nil
}

func unitPaths(units []unit) []string {
	paths := make([]string, len(units))
	for i, u := range units {
		paths[i] = u.versioned
	}
	return paths
}

// rebuilds collects the mappings each step has to rebuild, keeping the
// order in which steps first missed.
type rebuilds struct {
	order   []task.Ref
	missing map[task.Ref][]task.Mapping
}

func (b *rebuilds) add(step task.Ref, m task.Mapping) {
	if b.missing == nil {
		b.missing = make(map[task.Ref][]task.Mapping)
	}
	if _, ok := b.missing[step]; !ok {
		b.order = append(b.order, step)
	}
	b.missing[step] = append(b.missing[step], m)
}

func consumed(m task.Mapping, ignored []string) bool {
	for _, src := range ignored {
		if m.HasSource(src) {
			return true
		}
	}
	return false
}

func (r *run) newUnit(ref task.Ref, m task.Mapping) (unit, error) {
	if len(m.Src) == 0 {
		return unit{}, task.NewConfigError(ref, task.ErrNoSources)
	}
	dest, err := m.SingleDest()
	if err != nil {
		return unit{}, task.NewConfigError(ref, err)
	}

	fp, err := r.hasher.Files(m.Src...)
	if err != nil {
		return unit{}, task.NewConfigError(ref, err)
	}

	return unit{
		step:      ref,
		src:       m.Src,
		dest:      dest,
		fp:        fp,
		versioned: fingerprint.VersionedPath(dest, fp),
	}, nil
}

// fetchAll looks up every path in the store concurrently and reports which
// ones are now present locally. A store failure is a miss, never an error.
func (r *run) fetchAll(ctx context.Context, paths []string) []bool {
	hits := make([]bool, len(paths))

	var g errgroup.Group
	for i, p := range paths {
		g.Go(func() error {
			hits[i] = r.fetch(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	return hits
}

func (r *run) fetch(ctx context.Context, path string) (hit bool) {
	ctx, span := tracer.Start(ctx, "magpie.fetch", trace.WithAttributes(attribute.String("path", path)))
	defer func() {
		span.SetAttributes(attribute.Bool("hit", hit))
		span.End()
	}()

	if r.opts.SkipExisting {
		if _, err := os.Stat(path); err == nil {
			r.l.Info("already present", "path", path)
			return true
		}
	}

	data, err := r.repo.Fetch(ctx, path)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotFound):
		r.l.Info("cache miss", "path", path)
		return false
	case repository.IsTransportError(err):
		r.l.Warn("cache unavailable, rebuilding", "path", path, "error", err)
		return false
	default:
		r.l.Error("cache lookup failed, rebuilding", "path", path, "error", err)
		return false
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		r.l.Warn("could not write fetched artifact", "path", path, "error", err)
		return false
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		r.l.Warn("could not write fetched artifact", "path", path, "error", err)
		return false
	}

	r.l.Info("cache hit", "path", path, "size", humanize.Bytes(uint64(len(data))))
	return true
}

// rebuild runs step for exactly mappings and checks that every destination
// was produced.
func (r *run) rebuild(ctx context.Context, step task.Ref, mappings []task.Mapping) error {
	ctx, span := tracer.Start(ctx, "magpie.rebuild", trace.WithAttributes(
		attribute.String("step", step.String()),
		attribute.Int("files", len(mappings)),
	))
	defer span.End()

	r.l.Info("rebuilding", "step", step.String(), "files", len(mappings))

	if err := r.runner.RunRestricted(ctx, step, mappings); err != nil {
		return &BuildError{Step: step.String(), Err: err}
	}

	for _, m := range mappings {
		for _, d := range m.Dest {
			if _, err := os.Stat(d); err != nil {
				return &BuildError{Step: step.String(), Err: fmt.Errorf("expected output %s: %w", d, err)}
			}
		}
	}

	return nil
}

// rebuildAll runs every step in order, once, for its missing mappings. It
// stops at the first failure and reports which steps were built.
func (r *run) rebuildAll(ctx context.Context, order []task.Ref, missing map[task.Ref][]task.Mapping) (map[task.Ref]bool, error) {
	built := make(map[task.Ref]bool, len(order))
	for _, step := range order {
		if built[step] || len(missing[step]) == 0 {
			continue
		}
		if err := r.rebuild(ctx, step, missing[step]); err != nil {
			return built, err
		}
		built[step] = true
	}
	return built, nil
}

func (r *run) enqueue(path string) {
	if !r.canPush {
		return
	}
	if r.uploads.Enqueue(path) {
		r.l.Debug("queued for upload", "path", path)
	}
}

// finish persists the ledger and flushes the upload queue.
func (r *run) finish(ctx context.Context) error {
	if r.ledger.HasPendingChanges() {
		if err := r.ledger.Persist(); err != nil {
			return fmt.Errorf("persisting ledger: %w", err)
		}
		r.l.Info("wrote ledger", "path", r.ledger.Path(), "entries", len(r.ledger.Entries()))
	}

	if !r.canPush {
		r.l.Debug("no upload credential, skipping uploads")
		return nil
	}

	results := r.uploads.Flush(ctx)
	failed := queue.Failed(results)
	r.l.Info("uploads finished", "uploaded", len(results)-len(failed), "failed", len(failed))

	if len(failed) == 0 {
		return nil
	}
	for _, f := range failed {
		r.l.Error("upload failed", "path", f.Path, "error", f.Err)
	}
	return &UploadError{Failures: failed}
}
