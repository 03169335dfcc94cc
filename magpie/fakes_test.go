package magpie

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/magpie/fingerprint"
	"tangled.sh/tangled.sh/magpie/log"
	"tangled.sh/tangled.sh/magpie/repository"
	"tangled.sh/tangled.sh/magpie/task"
)

// fakeRunner concatenates sources into each destination, newline separated.
type fakeRunner struct {
	targets  map[string][]string
	mappings map[task.Ref][]task.Mapping
	fail     map[task.Ref]error
	calls    []call
}

type call struct {
	step     task.Ref
	mappings []task.Mapping
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		targets:  make(map[string][]string),
		mappings: make(map[task.Ref][]task.Mapping),
		fail:     make(map[task.Ref]error),
	}
}

func (f *fakeRunner) add(step string, mappings ...task.Mapping) task.Ref {
	ref, err := task.ParseRef(step)
	if err != nil {
		panic(err)
	}
	f.targets[ref.Kind] = append(f.targets[ref.Kind], ref.Target)
	f.mappings[ref] = append(f.mappings[ref], mappings...)
	return ref
}

func (f *fakeRunner) Targets(kind string) ([]string, error) {
	t, ok := f.targets[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrUnknownStep, kind)
	}
	return t, nil
}

func (f *fakeRunner) Mappings(ref task.Ref) ([]task.Mapping, error) {
	m, ok := f.mappings[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrUnknownStep, ref)
	}
	return m, nil
}

func (f *fakeRunner) RunRestricted(ctx context.Context, ref task.Ref, mappings []task.Mapping) error {
	f.calls = append(f.calls, call{step: ref, mappings: mappings})
	if err := f.fail[ref]; err != nil {
		return err
	}

	for _, m := range mappings {
		var parts [][]byte
		for _, s := range m.Src {
			data, err := os.ReadFile(s)
			if err != nil {
				return err
			}
			parts = append(parts, data)
		}
		dest := m.Dest[0]
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dest, bytes.Join(parts, []byte("\n")), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeRunner) steps() []string {
	var s []string
	for _, c := range f.calls {
		s = append(s, c.step.String())
	}
	return s
}

// fakeRepo is an in-memory store keyed by artifact name.
type fakeRepo struct {
	mu       sync.Mutex
	store    map[string][]byte
	fetchErr map[string]error
	pushErr  map[string]error
	canPush  bool
	fetched  []string
	pushed   []string
}

func newFakeRepo(canPush bool) *fakeRepo {
	return &fakeRepo{
		store:    make(map[string][]byte),
		fetchErr: make(map[string]error),
		pushErr:  make(map[string]error),
		canPush:  canPush,
	}
}

func (r *fakeRepo) Fetch(ctx context.Context, p string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := repository.ArtifactName(p)
	r.fetched = append(r.fetched, name)
	if err := r.fetchErr[name]; err != nil {
		return nil, err
	}
	data, ok := r.store[name]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return data, nil
}

func (r *fakeRepo) Push(ctx context.Context, p string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := repository.ArtifactName(p)
	if err := r.pushErr[name]; err != nil {
		return err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return repository.ErrLocalFileMissing
		}
		return err
	}
	r.store[name] = data
	r.pushed = append(r.pushed, name)
	return nil
}

func (r *fakeRepo) CanPush() bool {
	return r.canPush
}

// countingHasher records how often fingerprints are computed.
type countingHasher struct {
	mu    sync.Mutex
	calls int
}

func (h *countingHasher) Files(paths ...string) (fingerprint.Fingerprint, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	return fingerprint.Files(paths...)
}

func writeFile(t *testing.T, path, contents string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func quiet() Opt {
	return WithLogger(log.NewWriter(io.Discard, "test"))
}
