package magpie

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/magpie/fingerprint"
	"tangled.sh/tangled.sh/magpie/ledger"
	"tangled.sh/tangled.sh/magpie/task"
)

type fixture struct {
	dir    string
	runner *fakeRunner
	repo   *fakeRepo
	ledger string
}

func newFixture(t *testing.T, canPush bool) *fixture {
	dir := t.TempDir()
	return &fixture{
		dir:    dir,
		runner: newFakeRunner(),
		repo:   newFakeRepo(canPush),
		ledger: filepath.Join(dir, "versioned_files.json"),
	}
}

func (f *fixture) path(p string) string {
	return filepath.Join(f.dir, p)
}

func (f *fixture) run(t *testing.T, opts Options, o ...Opt) error {
	t.Helper()
	if opts.LedgerPath == "" {
		opts.LedgerPath = f.ledger
	}
	return New(opts, f.runner, f.repo, append([]Opt{quiet()}, o...)...).Run(context.Background())
}

func (f *fixture) entries(t *testing.T) []ledger.Entry {
	t.Helper()
	var entries []ledger.Entry
	require.NoError(t, json.Unmarshal([]byte(readFile(t, f.ledger)), &entries))
	return entries
}

// hello and testing concatenated by one step, nothing cached
func TestRun_CacheMissRebuildsAndUploads(t *testing.T) {
	f := newFixture(t, true)
	a := writeFile(t, f.path("fixtures/hello"), "hello\n")
	b := writeFile(t, f.path("fixtures/testing"), "testing\n")
	dest := f.path("tmp/out.txt")
	f.runner.add("concat:out", task.Mapping{Src: []string{a, b}, Dest: []string{dest}})

	require.NoError(t, f.run(t, Options{Steps: []string{"concat:out"}}))

	versioned := f.path("tmp/out.7238a701.txt")
	assert.FileExists(t, versioned)
	assert.NoFileExists(t, dest)
	assert.Equal(t, "hello\n\ntesting\n", readFile(t, versioned))

	require.Len(t, f.runner.calls, 1)
	assert.Equal(t, []task.Mapping{{Src: []string{a, b}, Dest: []string{versioned}}}, f.runner.calls[0].mappings)

	assert.Equal(t, []string{"out.7238a701.txt"}, f.repo.pushed)
	assert.Equal(t, []ledger.Entry{{
		Fingerprint:   "7238a701",
		OriginalPath:  dest,
		VersionedPath: versioned,
	}}, f.entries(t))
}

func TestRun_FingerprintStableAcrossRuns(t *testing.T) {
	f := newFixture(t, false)
	a := writeFile(t, f.path("hello"), "hello")
	b := writeFile(t, f.path("testing"), "testing")
	f.runner.add("concat:out", task.Mapping{Src: []string{a, b}, Dest: []string{f.path("out.txt")}})

	for range 2 {
		require.NoError(t, f.run(t, Options{Steps: []string{"concat:out"}}))
		entries := f.entries(t)
		require.Len(t, entries, 1)
		assert.Equal(t, fingerprint.Fingerprint("dee5a47a"), entries[0].Fingerprint)
	}
}

func TestRun_CacheHitSkipsRebuild(t *testing.T) {
	f := newFixture(t, true)
	a := writeFile(t, f.path("hello"), "hello\n")
	b := writeFile(t, f.path("testing"), "testing\n")
	dest := f.path("tmp/out.txt")
	f.runner.add("concat:out", task.Mapping{Src: []string{a, b}, Dest: []string{dest}})
	f.repo.store["out.7238a701.txt"] = []byte("from the cache")

	require.NoError(t, f.run(t, Options{Steps: []string{"concat:out"}}))

	assert.Empty(t, f.runner.calls)
	assert.Empty(t, f.repo.pushed)
	assert.Equal(t, "from the cache", readFile(t, f.path("tmp/out.7238a701.txt")))
	assert.NoFileExists(t, dest)

	// recorded even though nothing was built
	assert.Len(t, f.entries(t), 1)
}

func TestRun_RebuildRestrictedToMisses(t *testing.T) {
	f := newFixture(t, true)
	a := writeFile(t, f.path("a.css"), "a")
	b := writeFile(t, f.path("b.css"), "b")
	c := writeFile(t, f.path("c.js"), "c")

	fpA, _ := fingerprint.Files(a)
	css := f.runner.add("copy:css",
		task.Mapping{Src: []string{a}, Dest: []string{f.path("dist/a.css")}},
		task.Mapping{Src: []string{b}, Dest: []string{f.path("dist/b.css")}},
	)
	f.runner.add("copy:js", task.Mapping{Src: []string{c}, Dest: []string{f.path("dist/c.js")}})
	f.repo.store["a."+fpA.String()+".css"] = []byte("cached a")

	require.NoError(t, f.run(t, Options{Steps: []string{"copy"}}))

	require.Len(t, f.runner.calls, 2, "one invocation per step with misses")
	assert.Equal(t, css, f.runner.calls[0].step)
	require.Len(t, f.runner.calls[0].mappings, 1)
	assert.Equal(t, []string{b}, f.runner.calls[0].mappings[0].Src)
	assert.Equal(t, "copy:js", f.runner.calls[1].step.String())

	assert.Len(t, f.repo.pushed, 2)
	assert.Len(t, f.entries(t), 3)
}

func TestRun_WarmStepNeverRuns(t *testing.T) {
	f := newFixture(t, true)
	a := writeFile(t, f.path("a"), "a")
	fp, _ := fingerprint.Files(a)
	f.runner.add("copy:a", task.Mapping{Src: []string{a}, Dest: []string{f.path("out/a.txt")}})
	f.repo.store["a."+fp.String()+".txt"] = []byte("a")

	require.NoError(t, f.run(t, Options{Steps: []string{"copy"}}))
	assert.Empty(t, f.runner.calls)
}

func TestRun_TransportErrorIsAMiss(t *testing.T) {
	f := newFixture(t, true)
	a := writeFile(t, f.path("a"), "a")
	fp, _ := fingerprint.Files(a)
	name := "a." + fp.String() + ".txt"
	f.runner.add("copy:a", task.Mapping{Src: []string{a}, Dest: []string{f.path("a.txt")}})
	f.repo.store[name] = []byte("unreachable")
	f.repo.fetchErr[name] = errors.New("connection refused")

	require.NoError(t, f.run(t, Options{Steps: []string{"copy:a"}}))

	assert.Len(t, f.runner.calls, 1)
	assert.Equal(t, "a", readFile(t, f.path(name)))
}

func TestRun_UploadFailuresReportedAfterAllAttempts(t *testing.T) {
	f := newFixture(t, true)
	a := writeFile(t, f.path("a"), "a")
	b := writeFile(t, f.path("b"), "b")
	fpA, _ := fingerprint.Files(a)
	f.runner.add("copy:x",
		task.Mapping{Src: []string{a}, Dest: []string{f.path("a.txt")}},
		task.Mapping{Src: []string{b}, Dest: []string{f.path("b.txt")}},
	)
	failing := "a." + fpA.String() + ".txt"
	f.repo.pushErr[failing] = errors.New("503 from server")

	err := f.run(t, Options{Steps: []string{"copy:x"}})
	require.Error(t, err)

	var ue *UploadError
	require.ErrorAs(t, err, &ue)
	require.Len(t, ue.Failures, 1)
	assert.Equal(t, failing, filepath.Base(ue.Failures[0].Path))
	assert.Contains(t, err.Error(), "503 from server")

	// the other upload still went through and the ledger was written
	assert.Len(t, f.repo.pushed, 1)
	assert.Len(t, f.entries(t), 2)
}

func TestRun_NoCredentialSkipsUploads(t *testing.T) {
	f := newFixture(t, false)
	a := writeFile(t, f.path("a"), "a")
	f.runner.add("copy:a", task.Mapping{Src: []string{a}, Dest: []string{f.path("a.txt")}})

	require.NoError(t, f.run(t, Options{Steps: []string{"copy:a"}}))
	assert.Len(t, f.runner.calls, 1)
	assert.Empty(t, f.repo.pushed)
}

func TestRun_SkipExisting(t *testing.T) {
	f := newFixture(t, true)
	a := writeFile(t, f.path("a"), "a")
	fp, _ := fingerprint.Files(a)
	f.runner.add("copy:a", task.Mapping{Src: []string{a}, Dest: []string{f.path("a.txt")}})
	writeFile(t, f.path("a."+fp.String()+".txt"), "already here")

	require.NoError(t, f.run(t, Options{Steps: []string{"copy:a"}, SkipExisting: true}))

	assert.Empty(t, f.repo.fetched)
	assert.Empty(t, f.runner.calls)
	assert.Empty(t, f.repo.pushed)
	assert.Equal(t, "already here", readFile(t, f.path("a."+fp.String()+".txt")))
}

func TestRun_BuildFailure(t *testing.T) {
	f := newFixture(t, true)
	a := writeFile(t, f.path("a"), "a")
	ref := f.runner.add("copy:a", task.Mapping{Src: []string{a}, Dest: []string{f.path("a.txt")}})
	f.runner.fail[ref] = errors.New("compiler exploded")

	err := f.run(t, Options{Steps: []string{"copy:a"}})
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "copy:a", be.Step)
	assert.Empty(t, f.repo.pushed)
	assert.Len(t, f.entries(t), 1)
}

func TestRun_BuildFailureFlushesEarlierSteps(t *testing.T) {
	f := newFixture(t, true)
	a := writeFile(t, f.path("a"), "a")
	b := writeFile(t, f.path("b"), "b")
	fpA, _ := fingerprint.Files(a)
	f.runner.add("copy:a", task.Mapping{Src: []string{a}, Dest: []string{f.path("a.txt")}})
	bad := f.runner.add("copy:b", task.Mapping{Src: []string{b}, Dest: []string{f.path("b.txt")}})
	f.runner.fail[bad] = errors.New("compiler exploded")

	err := f.run(t, Options{Steps: []string{"copy:a", "copy:b"}})
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "copy:b", be.Step)

	assert.Equal(t, []string{"copy:a", "copy:b"}, f.runner.steps())
	assert.Equal(t, []string{"a." + fpA.String() + ".txt"}, f.repo.pushed)
	assert.Len(t, f.entries(t), 2)
}

func TestRun_BuildFailureReportsUploadFailuresToo(t *testing.T) {
	f := newFixture(t, true)
	a := writeFile(t, f.path("a"), "a")
	b := writeFile(t, f.path("b"), "b")
	fpA, _ := fingerprint.Files(a)
	f.runner.add("copy:a", task.Mapping{Src: []string{a}, Dest: []string{f.path("a.txt")}})
	bad := f.runner.add("copy:b", task.Mapping{Src: []string{b}, Dest: []string{f.path("b.txt")}})
	f.runner.fail[bad] = errors.New("compiler exploded")
	f.repo.pushErr["a."+fpA.String()+".txt"] = errors.New("503 from server")

	err := f.run(t, Options{Steps: []string{"copy:a", "copy:b"}})
	var be *BuildError
	assert.ErrorAs(t, err, &be)
	var ue *UploadError
	assert.ErrorAs(t, err, &ue)
}

func TestRun_ConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture) Options
		is    error
		step  string
	}{
		{
			name:  "no steps",
			setup: func(f *fixture) Options { return Options{} },
			is:    ErrNoSteps,
		},
		{
			name: "exclusive modes",
			setup: func(f *fixture) Options {
				return Options{Steps: []string{"x"}, Pipeline: true, VersionAfterBuild: true}
			},
			is: ErrExclusiveModes,
		},
		{
			name:  "unknown step",
			setup: func(f *fixture) Options { return Options{Steps: []string{"nope:x"}} },
			is:    task.ErrUnknownStep,
			step:  "nope:x",
		},
		{
			name:  "unknown bare step",
			setup: func(f *fixture) Options { return Options{Steps: []string{"nope"}} },
			is:    task.ErrUnknownStep,
		},
		{
			name: "missing source",
			setup: func(f *fixture) Options {
				f.runner.add("copy:a", task.Mapping{Src: []string{f.path("missing")}, Dest: []string{f.path("a")}})
				return Options{Steps: []string{"copy:a"}}
			},
			is:   fingerprint.ErrInvalidInput,
			step: "copy:a",
		},
		{
			name: "multiple destinations",
			setup: func(f *fixture) Options {
				src := writeFile(t, f.path("src"), "x")
				f.runner.add("copy:a", task.Mapping{Src: []string{src}, Dest: []string{f.path("a"), f.path("b")}})
				return Options{Steps: []string{"copy:a"}}
			},
			is:   task.ErrMultiDest,
			step: "copy:a",
		},
		{
			name: "no sources",
			setup: func(f *fixture) Options {
				f.runner.add("copy:a", task.Mapping{Dest: []string{f.path("a")}})
				return Options{Steps: []string{"copy:a"}}
			},
			is:   task.ErrNoSources,
			step: "copy:a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			err := f.run(t, tt.setup(f))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.is)

			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.step, ce.Step)

			assert.Empty(t, f.runner.calls)
			assert.Empty(t, f.repo.fetched)
			assert.NoFileExists(t, f.ledger)
		})
	}
}

func TestRun_BareStepsExpandInOrder(t *testing.T) {
	f := newFixture(t, false)
	a := writeFile(t, f.path("a"), "a")
	b := writeFile(t, f.path("b"), "b")
	f.runner.add("copy:second", task.Mapping{Src: []string{b}, Dest: []string{f.path("b.txt")}})
	f.runner.add("copy:first", task.Mapping{Src: []string{a}, Dest: []string{f.path("a.txt")}})
	f.runner.targets["copy"] = append([]string{"options", "_hidden"}, f.runner.targets["copy"]...)

	require.NoError(t, f.run(t, Options{Steps: []string{"copy"}}))
	assert.Equal(t, []string{"copy:second", "copy:first"}, f.runner.steps())
}

func TestRun_LedgerTemplate(t *testing.T) {
	f := newFixture(t, false)
	a := writeFile(t, f.path("hello"), "hello")
	b := writeFile(t, f.path("testing"), "testing")
	f.runner.add("concat:out", task.Mapping{Src: []string{a, b}, Dest: []string{"out.txt"}})
	tpl := writeFile(t, f.path("map.tmpl"), `{{range .Mappings}}{{.OriginalPath}}={{.VersionedPath}};{{end}}`)

	// relative destinations land in the working directory
	t.Chdir(f.dir)

	out := f.path("map.txt")
	require.NoError(t, f.run(t, Options{Steps: []string{"concat:out"}, LedgerPath: out, LedgerTemplate: tpl}))
	assert.Equal(t, "out.txt=out.dee5a47a.txt;", readFile(t, out))
	assert.FileExists(t, f.path("out.dee5a47a.txt"))
}

func TestRun_VersionAfterBuild(t *testing.T) {
	f := newFixture(t, true)
	a := writeFile(t, f.path("a"), "a")
	b := writeFile(t, f.path("b"), "b")
	dest := f.path("dist/ab.txt")
	f.runner.add("concat:ab", task.Mapping{Src: []string{a, b}, Dest: []string{dest}})
	// a cached copy must not be consulted in this mode
	f.repo.store["ab.00000000.txt"] = []byte("ignored")

	require.NoError(t, f.run(t, Options{Steps: []string{"concat"}, VersionAfterBuild: true}))

	fp := fingerprint.Bytes([]byte("a\nb"))
	versioned := f.path("dist/ab." + fp.String() + ".txt")
	assert.FileExists(t, versioned)
	assert.NoFileExists(t, dest)
	assert.Empty(t, f.repo.fetched)

	require.Len(t, f.runner.calls, 1)
	assert.Equal(t, []string{dest}, f.runner.calls[0].mappings[0].Dest)

	assert.Equal(t, []ledger.Entry{{Fingerprint: fp, OriginalPath: dest, VersionedPath: versioned}}, f.entries(t))
	assert.Equal(t, []string{filepath.Base(versioned)}, f.repo.pushed)
}

func TestRun_UsesHasher(t *testing.T) {
	f := newFixture(t, false)
	a := writeFile(t, f.path("a"), "a")
	f.runner.add("copy:a", task.Mapping{Src: []string{a}, Dest: []string{f.path("a.txt")}})

	h := &countingHasher{}
	require.NoError(t, f.run(t, Options{Steps: []string{"copy:a"}}, WithHasher(h)))
	assert.Equal(t, 1, h.calls)
}

func TestOptions_DefaultLedgerPath(t *testing.T) {
	opts := Options{Steps: []string{"copy"}}
	require.NoError(t, opts.Validate())
	assert.Equal(t, ledger.DefaultPath, opts.LedgerPath)
}
