package task

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"tangled.sh/tangled.sh/magpie/log"
)

const (
	BuiltinConcat = "concat"
	BuiltinCopy   = "copy"

	EnvSrc  = "MAGPIE_SRC"
	EnvDest = "MAGPIE_DEST"
)

// Exec runs the targets of a step file. A target is built either by a
// builtin or by its run command, which is executed with sh once per mapping
// with MAGPIE_SRC (newline separated) and MAGPIE_DEST set.
type Exec struct {
	file *File
	dir  string
	l    *slog.Logger
}

// NewExec creates a runner for f. Commands run in dir, or the current
// directory when dir is empty.
func NewExec(ctx context.Context, f *File, dir string) *Exec {
	l := log.SubLogger(log.FromContext(ctx), "exec")
	return &Exec{file: f, dir: dir, l: l}
}

func (e *Exec) Targets(kind string) ([]string, error) {
	k, ok := e.file.Kind(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStep, kind)
	}
	return k.Keys(), nil
}

func (e *Exec) Mappings(ref Ref) ([]Mapping, error) {
	t, err := e.file.Lookup(ref)
	if err != nil {
		return nil, err
	}
	return t.Mappings(), nil
}

func (e *Exec) RunRestricted(ctx context.Context, ref Ref, mappings []Mapping) error {
	t, err := e.file.Lookup(ref)
	if err != nil {
		return err
	}

	for _, m := range mappings {
		dest, err := m.SingleDest()
		if err != nil {
			return fmt.Errorf("%s: %w", ref, err)
		}

		if err := os.MkdirAll(filepath.Dir(e.path(dest)), 0o755); err != nil {
			return fmt.Errorf("%s: creating destination directory: %w", ref, err)
		}

		e.l.Debug("building", "step", ref.String(), "dest", dest)

		switch {
		case t.Builtin != "":
			err = e.builtin(t, m.Src, dest)
		case t.Run != "":
			err = e.command(ctx, t, m.Src, dest)
		default:
			err = fmt.Errorf("target has neither run nor builtin")
		}
		if err != nil {
			return fmt.Errorf("%s: %w", ref, err)
		}
	}

	return nil
}

func (e *Exec) path(p string) string {
	if e.dir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.dir, p)
}

func (e *Exec) builtin(t Target, src []string, dest string) error {
	switch t.Builtin {
	case BuiltinConcat:
		sep, ok := t.Options["separator"]
		if !ok {
			sep = "\n"
		}

		var buf bytes.Buffer
		for i, s := range src {
			data, err := os.ReadFile(e.path(s))
			if err != nil {
				return err
			}
			if i > 0 {
				buf.WriteString(sep)
			}
			buf.Write(data)
		}
		return os.WriteFile(e.path(dest), buf.Bytes(), 0o644)

	case BuiltinCopy:
		if len(src) != 1 {
			return fmt.Errorf("copy takes exactly one source, got %d", len(src))
		}
		data, err := os.ReadFile(e.path(src[0]))
		if err != nil {
			return err
		}
		return os.WriteFile(e.path(dest), data, 0o644)

	default:
		return fmt.Errorf("unknown builtin %q", t.Builtin)
	}
}

func (e *Exec) command(ctx context.Context, t Target, src []string, dest string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", t.Run)
	cmd.Dir = e.dir
	cmd.Env = append(os.Environ(),
		EnvSrc+"="+strings.Join(src, "\n"),
		EnvDest+"="+dest,
	)
	for k, v := range t.Options {
		cmd.Env = append(cmd.Env, "MAGPIE_OPT_"+strings.ToUpper(k)+"="+v)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("running %q: %w: %s", t.Run, err, strings.TrimSpace(string(out)))
	}
	if len(out) > 0 {
		e.l.Debug("command output", "dest", dest, "output", strings.TrimSpace(string(out)))
	}

	return nil
}
