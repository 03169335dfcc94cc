package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Dir keeps artifacts as files in a single directory. It backs file://
// server urls and the blob storage of the artifact server.
type Dir struct {
	root   string
	apiKey string
}

func NewDir(root, apiKey string) (*Dir, error) {
	if root == "" {
		return nil, errors.New("empty artifact directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}

	return &Dir{root: root, apiKey: apiKey}, nil
}

func (d *Dir) Root() string {
	return d.root
}

// Path resolves the on-disk location of an artifact name, refusing names
// that would escape the root.
func (d *Dir) Path(name string) (string, error) {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return securejoin.SecureJoin(d.root, name)
}

func (d *Dir) CanPush() bool {
	return d.apiKey != ""
}

func (d *Dir) Fetch(ctx context.Context, versionedPath string) ([]byte, error) {
	p, err := d.Path(ArtifactName(versionedPath))
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return data, nil
}

func (d *Dir) Push(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrLocalFileMissing, localPath)
		}
		return err
	}
	defer f.Close()

	_, err = d.Put(ArtifactName(localPath), f)
	return err
}

// Put writes r under name atomically and returns the number of bytes stored.
func (d *Dir) Put(name string, r io.Reader) (int64, error) {
	p, err := d.Path(name)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(d.root, ".upload-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}

	if err := os.Rename(tmp.Name(), p); err != nil {
		return 0, err
	}

	return n, nil
}

// Open returns a reader over a stored artifact, or ErrNotFound.
func (d *Dir) Open(name string) (*os.File, error) {
	p, err := d.Path(name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return f, nil
}
