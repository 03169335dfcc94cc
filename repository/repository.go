// Package repository talks to the remote artifact store. Artifacts are
// addressed by the base name of their versioned path, so the store is a flat
// key/value namespace.
package repository

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"tangled.sh/tangled.sh/magpie/config"
)

var (
	// ErrNotFound means the store does not hold the artifact: a cache miss.
	ErrNotFound = errors.New("artifact not found")
	// ErrLocalFileMissing means a push was requested for a file that does
	// not exist locally, which is an ordering bug in the caller.
	ErrLocalFileMissing = errors.New("local file missing")
)

type Repository interface {
	// Fetch returns the bytes stored for versionedPath. The caller writes
	// them to disk.
	Fetch(ctx context.Context, versionedPath string) ([]byte, error)
	// Push uploads the local file under its base name.
	Push(ctx context.Context, localPath string) error
	// CanPush reports whether uploads are permitted. It performs no I/O.
	CanPush() bool
}

// ensure that we are satisfying the interface
var (
	_ = []Repository{
		&HTTP{},
		&Redis{},
		&Dir{},
	}
)

// ArtifactName is the key an artifact is stored under.
func ArtifactName(path string) string {
	return filepath.Base(path)
}

// IsTransportError reports whether err is a failure talking to the store, as
// opposed to a miss or a missing local file.
func IsTransportError(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrLocalFileMissing)
}

// Open picks a backend from the scheme of cfg.ServerUrl. A bare host:port is
// treated as http.
func Open(cfg config.Client) (Repository, error) {
	raw := cfg.ServerUrl
	if raw == "" {
		return nil, errors.New("no server url configured")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		return NewHTTP(u.String(), cfg.ApiKey, HTTPOpts{
			Timeout:  cfg.Timeout,
			Attempts: cfg.Retries,
		}), nil
	case "redis", "rediss":
		return NewRedis(u.String(), cfg.ApiKey)
	case "file":
		return NewDir(u.Path, cfg.ApiKey)
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
}
