// Package servertest runs an in-process artifact server for tests.
package servertest

import (
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"tangled.sh/tangled.sh/magpie/config"
	"tangled.sh/tangled.sh/magpie/log"
	"tangled.sh/tangled.sh/magpie/repository"
	"tangled.sh/tangled.sh/magpie/server"
	"tangled.sh/tangled.sh/magpie/server/db"
	"tangled.sh/tangled.sh/magpie/telemetry"
)

type Server struct {
	*httptest.Server
	Blobs *repository.Dir
	DB    *db.DB
}

// New starts a server accepting uploads authenticated with apiKey. It is
// closed when the test ends.
func New(t testing.TB, apiKey string) *Server {
	t.Helper()
	dir := t.TempDir()

	d, err := db.Make(filepath.Join(dir, "magpie.db"))
	if err != nil {
		t.Fatalf("creating db: %v", err)
	}

	blobs, err := repository.NewDir(filepath.Join(dir, "blobs"), "")
	if err != nil {
		t.Fatalf("creating blob dir: %v", err)
	}

	tel, err := telemetry.New(context.Background(), "servertest", "test", telemetry.Off)
	if err != nil {
		t.Fatalf("setting up telemetry: %v", err)
	}

	cfg := config.Server{ApiKey: apiKey, MaxUploadSize: 1 << 20}
	s := server.New(cfg, d, blobs, tel, log.NewWriter(io.Discard, "servertest"))

	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ts.Close()
		d.Close()
	})

	return &Server{Server: ts, Blobs: blobs, DB: d}
}

// Seed stores an artifact directly, bypassing the upload endpoint.
func (s *Server) Seed(t testing.TB, name string, r io.Reader) {
	t.Helper()
	n, err := s.Blobs.Put(name, r)
	if err != nil {
		t.Fatalf("seeding %s: %v", name, err)
	}
	if err := s.DB.PutArtifact(name, n); err != nil {
		t.Fatalf("indexing %s: %v", name, err)
	}
}
