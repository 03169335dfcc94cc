package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/carlmjohnson/versioninfo"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/magpie/config"
	"tangled.sh/tangled.sh/magpie/log"
	"tangled.sh/tangled.sh/magpie/repository"
	"tangled.sh/tangled.sh/magpie/server/db"
	"tangled.sh/tangled.sh/magpie/telemetry"
)

// multipart parts beyond this are spooled to disk by net/http
const maxMemory = 32 << 20

type Server struct {
	db    *db.DB
	blobs *repository.Dir
	cfg   config.Server
	t     *telemetry.Telemetry
	l     *slog.Logger
}

func New(cfg config.Server, d *db.DB, blobs *repository.Dir, t *telemetry.Telemetry, l *slog.Logger) *Server {
	return &Server{db: d, blobs: blobs, cfg: cfg, t: t, l: l}
}

func Command() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run an artifact server",
		Action: Run,
		Description: `
Environment variables:
	MAGPIE_SERVER_API_KEY          (required for uploads)
	MAGPIE_SERVER_LISTEN_ADDR      (default: 0.0.0.0:8888)
	MAGPIE_SERVER_DB_PATH          (default: magpie.db)
	MAGPIE_SERVER_BLOB_DIR         (default: artifacts)
	MAGPIE_SERVER_MAX_UPLOAD_SIZE  (default: 536870912)
	MAGPIE_SERVER_TELEMETRY        (off, stdout or otlp; default: off)
`,
	}
}

func Run(ctx context.Context, cmd *cli.Command) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}
	defer d.Close()

	blobs, err := repository.NewDir(cfg.Server.BlobDir, "")
	if err != nil {
		return fmt.Errorf("failed to setup blob dir: %w", err)
	}

	if cfg.Server.ApiKey == "" {
		logger.Warn("no api key configured, uploads are disabled")
	}

	mode, err := telemetry.ParseMode(cfg.Server.Telemetry)
	if err != nil {
		return err
	}
	t, err := telemetry.New(ctx, "magpie-server", versioninfo.Short(), mode)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer t.Shutdown(context.Background())

	s := New(cfg.Server, d, blobs, t, logger)

	logger.Info("starting artifact server", "address", cfg.Server.ListenAddr, "blobs", blobs.Root())
	srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: s.Router()}

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(s.t.RequestInFlight())
	mux.Use(s.t.RequestDuration())

	mux.Get("/artifacts", s.List)
	mux.Get("/artifacts/{name}", s.Download)
	mux.Post("/upload", s.Upload)

	return s.t.Trace(mux)
}

func (s *Server) List(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.db.Artifacts()
	if err != nil {
		s.l.Error("listing artifacts", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if artifacts == nil {
		artifacts = []db.Artifact{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(artifacts)
}

// Download serves an indexed artifact. Blobs the index does not know about
// are treated as missing.
func (s *Server) Download(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	a, err := s.db.GetArtifact(name)
	if err != nil {
		if errors.Is(err, db.ErrArtifactNotFound) {
			http.NotFound(w, r)
			return
		}
		s.l.Error("looking up artifact", "name", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	f, err := s.blobs.Open(name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.l.Warn("opening artifact", "name", name, "error", err)
		http.Error(w, "bad artifact name", http.StatusBadRequest)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, name, a.Created, f)
}

func (s *Server) Upload(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if s.cfg.MaxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	}

	if err := r.ParseMultipartForm(maxMemory); err != nil {
		http.Error(w, "invalid upload", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(repository.UploadField)
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	n, err := s.blobs.Put(name, file)
	if err != nil {
		s.l.Error("storing artifact", "name", name, "error", err)
		http.Error(w, "could not store artifact", http.StatusBadRequest)
		return
	}

	if err := s.db.PutArtifact(name, n); err != nil {
		s.l.Error("indexing artifact", "name", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.l.Info("stored artifact", "name", name, "size", humanize.Bytes(uint64(n)))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.ApiKey == "" {
		return false
	}
	got := r.Header.Get(repository.ApiKeyHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.ApiKey)) == 1
}
