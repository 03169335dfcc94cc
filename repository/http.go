package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/carlmjohnson/versioninfo"
)

const (
	ApiKeyHeader   = "X-Api-Key"
	UploadField    = "file"
	artifactsRoute = "artifacts"
	uploadRoute    = "upload"
)

// UserAgent identifies the client and its build to the store.
func UserAgent() string {
	return "magpie/" + versioninfo.Short()
}

type HTTPOpts struct {
	Timeout  time.Duration
	Attempts uint
	// Delay is the base backoff between attempts.
	Delay  time.Duration
	Client *http.Client
}

// HTTP is the default backend: GET /artifacts/{name} and a multipart
// POST /upload guarded by an api key header.
type HTTP struct {
	base   string
	apiKey string
	client *http.Client
	opts   HTTPOpts
}

func NewHTTP(base, apiKey string, opts HTTPOpts) *HTTP {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.Delay == 0 {
		opts.Delay = 200 * time.Millisecond
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	return &HTTP{
		base:   base,
		apiKey: apiKey,
		client: client,
		opts:   opts,
	}
}

func (h *HTTP) CanPush() bool {
	return h.apiKey != ""
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.code)
}

// only network failures and server-side errors are worth another attempt
func retryable(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrLocalFileMissing) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return true
}

func (h *HTTP) retryOpts(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(h.opts.Attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(h.opts.Delay),
		retry.MaxJitter(h.opts.Delay / 5),
		retry.RetryIf(retryable),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

func (h *HTTP) Fetch(ctx context.Context, versionedPath string) ([]byte, error) {
	u, err := url.JoinPath(h.base, artifactsRoute, ArtifactName(versionedPath))
	if err != nil {
		return nil, fmt.Errorf("building artifact url: %w", err)
	}

	data, err := retry.DoWithData(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", UserAgent())

		resp, err := h.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			return io.ReadAll(resp.Body)
		case http.StatusNotFound:
			return nil, ErrNotFound
		default:
			return nil, &statusError{resp.StatusCode}
		}
	}, h.retryOpts(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", u, err)
	}

	return data, nil
}

func (h *HTTP) Push(ctx context.Context, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrLocalFileMissing, localPath)
		}
		return fmt.Errorf("reading %s: %w", localPath, err)
	}

	u, err := url.JoinPath(h.base, uploadRoute)
	if err != nil {
		return fmt.Errorf("building upload url: %w", err)
	}

	err = retry.Do(func() error {
		body, contentType, err := multipartBody(ArtifactName(localPath), data)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set(ApiKeyHeader, h.apiKey)
		req.Header.Set("User-Agent", UserAgent())

		resp, err := h.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return &statusError{resp.StatusCode}
		}
		return nil
	}, h.retryOpts(ctx)...)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", localPath, err)
	}

	return nil
}

func multipartBody(name string, data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile(UploadField, name)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}

	return &buf, mw.FormDataContentType(), nil
}
