package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pusher uploads a single local file.
type Pusher interface {
	Push(ctx context.Context, localPath string) error
}

// Result is the settled outcome of one upload; Err is nil on success.
type Result struct {
	Path string
	Err  error
}

func (r Result) Ok() bool {
	return r.Err == nil
}

func (r Result) String() string {
	if r.Err == nil {
		return fmt.Sprintf("%s: uploaded", r.Path)
	}
	return fmt.Sprintf("%s: %s", r.Path, r.Err)
}

// Queue is a deduplicated list of files awaiting upload. Files are only
// pushed when Flush is called.
type Queue struct {
	mu      sync.Mutex
	pending []string
	queued  map[string]struct{}
	pusher  Pusher
	limit   int
}

type Opt func(*Queue)

// WithConcurrency caps the number of uploads in flight during Flush. Zero
// or a negative n means unbounded, which is also the default.
func WithConcurrency(n int) Opt {
	return func(q *Queue) {
		if n <= 0 {
			n = -1
		}
		q.limit = n
	}
}

func NewQueue(pusher Pusher, opts ...Opt) *Queue {
	q := &Queue{
		queued: make(map[string]struct{}),
		pusher: pusher,
		limit:  -1,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue adds path, resolved to an absolute path. It returns false when the
// path is already queued.
func (q *Queue) Enqueue(path string) bool {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queued[path]; ok {
		return false
	}
	q.queued[path] = struct{}{}
	q.pending = append(q.pending, path)
	return true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a copy of the queued paths in insertion order.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.pending...)
}

// Flush pushes every queued file concurrently and waits for all of them.
// Results are in insertion order. A failed upload never stops the others.
// The queue is empty afterwards whatever the outcome.
func (q *Queue) Flush(ctx context.Context) []Result {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.queued = make(map[string]struct{})
	q.mu.Unlock()

	results := make([]Result, len(pending))

	var g errgroup.Group
	g.SetLimit(q.limit)
	for i, p := range pending {
		g.Go(func() error {
			results[i] = Result{Path: p, Err: q.pusher.Push(ctx, p)}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Failed filters results down to the failures.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Ok() {
			failed = append(failed, r)
		}
	}
	return failed
}
