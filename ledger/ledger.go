// Package ledger accumulates the original to versioned path mappings produced
// during one run and writes them out as a single file.
package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"text/template"

	"tangled.sh/tangled.sh/magpie/fingerprint"
)

const DefaultPath = "versioned_files.json"

type Entry struct {
	Fingerprint   fingerprint.Fingerprint `json:"fingerprint"`
	OriginalPath  string                  `json:"originalPath"`
	VersionedPath string                  `json:"versionedPath"`
}

// templateData is what a ledger template is executed against.
type templateData struct {
	Mappings []Entry
}

type Ledger struct {
	mu       sync.Mutex
	entries  []Entry
	pending  bool
	path     string
	template string
}

// New returns an empty ledger writing to path. When templatePath is set the
// file is rendered from that text/template instead of written as JSON.
func New(path, templatePath string) *Ledger {
	if path == "" {
		path = DefaultPath
	}
	return &Ledger{path: path, template: templatePath}
}

func (l *Ledger) Path() string {
	return l.path
}

// Record appends e. Entries are never deduplicated.
func (l *Ledger) Record(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	l.pending = true
}

func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

func (l *Ledger) HasPendingChanges() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// Persist writes every entry recorded so far. An empty ledger is still
// written, as "[]" or the template rendered with no mappings.
func (l *Ledger) Persist() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := l.render()
	if err != nil {
		return err
	}

	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating ledger directory: %w", err)
		}
	}
	if err := os.WriteFile(l.path, data, 0o644); err != nil {
		return fmt.Errorf("writing ledger: %w", err)
	}

	l.pending = false
	return nil
}

func (l *Ledger) render() ([]byte, error) {
	entries := l.entries
	if entries == nil {
		entries = []Entry{}
	}

	if l.template == "" {
		data, err := json.Marshal(entries)
		if err != nil {
			return nil, fmt.Errorf("encoding ledger: %w", err)
		}
		return data, nil
	}

	tpl, err := template.ParseFiles(l.template)
	if err != nil {
		return nil, fmt.Errorf("parsing ledger template: %w", err)
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, templateData{Mappings: entries}); err != nil {
		return nil, fmt.Errorf("rendering ledger template: %w", err)
	}
	return buf.Bytes(), nil
}
