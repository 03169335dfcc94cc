package db

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrArtifactNotFound = errors.New("artifact not found")

type DB struct {
	*sql.DB
}

type Artifact struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Created time.Time `json:"created"`
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_busy_timeout=5000",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		create table if not exists artifacts (
			name text primary key,
			size integer not null,
			created text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

// PutArtifact records an upload, replacing any earlier record of the name.
func (d *DB) PutArtifact(name string, size int64) error {
	_, err := d.Exec(`
		insert into artifacts (name, size, created)
		values (?, ?, strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		on conflict(name) do update set size = excluded.size, created = excluded.created
	`, name, size)
	return err
}

func (d *DB) GetArtifact(name string) (Artifact, error) {
	var a Artifact
	var created string
	err := d.QueryRow(`select name, size, created from artifacts where name = ?`, name).
		Scan(&a.Name, &a.Size, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, ErrArtifactNotFound
		}
		return a, err
	}

	a.Created, err = time.Parse(time.RFC3339, created)
	return a, err
}

func (d *DB) Artifacts() ([]Artifact, error) {
	rows, err := d.Query(`select name, size, created from artifacts order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		var created string
		if err := rows.Scan(&a.Name, &a.Size, &created); err != nil {
			return nil, err
		}
		if a.Created, err = time.Parse(time.RFC3339, created); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}

	return artifacts, rows.Err()
}
