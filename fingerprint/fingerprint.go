// Package fingerprint derives short content identifiers for build inputs and
// embeds them in destination paths.
//
// A fingerprint is the SHA-1 of a single file's bytes, or, for several files,
// the SHA-1 of the concatenated hex digests of each file in input order. Only
// the first 8 hex characters are kept. Artifacts already in the store were
// named this way, so neither the hash nor the length can change.
package fingerprint

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Length is the number of hex characters kept from the digest.
const Length = 8

var ErrInvalidInput = errors.New("invalid fingerprint input")

type Fingerprint string

func (f Fingerprint) String() string {
	return string(f)
}

// Files computes the fingerprint of paths in order, without memoization.
func Files(paths ...string) (Fingerprint, error) {
	return combine(paths, fileDigest)
}

// Bytes computes the fingerprint of a single in-memory blob.
func Bytes(data []byte) Fingerprint {
	return truncate(digest(data))
}

// VersionedPath inserts fp before the extension of path, or appends it when
// path has no extension. The directory and extension are preserved.
func VersionedPath(path string, fp Fingerprint) string {
	ext := filepath.Ext(path)
	// a leading dot names a hidden file, not an extension
	if ext == filepath.Base(path) {
		ext = ""
	}
	base := strings.TrimSuffix(path, ext)
	return base + "." + string(fp) + ext
}

type digestFunc func(path string) (string, error)

func combine(paths []string, fn digestFunc) (Fingerprint, error) {
	if len(paths) == 0 {
		return "", fmt.Errorf("%w: no files", ErrInvalidInput)
	}

	var sb strings.Builder
	for _, p := range paths {
		d, err := fn(p)
		if err != nil {
			return "", err
		}
		sb.WriteString(d)
	}

	combined := sb.String()
	if len(paths) > 1 {
		combined = digest([]byte(combined))
	}

	return truncate(combined), nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if st.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrInvalidInput, path)
	}

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("%w: reading %s: %w", ErrInvalidInput, path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func digest(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func truncate(hexDigest string) Fingerprint {
	return Fingerprint(hexDigest[:Length])
}
