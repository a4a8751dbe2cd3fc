// Package assets is the content-addressed blob store behind uploads.
// Filenames are the 64-hex blake3 digest of the content plus the
// original extension, so re-uploads are free and the cleaner can diff
// the listing against the set of reachable URLs.
package assets

import (
	"context"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
	"github.com/zeebo/errs"
)

// Error is the class wrapping every failure escaping this package.
var Error = errs.Class("assets")

// Store is the injected asset collaborator.
type Store interface {
	// Upload stores content and returns its content-addressed filename.
	Upload(ctx context.Context, ext string, r io.Reader) (string, error)
	// Exists reports whether a named asset is already stored.
	Exists(ctx context.Context, name string) (bool, error)
	// List returns the set of stored asset names.
	List(ctx context.Context) (map[string]struct{}, error)
	// Delete removes the named assets. Missing names are not errors.
	Delete(ctx context.Context, names map[string]struct{}) error
	// URL returns the public base URL assets resolve under.
	URL() string
}

var casName = regexp.MustCompile(`^[0-9a-f]{64}(\.[A-Za-z0-9]+)?$`)

// ValidName reports whether a filename is a well-formed
// content-addressed asset name.
func ValidName(name string) bool {
	return casName.MatchString(name)
}

// FS is the local-directory store.
type FS struct {
	dir string
	url string
}

// NewFS creates the directory if needed and returns a store over it.
func NewFS(dir, baseURL string) (*FS, error) {
	if dir == "" {
		return nil, Error.New("assets dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Error.Wrap(err)
	}
	return &FS{dir: dir, url: strings.TrimRight(baseURL, "/")}, nil
}

// Upload hashes the content to a temp file and renames it into place.
func (f *FS) Upload(ctx context.Context, ext string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Error.Wrap(err)
	}
	tmp, err := os.CreateTemp(f.dir, ".upload-*")
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer os.Remove(tmp.Name())

	hasher := blake3.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), r); err != nil {
		tmp.Close()
		return "", Error.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return "", Error.Wrap(err)
	}

	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	name := hex.EncodeToString(hasher.Sum(nil))
	if ext != "" {
		name += "." + ext
	}
	dest := filepath.Join(f.dir, name)
	if _, err := os.Stat(dest); err == nil {
		return name, nil
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", Error.Wrap(err)
	}
	return name, nil
}

// Exists reports whether the named asset is on disk.
func (f *FS) Exists(ctx context.Context, name string) (bool, error) {
	if !ValidName(name) {
		return false, nil
	}
	_, err := os.Stat(filepath.Join(f.dir, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, Error.Wrap(err)
}

// List returns the names of every stored asset.
func (f *FS) List(ctx context.Context) (map[string]struct{}, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !ValidName(entry.Name()) {
			continue
		}
		out[entry.Name()] = struct{}{}
	}
	return out, nil
}

// Delete removes the named assets; missing files are skipped.
func (f *FS) Delete(ctx context.Context, names map[string]struct{}) error {
	var group errs.Group
	for name := range names {
		if !ValidName(name) {
			continue
		}
		if err := os.Remove(filepath.Join(f.dir, name)); err != nil && !os.IsNotExist(err) {
			group.Add(err)
		}
	}
	return Error.Wrap(group.Err())
}

// URL returns the public base URL.
func (f *FS) URL() string { return f.url }
