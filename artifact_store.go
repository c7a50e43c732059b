package querycore

import (
	"context"
	"io"
	"os"
	"path/filepath"
)

// ArtifactStore persists finished export artifacts. The export manager
// always builds artifacts on local disk; a non-filesystem store receives
// the finished file and serves later downloads, so exports survive the
// process that produced them.
type ArtifactStore interface {
	// Put stores the artifact under key, replacing any previous content
	Put(ctx context.Context, key string, r io.Reader) error

	// Open returns the artifact content and its size in bytes
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Delete removes the artifact; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error
}

// FSArtifactStore keeps artifacts as plain files under one directory.
// Writes go through a temp file and rename.
type FSArtifactStore struct {
	dir string
}

// NewFSArtifactStore creates the directory if needed and returns the store
func NewFSArtifactStore(dir string) (*FSArtifactStore, error) {
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return nil, WithContext(ErrExportFailed, map[string]interface{}{
			"op":     "artifact_store_init",
			"dir":    dir,
			"reason": err.Error(),
		})
	}
	return &FSArtifactStore{dir: dir}, nil
}

// Path returns the on-disk location for a key
func (s *FSArtifactStore) Path(key string) string {
	return filepath.Join(s.dir, filepath.Base(key))
}

func (s *FSArtifactStore) Put(ctx context.Context, key string, r io.Reader) error {
	path := s.Path(key)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(key)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *FSArtifactStore) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	path := s.Path(key)
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func (s *FSArtifactStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.Path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
