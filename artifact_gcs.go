package querycore

import (
	"context"
	"errors"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSArtifactStore keeps export artifacts in a Google Cloud Storage bucket
// under an optional key prefix.
type GCSArtifactStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSArtifactStore wraps an existing storage client as an artifact store
func NewGCSArtifactStore(client *storage.Client, bucket, prefix string) *GCSArtifactStore {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &GCSArtifactStore{client: client, bucket: bucket, prefix: prefix}
}

// NewGCSArtifactStoreFromCredentials builds a client from a service account
// file, or application default credentials when the path is empty.
func NewGCSArtifactStoreFromCredentials(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSArtifactStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return NewGCSArtifactStore(client, bucket, prefix), nil
}

func (s *GCSArtifactStore) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + key)
}

func (s *GCSArtifactStore) Put(ctx context.Context, key string, r io.Reader) error {
	w := s.object(key).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (s *GCSArtifactStore) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	r, err := s.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, 0, ErrJobNotFound
		}
		return nil, 0, err
	}
	return r, r.Attrs.Size, nil
}

func (s *GCSArtifactStore) Delete(ctx context.Context, key string) error {
	err := s.object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}
