package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// ErrObjectNotFound is returned by ObjectStore reads of a missing object.
var ErrObjectNotFound = errors.New("object not found")

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GCSURI formats a gs:// URI.
func GCSURI(bucket, key string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, key)
}

// ParseGCSURI splits a gs:// URI into bucket and object name.
func ParseGCSURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// URI: %q", uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket in URI: %q", uri)
	}
	return bucket, key, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// ObjectStore is the Cloud Storage access used by the pipeline.
type ObjectStore struct {
	client *storage.Client
}

func NewObjectStore(client *storage.Client) *ObjectStore {
	return &ObjectStore{client: client}
}

// List returns the names of all objects under prefix, in lexical order.
func (s *ObjectStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list gs://%s/%s: %w", bucket, prefix, err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func (s *ObjectStore) Read(ctx context.Context, bucket, key string) ([]byte, error) {
	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", GCSURI(bucket, key), ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get GCS object reader for %s: %w", GCSURI(bucket, key), err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", GCSURI(bucket, key), err)
	}
	return data, nil
}

// Write stores data only if the object does not already exist. An existing
// object is left untouched and is not an error, so replays converge.
func (s *ObjectStore) Write(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	w := s.client.Bucket(bucket).Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping write.", "gcsObject", GCSURI(bucket, key))
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping write.", "gcsObject", GCSURI(bucket, key))
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write for %s: %w", GCSURI(bucket, key), err)
	}
	return nil
}

func (s *ObjectStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.Bucket(bucket).Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", GCSURI(bucket, key), err)
	}
	return true, nil
}

// Move copies src to dst within bucket and then deletes src. A move that was
// already completed by an earlier attempt is a no-op.
func (s *ObjectStore) Move(ctx context.Context, bucket, src, dst string) error {
	b := s.client.Bucket(bucket)
	_, err := b.Object(dst).If(storage.Conditions{DoesNotExist: true}).CopierFrom(b.Object(src)).Run(ctx)
	switch {
	case err == nil, isPreconditionFailed(err):
	case errors.Is(err, storage.ErrObjectNotExist):
		if ok, statErr := s.Exists(ctx, bucket, dst); statErr == nil && ok {
			slog.Info("Source already moved.", "gcsObject", GCSURI(bucket, src), "destination", dst)
			return nil
		}
		return fmt.Errorf("%s: %w", GCSURI(bucket, src), ErrObjectNotFound)
	default:
		return fmt.Errorf("failed to copy %s to %s: %w", GCSURI(bucket, src), dst, err)
	}
	return s.Delete(ctx, bucket, src)
}

// Delete removes an object. Deleting a missing object is not an error.
func (s *ObjectStore) Delete(ctx context.Context, bucket, key string) error {
	err := s.client.Bucket(bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete %s: %w", GCSURI(bucket, key), err)
	}
	return nil
}
