// Package objectstore is the C1 adapter: upload, download, existence check,
// delete, and signed-URL issuance for face crops and model weights, backed
// by Supabase Storage (an S3-compatible object store) through
// github.com/supabase-community/storage-go, the teacher's own storage
// client promoted here from an indirect to a direct dependency.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	storage_go "github.com/supabase-community/storage-go"

	"github.com/busfleet/kiosk-sync/internal/apierr"
	"github.com/busfleet/kiosk-sync/internal/resilience"
)

// Store is the interface every component depends on, letting tests swap in
// an InMemoryStore without touching production wiring.
type Store interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	Download(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
	SignRead(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// ConfirmationFacePath builds the boarding_events/{event_id}/face_{i}.jpg
// object path, per §4.6.
func ConfirmationFacePath(eventID string, faceNumber int) string {
	return fmt.Sprintf("boarding_events/%s/face_%d.jpg", eventID, faceNumber)
}

// ModelWeightsPath builds the models/{name}/{version} object path for model
// weight blobs. The model ensemble (C9) stubs load no weights and do not
// call it.
func ModelWeightsPath(name, version string) string {
	return fmt.Sprintf("models/%s/%s", name, version)
}

// SupabaseStore is the production adapter.
type SupabaseStore struct {
	client *storage_go.Client
	bucket string
}

func NewSupabaseStore(endpoint, serviceKey, bucket string) *SupabaseStore {
	client := storage_go.NewClient(endpoint, serviceKey, nil)
	return &SupabaseStore{client: client, bucket: bucket}
}

func (s *SupabaseStore) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	err := resilience.RetryTransient(ctx, isTransient, func() error {
		_, uerr := s.client.UploadFile(s.bucket, path, bytes.NewReader(data), storage_go.FileOptions{
			ContentType: &contentType,
		})
		return uerr
	})
	if err != nil {
		return apierr.Wrap(apierr.StorageTransient, "objectstore: upload failed", err)
	}
	return nil
}

func (s *SupabaseStore) Download(ctx context.Context, path string) ([]byte, error) {
	var body []byte
	err := resilience.RetryTransient(ctx, isTransient, func() error {
		resp, derr := s.client.DownloadFile(s.bucket, path)
		if derr != nil {
			return derr
		}
		body = resp
		return nil
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageTransient, "objectstore: download failed", err)
	}
	return body, nil
}

func (s *SupabaseStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.DownloadFile(s.bucket, path)
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (s *SupabaseStore) Delete(ctx context.Context, path string) error {
	_, err := s.client.RemoveFile(s.bucket, []string{path})
	if err != nil {
		return apierr.Wrap(apierr.StoragePermanent, "objectstore: delete failed", err)
	}
	return nil
}

func (s *SupabaseStore) SignRead(ctx context.Context, path string, ttl time.Duration) (string, error) {
	var url string
	err := resilience.RetryTransient(ctx, isTransient, func() error {
		resp, serr := s.client.CreateSignedUrl(s.bucket, path, int(ttl.Seconds()))
		if serr != nil {
			return serr
		}
		url = resp.SignedURL
		return nil
	})
	if err != nil {
		return "", apierr.Wrap(apierr.StorageTransient, "objectstore: sign url failed", err)
	}
	return url, nil
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	return true
}

// InMemoryStore is a process-local fake used by tests and local dev,
// matching the teacher's pattern of an in-memory fallback alongside every
// networked dependency.
type InMemoryStore struct {
	objects map[string][]byte
	deleted map[string]bool
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{objects: make(map[string][]byte)}
}

func (s *InMemoryStore) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	s.objects[path] = append([]byte(nil), data...)
	return nil
}

func (s *InMemoryStore) Download(ctx context.Context, path string) ([]byte, error) {
	data, ok := s.objects[path]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "object not found")
	}
	return data, nil
}

func (s *InMemoryStore) Exists(ctx context.Context, path string) (bool, error) {
	_, ok := s.objects[path]
	return ok, nil
}

func (s *InMemoryStore) Delete(ctx context.Context, path string) error {
	delete(s.objects, path)
	return nil
}

func (s *InMemoryStore) SignRead(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if _, ok := s.objects[path]; !ok {
		return "", apierr.New(apierr.NotFound, "object not found")
	}
	return fmt.Sprintf("https://local.test/%s?expires=%d", path, time.Now().Add(ttl).Unix()), nil
}

var _ io.Reader = (*bytes.Reader)(nil)
