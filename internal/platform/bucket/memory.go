package bucket

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
)

type memObject struct {
	data        []byte
	contentType string
	updated     time.Time
}

// MemoryService keeps objects in process memory. Test wiring only.
type MemoryService struct {
	mu      sync.Mutex
	objects map[string]memObject
}

func NewMemoryService() *MemoryService {
	return &MemoryService{objects: make(map[string]memObject)}
}

func memKey(class Classification, key string) string {
	return string(class) + "/" + key
}

func (s *MemoryService) Upload(_ context.Context, class Classification, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[memKey(class, key)] = memObject{data: data, contentType: contentType, updated: time.Now().UTC()}
	return nil
}

func (s *MemoryService) Download(_ context.Context, class Classification, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[memKey(class, key)]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MemoryService) Stat(_ context.Context, class Classification, key string) (*ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[memKey(class, key)]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &ObjectInfo{
		Key:         key,
		Size:        int64(len(obj.data)),
		ContentType: obj.contentType,
		Updated:     obj.updated,
	}, nil
}

func (s *MemoryService) SignedURL(class Classification, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[memKey(class, key)]; !ok {
		return "", apperr.ErrNotFound
	}
	return fmt.Sprintf("memory://%s/%s?signed=1", class, key), nil
}

func (s *MemoryService) Delete(_ context.Context, class Classification, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, memKey(class, key))
	return nil
}
