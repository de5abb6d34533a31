package envelope

import (
	"context"
	"fmt"
	"sync"
)

// FileStorage is the file persistence collaborator. The engine only keeps
// the returned path plus hash and size; it never interprets file bytes
// beyond the driver's size/MIME constraints.
type FileStorage interface {
	Store(ctx context.Context, key string, content []byte) (path string, err error)
	Retrieve(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// MemoryStorage keeps file bytes in memory; the test and development
// implementation of FileStorage.
type MemoryStorage struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{files: make(map[string][]byte)}
}

func (s *MemoryStorage) Store(_ context.Context, key string, content []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(content))
	copy(buf, content)
	s.files[key] = buf
	return key, nil
}

func (s *MemoryStorage) Retrieve(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("file %q not stored", path)
	}
	out := make([]byte, len(content))
	copy(out, content)
	return out, nil
}

func (s *MemoryStorage) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, path)
	return nil
}
