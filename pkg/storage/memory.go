package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps objects in process memory. Test double for Store.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.objects[path]
	if !ok {
		return nil, fmt.Errorf("getting %s: %w", path, ErrNotFound)
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStore) GetJSON(ctx context.Context, path string, v any) error {
	r, err := s.Get(ctx, path)
	if err != nil {
		return err
	}
	defer r.Close()

	return json.NewDecoder(r).Decode(v)
}

func (s *MemoryStore) Put(ctx context.Context, path string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[path] = data

	return nil
}

func (s *MemoryStore) PutJSON(ctx context.Context, path string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return s.Put(ctx, path, bytes.NewReader(payload), int64(len(payload)))
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, path)

	return nil
}

func (s *MemoryStore) DeletePrefix(ctx context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for path := range s.objects {
		if strings.HasPrefix(path, prefix) {
			delete(s.objects, path)
		}
	}

	return nil
}

func (s *MemoryStore) Copy(ctx context.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.objects[src]
	if !ok {
		return fmt.Errorf("copying %s: %w", src, ErrNotFound)
	}

	s.objects[dst] = append([]byte(nil), data...)

	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var paths []string

	for path := range s.objects {
		if strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}

	sort.Strings(paths)

	return paths, nil
}

func (s *MemoryStore) Size(ctx context.Context, path string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.objects[path]
	if !ok {
		return 0, fmt.Errorf("stat %s: %w", path, ErrNotFound)
	}

	return int64(len(data)), nil
}
