// Package memory provides in-process catalog and blob stores for development
// and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Object is a stored blob with the attributes it was written with.
type Object struct {
	ContentType string
	Data        []byte
	Metadata    map[string]string
	Writes      int
}

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]Object)}
}

// PutObject stores a copy of data and returns a memory:// URI. Writing the
// same path again replaces the content.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data []byte, metadata map[string]string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.objects[path]
	s.objects[path] = Object{
		ContentType: contentType,
		Data:        append([]byte(nil), data...),
		Metadata:    meta,
		Writes:      prev.Writes + 1,
	}
	return fmt.Sprintf("memory://%s", path), nil
}

// Get returns the object stored at path.
func (s *BlobStore) Get(path string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	return obj, ok
}

// Keys lists stored paths in lexical order.
func (s *BlobStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
