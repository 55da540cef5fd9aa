package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Storage persists rendered images and hands back a public URL for each key.
type Storage interface {
	Put(ctx context.Context, key string, content []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Memory keeps objects in a map. Test and development backend.
type Memory struct {
	baseURL string

	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemory(baseURL string) *Memory {
	return &Memory{
		baseURL: strings.TrimRight(baseURL, "/"),
		objects: map[string][]byte{},
	}
}

func (m *Memory) Put(ctx context.Context, key string, content []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(content))
	copy(buf, content)
	m.objects[key] = buf
	return fmt.Sprintf("%s/%s", m.baseURL, key), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Get is test-only access to a stored object.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.objects[key]
	return content, ok
}
