package backend

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
)

// memoryObject is one stored value plus its metadata dictionary.
type memoryObject struct {
	data []byte
	meta ObjectMeta
}

// Memory is an in-process Backend used by tests and the conformance
// suite. It is fully consistent: every capability flag is true.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memoryObject)}
}

func (m *Memory) Capabilities() Capabilities {
	return Capabilities{
		ReadAfterCreateConsistent: true,
		ReadAfterDeleteConsistent: true,
		ListAfterDeleteConsistent: true,
		IsGetConsistent:           true,
	}
}

func (m *Memory) Lookup(_ context.Context, key string) (ObjectMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNoSuchKey
	}
	return cloneMeta(obj.meta), nil
}

func (m *Memory) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNoSuchKey
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Put(_ context.Context, key string, data io.Reader, meta ObjectMeta) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: buf, meta: cloneMeta(meta)}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = make(map[string]memoryObject)
	return nil
}

func cloneMeta(meta ObjectMeta) ObjectMeta {
	if meta == nil {
		return nil
	}
	out := make(ObjectMeta, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

var _ Backend = (*Memory)(nil)
