package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps blobs in process memory. Content is lost on exit.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]memoryBlob
	order []string

	inserts int
}

type memoryBlob struct {
	info Blob
	data []byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]memoryBlob)}
}

// Insert implements Store.
func (m *MemoryStore) Insert(ctx context.Context, filename string, r io.Reader, meta Metadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading blob content: %w", err)
	}

	id := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[id] = memoryBlob{
		info: Blob{
			ID:         id,
			Filename:   filename,
			Length:     int64(len(data)),
			UploadedAt: time.Now(),
			Metadata:   meta,
		},
		data: data,
	}
	m.order = append(m.order, id)
	m.inserts++
	return id, nil
}

// Find implements Store.
func (m *MemoryStore) Find(ctx context.Context, q Query) ([]Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Blob
	for _, id := range m.order {
		b, ok := m.blobs[id]
		if !ok {
			continue
		}
		if q.TenantID != "" && b.info.Metadata.TenantID != q.TenantID {
			continue
		}
		out = append(out, b.info)
	}
	sortBlobs(out, q)
	return out, nil
}

// Download implements Store.
func (m *MemoryStore) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[id]; !ok {
		return ErrNotFound
	}
	delete(m.blobs, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close(context.Context) error { return nil }

// Inserts returns how many blobs were ever inserted.
func (m *MemoryStore) Inserts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inserts
}

// Len returns the number of blobs currently stored.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
