package source

import (
	"context"
	"sync"
)

// MockSource is a Source implementation for testing.
type MockSource struct {
	mu sync.Mutex

	FullLoad *Batch
	CDC      *Batch
	ReadErr  error
	AckErr   error

	Acked  []*Batch
	Closed bool
}

var _ Source = (*MockSource)(nil)

// NewMockSource returns a source that serves the given batches until they are
// acknowledged.
func NewMockSource(fullLoad, cdc *Batch) *MockSource {
	return &MockSource{FullLoad: fullLoad, CDC: cdc}
}

func (m *MockSource) ReadFullLoad(ctx context.Context) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	if m.FullLoad == nil {
		return &Batch{Kind: KindFullLoad}, nil
	}
	return m.FullLoad, nil
}

func (m *MockSource) ReadCDCBatch(ctx context.Context) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	if m.CDC == nil {
		return &Batch{Kind: KindCDC}, nil
	}
	return m.CDC, nil
}

// Ack records the batch and stops serving it.
func (m *MockSource) Ack(ctx context.Context, batch *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AckErr != nil {
		return m.AckErr
	}
	m.Acked = append(m.Acked, batch)
	switch batch {
	case m.FullLoad:
		m.FullLoad = nil
	case m.CDC:
		m.CDC = nil
	}
	return nil
}

func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}
