package arrow_client

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/23skdu/longbow-kvcache/internal/snapshot"
)

// MockFlightClient is an in-memory SnapshotStore for tests and offline runs.
// Snapshots pass through the Arrow IPC encoding so it exercises the same
// codec as the real transport.
type MockFlightClient struct {
	mu        sync.RWMutex
	connected bool
	data      map[string][]byte
}

func NewMockFlightClient() *MockFlightClient {
	return &MockFlightClient{
		data: make(map[string][]byte),
	}
}

// Connect simulates connection
func (m *MockFlightClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Close simulates disconnection
func (m *MockFlightClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockFlightClient) PutSnapshot(ctx context.Context, s snapshot.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if s.Sequence == "" {
		return fmt.Errorf("%w: snapshot has no sequence id", snapshot.ErrMalformed)
	}
	var buf bytes.Buffer
	if err := s.Encode(&buf); err != nil {
		return err
	}
	m.data[s.Sequence] = buf.Bytes()
	return nil
}

func (m *MockFlightClient) GetSnapshot(ctx context.Context, sequence string) (snapshot.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return snapshot.Snapshot{}, ErrNotConnected
	}
	raw, ok := m.data[sequence]
	if !ok {
		return snapshot.Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, sequence)
	}
	return snapshot.Decode(bytes.NewReader(raw))
}

func (m *MockFlightClient) ListSnapshots(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return nil, ErrNotConnected
	}
	ids := make([]string, 0, len(m.data))
	for id := range m.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Reset clears all stored data
func (m *MockFlightClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string][]byte)
}
