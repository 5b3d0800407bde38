package data

import (
	"context"
	"sync"
)

// MockRepository is an in-memory Repository for tests and for running
// without a database.
type MockRepository struct {
	broadcasts map[string]*BroadcastRecord
	attempts   map[string][]*AttemptRecord
	mu         sync.RWMutex
}

// Ensure MockRepository implements the Repository interface
var _ Repository = (*MockRepository)(nil)

// NewMockRepository creates an empty in-memory repository.
func NewMockRepository() *MockRepository {
	return &MockRepository{
		broadcasts: make(map[string]*BroadcastRecord),
		attempts:   make(map[string][]*AttemptRecord),
	}
}

func (m *MockRepository) SaveBroadcast(ctx context.Context, record *BroadcastRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.broadcasts[record.ID]; exists {
		return ErrDuplicate
	}
	cp := *record
	m.broadcasts[record.ID] = &cp
	return nil
}

func (m *MockRepository) GetBroadcast(ctx context.Context, id string) (*BroadcastRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.broadcasts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *record
	return &cp, nil
}

func (m *MockRepository) ListBroadcasts(ctx context.Context, filter BroadcastFilter) ([]*BroadcastRecord, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, ErrInvalidFilter
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*BroadcastRecord
	for _, record := range m.broadcasts {
		if filter.TxHash != "" && record.TxHash != filter.TxHash {
			continue
		}
		if filter.State != "" && record.State != filter.State {
			continue
		}
		if filter.Strategy != "" && record.Strategy != filter.Strategy {
			continue
		}
		cp := *record
		records = append(records, &cp)
	}
	return records, nil
}

func (m *MockRepository) SaveAttempts(ctx context.Context, attempts []*AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range attempts {
		cp := *a
		m.attempts[a.BroadcastID] = append(m.attempts[a.BroadcastID], &cp)
	}
	return nil
}

func (m *MockRepository) GetAttemptsByBroadcast(ctx context.Context, broadcastID string) ([]*AttemptRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	attempts := m.attempts[broadcastID]
	out := make([]*AttemptRecord, len(attempts))
	for i, a := range attempts {
		cp := *a
		out[i] = &cp
	}
	return out, nil
}

func (m *MockRepository) UpdateConfirmation(ctx context.Context, txHash string, status string, confirmations int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated := false
	for _, record := range m.broadcasts {
		if record.TxHash == txHash {
			record.ConfirmationStatus = status
			record.Confirmations = confirmations
			updated = true
		}
	}
	if !updated {
		return ErrNotFound
	}
	return nil
}
