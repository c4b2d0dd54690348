package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/raushankrgupta/fitly-tryon/models"
)

// MemoryPersister keeps the blob in process memory, serialized so that
// loaded snapshots never alias the saved one.
type MemoryPersister struct {
	mu    sync.Mutex
	blob  []byte
	saves int
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{}
}

func (m *MemoryPersister) Load(ctx context.Context) (*models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blob == nil {
		return nil, nil
	}
	var snap models.Snapshot
	if err := json.Unmarshal(m.blob, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (m *MemoryPersister) Save(ctx context.Context, snap *models.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.blob = b
	m.saves++
	m.mu.Unlock()
	return nil
}

// Saves reports how many times Save succeeded.
func (m *MemoryPersister) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
