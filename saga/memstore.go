package saga

import (
	"context"
	"sync"

	"github.com/baechuer/relay/errors"
)

// MemStore is an in-process Store, mainly for tests and single-node demos.
type MemStore struct {
	mu   sync.Mutex
	byID map[string]*Data
}

func NewMemStore() *MemStore {
	return &MemStore{byID: make(map[string]*Data)}
}

func (s *MemStore) Load(ctx context.Context, sagaID string) (*Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[sagaID]
	if !ok {
		return nil, errors.New(errors.CodeValidationFailed, "no saga found for id "+sagaID)
	}
	cp := *d
	cp.ExecutionOrder = append([]int(nil), d.ExecutionOrder...)
	return &cp, nil
}

func (s *MemStore) Save(ctx context.Context, d *Data) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	cp.ExecutionOrder = append([]int(nil), d.ExecutionOrder...)
	s.byID[d.SagaID] = &cp
	return nil
}
