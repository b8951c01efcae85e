package principals

import (
	"context"
	"fmt"
	"sync"

	"vigil/internal/principal/ident"
	"vigil/internal/principal/models"
	"vigil/internal/platform/sentinel"
)

// MemoryStore implements store.PrincipalStore with a mutex-guarded map. It
// backs unit tests and dev mode; production uses the SQLite or PostgreSQL
// stores.
type MemoryStore struct {
	mu         sync.RWMutex
	principals map[string]models.Principal
}

func NewMemory() *MemoryStore {
	return &MemoryStore{principals: make(map[string]models.Principal)}
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (models.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[id]
	if !ok {
		return models.Principal{}, fmt.Errorf("principal %q: %w", id, sentinel.ErrNotFound)
	}
	return p, nil
}

func (s *MemoryStore) GetByEmail(ctx context.Context, email string) (models.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.principals {
		if p.Email == email {
			return p, nil
		}
	}
	return models.Principal{}, fmt.Errorf("principal email %q: %w", email, sentinel.ErrNotFound)
}

// Create mints a fresh id and inserts under a single lock acquisition, so two
// concurrent creations can never share an id.
func (s *MemoryStore) Create(ctx context.Context, email string) (models.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := ident.NewID(ctx, ident.IDLength, func(_ context.Context, candidate string) (bool, error) {
		_, taken := s.principals[candidate]
		return taken, nil
	})
	if err != nil {
		return models.Principal{}, fmt.Errorf("create principal: %w", err)
	}

	p := models.Principal{ID: id, Email: email, State: models.StateNormal}
	s.principals[id] = p
	return p, nil
}

// SetState refuses the write when the current state is terminal or the
// principal is missing. Check and write happen under one lock acquisition.
func (s *MemoryStore) SetState(ctx context.Context, id string, newState models.State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok || p.State.Terminal() {
		return false, nil
	}
	p.State = newState
	s.principals[id] = p
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.principals, id)
	return nil
}

func (s *MemoryStore) ListByState(ctx context.Context, state models.State) ([]models.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Principal{}
	for _, p := range s.principals {
		if p.State == state {
			out = append(out, p)
		}
	}
	return out, nil
}
