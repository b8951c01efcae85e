package verifications

import (
	"context"
	"fmt"
	"sync"

	"vigil/internal/principal/ident"
	"vigil/internal/principal/models"
	"vigil/internal/principal/store"
	"vigil/internal/platform/sentinel"
)

// MemoryStore implements store.VerificationStore with a mutex-guarded map
// keyed by email.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]models.VerificationEntry
}

func NewMemory() *MemoryStore {
	return &MemoryStore{entries: make(map[string]models.VerificationEntry)}
}

func (s *MemoryStore) Create(ctx context.Context, email string, now uint32, suppressIfExists bool) (*models.VerificationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if suppressIfExists {
		// Only a live entry suppresses; a dead one is replaced below.
		if e, ok := s.entries[email]; ok && !e.ExpiredAt(now) {
			return nil, nil
		}
	}

	code, err := ident.NewCode(ctx, func(_ context.Context, candidate uint64) (bool, error) {
		for _, e := range s.entries {
			if e.Code == candidate {
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("create verification: %w", err)
	}

	entry := models.VerificationEntry{Email: email, Code: code, Expires: now + store.VerificationTTL}
	s.entries[email] = entry
	return &entry, nil
}

func (s *MemoryStore) GetByEmail(ctx context.Context, email string) (*models.VerificationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[email]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *MemoryStore) ConsumeByCode(ctx context.Context, code uint64, now uint32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for email, e := range s.entries {
		if e.Code != code {
			continue
		}
		if e.ExpiredAt(now) {
			// Left in place for the purge sweep; an expired code
			// must never verify.
			return "", fmt.Errorf("verification code: %w", sentinel.ErrExpired)
		}
		delete(s.entries, email)
		return email, nil
	}
	return "", fmt.Errorf("verification code: %w", sentinel.ErrNotFound)
}

func (s *MemoryStore) PurgeExpired(ctx context.Context, now uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for email, e := range s.entries {
		if e.ExpiredAt(now) {
			delete(s.entries, email)
		}
	}
	return nil
}
