package verifications

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"vigil/internal/platform/sentinel"
	"vigil/internal/principal/store"
)

type MemoryStoreSuite struct {
	suite.Suite
	store *MemoryStore
	ctx   context.Context
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) SetupTest() {
	s.store = NewMemory()
	s.ctx = context.Background()
}

const now = uint32(1_700_000_000)

func (s *MemoryStoreSuite) TestCreateSetsExpiry() {
	entry, err := s.store.Create(s.ctx, "a@example.com", now, true)
	s.Require().NoError(err)
	s.Require().NotNil(entry)
	s.Equal("a@example.com", entry.Email)
	s.Equal(now+store.VerificationTTL, entry.Expires)
	s.Less(entry.Code, uint64(1_000_000_000_000_000_000))
}

func (s *MemoryStoreSuite) TestCreateSuppressesDuplicates() {
	first, err := s.store.Create(s.ctx, "a@example.com", now, true)
	s.Require().NoError(err)
	s.Require().NotNil(first)

	second, err := s.store.Create(s.ctx, "a@example.com", now, true)
	s.Require().NoError(err)
	s.Nil(second)

	// Without suppression a second live entry is allowed.
	third, err := s.store.Create(s.ctx, "a@example.com", now, false)
	s.Require().NoError(err)
	s.NotNil(third)
}

func (s *MemoryStoreSuite) TestExpiredEntryDoesNotSuppressReEnrollment() {
	first, err := s.store.Create(s.ctx, "a@example.com", now, true)
	s.Require().NoError(err)
	s.Require().NotNil(first)

	// 100s past the first code's expiry a fresh enrollment must succeed.
	later := first.Expires + 100
	second, err := s.store.Create(s.ctx, "a@example.com", later, true)
	s.Require().NoError(err)
	s.Require().NotNil(second)
	s.Equal(later+store.VerificationTTL, second.Expires)

	// The dead code went with its entry; only the new one consumes.
	_, err = s.store.ConsumeByCode(s.ctx, first.Code, later)
	s.ErrorIs(err, sentinel.ErrNotFound)
	email, err := s.store.ConsumeByCode(s.ctx, second.Code, later)
	s.Require().NoError(err)
	s.Equal("a@example.com", email)
}

func (s *MemoryStoreSuite) TestConsumeByCodeDeletesEntry() {
	entry, err := s.store.Create(s.ctx, "a@example.com", now, true)
	s.Require().NoError(err)

	email, err := s.store.ConsumeByCode(s.ctx, entry.Code, now)
	s.Require().NoError(err)
	s.Equal("a@example.com", email)

	// A second consume with the same code finds nothing.
	_, err = s.store.ConsumeByCode(s.ctx, entry.Code, now)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *MemoryStoreSuite) TestConsumeExpiredCodeRefuses() {
	entry, err := s.store.Create(s.ctx, "a@example.com", now, true)
	s.Require().NoError(err)

	late := entry.Expires + 1
	_, err = s.store.ConsumeByCode(s.ctx, entry.Code, late)
	s.ErrorIs(err, sentinel.ErrExpired)

	// The expired entry stays for the purge sweep.
	got, err := s.store.GetByEmail(s.ctx, "a@example.com")
	s.Require().NoError(err)
	s.NotNil(got)
}

func (s *MemoryStoreSuite) TestPurgeExpired() {
	live, err := s.store.Create(s.ctx, "live@example.com", now, true)
	s.Require().NoError(err)
	expired, err := s.store.Create(s.ctx, "old@example.com", now-2*store.VerificationTTL, true)
	s.Require().NoError(err)

	s.Require().NoError(s.store.PurgeExpired(s.ctx, now))

	got, err := s.store.GetByEmail(s.ctx, "live@example.com")
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(live.Code, got.Code)

	gone, err := s.store.GetByEmail(s.ctx, "old@example.com")
	s.Require().NoError(err)
	s.Nil(gone)
	_ = expired
}

func (s *MemoryStoreSuite) TestGetByEmailMissing() {
	got, err := s.store.GetByEmail(s.ctx, "nobody@example.com")
	s.Require().NoError(err)
	s.Nil(got)
}
