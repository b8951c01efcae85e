//go:build integration

package verifications_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"vigil/internal/platform/sentinel"
	"vigil/internal/principal/store/verifications"
	"vigil/internal/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *verifications.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgres(s.T())

	store, err := verifications.NewPostgres(s.postgres.DB)
	s.Require().NoError(err)
	s.store = store
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "verifications"))
}

func (s *PostgresStoreSuite) TestConsumeDistinguishesExpiredFromUnknown() {
	ctx := context.Background()

	entry, err := s.store.Create(ctx, "a@example.com", baseEpoch, true)
	s.Require().NoError(err)
	s.Require().NotNil(entry)

	_, err = s.store.ConsumeByCode(ctx, entry.Code, entry.Expires+1)
	s.ErrorIs(err, sentinel.ErrExpired)

	_, err = s.store.ConsumeByCode(ctx, entry.Code+1, baseEpoch)
	s.ErrorIs(err, sentinel.ErrNotFound)

	// Within its lifetime the code consumes exactly once.
	email, err := s.store.ConsumeByCode(ctx, entry.Code, baseEpoch)
	s.Require().NoError(err)
	s.Equal("a@example.com", email)
	_, err = s.store.ConsumeByCode(ctx, entry.Code, baseEpoch)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestExpiredEntryDoesNotSuppressReEnrollment() {
	ctx := context.Background()

	first, err := s.store.Create(ctx, "a@example.com", baseEpoch, true)
	s.Require().NoError(err)
	s.Require().NotNil(first)

	later := first.Expires + 100
	second, err := s.store.Create(ctx, "a@example.com", later, true)
	s.Require().NoError(err)
	s.Require().NotNil(second)

	// The dead row was replaced, not kept alongside the new one.
	_, err = s.store.ConsumeByCode(ctx, first.Code, later)
	s.ErrorIs(err, sentinel.ErrNotFound)
	got, err := s.store.GetByEmail(ctx, "a@example.com")
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(second.Code, got.Code)
}

func (s *PostgresStoreSuite) TestPurgeExpired() {
	ctx := context.Background()

	entry, err := s.store.Create(ctx, "a@example.com", baseEpoch, true)
	s.Require().NoError(err)

	s.Require().NoError(s.store.PurgeExpired(ctx, entry.Expires+1))

	gone, err := s.store.GetByEmail(ctx, "a@example.com")
	s.Require().NoError(err)
	s.Nil(gone)
}
