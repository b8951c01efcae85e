//go:build integration

package principals_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"

	"vigil/internal/platform/sentinel"
	"vigil/internal/principal/models"
	"vigil/internal/principal/store/principals"
	"vigil/internal/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *principals.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgres(s.T())

	store, err := principals.NewPostgres(s.postgres.DB)
	s.Require().NoError(err)
	s.store = store
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "principals"))
}

func (s *PostgresStoreSuite) TestCreateAndLookup() {
	ctx := context.Background()

	p, err := s.store.Create(ctx, "a@example.com")
	s.Require().NoError(err)
	s.Len(p.ID, 64)
	s.Equal(models.StateNormal, p.State)

	byID, err := s.store.GetByID(ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(p, byID)

	byEmail, err := s.store.GetByEmail(ctx, "a@example.com")
	s.Require().NoError(err)
	s.Equal(p, byEmail)

	_, err = s.store.GetByID(ctx, "missing")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestSetStateGuardsTerminalState() {
	ctx := context.Background()

	p, err := s.store.Create(ctx, "a@example.com")
	s.Require().NoError(err)

	ok, err := s.store.SetState(ctx, p.ID, models.StateDeceased)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.store.SetState(ctx, p.ID, models.StateNormal)
	s.Require().NoError(err)
	s.False(ok, "terminal principal accepted a transition")

	got, err := s.store.GetByID(ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(models.StateDeceased, got.State)
}

// TestConcurrentTerminalTransition verifies that racing transitions to the
// terminal state succeed exactly once.
func (s *PostgresStoreSuite) TestConcurrentTerminalTransition() {
	ctx := context.Background()

	p, err := s.store.Create(ctx, "a@example.com")
	s.Require().NoError(err)

	const goroutines = 20
	var wg sync.WaitGroup
	var won atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.store.SetState(ctx, p.ID, models.StateDeceased)
			s.NoError(err)
			if ok {
				won.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), won.Load())
}

func (s *PostgresStoreSuite) TestDeleteAndListByState() {
	ctx := context.Background()

	alive, err := s.store.Create(ctx, "alive@example.com")
	s.Require().NoError(err)
	dead, err := s.store.Create(ctx, "dead@example.com")
	s.Require().NoError(err)
	_, err = s.store.SetState(ctx, dead.ID, models.StateDeceased)
	s.Require().NoError(err)

	deceased, err := s.store.ListByState(ctx, models.StateDeceased)
	s.Require().NoError(err)
	s.Len(deceased, 1)
	s.Equal(dead.ID, deceased[0].ID)

	s.Require().NoError(s.store.Delete(ctx, alive.ID))
	_, err = s.store.GetByID(ctx, alive.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)
}
