//go:build integration

package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	pgtc "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/pkg/logger"
)

// PostgresStoreSuite runs the store against a real postgres.
type PostgresStoreSuite struct {
	suite.Suite
	ctx       context.Context
	container *pgtc.PostgresContainer
	store     *Store
}

func TestPostgresStoreSuite(t *testing.T) {
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	logger.Log = zaptest.NewLogger(s.T()).Named("integration")
	s.ctx = context.Background()

	container, err := pgtc.Run(s.ctx,
		"postgres:17-bookworm",
		pgtc.WithDatabase("click_attribution"),
		pgtc.WithUsername("postgres"),
		pgtc.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	s.Require().NoError(err, "failed to start PostgreSQL container")
	s.container = container

	dsn, err := container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	store, err := Open(s.ctx, Options{Driver: DriverPostgres, DSN: dsn, AutoMigrate: true, ConnectTimeout: 30 * time.Second})
	s.Require().NoError(err)
	s.store = store
}

func (s *PostgresStoreSuite) TearDownSuite() {
	if s.store != nil {
		_ = s.store.Close(s.ctx)
	}
	if s.container != nil {
		_ = testcontainers.TerminateContainer(s.container)
	}
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.store.db.Exec("TRUNCATE click_attribution, click_attribution_errors").Error)
}

func (s *PostgresStoreSuite) TestLifecycle() {
	hint := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	row, err := s.store.UpsertPending(s.ctx, model.PendingClick{RawID: "IwAR_xyz", CreationTimeHint: &hint})
	s.Require().NoError(err)
	s.Equal("fb.1.1736510400.IwAR_xyz", row.CanonicalID)

	s.Require().NoError(s.store.SetResolved(s.ctx, "IwAR_xyz", &model.CampaignTuple{
		CampaignName: "Promo-Enero",
		CampaignID:   "42",
		Raw:          []byte(`{"data":[{"name":"Promo-Enero","id":"42"}]}`),
	}))

	again, err := s.store.UpsertPending(s.ctx, model.PendingClick{RawID: "IwAR_xyz"})
	s.Require().NoError(err)
	s.Equal(model.StateResolved, again.State)
	s.True(again.LastUpdated.After(row.LastUpdated))

	stats, err := s.store.Stats(s.ctx, model.DefaultTenant, time.Time{}, time.Time{})
	s.Require().NoError(err)
	s.Equal(model.Stats{Total: 1, Resolved: 1, UniqueCampaigns: 1}, *stats)
}

func (s *PostgresStoreSuite) TestConcurrentTransitions() {
	click := model.NewPendingClick()
	_, err := s.store.UpsertPending(s.ctx, click)
	s.Require().NoError(err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(s.T(), s.store.SetError(s.ctx, click.RawID, "transient"))
		}()
	}
	wg.Wait()

	row, err := s.store.Get(s.ctx, click.RawID)
	s.Require().NoError(err)
	s.Equal(10, row.Attempts)

	logged, err := s.store.ErrorsFor(s.ctx, click.RawID, 0)
	s.Require().NoError(err)
	s.Len(logged, 10)
}

func (s *PostgresStoreSuite) TestMissingRow() {
	err := s.store.SetNotFound(s.ctx, "IwAR_missing", nil)
	s.ErrorIs(err, apperrors.ErrNotFound)
}
