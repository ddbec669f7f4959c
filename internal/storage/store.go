package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"gitlab.com/timkado/api/click-attribution/internal/formatter"
	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/pkg/logger"
	"gitlab.com/timkado/api/click-attribution/pkg/utils"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	sqliteBusyTimeoutMs = 5000
)

// Options configures Open.
type Options struct {
	Driver      string // sqlite (default) or postgres
	Path        string // sqlite file
	DSN         string // postgres
	AutoMigrate bool
	// Now overrides the clock used for last_updated. Defaults to utils.Now.
	Now func() time.Time
	// ConnectTimeout bounds connection retries. Defaults to one minute.
	ConnectTimeout time.Duration
}

// Store is the attribution store backed by gorm. The sqlite dialect keeps
// everything in one WAL-journaled file; postgres is supported for shared
// deployments.
type Store struct {
	db     *gorm.DB
	driver string
	path   string

	now      func() time.Time
	clockMu  sync.Mutex
	lastTick time.Time

	// schemaMu is held exclusively while migrating; every other operation takes it shared.
	schemaMu sync.RWMutex
	// writeMu serializes sqlite writers inside the process so they never hit SQLITE_BUSY.
	writeMu sync.Mutex
	rows    *rowLocks

	seq       atomic.Uint64
	formatter *formatter.Formatter
}

// Open connects to the store and, when requested, migrates the schema.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Driver == "" {
		opts.Driver = DriverSQLite
	}
	if opts.Now == nil {
		opts.Now = utils.Now
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = time.Minute
	}

	var dialector gorm.Dialector
	switch opts.Driver {
	case DriverSQLite:
		if opts.Path == "" {
			return nil, errors.New("sqlite store requires a path")
		}
		dialector = sqlite.Open(sqliteDSN(opts.Path))
	case DriverPostgres:
		if opts.DSN == "" {
			return nil, errors.New("postgres store requires a DSN")
		}
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}

	connect := func() (*gorm.DB, error) {
		db, err := gorm.Open(dialector, &gorm.Config{
			Logger:                 gormLogger.Default.LogMode(gormLogger.Silent),
			SkipDefaultTransaction: true,
		})
		if err != nil {
			if isTransientError(err) {
				logger.Log.Warn("Failed to connect to attribution store (transient), retrying...", zap.Error(err))
				return nil, err
			}
			return nil, backoff.Permanent(checkConstraintViolation(err))
		}
		return db, nil
	}
	notify := func(err error, d time.Duration) {
		logger.Log.Warn("Retrying attribution store connection", zap.Error(err), zap.Duration("after", d))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = opts.ConnectTimeout

	db, err := backoff.RetryNotifyWithData(connect, backoff.WithContext(b, ctx), notify)
	if err != nil {
		return nil, fmt.Errorf("failed to open attribution store: %w", err)
	}

	s := newStore(db, opts.Driver, opts.Path, opts.Now)

	if opts.AutoMigrate {
		if _, err := s.Migrate(ctx); err != nil {
			_ = s.Close(ctx)
			return nil, err
		}
	}

	var total int64
	if err := db.WithContext(ctx).Model(&model.ClickIdentifier{}).Count(&total).Error; err != nil {
		mapped := checkConstraintViolation(err)
		// A missing table is fine before the first migrate.
		if !strings.Contains(strings.ToLower(err.Error()), "no such table") &&
			!strings.Contains(strings.ToLower(err.Error()), "does not exist") {
			_ = s.Close(ctx)
			return nil, mapped
		}
	}
	s.seq.Store(uint64(total))

	logger.Log.Info("Attribution store opened",
		zap.String("driver", opts.Driver),
		zap.String("path", opts.Path),
		zap.Int64("rows", total),
	)
	return s, nil
}

func newStore(db *gorm.DB, driver, path string, now func() time.Time) *Store {
	s := &Store{
		db:     db,
		driver: driver,
		path:   path,
		now:    now,
		rows:   newRowLocks(),
	}
	s.formatter = formatter.New(s)
	return s
}

// sqliteDSN enables WAL so readers are never blocked by the single writer.
// Immediate transactions take the write lock up front, so concurrent
// processes wait on busy_timeout instead of failing mid-transaction.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		path, sep, sqliteBusyTimeoutMs)
}

// Next implements formatter.Sequence. It is seeded from the row count on open.
func (s *Store) Next() uint64 {
	return s.seq.Add(1)
}

// Formatter returns the formatter the store uses to compute canonical ids.
func (s *Store) Formatter() *formatter.Formatter {
	return s.formatter
}

// Driver returns the dialect name.
func (s *Store) Driver() string {
	return s.driver
}

// tick returns a UTC timestamp strictly after every previous tick.
func (s *Store) tick() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	now := s.now().UTC().Truncate(time.Microsecond)
	if !now.After(s.lastTick) {
		now = s.lastTick.Add(time.Microsecond)
	}
	s.lastTick = now
	return now
}

// lockWrite takes the locks every writer needs. The returned func releases them.
func (s *Store) lockWrite() func() {
	s.schemaMu.RLock()
	if s.driver == DriverSQLite {
		s.writeMu.Lock()
	}
	return func() {
		if s.driver == DriverSQLite {
			s.writeMu.Unlock()
		}
		s.schemaMu.RUnlock()
	}
}

// Ping checks the underlying connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return checkConstraintViolation(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return checkConstraintViolation(err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to get underlying SQL DB for closing", zap.Error(err))
		return nil
	}

	if closeErr := sqlDB.Close(); closeErr != nil {
		logger.FromContext(ctx).Error("Failed to close database connection", zap.Error(closeErr))
		return fmt.Errorf("failed to close SQL DB: %w", closeErr)
	}

	logger.FromContext(ctx).Info("Database connection closed successfully")
	return nil
}

// rowLocks hands out one mutex per raw_id so that transitions of the same
// identifier are totally ordered. Entries are dropped when unused.
type rowLocks struct {
	mu    sync.Mutex
	locks map[string]*rowLock
}

type rowLock struct {
	mu   sync.Mutex
	refs int
}

func newRowLocks() *rowLocks {
	return &rowLocks{locks: make(map[string]*rowLock)}
}

func (r *rowLocks) Lock(key string) func() {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &rowLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}
