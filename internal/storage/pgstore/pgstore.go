// Package pgstore persists scan results in PostgreSQL, as an alternative to
// the MongoDB store with the same upsert-by-(ip, port) semantics.
package pgstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anstrom/reachscan/internal/errors"
	"github.com/anstrom/reachscan/internal/logging"
	"github.com/anstrom/reachscan/internal/metrics"
	"github.com/anstrom/reachscan/internal/scanning"
	"github.com/anstrom/reachscan/internal/storage"
)

const (
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
)

const upsertQuery = `
	INSERT INTO accessible_ips (ip, port, country, last_scanned)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (ip, port) DO UPDATE
	SET country = EXCLUDED.country,
	    last_scanned = EXCLUDED.last_scanned`

// Config holds PostgreSQL connection settings.
type Config struct {
	URI             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store writes results to PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// Connect opens the database, verifies it and applies pending migrations.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.URI)
	if err != nil {
		// The raw error may echo the DSN, so only the driver error class is kept.
		return nil, errors.ErrPersistenceConnection(sanitize(err))
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = defaultConnMaxLifetime
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := NewMigrator(db).Up(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapPersistenceError(errors.CodePersistenceMigration, "Failed to apply migrations", err)
	}

	logging.InfoPersistence("Connected to PostgreSQL")
	return New(db), nil
}

// New wraps an open database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// sanitize keeps the PostgreSQL error code and drops connection details.
func sanitize(err error) error {
	if pqErr, ok := err.(*pq.Error); ok {
		return &pq.Error{Code: pqErr.Code, Severity: pqErr.Severity, Message: pqErr.Code.Name()}
	}
	return err
}

// Upsert implements storage.Upserter.
func (s *Store) Upsert(ctx context.Context, rec storage.Record) error {
	var country sql.NullString
	if rec.Country != nil {
		country = sql.NullString{String: *rec.Country, Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, upsertQuery, rec.IP, int(rec.Port), country, rec.LastScanned.UTC()); err != nil {
		return errors.WrapPersistenceError(errors.CodePersistenceWrite, "Failed to upsert result", sanitize(err))
	}
	return nil
}

// SaveResults implements storage.Store.
func (s *Store) SaveResults(ctx context.Context, results []scanning.Result) (storage.BatchReport, error) {
	start := time.Now()
	report, err := storage.SaveEach(ctx, s, results)
	metrics.GetGlobalMetrics().ObserveStore(report.Succeeded, report.Failed, time.Since(start))

	if err != nil {
		logging.ErrorPersistence("Some results failed to store", err,
			"succeeded", report.Succeeded,
			"failed", report.Failed)
		return report, err
	}
	logging.InfoPersistence("Stored results", "count", report.Succeeded)
	return report, nil
}

// Ping implements storage.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.ErrPersistenceConnection(sanitize(err))
	}
	return nil
}

// Close implements storage.Store.
func (s *Store) Close(_ context.Context) error {
	return s.db.Close()
}
