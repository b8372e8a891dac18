// Package storage defines how scan results are persisted. Every backend
// writes one idempotent upsert per result keyed by (ip, port). A batch
// report lists the results that were not written so a retry can resend
// only those.
package storage

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/anstrom/reachscan/internal/storage Store

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/anstrom/reachscan/internal/errors"
	"github.com/anstrom/reachscan/internal/scanning"
)

// Supported drivers.
const (
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
)

// Record is the persisted form of a scan result.
type Record struct {
	IP          string
	Port        uint16
	Country     *string
	LastScanned time.Time
}

// RecordFromResult converts a scan result.
func RecordFromResult(r scanning.Result) Record {
	return Record{
		IP:          r.IP,
		Port:        r.Port,
		Country:     r.Country,
		LastScanned: r.ObservedAt,
	}
}

// BatchReport counts the outcome of a batch write.
type BatchReport struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Pending holds the results that were not written, in input order.
	Pending []scanning.Result `json:"-"`
}

// Store persists scan results.
type Store interface {
	// SaveResults upserts every result. Records that were written stay
	// written even when others fail; in that case the report is returned
	// together with a PERSISTENCE_PARTIAL error.
	SaveResults(ctx context.Context, results []scanning.Result) (BatchReport, error)
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases the connection.
	Close(ctx context.Context) error
}

// Upserter writes a single record.
type Upserter interface {
	Upsert(ctx context.Context, rec Record) error
}

// SaveEach upserts results one at a time through u and builds the batch
// report. It never stops early: a failing record does not prevent later
// ones from being written.
func SaveEach(ctx context.Context, u Upserter, results []scanning.Result) (BatchReport, error) {
	report := BatchReport{Total: len(results)}
	var lastErr error
	for _, r := range results {
		if err := u.Upsert(ctx, RecordFromResult(r)); err != nil {
			report.Failed++
			report.Pending = append(report.Pending, r)
			lastErr = err
			continue
		}
		report.Succeeded++
	}
	if report.Failed > 0 {
		return report, errors.ErrPartialBatch(report.Failed, report.Total, lastErr)
	}
	return report, nil
}

// DriverForURI infers the driver from a connection string scheme.
func DriverForURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", errors.WrapConfigError(errors.CodeValidation, "Invalid storage URI", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "mongodb", "mongodb+srv":
		return DriverMongo, nil
	case "postgres", "postgresql":
		return DriverPostgres, nil
	default:
		return "", errors.ErrConfigInvalid("storage.uri", u.Scheme)
	}
}
