// Package mongostore persists scan results in a MongoDB collection. Each
// result is an upsert keyed by (ip, port) that sets ip, port, country and
// last_scanned.
package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/anstrom/reachscan/internal/errors"
	"github.com/anstrom/reachscan/internal/logging"
	"github.com/anstrom/reachscan/internal/metrics"
	"github.com/anstrom/reachscan/internal/scanning"
	"github.com/anstrom/reachscan/internal/storage"
)

const (
	// DefaultDatabase is used when no database name is configured.
	DefaultDatabase = "network_scan_db"
	// DefaultCollection is used when no collection name is configured.
	DefaultCollection = "accessible_ips"

	defaultConnectTimeout = 10 * time.Second
)

// Config holds MongoDB connection settings.
type Config struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
}

// collection is the subset of *mongo.Collection the store writes through.
type collection interface {
	UpdateOne(ctx context.Context, filter interface{}, update interface{},
		opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// Store writes results to MongoDB.
type Store struct {
	client *mongo.Client
	coll   collection
}

var _ storage.Store = (*Store)(nil)

// Connect opens a client, verifies it with a ping and ensures the unique
// (ip, port) index exists.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, errors.ErrPersistenceConnection(err)
	}

	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.ErrPersistenceConnection(err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = coll.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "ip", Value: 1}, {Key: "port", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("ip_port_unique"),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.WrapPersistenceError(errors.CodePersistenceMigration,
			"Failed to create (ip, port) index", err)
	}

	logging.InfoPersistence("Connected to MongoDB",
		"database", cfg.Database,
		"collection", cfg.Collection)

	return &Store{client: client, coll: coll}, nil
}

// newWithCollection builds a store around an existing collection handle.
func newWithCollection(coll collection) *Store {
	return &Store{coll: coll}
}

// Upsert implements storage.Upserter.
func (s *Store) Upsert(ctx context.Context, rec storage.Record) error {
	filter := bson.M{"ip": rec.IP, "port": int32(rec.Port)}
	update := bson.M{"$set": document(rec)}

	if _, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return errors.WrapPersistenceError(errors.CodePersistenceWrite, "Failed to upsert result", err)
	}
	return nil
}

// document is the stored shape. A missing country is stored as null.
func document(rec storage.Record) bson.M {
	var country interface{}
	if rec.Country != nil {
		country = *rec.Country
	}
	return bson.M{
		"ip":           rec.IP,
		"port":         int32(rec.Port),
		"country":      country,
		"last_scanned": rec.LastScanned.UTC(),
	}
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
	if s.client == nil {
		return nil
	}
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return errors.ErrPersistenceConnection(err)
	}
	return nil
}

// Close implements storage.Store.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}
