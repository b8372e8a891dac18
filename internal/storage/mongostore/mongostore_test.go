package mongostore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/anstrom/reachscan/internal/errors"
	"github.com/anstrom/reachscan/internal/scanning"
)

// fakeCollection records UpdateOne calls and keeps the resulting documents
// keyed by (ip, port).
type fakeCollection struct {
	mu      sync.Mutex
	docs    map[string]bson.M
	upserts []bool
	failIP  string
}

func (f *fakeCollection) UpdateOne(_ context.Context, filter interface{}, update interface{},
	opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fm := filter.(bson.M)
	if fm["ip"] == f.failIP {
		return nil, fmt.Errorf("write concern error")
	}

	upsert := false
	for _, o := range opts {
		if o.Upsert != nil && *o.Upsert {
			upsert = true
		}
	}
	f.upserts = append(f.upserts, upsert)

	if f.docs == nil {
		f.docs = make(map[string]bson.M)
	}
	key := fmt.Sprintf("%v:%v", fm["ip"], fm["port"])
	f.docs[key] = update.(bson.M)["$set"].(bson.M)
	return &mongo.UpdateResult{UpsertedCount: 1}, nil
}

func results() []scanning.Result {
	us := "US"
	observed := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	return []scanning.Result{
		{IP: "10.0.0.1", Port: 11434, Country: &us, ObservedAt: observed},
		{IP: "10.0.0.2", Port: 11434, ObservedAt: observed},
		{IP: "10.0.0.3", Port: 11434, Country: &us, ObservedAt: observed},
	}
}

func TestSaveResultsUpsertsDocuments(t *testing.T) {
	coll := &fakeCollection{}
	store := newWithCollection(coll)

	report, err := store.SaveResults(context.Background(), results())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 0, report.Failed)

	require.Len(t, coll.docs, 3)
	for _, upsert := range coll.upserts {
		assert.True(t, upsert, "every write must be an upsert")
	}

	doc := coll.docs["10.0.0.1:11434"]
	assert.Equal(t, "10.0.0.1", doc["ip"])
	assert.Equal(t, int32(11434), doc["port"])
	assert.Equal(t, "US", doc["country"])
	assert.Equal(t, time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC), doc["last_scanned"])

	assert.Nil(t, coll.docs["10.0.0.2:11434"]["country"], "absent country is stored as null")
}

func TestSaveResultsPartialFailure(t *testing.T) {
	coll := &fakeCollection{failIP: "10.0.0.2"}
	store := newWithCollection(coll)

	report, err := store.SaveResults(context.Background(), results())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodePersistencePartial))
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Len(t, coll.docs, 2)

	coll.failIP = ""
	report, err = store.SaveResults(context.Background(), results())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Succeeded)
	assert.Len(t, coll.docs, 3, "retrying the batch does not duplicate records")
}

func TestPingAndCloseWithoutClient(t *testing.T) {
	store := newWithCollection(&fakeCollection{})
	assert.NoError(t, store.Ping(context.Background()))
	assert.NoError(t, store.Close(context.Background()))
}

func TestConnectFailsOnBadURI(t *testing.T) {
	_, err := Connect(context.Background(), Config{URI: "not-a-mongo-uri", ConnectTimeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodePersistenceConnection))
}
