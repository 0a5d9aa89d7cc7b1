// Package mongo hosts the MongoDB client behind the run log store.
package mongo

//go:generate cmg gen .

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/taskrun/runtime/task/runlog"
)

type (
	// Client exposes Mongo-backed operations for the run log.
	Client interface {
		health.Pinger

		// Append inserts e and sets e.ID to the hex ObjectID. ObjectIDs
		// increase across processes closely enough to order the trail.
		Append(ctx context.Context, e *runlog.Event) error
		// List pages through the events of one run.
		List(ctx context.Context, runID, cursor string, limit int) (runlog.Page, error)
		// ListSession pages through the events of every run of a session.
		ListSession(ctx context.Context, sessionKey, cursor string, limit int) (runlog.Page, error)
	}

	// Options configures the run log client.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		// Timeout bounds each operation. Defaults to 5s.
		Timeout time.Duration
		// Retention expires events older than the given age through a TTL
		// index. Zero keeps events forever.
		Retention time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		events  collection
		timeout time.Duration
	}

	eventDocument struct {
		ID         primitive.ObjectID `bson:"_id,omitempty"`
		RunID      string             `bson:"run_id"`
		ParentID   string             `bson:"parent_id,omitempty"`
		SessionKey string             `bson:"session_key,omitempty"`
		Kind       string             `bson:"kind"`
		Payload    []byte             `bson:"payload"`
		Timestamp  time.Time          `bson:"timestamp"`
	}

	// collection is the part of *mongo.Collection the client uses. FindAll
	// decodes every matching document.
	collection interface {
		InsertOne(ctx context.Context, doc any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
		FindAll(ctx context.Context, filter any, opts ...*options.FindOptions) ([]eventDocument, error)
		CreateIndexes(ctx context.Context, models []mongodriver.IndexModel) error
	}

	driverCollection struct {
		*mongodriver.Collection
	}
)

const (
	defaultCollection = "taskrun_run_events"
	defaultTimeout    = 5 * time.Second
	clientName        = "runlog-mongo"
)

// New returns a Client backed by MongoDB. It creates the collection indexes.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	if opts.Retention < 0 {
		return nil, errors.New("retention must not be negative")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	c, err := newClient(opts.Client, driverCollection{opts.Client.Database(opts.Database).Collection(name)}, opts.Timeout)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.events.CreateIndexes(ctx, eventIndexes(opts.Retention)); err != nil {
		return nil, fmt.Errorf("create run log indexes: %w", err)
	}
	return c, nil
}

func newClient(mc *mongodriver.Client, events collection, timeout time.Duration) (*client, error) {
	if events == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{mongo: mc, events: events, timeout: timeout}, nil
}

// eventIndexes returns the indexes serving both listings, plus the TTL
// index when retention is set.
func eventIndexes(retention time.Duration) []mongodriver.IndexModel {
	models := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "session_key", Value: 1}, {Key: "_id", Value: 1}}},
	}
	if retention > 0 {
		models = append(models, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(retention / time.Second)),
		})
	}
	return models
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Append(ctx context.Context, e *runlog.Event) error {
	switch {
	case e == nil:
		return errors.New("event is required")
	case e.RunID == "":
		return errors.New("run id is required")
	case e.Kind == "":
		return errors.New("event kind is required")
	case e.Timestamp.IsZero():
		return errors.New("timestamp is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	res, err := c.events.InsertOne(ctx, fromEvent(e))
	if err != nil {
		return fmt.Errorf("append %s event of run %s: %w", e.Kind, e.RunID, err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	e.ID = oid.Hex()
	return nil
}

func (c *client) List(ctx context.Context, runID, cursor string, limit int) (runlog.Page, error) {
	if runID == "" {
		return runlog.Page{}, errors.New("run id is required")
	}
	return c.page(ctx, bson.M{"run_id": runID}, cursor, limit)
}

func (c *client) ListSession(ctx context.Context, sessionKey, cursor string, limit int) (runlog.Page, error) {
	if sessionKey == "" {
		return runlog.Page{}, errors.New("session key is required")
	}
	return c.page(ctx, bson.M{"session_key": sessionKey}, cursor, limit)
}

// page returns up to limit events matching filter after cursor. One extra
// document is read to know whether another page follows.
func (c *client) page(ctx context.Context, filter bson.M, cursor string, limit int) (runlog.Page, error) {
	if limit <= 0 {
		return runlog.Page{}, errors.New("limit must be > 0")
	}
	if cursor != "" {
		after, err := primitive.ObjectIDFromHex(cursor)
		if err != nil {
			return runlog.Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		filter["_id"] = bson.M{"$gt": after}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	docs, err := c.events.FindAll(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit)+1))
	if err != nil {
		return runlog.Page{}, fmt.Errorf("list run events: %w", err)
	}
	var page runlog.Page
	if len(docs) > limit {
		docs = docs[:limit]
		page.NextCursor = docs[limit-1].ID.Hex()
	}
	page.Events = make([]*runlog.Event, len(docs))
	for i, doc := range docs {
		page.Events[i] = doc.toEvent()
	}
	return page, nil
}

func fromEvent(e *runlog.Event) eventDocument {
	return eventDocument{
		RunID:      e.RunID,
		ParentID:   e.ParentID,
		SessionKey: e.SessionKey,
		Kind:       e.Kind,
		Payload:    append([]byte(nil), e.Payload...),
		Timestamp:  e.Timestamp.UTC(),
	}
}

func (doc eventDocument) toEvent() *runlog.Event {
	return &runlog.Event{
		ID:         doc.ID.Hex(),
		RunID:      doc.RunID,
		ParentID:   doc.ParentID,
		SessionKey: doc.SessionKey,
		Kind:       doc.Kind,
		Payload:    append([]byte(nil), doc.Payload...),
		Timestamp:  doc.Timestamp.UTC(),
	}
}

func (c driverCollection) FindAll(ctx context.Context, filter any, opts ...*options.FindOptions) ([]eventDocument, error) {
	cur, err := c.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	var docs []eventDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c driverCollection) CreateIndexes(ctx context.Context, models []mongodriver.IndexModel) error {
	_, err := c.Indexes().CreateMany(ctx, models)
	return err
}
