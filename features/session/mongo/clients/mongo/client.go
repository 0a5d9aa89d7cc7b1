// Package mongo hosts the MongoDB client used by the session store.
package mongo

//go:generate cmg gen .

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/taskrun/runtime/task/session"
)

type (
	// Client exposes Mongo-backed operations for sessions.
	Client interface {
		health.Pinger

		// LoadSession returns the session stored for key or
		// session.ErrSessionNotFound.
		LoadSession(ctx context.Context, key string) (*session.Session, error)
		// SaveSession inserts sess when its version is zero and otherwise
		// updates the stored document only if its version still matches. It
		// returns session.ErrConflict on a stale write and advances
		// sess.Version and sess.UpdatedAt on success.
		SaveSession(ctx context.Context, sess *session.Session) error
		// ClearSession resets the conversation handle and last step of the
		// session stored for key.
		ClearSession(ctx context.Context, key string) error
	}

	// Options configures the Mongo session client.
	Options struct {
		Client             *mongodriver.Client
		Database           string
		SessionsCollection string
		// Timeout bounds each operation. Defaults to 5s.
		Timeout time.Duration
	}

	client struct {
		mongo    *mongodriver.Client
		sessions collection
		timeout  time.Duration
		now      func() time.Time
	}

	sessionDocument struct {
		SessionID          string    `bson:"session_id"`
		WorkflowKey        string    `bson:"workflow_key"`
		ConversationHandle string    `bson:"conversation_handle,omitempty"`
		LastStep           string    `bson:"last_step,omitempty"`
		CumulativeSpend    float64   `bson:"cumulative_spend"`
		UpdatedAt          time.Time `bson:"updated_at"`
		Version            int64     `bson:"version"`
	}

	// collection is the part of *mongo.Collection the client uses.
	collection interface {
		FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
		UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
		CreateIndexes(ctx context.Context, models []mongodriver.IndexModel) error
	}

	singleResult interface {
		Decode(val any) error
	}

	driverCollection struct {
		*mongodriver.Collection
	}
)

const (
	defaultSessionsCollection = "taskrun_sessions"
	defaultOpTimeout          = 5 * time.Second
	sessionClientName         = "session-mongo"
)

var (
	errKeyRequired = errors.New("workflow key is required")
	errIDRequired  = errors.New("session id is required")
)

// sessionIndexes makes the workflow key and the session ID unique.
var sessionIndexes = []mongodriver.IndexModel{
	{Keys: bson.D{{Key: "workflow_key", Value: 1}}, Options: options.Index().SetUnique(true)},
	{Keys: bson.D{{Key: "session_id", Value: 1}}, Options: options.Index().SetUnique(true)},
}

// New returns a Client backed by MongoDB. It creates the collection indexes.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.SessionsCollection
	if name == "" {
		name = defaultSessionsCollection
	}
	c, err := newClient(opts.Client, driverCollection{opts.Client.Database(opts.Database).Collection(name)}, opts.Timeout)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.sessions.CreateIndexes(ctx, sessionIndexes); err != nil {
		return nil, fmt.Errorf("create session indexes: %w", err)
	}
	return c, nil
}

func newClient(mc *mongodriver.Client, sessions collection, timeout time.Duration) (*client, error) {
	if sessions == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{mongo: mc, sessions: sessions, timeout: timeout, now: time.Now}, nil
}

func (c *client) Name() string { return sessionClientName }

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) LoadSession(ctx context.Context, key string) (*session.Session, error) {
	if key == "" {
		return nil, errKeyRequired
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var doc sessionDocument
	err := c.sessions.FindOne(ctx, bson.M{"workflow_key": key}).Decode(&doc)
	switch {
	case errors.Is(err, mongodriver.ErrNoDocuments):
		return nil, session.ErrSessionNotFound
	case err != nil:
		return nil, fmt.Errorf("load session %q: %w", key, err)
	}
	return doc.toSession(), nil
}

func (c *client) SaveSession(ctx context.Context, sess *session.Session) error {
	if sess == nil || sess.Key == "" {
		return errKeyRequired
	}
	if sess.ID == "" {
		return errIDRequired
	}
	doc := fromSession(sess)
	doc.Version = sess.Version + 1
	doc.UpdatedAt = c.now().UTC()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var (
		res *mongodriver.UpdateResult
		err error
	)
	if sess.Version == 0 {
		// An existing document is matched but left untouched: another
		// writer created the session first.
		res, err = c.sessions.UpdateOne(ctx, bson.M{"workflow_key": sess.Key},
			bson.M{"$setOnInsert": doc}, options.Update().SetUpsert(true))
		if err == nil && res.MatchedCount > 0 {
			return session.ErrConflict
		}
	} else {
		res, err = c.sessions.UpdateOne(ctx,
			bson.M{"workflow_key": sess.Key, "session_id": sess.ID, "version": sess.Version},
			bson.M{"$set": bson.M{
				"conversation_handle": doc.ConversationHandle,
				"last_step":           doc.LastStep,
				"cumulative_spend":    doc.CumulativeSpend,
				"updated_at":          doc.UpdatedAt,
				"version":             doc.Version,
			}})
		if err == nil && res.MatchedCount == 0 {
			return session.ErrConflict
		}
	}
	if err != nil {
		return fmt.Errorf("save session %q: %w", sess.Key, err)
	}
	sess.Version = doc.Version
	sess.UpdatedAt = doc.UpdatedAt
	return nil
}

func (c *client) ClearSession(ctx context.Context, key string) error {
	if key == "" {
		return errKeyRequired
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	res, err := c.sessions.UpdateOne(ctx, bson.M{"workflow_key": key}, bson.M{
		"$set": bson.M{
			"conversation_handle": "",
			"last_step":           "",
			"updated_at":          c.now().UTC(),
		},
		"$inc": bson.M{"version": int64(1)},
	})
	if err != nil {
		return fmt.Errorf("clear session %q: %w", key, err)
	}
	if res.MatchedCount == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

func fromSession(s *session.Session) sessionDocument {
	return sessionDocument{
		SessionID:          s.ID,
		WorkflowKey:        s.Key,
		ConversationHandle: s.ConversationHandle,
		LastStep:           s.LastStep,
		CumulativeSpend:    s.CumulativeSpend,
		UpdatedAt:          s.UpdatedAt.UTC(),
		Version:            s.Version,
	}
}

func (doc sessionDocument) toSession() *session.Session {
	return &session.Session{
		ID:                 doc.SessionID,
		Key:                doc.WorkflowKey,
		ConversationHandle: doc.ConversationHandle,
		LastStep:           doc.LastStep,
		CumulativeSpend:    doc.CumulativeSpend,
		UpdatedAt:          doc.UpdatedAt.UTC(),
		Version:            doc.Version,
	}
}

func (c driverCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return c.Collection.FindOne(ctx, filter, opts...)
}

func (c driverCollection) CreateIndexes(ctx context.Context, models []mongodriver.IndexModel) error {
	_, err := c.Indexes().CreateMany(ctx, models)
	return err
}
