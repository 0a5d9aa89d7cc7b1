// Package mongo hosts the MongoDB client used by the job store.
package mongo

//go:generate cmg gen .

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/taskrun/runtime/task/jobs"
)

const (
	defaultJobsCollection = "taskrun_jobs"
	defaultOpTimeout      = 5 * time.Second
	defaultClaimBatch     = 16
	cancelAttempts        = 3
	jobsClientName        = "jobs-mongo"
)

// Client exposes Mongo-backed operations for jobs.
type Client interface {
	health.Pinger

	// CreateJob inserts job unless an open job with the same fingerprint
	// exists, in which case that job is returned and created is false.
	CreateJob(ctx context.Context, job *jobs.Job) (stored *jobs.Job, created bool, err error)
	// GetJob returns the job or jobs.ErrJobNotFound.
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
	// ClaimJob activates the oldest claimable job or returns nil.
	ClaimJob(ctx context.Context, now time.Time) (*jobs.Job, error)
	// UpdateJob replaces the stored job.
	UpdateJob(ctx context.Context, job *jobs.Job) error
	// CancelJob cancels a queued job or flags an active one with
	// cancel_requested. It returns jobs.ErrJobFinished for terminal jobs.
	CancelJob(ctx context.Context, id string, now time.Time) (*jobs.Job, error)
	// SetProgress records the progress of a job.
	SetProgress(ctx context.Context, id string, percent int) error
	// RequeueActive moves every active job back to queued, or to cancelled
	// when a cancel was requested.
	RequeueActive(ctx context.Context, now time.Time) (int, error)
	// PurgeFinished deletes terminal jobs past their retention.
	PurgeFinished(ctx context.Context, completedBefore, failedBefore time.Time) (int, error)
}

// Options configures the Mongo jobs client.
type Options struct {
	Client         *mongodriver.Client
	Database       string
	JobsCollection string
	Timeout        time.Duration
	// ClaimBatch bounds the queued candidates examined per claim.
	ClaimBatch int
}

type client struct {
	mongo      *mongodriver.Client
	jobs       collection
	timeout    time.Duration
	claimBatch int
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	jobsCollection := opts.JobsCollection
	if jobsCollection == "" {
		jobsCollection = defaultJobsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(jobsCollection)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	c, err := newClientWithCollection(opts.Client, coll, timeout)
	if err != nil {
		return nil, err
	}
	if opts.ClaimBatch > 0 {
		c.claimBatch = opts.ClaimBatch
	}
	return c, nil
}

func (c *client) Name() string {
	return jobsClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) CreateJob(ctx context.Context, job *jobs.Job) (*jobs.Job, bool, error) {
	if job == nil || job.ID == "" {
		return nil, false, errors.New("job id is required")
	}
	if job.Fingerprint == "" {
		return nil, false, errors.New("job fingerprint is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.jobs.InsertOne(ctx, fromJob(job)); err != nil {
		if !mongodriver.IsDuplicateKeyError(err) {
			return nil, false, err
		}
		var doc jobDocument
		if err := c.jobs.FindOne(ctx, bson.M{"open_fingerprint": job.Fingerprint}).Decode(&doc); err != nil {
			// The open job finished between the insert and the lookup.
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				return nil, false, jobs.ErrJobFinished
			}
			return nil, false, err
		}
		return doc.toJob(), false, nil
	}
	return job.Clone(), true, nil
}

func (c *client) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	if id == "" {
		return nil, errors.New("job id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc jobDocument
	if err := c.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, jobs.ErrJobNotFound
		}
		return nil, err
	}
	return doc.toJob(), nil
}

// ClaimJob scans the oldest available queued jobs and activates the first one
// whose session key is free. The active_key unique index rejects the
// activation when another job of the key is already active.
func (c *client) ClaimJob(ctx context.Context, now time.Time) (*jobs.Job, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	now = now.UTC()
	filter := bson.M{"status": string(jobs.StatusQueued), "available_at": bson.M{"$lte": now}}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(c.claimBatch))
	cur, err := c.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var candidates []jobDocument
	for cur.Next(ctx) {
		var doc jobDocument
		if err := cur.Decode(&doc); err != nil {
			_ = cur.Close(ctx)
			return nil, err
		}
		candidates = append(candidates, doc)
	}
	if err := cur.Err(); err != nil {
		_ = cur.Close(ctx)
		return nil, err
	}
	if err := cur.Close(ctx); err != nil {
		return nil, err
	}
	for _, cand := range candidates {
		update := bson.M{
			"$set": bson.M{
				"status":     string(jobs.StatusActive),
				"active_key": cand.SessionKey,
				"updated_at": now,
			},
			"$inc": bson.M{"attempts": 1},
		}
		var doc jobDocument
		err := c.jobs.FindOneAndUpdate(ctx,
			bson.M{"_id": cand.ID, "status": string(jobs.StatusQueued)},
			update,
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&doc)
		switch {
		case err == nil:
			return doc.toJob(), nil
		case errors.Is(err, mongodriver.ErrNoDocuments), mongodriver.IsDuplicateKeyError(err):
			// Claimed by another worker, or its key is busy.
			continue
		default:
			return nil, err
		}
	}
	return nil, nil
}

func (c *client) UpdateJob(ctx context.Context, job *jobs.Job) error {
	if job == nil || job.ID == "" {
		return errors.New("job id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.jobs.ReplaceOne(ctx, bson.M{"_id": job.ID}, fromJob(job))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return jobs.ErrJobNotFound
	}
	return nil
}

// CancelJob applies the transition matching the current status with a
// conditional update so a concurrent claim cannot slip between the read and
// the write. When the status changes between the two updates the transition
// is retried.
func (c *client) CancelJob(ctx context.Context, id string, now time.Time) (*jobs.Job, error) {
	if id == "" {
		return nil, errors.New("job id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	now = now.UTC()
	transitions := []struct {
		from   jobs.Status
		update bson.M
	}{
		{jobs.StatusQueued, bson.M{
			"$set": bson.M{
				"status":      string(jobs.StatusCancelled),
				"last_error":  jobs.ReasonCancelled,
				"updated_at":  now,
				"finished_at": now,
			},
			"$unset": bson.M{"open_fingerprint": ""},
		}},
		{jobs.StatusActive, bson.M{
			"$set": bson.M{"cancel_requested": true, "updated_at": now},
		}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	for range cancelAttempts {
		for _, tr := range transitions {
			var doc jobDocument
			err := c.jobs.FindOneAndUpdate(ctx, bson.M{"_id": id, "status": string(tr.from)}, tr.update, opts).Decode(&doc)
			if err == nil {
				return doc.toJob(), nil
			}
			if !errors.Is(err, mongodriver.ErrNoDocuments) {
				return nil, err
			}
		}
		var doc jobDocument
		if err := c.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				return nil, jobs.ErrJobNotFound
			}
			return nil, err
		}
		if status := jobs.Status(doc.Status); status.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", jobs.ErrJobFinished, id, status)
		}
	}
	return nil, fmt.Errorf("cancel job %s: status kept changing", id)
}

func (c *client) SetProgress(ctx context.Context, id string, percent int) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.jobs.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"progress_percent": percent}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return jobs.ErrJobNotFound
	}
	return nil
}

func (c *client) RequeueActive(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	now = now.UTC()
	_, err := c.jobs.UpdateMany(ctx,
		bson.M{"status": string(jobs.StatusActive), "cancel_requested": true},
		bson.M{
			"$set": bson.M{
				"status":      string(jobs.StatusCancelled),
				"last_error":  jobs.ReasonCancelled,
				"updated_at":  now,
				"finished_at": now,
			},
			"$unset": bson.M{"active_key": "", "open_fingerprint": ""},
		})
	if err != nil {
		return 0, err
	}
	update := bson.M{
		"$set": bson.M{
			"status":       string(jobs.StatusQueued),
			"available_at": now,
			"updated_at":   now,
		},
		"$unset": bson.M{"active_key": ""},
	}
	res, err := c.jobs.UpdateMany(ctx, bson.M{"status": string(jobs.StatusActive)}, update)
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}

func (c *client) PurgeFinished(ctx context.Context, completedBefore, failedBefore time.Time) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	completed, err := c.jobs.DeleteMany(ctx, bson.M{
		"status":      string(jobs.StatusCompleted),
		"finished_at": bson.M{"$lt": completedBefore.UTC()},
	})
	if err != nil {
		return 0, err
	}
	failed, err := c.jobs.DeleteMany(ctx, bson.M{
		"status": bson.M{"$in": []string{
			string(jobs.StatusFailed),
			string(jobs.StatusDeadLettered),
			string(jobs.StatusCancelled),
		}},
		"finished_at": bson.M{"$lt": failedBefore.UTC()},
	})
	if err != nil {
		return int(completed.DeletedCount), err
	}
	return int(completed.DeletedCount + failed.DeletedCount), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// jobDocument mirrors jobs.Job. OpenFingerprint and ActiveKey are only set
// while the job is open or active so the partial unique indexes on them
// ignore finished jobs.
type jobDocument struct {
	ID              string    `bson:"_id"`
	SessionKey      string    `bson:"session_key"`
	Step            string    `bson:"step,omitempty"`
	Input           string    `bson:"input,omitempty"`
	Fingerprint     string    `bson:"fingerprint"`
	OpenFingerprint string    `bson:"open_fingerprint,omitempty"`
	ActiveKey       string    `bson:"active_key,omitempty"`
	Status          string    `bson:"status"`
	Attempts        int       `bson:"attempts"`
	LastError       string    `bson:"last_error,omitempty"`
	ProgressPercent int       `bson:"progress_percent"`
	Result          string    `bson:"result,omitempty"`
	CancelRequested bool      `bson:"cancel_requested,omitempty"`
	AvailableAt     time.Time `bson:"available_at"`
	CreatedAt       time.Time `bson:"created_at"`
	UpdatedAt       time.Time `bson:"updated_at"`
	FinishedAt      time.Time `bson:"finished_at,omitempty"`
}

func fromJob(j *jobs.Job) jobDocument {
	doc := jobDocument{
		ID:              j.ID,
		SessionKey:      j.SessionKey,
		Step:            j.Step,
		Input:           string(j.Input),
		Fingerprint:     j.Fingerprint,
		Status:          string(j.Status),
		Attempts:        j.Attempts,
		LastError:       j.LastError,
		ProgressPercent: j.ProgressPercent,
		Result:          string(j.Result),
		CancelRequested: j.CancelRequested,
		AvailableAt:     j.AvailableAt.UTC(),
		CreatedAt:       j.CreatedAt.UTC(),
		UpdatedAt:       j.UpdatedAt.UTC(),
	}
	if !j.FinishedAt.IsZero() {
		doc.FinishedAt = j.FinishedAt.UTC()
	}
	if j.Status.Open() {
		doc.OpenFingerprint = j.Fingerprint
	}
	if j.Status == jobs.StatusActive {
		doc.ActiveKey = j.SessionKey
	}
	return doc
}

func (doc jobDocument) toJob() *jobs.Job {
	j := &jobs.Job{
		ID:              doc.ID,
		SessionKey:      doc.SessionKey,
		Step:            doc.Step,
		Fingerprint:     doc.Fingerprint,
		Status:          jobs.Status(doc.Status),
		Attempts:        doc.Attempts,
		LastError:       doc.LastError,
		ProgressPercent: doc.ProgressPercent,
		CancelRequested: doc.CancelRequested,
		AvailableAt:     doc.AvailableAt.UTC(),
		CreatedAt:       doc.CreatedAt.UTC(),
		UpdatedAt:       doc.UpdatedAt.UTC(),
	}
	if doc.Input != "" {
		j.Input = json.RawMessage(doc.Input)
	}
	if doc.Result != "" {
		j.Result = json.RawMessage(doc.Result)
	}
	if !doc.FinishedAt.IsZero() {
		j.FinishedAt = doc.FinishedAt.UTC()
	}
	return j
}

func ensureIndexes(ctx context.Context, jobsColl collection) error {
	models := []mongodriver.IndexModel{
		{
			Keys: bson.D{{Key: "open_fingerprint", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"open_fingerprint": bson.M{"$exists": true}}),
		},
		{
			Keys: bson.D{{Key: "active_key", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"active_key": bson.M{"$exists": true}}),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "available_at", Value: 1},
				{Key: "created_at", Value: 1},
			},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "finished_at", Value: 1}},
		},
	}
	for _, model := range models {
		if _, err := jobsColl.Indexes().CreateOne(ctx, model); err != nil {
			return err
		}
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, jobsColl collection, timeout time.Duration) (*client, error) {
	if jobsColl == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:      mongoClient,
		jobs:       jobsColl,
		timeout:    timeout,
		claimBatch: defaultClaimBatch,
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	FindOneAndUpdate(ctx context.Context, filter any, update any,
		opts ...*options.FindOneAndUpdateOptions) singleResult
	ReplaceOne(ctx context.Context, filter any, replacement any,
		opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	UpdateMany(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter any, update any,
	opts ...*options.FindOneAndUpdateOptions) singleResult {
	return c.coll.FindOneAndUpdate(ctx, filter, update, opts...)
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any,
	opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) UpdateMany(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateMany(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
