package mongo

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/taskrun/runtime/task/jobs"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestEnsureIndexes(t *testing.T) {
	coll := newFakeJobsCollection()
	require.NoError(t, ensureIndexes(context.Background(), coll))
	require.Equal(t, 4, coll.indexCreated)
}

func TestCreateIsIdempotentWhileOpen(t *testing.T) {
	c := mustNewTestClient()
	ctx := context.Background()

	first := newJob("j1", "order-1", "fp-1", t0)
	stored, created, err := c.CreateJob(ctx, first)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "j1", stored.ID)

	stored, created, err = c.CreateJob(ctx, newJob("j2", "order-1", "fp-1", t0))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "j1", stored.ID)

	// Once finished the fingerprint is free again.
	first.Status = jobs.StatusCompleted
	first.FinishedAt = t0
	require.NoError(t, c.UpdateJob(ctx, first))
	_, created, err = c.CreateJob(ctx, newJob("j3", "order-1", "fp-1", t0))
	require.NoError(t, err)
	require.True(t, created)
}

func TestGetJob(t *testing.T) {
	c := mustNewTestClient()
	ctx := context.Background()
	_, err := c.GetJob(ctx, "missing")
	require.ErrorIs(t, err, jobs.ErrJobNotFound)

	job := newJob("j1", "order-1", "fp-1", t0)
	job.Input = json.RawMessage(`{"instruction":"go"}`)
	_, _, err = c.CreateJob(ctx, job)
	require.NoError(t, err)
	got, err := c.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, job, got)
}

func TestClaimHonorsOrderAvailabilityAndKeys(t *testing.T) {
	c := mustNewTestClient()
	ctx := context.Background()
	a1 := newJob("a1", "A", "fp-a1", t0)
	a2 := newJob("a2", "A", "fp-a2", t0.Add(time.Second))
	b1 := newJob("b1", "B", "fp-b1", t0.Add(2*time.Second))
	b1.AvailableAt = t0.Add(time.Hour)
	for _, j := range []*jobs.Job{a1, a2, b1} {
		_, _, err := c.CreateJob(ctx, j)
		require.NoError(t, err)
	}

	got, err := c.ClaimJob(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, "a1", got.ID)
	require.Equal(t, jobs.StatusActive, got.Status)
	require.Equal(t, 1, got.Attempts)

	// a2 waits for a1 and b1 is backing off.
	got, err = c.ClaimJob(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = c.ClaimJob(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, "b1", got.ID)

	a1.Status = jobs.StatusCompleted
	a1.FinishedAt = t0.Add(time.Minute)
	require.NoError(t, c.UpdateJob(ctx, a1))
	got, err = c.ClaimJob(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, "a2", got.ID)
}

func TestSetProgressAndRequeue(t *testing.T) {
	c := mustNewTestClient()
	ctx := context.Background()
	require.ErrorIs(t, c.SetProgress(ctx, "missing", 10), jobs.ErrJobNotFound)

	_, _, err := c.CreateJob(ctx, newJob("j1", "K", "fp", t0))
	require.NoError(t, err)
	_, err = c.ClaimJob(ctx, t0)
	require.NoError(t, err)
	require.NoError(t, c.SetProgress(ctx, "j1", 40))

	n, err := c.RequeueActive(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := c.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusQueued, got.Status)
	require.Equal(t, 40, got.ProgressPercent)
	require.Equal(t, t0.Add(time.Minute), got.AvailableAt)

	again, err := c.ClaimJob(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, again.Attempts)
}

func TestCancelJob(t *testing.T) {
	c := mustNewTestClient()
	ctx := context.Background()
	for _, j := range []*jobs.Job{newJob("run", "A", "fp-run", t0), newJob("wait", "B", "fp-wait", t0.Add(time.Hour))} {
		_, _, err := c.CreateJob(ctx, j)
		require.NoError(t, err)
	}
	_, err := c.ClaimJob(ctx, t0)
	require.NoError(t, err)

	queued, err := c.CancelJob(ctx, "wait", t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCancelled, queued.Status)
	require.Equal(t, jobs.ReasonCancelled, queued.LastError)
	require.Equal(t, t0.Add(time.Minute), queued.FinishedAt)

	// The cancelled job is never claimed and frees its fingerprint.
	got, err := c.ClaimJob(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Nil(t, got)
	_, created, err := c.CreateJob(ctx, newJob("wait-2", "B", "fp-wait", t0))
	require.NoError(t, err)
	require.True(t, created)

	active, err := c.CancelJob(ctx, "run", t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, jobs.StatusActive, active.Status)
	require.True(t, active.CancelRequested)

	_, err = c.CancelJob(ctx, "wait", t0)
	require.ErrorIs(t, err, jobs.ErrJobFinished)
	_, err = c.CancelJob(ctx, "missing", t0)
	require.ErrorIs(t, err, jobs.ErrJobNotFound)
}

func TestRequeueActiveHonoursPendingCancel(t *testing.T) {
	c := mustNewTestClient()
	ctx := context.Background()
	_, _, err := c.CreateJob(ctx, newJob("j1", "K", "fp", t0))
	require.NoError(t, err)
	_, err = c.ClaimJob(ctx, t0)
	require.NoError(t, err)
	_, err = c.CancelJob(ctx, "j1", t0)
	require.NoError(t, err)

	n, err := c.RequeueActive(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Zero(t, n)
	got, err := c.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCancelled, got.Status)
	require.Equal(t, t0.Add(time.Minute), got.FinishedAt)
}

func TestPurgeFinished(t *testing.T) {
	c := mustNewTestClient()
	ctx := context.Background()
	finished := func(id string, status jobs.Status, at time.Time) {
		j := newJob(id, id, "fp-"+id, t0)
		j.Status = status
		j.FinishedAt = at
		_, _, err := c.CreateJob(ctx, j)
		require.NoError(t, err)
	}
	finished("old-ok", jobs.StatusCompleted, t0)
	finished("new-ok", jobs.StatusCompleted, t0.Add(48*time.Hour))
	finished("old-dead", jobs.StatusDeadLettered, t0)
	finished("mid-failed", jobs.StatusFailed, t0.Add(24*time.Hour))
	_, _, err := c.CreateJob(ctx, newJob("open", "open", "fp-open", t0))
	require.NoError(t, err)

	n, err := c.PurgeFinished(ctx, t0.Add(time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	for _, id := range []string{"new-ok", "mid-failed", "open"} {
		_, err := c.GetJob(ctx, id)
		require.NoError(t, err, id)
	}
}

func TestValidation(t *testing.T) {
	c := mustNewTestClient()
	ctx := context.Background()
	_, _, err := c.CreateJob(ctx, &jobs.Job{Fingerprint: "x"})
	require.EqualError(t, err, "job id is required")
	_, _, err = c.CreateJob(ctx, &jobs.Job{ID: "x"})
	require.EqualError(t, err, "job fingerprint is required")
	require.ErrorIs(t, c.UpdateJob(ctx, newJob("nope", "k", "fp", t0)), jobs.ErrJobNotFound)
}

func newJob(id, key, fp string, at time.Time) *jobs.Job {
	return &jobs.Job{
		ID:          id,
		SessionKey:  key,
		Fingerprint: fp,
		Status:      jobs.StatusQueued,
		AvailableAt: at,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func mustNewTestClient() *client {
	cl, err := newClientWithCollection(nil, newFakeJobsCollection(), time.Second)
	if err != nil {
		panic(err)
	}
	return cl
}

// fakeJobsCollection interprets the filter and update shapes issued by the
// client and enforces the two partial unique indexes.
type fakeJobsCollection struct {
	mu           sync.Mutex
	indexCreated int
	order        []string
	docs         map[string]jobDocument
}

func newFakeJobsCollection() *fakeJobsCollection {
	return &fakeJobsCollection{docs: make(map[string]jobDocument)}
}

func duplicateKey() error {
	return mongodriver.WriteException{WriteErrors: mongodriver.WriteErrors{{Code: 11000, Message: "E11000 duplicate key error"}}}
}

func (c *fakeJobsCollection) conflicts(doc jobDocument) bool {
	for id, other := range c.docs {
		if id == doc.ID {
			continue
		}
		if doc.OpenFingerprint != "" && other.OpenFingerprint == doc.OpenFingerprint {
			return true
		}
		if doc.ActiveKey != "" && other.ActiveKey == doc.ActiveKey {
			return true
		}
	}
	return false
}

func (c *fakeJobsCollection) InsertOne(_ context.Context, document any, _ ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := document.(jobDocument)
	if _, ok := c.docs[doc.ID]; ok || c.conflicts(doc) {
		return nil, duplicateKey()
	}
	c.docs[doc.ID] = doc
	c.order = append(c.order, doc.ID)
	return &mongodriver.InsertOneResult{InsertedID: doc.ID}, nil
}

func (c *fakeJobsCollection) FindOne(_ context.Context, filter any, _ ...*options.FindOneOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.order {
		if doc := c.docs[id]; matches(doc, filter.(bson.M)) {
			return fakeSingleResult{doc: doc}
		}
	}
	return fakeSingleResult{err: mongodriver.ErrNoDocuments}
}

func (c *fakeJobsCollection) Find(_ context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []jobDocument
	for _, id := range c.order {
		if doc := c.docs[id]; matches(doc, filter.(bson.M)) {
			out = append(out, doc)
		}
	}
	if len(opts) > 0 && opts[0].Limit != nil && int(*opts[0].Limit) < len(out) {
		out = out[:*opts[0].Limit]
	}
	return &fakeCursor{docs: out, idx: -1}, nil
}

func (c *fakeJobsCollection) FindOneAndUpdate(_ context.Context, filter any, update any,
	_ ...*options.FindOneAndUpdateOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.order {
		doc := c.docs[id]
		if !matches(doc, filter.(bson.M)) {
			continue
		}
		updated := applyUpdate(doc, update.(bson.M))
		if c.conflicts(updated) {
			return fakeSingleResult{err: duplicateKey()}
		}
		c.docs[id] = updated
		return fakeSingleResult{doc: updated}
	}
	return fakeSingleResult{err: mongodriver.ErrNoDocuments}
}

func (c *fakeJobsCollection) ReplaceOne(_ context.Context, filter any, replacement any,
	_ ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := replacement.(jobDocument)
	if _, ok := c.docs[doc.ID]; !ok || !matches(c.docs[doc.ID], filter.(bson.M)) {
		return &mongodriver.UpdateResult{}, nil
	}
	if c.conflicts(doc) {
		return nil, duplicateKey()
	}
	c.docs[doc.ID] = doc
	return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (c *fakeJobsCollection) UpdateOne(ctx context.Context, filter any, update any,
	_ ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.order {
		if doc := c.docs[id]; matches(doc, filter.(bson.M)) {
			c.docs[id] = applyUpdate(doc, update.(bson.M))
			return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
		}
	}
	return &mongodriver.UpdateResult{}, nil
}

func (c *fakeJobsCollection) UpdateMany(_ context.Context, filter any, update any,
	_ ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, id := range c.order {
		if doc := c.docs[id]; matches(doc, filter.(bson.M)) {
			c.docs[id] = applyUpdate(doc, update.(bson.M))
			n++
		}
	}
	return &mongodriver.UpdateResult{MatchedCount: n, ModifiedCount: n}, nil
}

func (c *fakeJobsCollection) DeleteMany(_ context.Context, filter any, _ ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.order[:0]
	var n int64
	for _, id := range c.order {
		if matches(c.docs[id], filter.(bson.M)) {
			delete(c.docs, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
	return &mongodriver.DeleteResult{DeletedCount: n}, nil
}

func (c *fakeJobsCollection) Indexes() indexView {
	return fakeIndexView{parent: c}
}

func matches(doc jobDocument, filter bson.M) bool {
	for key, want := range filter {
		switch key {
		case "_id":
			if doc.ID != want.(string) {
				return false
			}
		case "open_fingerprint":
			if doc.OpenFingerprint != want.(string) {
				return false
			}
		case "status":
			switch w := want.(type) {
			case string:
				if doc.Status != w {
					return false
				}
			case bson.M:
				found := false
				for _, s := range w["$in"].([]string) {
					found = found || s == doc.Status
				}
				if !found {
					return false
				}
			}
		case "cancel_requested":
			if doc.CancelRequested != want.(bool) {
				return false
			}
		case "available_at":
			if doc.AvailableAt.After(want.(bson.M)["$lte"].(time.Time)) {
				return false
			}
		case "finished_at":
			if doc.FinishedAt.IsZero() || !doc.FinishedAt.Before(want.(bson.M)["$lt"].(time.Time)) {
				return false
			}
		default:
			panic("unexpected filter key " + key)
		}
	}
	return true
}

func applyUpdate(doc jobDocument, update bson.M) jobDocument {
	if set, ok := update["$set"].(bson.M); ok {
		for k, v := range set {
			switch k {
			case "status":
				doc.Status = v.(string)
			case "active_key":
				doc.ActiveKey = v.(string)
			case "updated_at":
				doc.UpdatedAt = v.(time.Time)
			case "available_at":
				doc.AvailableAt = v.(time.Time)
			case "progress_percent":
				doc.ProgressPercent = v.(int)
			case "last_error":
				doc.LastError = v.(string)
			case "finished_at":
				doc.FinishedAt = v.(time.Time)
			case "cancel_requested":
				doc.CancelRequested = v.(bool)
			default:
				panic("unexpected $set key " + k)
			}
		}
	}
	if inc, ok := update["$inc"].(bson.M); ok {
		doc.Attempts += inc["attempts"].(int)
	}
	if unset, ok := update["$unset"].(bson.M); ok {
		if _, ok := unset["active_key"]; ok {
			doc.ActiveKey = ""
		}
		if _, ok := unset["open_fingerprint"]; ok {
			doc.OpenFingerprint = ""
		}
	}
	return doc
}

type fakeIndexView struct {
	parent *fakeJobsCollection
}

func (v fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...*options.CreateIndexesOptions) (string, error) {
	v.parent.mu.Lock()
	defer v.parent.mu.Unlock()
	v.parent.indexCreated++
	return "idx", nil
}

type fakeSingleResult struct {
	doc jobDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	*(val.(*jobDocument)) = r.doc
	return nil
}

type fakeCursor struct {
	docs []jobDocument
	idx  int
}

func (c *fakeCursor) Next(context.Context) bool {
	c.idx++
	return c.idx < len(c.docs)
}

func (c *fakeCursor) Decode(val any) error {
	*(val.(*jobDocument)) = c.docs[c.idx]
	return nil
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Close(context.Context) error { return nil }
