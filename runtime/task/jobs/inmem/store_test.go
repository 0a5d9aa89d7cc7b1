package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/taskrun/runtime/task/jobs"
)

func newJob(id, key string, at time.Time) *jobs.Job {
	return &jobs.Job{
		ID:          id,
		SessionKey:  key,
		Fingerprint: jobs.Fingerprint(jobs.Request{SessionKey: key, Step: id}),
		Status:      jobs.StatusQueued,
		AvailableAt: at,
		CreatedAt:   at,
	}
}

func TestClaimIsFIFOAndSingleActivePerKey(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := New()
	for _, j := range []*jobs.Job{newJob("a1", "a", now), newJob("a2", "a", now), newJob("b1", "b", now)} {
		_, created, err := s.Create(ctx, j)
		require.NoError(t, err)
		require.True(t, created)
	}

	first, err := s.Claim(ctx, now)
	require.NoError(t, err)
	require.Equal(t, "a1", first.ID)
	require.Equal(t, 1, first.Attempts)

	second, err := s.Claim(ctx, now)
	require.NoError(t, err)
	require.Equal(t, "b1", second.ID, "a2 waits while a1 is active")

	none, err := s.Claim(ctx, now)
	require.NoError(t, err)
	require.Nil(t, none)

	first.Status = jobs.StatusCompleted
	first.FinishedAt = now
	require.NoError(t, s.Update(ctx, first))
	third, err := s.Claim(ctx, now)
	require.NoError(t, err)
	require.Equal(t, "a2", third.ID)
}

func TestClaimHonoursBackoff(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := New()
	_, _, err := s.Create(ctx, newJob("j", "k", now.Add(time.Minute)))
	require.NoError(t, err)
	job, err := s.Claim(ctx, now)
	require.NoError(t, err)
	require.Nil(t, job)
	job, err = s.Claim(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestCreateIsIdempotentWhileOpen(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := New()
	_, created, err := s.Create(ctx, newJob("j1", "k", now))
	require.NoError(t, err)
	require.True(t, created)

	dup := newJob("j2", "k", now)
	dup.Fingerprint = jobs.Fingerprint(jobs.Request{SessionKey: "k", Step: "j1"})
	stored, created, err := s.Create(ctx, dup)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "j1", stored.ID)
}

func TestRequeueAndPurge(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := New()
	_, _, err := s.Create(ctx, newJob("active", "a", now))
	require.NoError(t, err)
	_, err = s.Claim(ctx, now)
	require.NoError(t, err)
	n, err := s.Requeue(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	done := newJob("done", "b", now)
	done.Status = jobs.StatusCompleted
	done.FinishedAt = now.Add(-2 * time.Hour)
	dead := newJob("dead", "c", now)
	dead.Status = jobs.StatusDeadLettered
	dead.FinishedAt = now.Add(-2 * time.Hour)
	for _, j := range []*jobs.Job{done, dead} {
		_, _, err := s.Create(ctx, j)
		require.NoError(t, err)
	}
	n, err = s.Purge(ctx, now.Add(-time.Hour), now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = s.Get(ctx, "done")
	require.ErrorIs(t, err, jobs.ErrJobNotFound)
	_, err = s.Get(ctx, "dead")
	require.NoError(t, err, "failed jobs are retained longer")
}

func TestCancelTransitions(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := New()
	for _, j := range []*jobs.Job{newJob("running", "a", now), newJob("waiting", "b", now.Add(time.Hour))} {
		_, _, err := s.Create(ctx, j)
		require.NoError(t, err)
	}
	_, err := s.Claim(ctx, now)
	require.NoError(t, err)

	queued, err := s.Cancel(ctx, "waiting", now)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCancelled, queued.Status)
	require.Equal(t, jobs.ReasonCancelled, queued.LastError)
	require.Equal(t, now, queued.FinishedAt)

	active, err := s.Cancel(ctx, "running", now)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusActive, active.Status)
	require.True(t, active.CancelRequested)

	_, err = s.Cancel(ctx, "waiting", now)
	require.ErrorIs(t, err, jobs.ErrJobFinished)
	_, err = s.Cancel(ctx, "missing", now)
	require.ErrorIs(t, err, jobs.ErrJobNotFound)

	// A claim racing the cancel of a queued job never activates it.
	got, err := s.Claim(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRequeueHonoursPendingCancel(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := New()
	_, _, err := s.Create(ctx, newJob("j", "k", now))
	require.NoError(t, err)
	_, err = s.Claim(ctx, now)
	require.NoError(t, err)
	_, err = s.Cancel(ctx, "j", now)
	require.NoError(t, err)

	n, err := s.Requeue(ctx, now)
	require.NoError(t, err)
	require.Zero(t, n)
	got, err := s.Get(ctx, "j")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCancelled, got.Status)
	require.Equal(t, jobs.ReasonCancelled, got.LastError)
}
