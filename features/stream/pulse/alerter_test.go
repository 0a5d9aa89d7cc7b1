package pulse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/taskrun/runtime/task/jobs"
)

func TestAlerterPublishesDeadLetter(t *testing.T) {
	cli := newFakeClient()
	alerter, err := NewAlerter(cli, "")
	require.NoError(t, err)

	job := &jobs.Job{
		ID:         "job-1",
		SessionKey: "order-1",
		Step:       "draft",
		Status:     jobs.StatusDeadLettered,
		Attempts:   3,
		LastError:  "job failed",
		Input:      json.RawMessage(`{"instruction":"draft it"}`),
		UpdatedAt:  time.Unix(100, 0),
	}
	require.NoError(t, alerter.Alert(context.Background(), job))

	str := cli.stream(DeadLetterStream)
	require.NotNil(t, str)
	require.Len(t, str.entries, 1)
	require.Equal(t, "dead_lettered", str.entries[0].event)
	var dl DeadLetter
	require.NoError(t, json.Unmarshal(str.entries[0].payload, &dl))
	require.Equal(t, "job-1", dl.JobID)
	require.Equal(t, 3, dl.Attempts)
	require.JSONEq(t, `{"instruction":"draft it"}`, string(dl.Input))
	require.True(t, dl.At.Equal(time.Unix(100, 0)))
}

func TestAlerterRequiresClient(t *testing.T) {
	_, err := NewAlerter(nil, "x")
	require.EqualError(t, err, "pulse client is required")
}
