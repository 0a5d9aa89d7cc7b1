package stream

import (
	"context"
	"errors"

	"goa.design/taskrun/runtime/task/hooks"
	"goa.design/taskrun/runtime/task/run"
)

type (
	// Subscriber is a hooks.Observer translating lifecycle events into
	// external events and forwarding them to a Sink. Session events are only
	// produced for top-level runs; tool events are produced for every run of
	// the tree.
	Subscriber struct {
		sink Sink
	}
)

// NewSubscriber returns a Subscriber forwarding to sink.
func NewSubscriber(sink Sink) (*Subscriber, error) {
	if sink == nil {
		return nil, errors.New("stream sink is required")
	}
	return &Subscriber{sink: sink}, nil
}

// HandleEvent implements hooks.Observer.
func (s *Subscriber) HandleEvent(ctx context.Context, evt hooks.Event) error {
	out, ok := Translate(evt)
	if !ok {
		return nil
	}
	return s.sink.Send(ctx, out)
}

// Translate maps a lifecycle event to its external form. It reports false for
// events that are not published.
func Translate(evt hooks.Event) (Event, bool) {
	out := Event{
		RunID:      evt.Run.ID,
		SessionKey: evt.Run.SessionKey,
		Tool:       evt.Capability,
		Timestamp:  evt.Timestamp,
	}
	top := evt.Run.ParentID == ""
	switch evt.Kind {
	case hooks.RunStarted:
		if !top {
			return Event{}, false
		}
		out.Kind = SessionStarted
		out.ProgressPercent = Percent(0)
		out.Message = "session started"
	case hooks.PreCall:
		out.Kind = ToolStart
		if top {
			out.ProgressPercent = Percent(progress(evt.Turn-1, evt.Run.TurnLimit))
		}
	case hooks.PostCall:
		out.Kind = ToolComplete
		if top {
			out.ProgressPercent = Percent(progress(evt.Turn, evt.Run.TurnLimit))
		}
	case hooks.CallFailed:
		out.Kind = ToolError
		out.Message = failureMessage(evt.Failure)
	case hooks.RunEnded:
		if !top || evt.Result == nil {
			return Event{}, false
		}
		out.Tool = ""
		if evt.Result.State == run.StateSucceeded {
			out.Kind = SessionComplete
			out.ProgressPercent = Percent(100)
			out.Message = "session complete"
		} else {
			out.Kind = SessionFailed
			out.Message = failedMessage(evt.Result)
		}
	default:
		return Event{}, false
	}
	return out, true
}

// progress maps turns to a 0-95 percentage; 100 is reserved for completion.
func progress(turn, limit int) int {
	if limit <= 0 || turn <= 0 {
		return 0
	}
	p := turn * 95 / limit
	return min(p, 95)
}

func failureMessage(k hooks.FailureKind) string {
	switch k {
	case hooks.FailureScopeViolation:
		return "capability not permitted for this task"
	case hooks.FailureRetryable:
		return "temporary capability failure"
	case hooks.FailureDenied:
		return "budget limit reached"
	default:
		return "capability failed"
	}
}

func failedMessage(r *run.Result) string {
	switch r.State {
	case run.StateBudgetExceeded:
		return "budget exceeded"
	case run.StateTurnExceeded:
		return "turn limit reached"
	case run.StateTimedOut:
		return "timed out"
	}
	if r.Reason == run.ReasonCancelled {
		return "cancelled"
	}
	return "session failed"
}
