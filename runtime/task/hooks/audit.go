package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/taskrun/runtime/task/run"
	"goa.design/taskrun/runtime/task/runlog"
)

type (
	// AuditObserver appends every lifecycle event to a runlog.Store.
	AuditObserver struct {
		store runlog.Store
	}

	auditPayload struct {
		Turn       int             `json:"turn,omitempty"`
		CallID     string          `json:"call_id,omitempty"`
		Capability string          `json:"capability,omitempty"`
		Estimate   float64         `json:"estimate,omitempty"`
		Cost       float64         `json:"cost,omitempty"`
		DurationMS int64           `json:"duration_ms,omitempty"`
		Failure    FailureKind     `json:"failure,omitempty"`
		Error      string          `json:"error,omitempty"`
		Scope      run.Scope       `json:"scope,omitempty"`
		Ceiling    float64         `json:"ceiling,omitempty"`
		State      run.State       `json:"state,omitempty"`
		Reason     string          `json:"reason,omitempty"`
		Spend      float64         `json:"spend,omitempty"`
		Output     json.RawMessage `json:"output,omitempty"`
	}
)

// NewAuditObserver returns an observer writing to store.
func NewAuditObserver(store runlog.Store) (*AuditObserver, error) {
	if store == nil {
		return nil, errors.New("run log store is required")
	}
	return &AuditObserver{store: store}, nil
}

// HandleEvent implements Observer.
func (a *AuditObserver) HandleEvent(ctx context.Context, evt Event) error {
	p := auditPayload{
		Turn:       evt.Turn,
		CallID:     evt.CallID,
		Capability: evt.Capability,
		Estimate:   evt.Estimate,
		Cost:       evt.Cost,
		DurationMS: evt.Duration.Milliseconds(),
		Failure:    evt.Failure,
	}
	if evt.Err != nil {
		p.Error = evt.Err.Error()
	}
	switch evt.Kind {
	case RunStarted:
		p.Scope = evt.Run.Scope
		p.Ceiling = evt.Run.Ceiling
	case PostCall:
		p.Output = evt.Output
	case RunEnded:
		if r := evt.Result; r != nil {
			p.State = r.State
			p.Reason = r.Reason
			p.Spend = r.Spend
		}
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return a.store.Append(ctx, &runlog.Event{
		RunID:      evt.Run.ID,
		ParentID:   evt.Run.ParentID,
		SessionKey: evt.Run.SessionKey,
		Kind:       string(evt.Kind),
		Payload:    payload,
		Timestamp:  ts,
	})
}
