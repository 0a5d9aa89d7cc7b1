package budget

import (
	"errors"
	"fmt"
)

// DenyKind identifies the enforcement layer that denied an authorization.
type DenyKind string

const (
	// DenyBudget means the run's own ceiling would be exceeded.
	DenyBudget DenyKind = "budget"
	// DenyParentBudget means an ancestor's ceiling would be exceeded.
	DenyParentBudget DenyKind = "parent_budget"
	// DenySession means the aggregate ceiling of the run tree would be exceeded.
	DenySession DenyKind = "session_budget"
	// DenyTimeout means the wall-clock budget elapsed.
	DenyTimeout DenyKind = "timeout"
	// DenyCredits means the external credit check denied or failed.
	DenyCredits DenyKind = "credits"
	// DenyAnomaly means the spend-rate anomaly detector is tripped.
	DenyAnomaly DenyKind = "anomaly"
	// DenyForced means a circuit breaker force-denied the run.
	DenyForced DenyKind = "forced"
)

// Denial is returned by Governor.Authorize when a call may not proceed.
type Denial struct {
	RunID     string
	Kind      DenyKind
	Reason    string
	Estimate  float64
	Remaining float64
	cause     error
}

// Error implements error.
func (d *Denial) Error() string {
	return fmt.Sprintf("budget denied for run %q (%s): %s", d.RunID, d.Kind, d.Reason)
}

// Unwrap returns the credit checker error for DenyCredits denials.
func (d *Denial) Unwrap() error { return d.cause }

// AsDenial extracts the Denial from err.
func AsDenial(err error) (*Denial, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
