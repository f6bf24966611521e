package models

import "time"

// ErrorKind classifies why a per-VM action failed.
type ErrorKind string

const (
	ErrorNone             ErrorKind = ""
	ErrorTransportFailure ErrorKind = "transport_failure"
	ErrorRejected         ErrorKind = "rejected"
	ErrorTimeout          ErrorKind = "timeout"
	ErrorSessionExpired   ErrorKind = "session_expired"
	ErrorCanceled         ErrorKind = "canceled"
)

// ActionOutcome is the result of one planned action in a pass.
type ActionOutcome struct {
	VMID       string      `json:"vm"`
	Name       string      `json:"name,omitempty"`
	Action     PowerAction `json:"action"`
	Group      int         `json:"group"`
	Success    bool        `json:"success"`
	Error      ErrorKind   `json:"error,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// SkippedVM is a VM the plan left untouched, with the reason why.
type SkippedVM struct {
	VMID   string `json:"vm"`
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason"`
}

// PlannedAction is one step of a reconciliation plan.
type PlannedAction struct {
	VMID   string      `json:"vm"`
	Name   string      `json:"name,omitempty"`
	Action PowerAction `json:"action"`
	Group  int         `json:"group"`
}

// BlockedVM is a planned action never dispatched because an earlier
// priority group failed under the fail-fast policy.
type BlockedVM struct {
	VMID   string      `json:"vm"`
	Name   string      `json:"name,omitempty"`
	Action PowerAction `json:"action"`
	Group  int         `json:"group"`
}

// Report is the complete result of one reconciliation pass.
type Report struct {
	RunID      string          `json:"run_id"`
	Mode       RunMode         `json:"mode"`
	DryRun     bool            `json:"dry_run,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Planned    []PlannedAction `json:"planned,omitempty"`
	Outcomes   []ActionOutcome `json:"outcomes"`
	Skipped    []SkippedVM     `json:"skipped,omitempty"`
	Blocked    []BlockedVM     `json:"blocked,omitempty"`
}

// Summary aggregates counts for the process-level summary line.
type Summary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Blocked   int `json:"blocked"`
}

func (r *Report) Summary() Summary {
	var s Summary
	for _, o := range r.Outcomes {
		if o.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	s.Skipped = len(r.Skipped)
	s.Blocked = len(r.Blocked)
	return s
}

// HasFailures reports whether any VM failed or was blocked.
func (r *Report) HasFailures() bool {
	s := r.Summary()
	return s.Failed > 0 || s.Blocked > 0
}

// ExitCode is the process status for the pass: 0 when every planned action
// succeeded or there was nothing to do, 2 when any VM failed or was blocked.
func (r *Report) ExitCode() int {
	if r.HasFailures() {
		return 2
	}
	return 0
}

// FailedVMIDs returns the ids of failed and blocked VMs.
func (r *Report) FailedVMIDs() []string {
	var ids []string
	for _, o := range r.Outcomes {
		if !o.Success {
			ids = append(ids, o.VMID)
		}
	}
	for _, b := range r.Blocked {
		ids = append(ids, b.VMID)
	}
	return ids
}

// Duration is the wall time of the pass.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
