package orchestrator

import (
	"fmt"
	"sync"
)

// vmState is the per-VM lifecycle within one pass.
type vmState int

const (
	statePending vmState = iota
	stateIssued
	stateSucceeded
	stateFailed
)

func (s vmState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateIssued:
		return "action_issued"
	case stateSucceeded:
		return "succeeded"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s vmState) terminal() bool {
	return s == stateSucceeded || s == stateFailed
}

// tracker enforces Pending -> ActionIssued -> {Succeeded | Failed}. A VM
// never goes back to Pending within a pass.
type tracker struct {
	mu     sync.Mutex
	states map[string]vmState
}

func newTracker(plan Plan) *tracker {
	t := &tracker{states: make(map[string]vmState, plan.Actions())}
	for _, g := range plan.Groups {
		for _, s := range g.Steps {
			t.states[s.VM.ID] = statePending
		}
	}
	return t
}

func (t *tracker) issue(id string) error {
	return t.transition(id, statePending, stateIssued)
}

func (t *tracker) finish(id string, success bool) error {
	to := stateFailed
	if success {
		to = stateSucceeded
	}
	return t.transition(id, stateIssued, to)
}

func (t *tracker) transition(id string, from, to vmState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.states[id]
	if !ok {
		return fmt.Errorf("vm %s is not part of the plan", id)
	}
	if cur != from {
		return fmt.Errorf("vm %s: invalid transition %s -> %s", id, cur, to)
	}
	t.states[id] = to
	return nil
}

// allTerminal reports whether every step of g has finished.
func (t *tracker) allTerminal(g Group) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range g.Steps {
		if !t.states[s.VM.ID].terminal() {
			return false
		}
	}
	return true
}
