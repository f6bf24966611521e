package models

import (
	"fmt"
	"strings"
)

// PowerAction is an operator-requested transition for a single VM.
type PowerAction int

const (
	ActionNone PowerAction = iota
	// ActionShutdown asks the guest OS to shut down.
	ActionShutdown
	// ActionReboot asks the guest OS to reboot.
	ActionReboot
	// ActionStandby asks the guest OS to suspend.
	ActionStandby
	// ActionStart powers the VM on (or resumes it) at the hypervisor level.
	ActionStart
)

var actionNames = map[PowerAction]string{
	ActionShutdown: "shutdown",
	ActionReboot:   "reboot",
	ActionStandby:  "standby",
	ActionStart:    "start",
}

func (a PowerAction) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "none"
}

// IsGuest reports whether the action is delivered to the guest OS.
func (a PowerAction) IsGuest() bool {
	return a == ActionShutdown || a == ActionReboot || a == ActionStandby
}

// TargetState is the power state a successful action converges to.
func (a PowerAction) TargetState() PowerState {
	switch a {
	case ActionShutdown:
		return PoweredOff
	case ActionStandby:
		return Suspended
	case ActionStart, ActionReboot:
		return PoweredOn
	default:
		return PowerStateUnknown
	}
}

func ParsePowerAction(s string) (PowerAction, error) {
	lower := strings.ToLower(strings.TrimSpace(s))
	for action, name := range actionNames {
		if name == lower {
			return action, nil
		}
	}
	return ActionNone, fmt.Errorf("unknown power action %q (want shutdown, reboot, standby or start)", s)
}

func (a PowerAction) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *PowerAction) UnmarshalText(text []byte) error {
	parsed, err := ParsePowerAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// RunMode is the declarative intent for the whole fleet.
type RunMode int

const (
	ModeStart RunMode = iota + 1
	ModeShutdown
	ModeAuto
	// ModeManual marks passes that apply one explicit action to listed VMs.
	ModeManual
)

var modeNames = map[RunMode]string{
	ModeStart:    "start",
	ModeShutdown: "shutdown",
	ModeAuto:     "auto",
	ModeManual:   "manual",
}

func (m RunMode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "unknown"
}

func ParseRunMode(s string) (RunMode, error) {
	lower := strings.ToLower(strings.TrimSpace(s))
	for mode, name := range modeNames {
		if name == lower {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("unknown run mode %q (want start, shutdown, auto or manual)", s)
}

func (m RunMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *RunMode) UnmarshalText(text []byte) error {
	parsed, err := ParseRunMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// FailurePolicy decides whether a failed group blocks the groups after it.
type FailurePolicy int

const (
	BestEffort FailurePolicy = iota
	FailFast
)

func (p FailurePolicy) String() string {
	if p == FailFast {
		return "fail-fast"
	}
	return "best-effort"
}

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "best-effort", "best_effort":
		return BestEffort, nil
	case "fail-fast", "fail_fast":
		return FailFast, nil
	default:
		return BestEffort, fmt.Errorf("unknown failure policy %q (want best-effort or fail-fast)", s)
	}
}
