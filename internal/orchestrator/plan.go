package orchestrator

import (
	"fmt"
	"sort"

	"github.com/xMarcinator/VMWareReboot/internal/config"
	"github.com/xMarcinator/VMWareReboot/internal/models"
)

// Skip reasons recorded in the report.
const (
	ReasonAlreadyOn       = "already powered on"
	ReasonAlreadyOff      = "already powered off"
	ReasonSuspended       = "suspended; shutdown only applies to powered-on VMs"
	ReasonNoDesiredState  = "no desired state configured"
	ReasonInDesiredState  = "already in desired state"
	ReasonUnsupportedMode = "unsupported run mode"
)

// Options is everything a reconciliation pass needs besides the inventory.
type Options struct {
	Mode    models.RunMode
	Filter  models.VMListFilter
	Desired map[string]models.PowerState
	Groups  []config.GroupConfig

	Concurrency    int
	FailurePolicy  models.FailurePolicy
	StartInReverse bool
	DryRun         bool

	// Exclude skips VMs by id with the given reason before any other rule.
	Exclude map[string]string
}

// Step is one planned action.
type Step struct {
	VM     models.VMSummary
	Action models.PowerAction
}

// Group is a set of steps that run concurrently. Index is 1-based in
// execution order.
type Group struct {
	Index    int
	Name     string
	Priority int
	Steps    []Step
}

// Plan is the ordered result of BuildPlan.
type Plan struct {
	Groups  []Group
	Skipped []models.SkippedVM

	// ambiguous holds the ids skipped because a selector matched them by
	// a shared name.
	ambiguous map[string]bool
}

// Ambiguous reports whether vmID was skipped because a configured name
// matched several VMs.
func (p Plan) Ambiguous(vmID string) bool {
	return p.ambiguous[vmID]
}

// Actions is the number of planned actions across all groups.
func (p Plan) Actions() int {
	n := 0
	for _, g := range p.Groups {
		n += len(g.Steps)
	}
	return n
}

// Planned flattens the plan in execution order.
func (p Plan) Planned() []models.PlannedAction {
	out := make([]models.PlannedAction, 0, p.Actions())
	for _, g := range p.Groups {
		for _, s := range g.Steps {
			out = append(out, models.PlannedAction{VMID: s.VM.ID, Name: s.VM.Name, Action: s.Action, Group: g.Index})
		}
	}
	return out
}

// selectorIndex resolves configuration selectors against one inventory
// snapshot: an id match wins, otherwise a name that is unique.
type selectorIndex struct {
	byID   map[string]models.VMSummary
	byName map[string][]models.VMSummary
}

func newSelectorIndex(vms []models.VMSummary) *selectorIndex {
	idx := &selectorIndex{
		byID:   make(map[string]models.VMSummary, len(vms)),
		byName: make(map[string][]models.VMSummary),
	}
	for _, vm := range vms {
		idx.byID[vm.ID] = vm
		if vm.Name != "" {
			idx.byName[vm.Name] = append(idx.byName[vm.Name], vm)
		}
	}
	return idx
}

// resolve returns the VMs a selector refers to. ambiguous is true when the
// selector is a name shared by several VMs; those VMs are returned so they
// can be skipped with a reason.
func (idx *selectorIndex) resolve(selector string) (vms []models.VMSummary, ambiguous bool) {
	if vm, ok := idx.byID[selector]; ok {
		return []models.VMSummary{vm}, false
	}
	matches := idx.byName[selector]
	return matches, len(matches) > 1
}

func ambiguousReason(selector string, n int) string {
	return fmt.Sprintf("name %q matches %d VMs; select it by id", selector, n)
}

// ReasonAcceptedEarlier marks VMs excluded from a later pass of the same run.
const ReasonAcceptedEarlier = "action accepted in an earlier pass"

// BuildPlan decides, for one inventory snapshot, which VM gets which action
// and in which group. It issues no calls.
func BuildPlan(vms []models.VMSummary, opts Options) Plan {
	idx := newSelectorIndex(vms)
	skipReason := make(map[string]string)

	// Desired states only drive Auto mode.
	desired := make(map[string]models.PowerState)
	byIDSelector := make(map[string]bool)
	if opts.Mode == models.ModeAuto {
		for selector, state := range opts.Desired {
			matches, ambiguous := idx.resolve(selector)
			if ambiguous {
				for _, vm := range matches {
					if _, named := opts.Desired[vm.ID]; !named {
						skipReason[vm.ID] = ambiguousReason(selector, len(matches))
					}
				}
				continue
			}
			for _, vm := range matches {
				isID := selector == vm.ID
				if _, set := desired[vm.ID]; set && byIDSelector[vm.ID] && !isID {
					continue
				}
				desired[vm.ID] = state
				byIDSelector[vm.ID] = isID
			}
		}
	}

	groups := sortedGroups(opts.Groups)
	listed := make(map[string]bool)
	for _, g := range groups {
		for _, selector := range g.VMs {
			listed[selector] = true
		}
	}
	groupOf := make(map[string]int)
	for gi, g := range groups {
		for _, selector := range g.VMs {
			matches, ambiguous := idx.resolve(selector)
			for _, vm := range matches {
				if ambiguous {
					if !listed[vm.ID] {
						skipReason[vm.ID] = ambiguousReason(selector, len(matches))
					}
					continue
				}
				if _, set := groupOf[vm.ID]; !set {
					groupOf[vm.ID] = gi
				}
			}
		}
	}

	// One slot per configured group plus the trailing ungrouped slot.
	steps := make([][]Step, len(groups)+1)
	plan := Plan{ambiguous: make(map[string]bool)}
	for _, vm := range vms {
		if reason, ok := opts.Exclude[vm.ID]; ok {
			plan.Skipped = append(plan.Skipped, models.SkippedVM{VMID: vm.ID, Name: vm.Name, Reason: reason})
			continue
		}
		if reason, ok := skipReason[vm.ID]; ok {
			plan.Skipped = append(plan.Skipped, models.SkippedVM{VMID: vm.ID, Name: vm.Name, Reason: reason})
			plan.ambiguous[vm.ID] = true
			continue
		}
		state, hasDesired := desired[vm.ID]
		action, reason := decide(vm.PowerState, opts.Mode, state, hasDesired)
		if action == models.ActionNone {
			plan.Skipped = append(plan.Skipped, models.SkippedVM{VMID: vm.ID, Name: vm.Name, Reason: reason})
			continue
		}
		slot, grouped := groupOf[vm.ID]
		if !grouped {
			slot = len(groups)
		}
		steps[slot] = append(steps[slot], Step{VM: vm, Action: action})
	}

	for i, s := range steps {
		if len(s) == 0 {
			continue
		}
		g := Group{Steps: s}
		if i < len(groups) {
			g.Name = groups[i].Name
			g.Priority = groups[i].Priority
		} else if len(groups) > 0 {
			g.Name = "ungrouped"
			g.Priority = groups[len(groups)-1].Priority + 1
		}
		plan.Groups = append(plan.Groups, g)
	}

	if opts.StartInReverse && opts.Mode == models.ModeStart {
		for i, j := 0, len(plan.Groups)-1; i < j; i, j = i+1, j-1 {
			plan.Groups[i], plan.Groups[j] = plan.Groups[j], plan.Groups[i]
		}
	}
	for i := range plan.Groups {
		plan.Groups[i].Index = i + 1
	}
	return plan
}

func sortedGroups(groups []config.GroupConfig) []config.GroupConfig {
	out := make([]config.GroupConfig, len(groups))
	copy(out, groups)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// decide maps a VM's current state and the run mode to an action. A
// returned ActionNone comes with the reason the VM is left alone.
func decide(current models.PowerState, mode models.RunMode, desired models.PowerState, hasDesired bool) (models.PowerAction, string) {
	switch mode {
	case models.ModeShutdown:
		switch current {
		case models.PoweredOn:
			return models.ActionShutdown, ""
		case models.Suspended:
			return models.ActionNone, ReasonSuspended
		default:
			return models.ActionNone, ReasonAlreadyOff
		}

	case models.ModeStart:
		if current == models.PoweredOn {
			return models.ActionNone, ReasonAlreadyOn
		}
		return models.ActionStart, ""

	case models.ModeAuto:
		if !hasDesired {
			return models.ActionNone, ReasonNoDesiredState
		}
		if current == desired {
			return models.ActionNone, ReasonInDesiredState
		}
		switch desired {
		case models.PoweredOn:
			return models.ActionStart, ""
		case models.PoweredOff:
			if current == models.PoweredOn {
				return models.ActionShutdown, ""
			}
		case models.Suspended:
			if current == models.PoweredOn {
				return models.ActionStandby, ""
			}
		}
		return models.ActionNone, fmt.Sprintf("no guest power path from %s to %s", current, desired)
	}

	return models.ActionNone, ReasonUnsupportedMode
}
