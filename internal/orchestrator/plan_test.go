package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xMarcinator/VMWareReboot/internal/config"
	"github.com/xMarcinator/VMWareReboot/internal/models"
)

func vm(id, name string, state models.PowerState) models.VMSummary {
	return models.VMSummary{ID: id, Name: name, PowerState: state}
}

func stepIDs(g Group) []string {
	ids := make([]string, 0, len(g.Steps))
	for _, s := range g.Steps {
		ids = append(ids, s.VM.ID)
	}
	return ids
}

func skippedIDs(p Plan) []string {
	ids := make([]string, 0, len(p.Skipped))
	for _, s := range p.Skipped {
		ids = append(ids, s.VMID)
	}
	return ids
}

func TestBuildPlan_Shutdown(t *testing.T) {
	vms := []models.VMSummary{
		vm("vm-1", "web", models.PoweredOn),
		vm("vm-2", "api", models.PoweredOn),
		vm("vm-3", "db", models.PoweredOff),
	}

	plan := BuildPlan(vms, Options{Mode: models.ModeShutdown})

	require.Len(t, plan.Groups, 1)
	assert.Equal(t, []string{"vm-1", "vm-2"}, stepIDs(plan.Groups[0]))
	for _, s := range plan.Groups[0].Steps {
		assert.Equal(t, models.ActionShutdown, s.Action)
	}
	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, "vm-3", plan.Skipped[0].VMID)
	assert.Equal(t, ReasonAlreadyOff, plan.Skipped[0].Reason)
}

func TestBuildPlan_ShutdownLeavesSuspendedAlone(t *testing.T) {
	plan := BuildPlan([]models.VMSummary{vm("vm-1", "a", models.Suspended)}, Options{Mode: models.ModeShutdown})

	assert.Empty(t, plan.Groups)
	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, ReasonSuspended, plan.Skipped[0].Reason)
}

func TestBuildPlan_Start(t *testing.T) {
	vms := []models.VMSummary{
		vm("vm-1", "a", models.PoweredOn),
		vm("vm-2", "b", models.PoweredOff),
		vm("vm-3", "c", models.Suspended),
	}

	plan := BuildPlan(vms, Options{Mode: models.ModeStart})

	require.Len(t, plan.Groups, 1)
	assert.Equal(t, []string{"vm-2", "vm-3"}, stepIDs(plan.Groups[0]))
	for _, s := range plan.Groups[0].Steps {
		assert.Equal(t, models.ActionStart, s.Action)
	}
	assert.Equal(t, []string{"vm-1"}, skippedIDs(plan))
}

func TestBuildPlan_IdempotentWhenAlreadyInTarget(t *testing.T) {
	off := []models.VMSummary{vm("vm-1", "a", models.PoweredOff), vm("vm-2", "b", models.PoweredOff)}
	assert.Zero(t, BuildPlan(off, Options{Mode: models.ModeShutdown}).Actions())

	on := []models.VMSummary{vm("vm-1", "a", models.PoweredOn)}
	assert.Zero(t, BuildPlan(on, Options{Mode: models.ModeStart}).Actions())
}

func TestBuildPlan_Auto(t *testing.T) {
	vms := []models.VMSummary{
		vm("vm-1", "web", models.PoweredOff),
		vm("vm-2", "db", models.PoweredOn),
		vm("vm-3", "cache", models.PoweredOn),
		vm("vm-4", "batch", models.Suspended),
		vm("vm-5", "ok", models.PoweredOn),
		vm("vm-6", "unmanaged", models.PoweredOn),
		vm("vm-7", "cold", models.PoweredOff),
	}
	desired := map[string]models.PowerState{
		"web":   models.PoweredOn,
		"vm-2":  models.PoweredOff,
		"cache": models.Suspended,
		"batch": models.PoweredOff,
		"ok":    models.PoweredOn,
		"cold":  models.Suspended,
	}

	plan := BuildPlan(vms, Options{Mode: models.ModeAuto, Desired: desired})

	require.Len(t, plan.Groups, 1)
	actions := make(map[string]models.PowerAction)
	for _, s := range plan.Groups[0].Steps {
		actions[s.VM.ID] = s.Action
	}
	assert.Equal(t, map[string]models.PowerAction{
		"vm-1": models.ActionStart,
		"vm-2": models.ActionShutdown,
		"vm-3": models.ActionStandby,
	}, actions)

	reasons := make(map[string]string)
	for _, s := range plan.Skipped {
		reasons[s.VMID] = s.Reason
	}
	assert.Equal(t, "no guest power path from SUSPENDED to POWERED_OFF", reasons["vm-4"])
	assert.Equal(t, ReasonInDesiredState, reasons["vm-5"])
	assert.Equal(t, ReasonNoDesiredState, reasons["vm-6"])
	assert.Equal(t, "no guest power path from POWERED_OFF to SUSPENDED", reasons["vm-7"])
}

func TestBuildPlan_AutoIDSelectorWinsOverName(t *testing.T) {
	vms := []models.VMSummary{vm("vm-1", "web", models.PoweredOn)}
	desired := map[string]models.PowerState{
		"web":  models.PoweredOff,
		"vm-1": models.PoweredOn,
	}

	plan := BuildPlan(vms, Options{Mode: models.ModeAuto, Desired: desired})

	assert.Zero(t, plan.Actions())
	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, ReasonInDesiredState, plan.Skipped[0].Reason)
}

func TestBuildPlan_AmbiguousNameIsSkipped(t *testing.T) {
	vms := []models.VMSummary{
		vm("vm-1", "web", models.PoweredOff),
		vm("vm-2", "web", models.PoweredOff),
		vm("vm-3", "db", models.PoweredOff),
	}

	plan := BuildPlan(vms, Options{
		Mode:    models.ModeAuto,
		Desired: map[string]models.PowerState{"web": models.PoweredOn, "db": models.PoweredOn},
	})

	require.Len(t, plan.Groups, 1)
	assert.Equal(t, []string{"vm-3"}, stepIDs(plan.Groups[0]))
	require.Len(t, plan.Skipped, 2)
	for _, s := range plan.Skipped {
		assert.Contains(t, s.Reason, `name "web" matches 2 VMs`)
	}
}

func TestBuildPlan_AmbiguousGroupSelectorIsSkipped(t *testing.T) {
	vms := []models.VMSummary{
		vm("vm-1", "web", models.PoweredOn),
		vm("vm-2", "web", models.PoweredOn),
		vm("vm-3", "db", models.PoweredOn),
	}

	plan := BuildPlan(vms, Options{
		Mode:   models.ModeShutdown,
		Groups: []config.GroupConfig{{Name: "front", Priority: 1, VMs: []string{"web", "vm-2"}}},
	})

	// vm-2 is also listed by id, so only vm-1 is ambiguous.
	require.Len(t, plan.Groups, 2)
	assert.Equal(t, []string{"vm-2"}, stepIDs(plan.Groups[0]))
	assert.Equal(t, []string{"vm-3"}, stepIDs(plan.Groups[1]))
	assert.Equal(t, []string{"vm-1"}, skippedIDs(plan))
}

func TestBuildPlan_GroupsOrderedByPriority(t *testing.T) {
	vms := []models.VMSummary{
		vm("vm-1", "db", models.PoweredOn),
		vm("vm-2", "app", models.PoweredOn),
		vm("vm-3", "web", models.PoweredOn),
		vm("vm-4", "misc", models.PoweredOn),
	}
	groups := []config.GroupConfig{
		{Name: "data", Priority: 30, VMs: []string{"db"}},
		{Name: "front", Priority: 10, VMs: []string{"web"}},
		{Name: "apps", Priority: 20, VMs: []string{"vm-2"}},
	}

	plan := BuildPlan(vms, Options{Mode: models.ModeShutdown, Groups: groups})

	require.Len(t, plan.Groups, 4)
	assert.Equal(t, "front", plan.Groups[0].Name)
	assert.Equal(t, "apps", plan.Groups[1].Name)
	assert.Equal(t, "data", plan.Groups[2].Name)
	assert.Equal(t, "ungrouped", plan.Groups[3].Name)
	assert.Equal(t, []string{"vm-4"}, stepIDs(plan.Groups[3]))
	for i, g := range plan.Groups {
		assert.Equal(t, i+1, g.Index)
	}
	assert.Equal(t, "data", groups[0].Name, "input not reordered")
}

func TestBuildPlan_EmptyGroupsDropped(t *testing.T) {
	vms := []models.VMSummary{vm("vm-1", "db", models.PoweredOn), vm("vm-2", "web", models.PoweredOff)}
	groups := []config.GroupConfig{
		{Name: "front", Priority: 1, VMs: []string{"web"}},
		{Name: "data", Priority: 2, VMs: []string{"db"}},
		{Name: "gone", Priority: 3, VMs: []string{"not-in-inventory"}},
	}

	plan := BuildPlan(vms, Options{Mode: models.ModeShutdown, Groups: groups})

	require.Len(t, plan.Groups, 1)
	assert.Equal(t, "data", plan.Groups[0].Name)
	assert.Equal(t, 1, plan.Groups[0].Index)
}

func TestBuildPlan_StartInReverse(t *testing.T) {
	vms := []models.VMSummary{vm("vm-1", "db", models.PoweredOff), vm("vm-2", "web", models.PoweredOff)}
	groups := []config.GroupConfig{
		{Name: "front", Priority: 1, VMs: []string{"web"}},
		{Name: "data", Priority: 2, VMs: []string{"db"}},
	}

	plan := BuildPlan(vms, Options{Mode: models.ModeStart, Groups: groups, StartInReverse: true})
	require.Len(t, plan.Groups, 2)
	assert.Equal(t, "data", plan.Groups[0].Name)
	assert.Equal(t, "front", plan.Groups[1].Name)
	assert.Equal(t, 1, plan.Groups[0].Index)

	// Reversal only applies to start.
	on := []models.VMSummary{vm("vm-1", "db", models.PoweredOn), vm("vm-2", "web", models.PoweredOn)}
	plan = BuildPlan(on, Options{Mode: models.ModeShutdown, Groups: groups, StartInReverse: true})
	assert.Equal(t, "front", plan.Groups[0].Name)
}

func TestBuildPlan_Planned(t *testing.T) {
	vms := []models.VMSummary{vm("vm-1", "db", models.PoweredOn), vm("vm-2", "web", models.PoweredOn)}
	groups := []config.GroupConfig{{Name: "front", Priority: 1, VMs: []string{"web"}}}

	planned := BuildPlan(vms, Options{Mode: models.ModeShutdown, Groups: groups}).Planned()

	assert.Equal(t, []models.PlannedAction{
		{VMID: "vm-2", Name: "web", Action: models.ActionShutdown, Group: 1},
		{VMID: "vm-1", Name: "db", Action: models.ActionShutdown, Group: 2},
	}, planned)
}

func TestBuildPlan_EmptyInventory(t *testing.T) {
	plan := BuildPlan(nil, Options{Mode: models.ModeShutdown})
	assert.Empty(t, plan.Groups)
	assert.Empty(t, plan.Skipped)
	assert.Zero(t, plan.Actions())
}

func TestTracker_Transitions(t *testing.T) {
	plan := BuildPlan([]models.VMSummary{vm("vm-1", "a", models.PoweredOn)}, Options{Mode: models.ModeShutdown})
	tr := newTracker(plan)

	assert.Error(t, tr.finish("vm-1", true), "cannot finish before issuing")
	require.NoError(t, tr.issue("vm-1"))
	assert.Error(t, tr.issue("vm-1"), "cannot issue twice")
	assert.False(t, tr.allTerminal(plan.Groups[0]))
	require.NoError(t, tr.finish("vm-1", false))
	assert.True(t, tr.allTerminal(plan.Groups[0]))
	assert.Error(t, tr.issue("vm-1"), "no return to pending")
	assert.Error(t, tr.issue("vm-9"))
}

func TestBuildPlan_DesiredStatesIgnoredOutsideAuto(t *testing.T) {
	desired := map[string]models.PowerState{"web": models.PoweredOn}

	t.Run("shutdown", func(t *testing.T) {
		vms := []models.VMSummary{
			vm("vm-1", "web", models.PoweredOn),
			vm("vm-2", "web", models.PoweredOn),
		}
		plan := BuildPlan(vms, Options{Mode: models.ModeShutdown, Desired: desired})

		require.Len(t, plan.Groups, 1)
		assert.Equal(t, []string{"vm-1", "vm-2"}, stepIDs(plan.Groups[0]))
		assert.Empty(t, plan.Skipped)
	})

	t.Run("start", func(t *testing.T) {
		vms := []models.VMSummary{
			vm("vm-1", "web", models.PoweredOff),
			vm("vm-2", "web", models.Suspended),
		}
		plan := BuildPlan(vms, Options{Mode: models.ModeStart, Desired: desired})

		require.Len(t, plan.Groups, 1)
		assert.Equal(t, []string{"vm-1", "vm-2"}, stepIDs(plan.Groups[0]))
		for _, s := range plan.Groups[0].Steps {
			assert.Equal(t, models.ActionStart, s.Action)
		}
		assert.Empty(t, plan.Skipped)
	})
}

func TestBuildPlan_Exclude(t *testing.T) {
	vms := []models.VMSummary{
		vm("vm-1", "web", models.PoweredOn),
		vm("vm-2", "api", models.PoweredOn),
	}

	plan := BuildPlan(vms, Options{Mode: models.ModeShutdown, Exclude: map[string]string{"vm-1": "done earlier"}})

	require.Len(t, plan.Groups, 1)
	assert.Equal(t, []string{"vm-2"}, stepIDs(plan.Groups[0]))
	assert.Equal(t, []models.SkippedVM{{VMID: "vm-1", Name: "web", Reason: "done earlier"}}, plan.Skipped)
	assert.False(t, plan.Ambiguous("vm-1"))
}

func TestBuildPlan_AmbiguousMarked(t *testing.T) {
	vms := []models.VMSummary{
		vm("vm-1", "web", models.PoweredOn),
		vm("vm-2", "web", models.PoweredOn),
		vm("vm-3", "db", models.PoweredOff),
	}

	plan := BuildPlan(vms, Options{
		Mode:   models.ModeShutdown,
		Groups: []config.GroupConfig{{Name: "front", Priority: 1, VMs: []string{"web"}}},
	})

	assert.True(t, plan.Ambiguous("vm-1"))
	assert.True(t, plan.Ambiguous("vm-2"))
	assert.False(t, plan.Ambiguous("vm-3"))
}
