package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xMarcinator/VMWareReboot/internal/models"
)

func TestManualPlan(t *testing.T) {
	vms := []models.VMSummary{
		vm("vm-1", "web", models.PoweredOn),
		vm("vm-2", "db", models.PoweredOff),
	}

	plan := ManualPlan(vms, []string{"vm-2", "vm-9", "vm-1", "vm-2"}, models.ActionReboot)

	require.Len(t, plan.Groups, 1)
	assert.Equal(t, 1, plan.Groups[0].Index)
	require.Len(t, plan.Groups[0].Steps, 2)
	assert.Equal(t, "vm-2", plan.Groups[0].Steps[0].VM.ID)
	assert.Equal(t, "vm-1", plan.Groups[0].Steps[1].VM.ID)
	assert.Equal(t, []models.SkippedVM{{VMID: "vm-9", Reason: ReasonNotFound}}, plan.Skipped)
}

func TestManualPlan_NothingFound(t *testing.T) {
	plan := ManualPlan(nil, []string{"vm-1"}, models.ActionStart)
	assert.Empty(t, plan.Groups)
	assert.Len(t, plan.Skipped, 1)
}

func TestApply(t *testing.T) {
	e, power, _ := newTestEngine(nil)
	var requested []string
	e.Inventory = &mockInventory{listIDsFn: func(_ context.Context, ids []string) ([]models.VMSummary, error) {
		requested = ids
		return []models.VMSummary{vm("vm-1", "web", models.PoweredOn)}, nil
	}}

	report, err := e.Apply(context.Background(), []string{"vm-1", "vm-7"}, models.ActionStandby, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"vm-1", "vm-7"}, requested)
	assert.Equal(t, []string{"vm-1"}, power.calledIDs())
	assert.Equal(t, models.ModeManual, report.Mode)
	require.Len(t, report.Outcomes, 1)
	assert.True(t, report.Outcomes[0].Success)
	assert.Equal(t, "web", report.Outcomes[0].Name)
	assert.Equal(t, models.Summary{Succeeded: 1, Skipped: 1}, report.Summary())
}

func TestApply_DryRun(t *testing.T) {
	e, power, _ := newTestEngine(nil)
	e.Inventory = &mockInventory{listIDsFn: func(context.Context, []string) ([]models.VMSummary, error) {
		return []models.VMSummary{vm("vm-1", "web", models.PoweredOff)}, nil
	}}

	report, err := e.Apply(context.Background(), []string{"vm-1"}, models.ActionStart, Options{DryRun: true})
	require.NoError(t, err)

	assert.Empty(t, power.calledIDs())
	assert.Len(t, report.Planned, 1)
	assert.Empty(t, report.Outcomes)
}

func TestApply_InvalidInput(t *testing.T) {
	e, _, _ := newTestEngine(nil)

	_, err := e.Apply(context.Background(), []string{"vm-1"}, models.ActionNone, Options{})
	assert.Error(t, err)

	_, err = e.Apply(context.Background(), nil, models.ActionStart, Options{})
	assert.Error(t, err)
}

func TestApply_InventoryFailure(t *testing.T) {
	e, power, _ := newTestEngine(nil)
	e.Inventory = &mockInventory{listIDsFn: func(context.Context, []string) ([]models.VMSummary, error) {
		return nil, errors.New("boom")
	}}

	_, err := e.Apply(context.Background(), []string{"vm-1"}, models.ActionStart, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list inventory")
	assert.Empty(t, power.calledIDs())
}
