package orchestrator

import (
	"context"
	"fmt"

	"github.com/xMarcinator/VMWareReboot/internal/logger"
	"github.com/xMarcinator/VMWareReboot/internal/models"
)

// ReasonNotFound is recorded for requested ids the inventory does not know.
const ReasonNotFound = "not found in inventory"

// ManualPlan applies action to every VM in ids, in one group, regardless of
// its current power state. Ids missing from vms are skipped.
func ManualPlan(vms []models.VMSummary, ids []string, action models.PowerAction) Plan {
	byID := make(map[string]models.VMSummary, len(vms))
	for _, vm := range vms {
		byID[vm.ID] = vm
	}

	var plan Plan
	group := Group{Index: 1, Name: "manual"}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		vm, ok := byID[id]
		if !ok {
			plan.Skipped = append(plan.Skipped, models.SkippedVM{VMID: id, Reason: ReasonNotFound})
			continue
		}
		group.Steps = append(group.Steps, Step{VM: vm, Action: action})
	}
	if len(group.Steps) > 0 {
		plan.Groups = []Group{group}
	}
	return plan
}

// Apply issues one explicit action to the listed VMs. It shares the
// concurrency limit, dry-run handling and report of Reconcile.
func (e *Engine) Apply(ctx context.Context, ids []string, action models.PowerAction, opts Options) (*models.Report, error) {
	if action == models.ActionNone {
		return nil, fmt.Errorf("an action is required")
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one vm id is required")
	}

	report := &models.Report{
		RunID:     e.newID(),
		Mode:      models.ModeManual,
		DryRun:    opts.DryRun,
		StartedAt: e.now(),
		Outcomes:  []models.ActionOutcome{},
	}

	vms, err := e.Inventory.ListByIDs(ctx, ids)
	if err != nil {
		e.Logger.Error("Failed to fetch VMs", logger.Action("inventory"), logger.Error(err))
		return nil, fmt.Errorf("failed to list inventory: %w", err)
	}
	e.LogInventory(vms)

	plan := ManualPlan(vms, ids, action)
	report.Planned = plan.Planned()
	report.Skipped = plan.Skipped
	for _, s := range plan.Skipped {
		e.Logger.Warn("VM skipped", logger.VMID(s.VMID), logger.Reason(s.Reason))
	}

	if !opts.DryRun {
		e.Execute(ctx, plan, opts, report)
	}
	report.FinishedAt = e.now()

	summary := report.Summary()
	e.Logger.Info("Manual action finished", logger.Action(action.String()), logger.Succeeded(summary.Succeeded),
		logger.Failed(summary.Failed), logger.Skipped(summary.Skipped), logger.Duration(report.Duration()))
	return report, nil
}
