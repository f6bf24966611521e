package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xMarcinator/VMWareReboot/internal/config"
	"github.com/xMarcinator/VMWareReboot/internal/logger"
	"github.com/xMarcinator/VMWareReboot/internal/models"
	"github.com/xMarcinator/VMWareReboot/internal/service"
	"golang.org/x/sync/errgroup"
)

// Engine coordinates a reconciliation pass: list the inventory, build a
// plan, execute it group by group.
type Engine struct {
	Logger    *logger.Logger
	Inventory service.InventoryLister
	Power     service.PowerInvoker

	// Now and NewID default to time.Now and uuid.NewString.
	Now   func() time.Time
	NewID func() string
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// Reconcile runs one pass. An inventory failure aborts the pass before any
// action is issued; per-VM failures only show up in the report.
func (e *Engine) Reconcile(ctx context.Context, opts Options) (*models.Report, error) {
	report := &models.Report{
		RunID:     e.newID(),
		Mode:      opts.Mode,
		DryRun:    opts.DryRun,
		StartedAt: e.now(),
		Outcomes:  []models.ActionOutcome{},
	}

	if opts.Filter.IsEmpty() {
		e.Logger.Info("No filter set, the whole inventory is in scope", logger.Mode(opts.Mode))
	}
	e.Logger.Info("Fetching VM inventory", logger.Action("inventory"), logger.Status("fetching_vms"), logger.RunID(report.RunID))
	vms, err := e.Inventory.ListFiltered(ctx, opts.Filter)
	if err != nil {
		e.Logger.Error("Failed to fetch VMs", logger.Action("inventory"), logger.Error(err))
		return nil, fmt.Errorf("failed to list inventory: %w", err)
	}
	e.Logger.Info("VM inventory fetched", logger.Action("inventory"), logger.Status("vm_inventory"), logger.Count(len(vms)))
	e.LogInventory(vms)

	plan := BuildPlan(vms, opts)
	report.Planned = plan.Planned()
	report.Skipped = plan.Skipped
	for _, s := range plan.Skipped {
		if plan.Ambiguous(s.VMID) {
			e.Logger.Warn("VM skipped, selector is ambiguous", logger.VMID(s.VMID), logger.VM(s.Name), logger.Reason(s.Reason))
			continue
		}
		e.Logger.Debug("VM skipped", logger.VMID(s.VMID), logger.VM(s.Name), logger.Reason(s.Reason))
	}
	e.Logger.Info("Plan built", logger.Action("plan"), logger.Mode(opts.Mode),
		logger.Count(plan.Actions()), logger.Skipped(len(plan.Skipped)), logger.F("GROUPS", len(plan.Groups)))

	if opts.DryRun {
		report.FinishedAt = e.now()
		e.Logger.Info("Dry run, no actions issued", logger.Action("plan"), logger.Status("dry_run"))
		return report, nil
	}

	e.Execute(ctx, plan, opts, report)
	report.FinishedAt = e.now()

	summary := report.Summary()
	e.Logger.Info("Reconciliation finished", logger.Action("reconcile"), logger.Mode(opts.Mode),
		logger.Succeeded(summary.Succeeded), logger.Failed(summary.Failed), logger.Skipped(summary.Skipped),
		logger.F("BLOCKED", summary.Blocked), logger.Duration(report.Duration()))
	return report, nil
}

// LogInventory logs one line per listed VM.
func (e *Engine) LogInventory(vms []models.VMSummary) {
	for _, vm := range vms {
		e.Logger.Debug("VM found", logger.VMID(vm.ID), logger.VM(vm.Name), logger.PowerState(vm.PowerState))
	}
}

// Execute runs plan into report. Groups are strictly sequential; steps in a
// group run with at most opts.Concurrency in flight.
func (e *Engine) Execute(ctx context.Context, plan Plan, opts Options, report *models.Report) {
	limit := opts.Concurrency
	if limit <= 0 {
		limit = config.DefaultConcurrency
	}

	states := newTracker(plan)
	var sessionLost atomic.Bool
	blocked := false

	for _, group := range plan.Groups {
		if blocked {
			for _, s := range group.Steps {
				report.Blocked = append(report.Blocked, models.BlockedVM{VMID: s.VM.ID, Name: s.VM.Name, Action: s.Action, Group: group.Index})
			}
			e.Logger.Warn("Group blocked", logger.Group(group.Index), logger.F("GROUP_NAME", group.Name), logger.Count(len(group.Steps)))
			continue
		}

		e.Logger.Info("Dispatching group", logger.Action("execute"), logger.Group(group.Index),
			logger.F("GROUP_NAME", group.Name), logger.Count(len(group.Steps)))

		outcomes := make([]models.ActionOutcome, len(group.Steps))
		var g errgroup.Group
		g.SetLimit(limit)
		for i, step := range group.Steps {
			g.Go(func() error {
				outcomes[i] = e.runStep(ctx, states, step, &sessionLost)
				outcomes[i].Group = group.Index
				return nil
			})
		}
		_ = g.Wait()

		if !states.allTerminal(group) {
			e.Logger.Error("Group left non-terminal VMs", logger.Group(group.Index))
		}

		failed := 0
		for _, o := range outcomes {
			if !o.Success {
				failed++
			}
		}
		report.Outcomes = append(report.Outcomes, outcomes...)
		e.Logger.Info("Group finished", logger.Action("execute"), logger.Group(group.Index),
			logger.Succeeded(len(outcomes)-failed), logger.Failed(failed))

		if failed > 0 && opts.FailurePolicy == models.FailFast {
			e.Logger.Warn("Failure in group, blocking remaining groups", logger.Group(group.Index), logger.F("POLICY", opts.FailurePolicy))
			blocked = true
		}
	}
}

func (e *Engine) runStep(ctx context.Context, states *tracker, step Step, sessionLost *atomic.Bool) models.ActionOutcome {
	vm := step.VM
	if err := states.issue(vm.ID); err != nil {
		return e.failed(vm, step.Action, models.ErrorRejected, err.Error())
	}

	var outcome models.ActionOutcome
	switch {
	case ctx.Err() != nil:
		outcome = e.failed(vm, step.Action, models.ErrorCanceled, ctx.Err().Error())
	case sessionLost.Load():
		outcome = e.failed(vm, step.Action, models.ErrorSessionExpired, "session could not be renewed")
	default:
		var err error
		outcome, err = e.Power.ApplyAction(ctx, vm.ID, step.Action)
		if errors.Is(err, service.ErrSessionExpired) {
			sessionLost.Store(true)
			e.Logger.Error("Session lost, failing remaining actions", logger.VMID(vm.ID), logger.Error(err))
		}
	}
	outcome.Name = vm.Name

	if err := states.finish(vm.ID, outcome.Success); err != nil {
		e.Logger.Error("Invalid state transition", logger.VMID(vm.ID), logger.Error(err))
	}
	if outcome.Success {
		e.Logger.Info("Action succeeded", logger.Action(step.Action.String()), logger.VMID(vm.ID), logger.VM(vm.Name))
	} else {
		e.Logger.Error("Action failed", logger.Action(step.Action.String()), logger.VMID(vm.ID), logger.VM(vm.Name),
			logger.Status(string(outcome.Error)), logger.Reason(outcome.Reason))
	}
	return outcome
}

func (e *Engine) failed(vm models.VMSummary, action models.PowerAction, kind models.ErrorKind, reason string) models.ActionOutcome {
	now := e.now()
	return models.ActionOutcome{
		VMID:       vm.ID,
		Name:       vm.Name,
		Action:     action,
		Error:      kind,
		Reason:     reason,
		StartedAt:  now,
		FinishedAt: now,
	}
}
