package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/xMarcinator/VMWareReboot/internal/logger"
	"github.com/xMarcinator/VMWareReboot/internal/models"
)

// errNotConverged keeps the poll loop going.
var errNotConverged = errors.New("not converged")

// Convergence is the outcome of WaitForConvergence.
type Convergence struct {
	Converged []string
	// Pending maps VM id to the last observed power state.
	Pending map[string]models.PowerState
	Polls   int
}

// Done reports whether every watched VM reached its target state.
func (c *Convergence) Done() bool {
	return len(c.Pending) == 0
}

// PendingIDs returns the ids that did not converge, sorted.
func (c *Convergence) PendingIDs() []string {
	ids := make([]string, 0, len(c.Pending))
	for id := range c.Pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConvergeOptions tunes the poll loop. Zero values pick the defaults.
type ConvergeOptions struct {
	MaxWait         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (o ConvergeOptions) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 15 * time.Second
	if o.InitialInterval > 0 {
		b.InitialInterval = o.InitialInterval
	}
	if o.MaxInterval > 0 {
		b.MaxInterval = o.MaxInterval
	}
	return b
}

// WaitForConvergence polls the inventory until every VM acted on
// successfully in report reports the target state of its action, or
// MaxWait runs out. Accepted guest actions are not guaranteed to converge,
// so running out of time is not an error.
func (e *Engine) WaitForConvergence(ctx context.Context, report *models.Report, opts ConvergeOptions) (*Convergence, error) {
	targets := make(map[string]models.PowerState)
	for _, o := range report.Outcomes {
		if o.Success {
			targets[o.VMID] = o.Action.TargetState()
		}
	}
	result := &Convergence{Pending: make(map[string]models.PowerState)}
	if len(targets) == 0 {
		return result, nil
	}
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = 5 * time.Minute
	}

	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
		result.Pending[id] = models.PowerStateUnknown
	}

	poll := func() (struct{}, error) {
		result.Polls++
		vms, err := e.Inventory.ListByIDs(ctx, ids)
		if err != nil {
			// Listing errors are retried like a not-yet-converged poll.
			e.Logger.Warn("Convergence poll failed", logger.Action("converge"), logger.Attempt(result.Polls), logger.Error(err))
			return struct{}{}, err
		}
		seen := make(map[string]models.PowerState, len(vms))
		for _, vm := range vms {
			seen[vm.ID] = vm.PowerState
		}
		result.Converged = result.Converged[:0]
		clear(result.Pending)
		for id, want := range targets {
			if seen[id] == want {
				result.Converged = append(result.Converged, id)
			} else {
				result.Pending[id] = seen[id]
			}
		}
		e.Logger.Debug("Convergence poll", logger.Action("converge"), logger.Attempt(result.Polls),
			logger.Count(len(result.Converged)), logger.F("PENDING", len(result.Pending)))
		if len(result.Pending) > 0 {
			return struct{}{}, errNotConverged
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, poll,
		backoff.WithBackOff(opts.backOff()),
		backoff.WithMaxElapsedTime(maxWait),
	)
	sort.Strings(result.Converged)

	if err == nil {
		e.Logger.Info("All VMs converged", logger.Action("converge"), logger.Status("converged"), logger.Count(len(result.Converged)))
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("convergence wait interrupted: %w", ctxErr)
	}
	for _, id := range result.PendingIDs() {
		e.Logger.Warn("VM did not converge", logger.Action("converge"), logger.VMID(id),
			logger.PowerState(result.Pending[id]), logger.F("TARGET", targets[id]))
	}
	return result, nil
}
