package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/xMarcinator/VMWareReboot/internal/config"
	"github.com/xMarcinator/VMWareReboot/internal/logger"
	"github.com/xMarcinator/VMWareReboot/internal/metrics"
	"github.com/xMarcinator/VMWareReboot/internal/models"
	"github.com/xMarcinator/VMWareReboot/internal/orchestrator"
	"github.com/xMarcinator/VMWareReboot/internal/report"
	"github.com/xMarcinator/VMWareReboot/internal/service"
	"github.com/xMarcinator/VMWareReboot/internal/store"
)

// Exit statuses of a command.
const (
	ExitOK       = 0
	ExitFatal    = 1
	ExitFailures = 2
)

const (
	defaultPassDelay    = 10 * time.Second
	maxPassDelay        = 2 * time.Minute
	defaultHistoryLimit = 20
)

// Options selects the outputs of one invocation.
type Options struct {
	Format      report.Format
	NoColor     bool
	HistoryDB   string
	MetricsFile string

	// HTTPClient replaces the default transport, mainly in tests.
	HTTPClient *http.Client
}

// RunOptions are the per-invocation overrides of the fleet configuration.
type RunOptions struct {
	Mode        models.RunMode
	Filter      models.VMListFilter
	Concurrency int
	FailFast    bool
	DryRun      bool

	// Passes reruns reconciliation while failures remain, at most this
	// many times in total.
	Passes    int
	PassDelay time.Duration

	Wait        bool
	WaitTimeout time.Duration
}

// PowerOptions tune a manual power action.
type PowerOptions struct {
	Concurrency int
	DryRun      bool
	Wait        bool
	WaitTimeout time.Duration
}

// HistoryQuery selects what the history command shows.
type HistoryQuery struct {
	Limit int
	RunID string
	VMs   bool
}

type App struct {
	config *config.Config
	fleet  *config.FleetConfig
	opts   Options
	logger *logger.Logger
	output io.Writer

	session   *service.SessionClient
	inventory *service.InventoryService
	power     *service.PowerService
	engine    *orchestrator.Engine

	renderer *report.Renderer
	store    store.Store
	metrics  *metrics.Recorder
}

func New(cfg *config.Config, fleet *config.FleetConfig, log *logger.Logger, output io.Writer, opts Options) *App {
	if log == nil {
		log = logger.NewWithWriter(io.Discard)
	}
	if output == nil {
		output = io.Discard
	}
	if fleet == nil {
		fleet = &config.FleetConfig{}
	}
	if opts.Format == "" {
		opts.Format = report.FormatTable
	}

	renderer := report.New(output, opts.Format)
	if opts.NoColor {
		renderer.SetColor(false)
	}

	a := &App{
		config:   cfg,
		fleet:    fleet,
		opts:     opts,
		logger:   log,
		output:   output,
		renderer: renderer,
	}
	if opts.MetricsFile != "" {
		a.metrics = metrics.New()
	}
	return a
}

// Initialize opens the session and builds the services on top of it.
func (a *App) Initialize(ctx context.Context) error {
	if a.config == nil {
		return fmt.Errorf("connection config is required")
	}
	session, err := service.NewSessionClient(a.config, a.opts.HTTPClient, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create session client: %w", err)
	}
	if _, err := session.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to vCenter: %w", err)
	}

	a.session = session
	a.inventory = service.NewInventoryService(session, a.logger)
	a.power = service.NewPowerService(session, a.logger)
	a.engine = &orchestrator.Engine{
		Logger:    a.logger,
		Inventory: a.inventory,
		Power:     a.power,
	}

	if _, err := a.openStore(); err != nil {
		return err
	}
	return nil
}

func (a *App) openStore() (store.Store, error) {
	if a.store != nil || a.opts.HistoryDB == "" {
		return a.store, nil
	}
	s, err := store.NewSQLiteStore(a.opts.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	a.store = s
	a.logger.Debug("History database opened", logger.F("PATH", a.opts.HistoryDB))
	return s, nil
}

func (a *App) reconcileOptions(opts RunOptions) orchestrator.Options {
	o := orchestrator.Options{
		Mode:           opts.Mode,
		Filter:         a.fleet.Filter.Merge(opts.Filter),
		Desired:        a.fleet.Desired,
		Groups:         a.fleet.OrderedGroups(),
		Concurrency:    a.fleet.ConcurrencyOrDefault(),
		FailurePolicy:  a.fleet.Policy(),
		StartInReverse: a.fleet.Reconcile.StartInReverse,
		DryRun:         opts.DryRun,
	}
	if opts.Concurrency > 0 {
		o.Concurrency = opts.Concurrency
	}
	if opts.FailFast {
		o.FailurePolicy = models.FailFast
	}
	return o
}

// Run reconciles the fleet and returns the exit status. Passes after the
// first only happen while VMs failed, spaced by an exponential backoff.
func (a *App) Run(ctx context.Context, opts RunOptions) (int, error) {
	if a.engine == nil {
		return ExitFatal, fmt.Errorf("app not initialized")
	}
	if opts.Mode == models.ModeAuto && len(a.fleet.Desired) == 0 {
		a.logger.Warn("Auto mode without desired states, every VM will be skipped", logger.Mode(opts.Mode))
	}

	passes := max(opts.Passes, 1)
	delay := backoff.NewExponentialBackOff()
	delay.InitialInterval = defaultPassDelay
	if opts.PassDelay > 0 {
		delay.InitialInterval = opts.PassDelay
	}
	delay.MaxInterval = maxPassDelay

	reconcileOpts := a.reconcileOptions(opts)
	acted := make(map[string]models.ActionOutcome)
	var last *models.Report

passLoop:
	for pass := 1; ; pass++ {
		rep, err := a.engine.Reconcile(ctx, reconcileOpts)
		if err != nil {
			return ExitFatal, err
		}
		a.record(rep)
		if err := a.renderer.Report(rep); err != nil {
			return ExitFatal, fmt.Errorf("failed to render report: %w", err)
		}
		last = rep
		for _, o := range rep.Outcomes {
			if o.Success {
				acted[o.VMID] = o
			}
		}
		// A VM that accepted its action may not have changed state yet.
		reconcileOpts.Exclude = make(map[string]string, len(acted))
		for id := range acted {
			reconcileOpts.Exclude[id] = orchestrator.ReasonAcceptedEarlier
		}

		if rep.DryRun || !rep.HasFailures() || pass >= passes {
			break
		}
		wait := delay.NextBackOff()
		a.logger.Warn("Failures remain, starting another pass", logger.Attempt(pass+1), logger.F("PASSES", passes),
			logger.Failed(len(rep.FailedVMIDs())), logger.Duration(wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Warn("Interrupted between passes", logger.Error(ctx.Err()))
			break passLoop
		case <-timer.C:
		}
	}

	code := last.ExitCode()
	if opts.Wait && !last.DryRun {
		converged, err := a.waitFor(ctx, acted, opts.WaitTimeout)
		if err != nil {
			return ExitFatal, err
		}
		if !converged && code == ExitOK {
			code = ExitFailures
		}
	}
	return code, a.flushMetrics()
}

// Power applies one action to the given VM ids and returns the exit status.
func (a *App) Power(ctx context.Context, action models.PowerAction, ids []string, opts PowerOptions) (int, error) {
	if a.engine == nil {
		return ExitFatal, fmt.Errorf("app not initialized")
	}
	rep, err := a.engine.Apply(ctx, ids, action, orchestrator.Options{
		Mode:        models.ModeManual,
		Concurrency: opts.Concurrency,
		DryRun:      opts.DryRun,
	})
	if err != nil {
		return ExitFatal, err
	}
	a.record(rep)
	if err := a.renderer.Report(rep); err != nil {
		return ExitFatal, fmt.Errorf("failed to render report: %w", err)
	}

	code := rep.ExitCode()
	if len(rep.Skipped) > 0 && code == ExitOK {
		code = ExitFailures
	}
	if opts.Wait && !rep.DryRun {
		acted := make(map[string]models.ActionOutcome)
		for _, o := range rep.Outcomes {
			if o.Success {
				acted[o.VMID] = o
			}
		}
		converged, err := a.waitFor(ctx, acted, opts.WaitTimeout)
		if err != nil {
			return ExitFatal, err
		}
		if !converged && code == ExitOK {
			code = ExitFailures
		}
	}
	return code, a.flushMetrics()
}

// waitFor polls until every acted VM reached the target state of its action.
func (a *App) waitFor(ctx context.Context, acted map[string]models.ActionOutcome, maxWait time.Duration) (bool, error) {
	combined := &models.Report{}
	for _, o := range acted {
		combined.Outcomes = append(combined.Outcomes, o)
	}
	conv, err := a.engine.WaitForConvergence(ctx, combined, orchestrator.ConvergeOptions{MaxWait: maxWait})
	if err != nil {
		return false, err
	}
	if err := a.renderer.Convergence(conv); err != nil {
		return false, fmt.Errorf("failed to render convergence: %w", err)
	}
	return conv.Done(), nil
}

// record saves rep to the history database and the metrics. Failures are
// logged; the pass already happened.
func (a *App) record(rep *models.Report) {
	if a.store != nil {
		if err := a.store.SaveRun(rep); err != nil {
			a.logger.Error("Failed to save run", logger.RunID(rep.RunID), logger.Error(err))
		}
	}
	if a.metrics != nil {
		a.metrics.ObserveReport(rep)
	}
}

func (a *App) flushMetrics() error {
	if a.metrics == nil {
		return nil
	}
	if a.session != nil {
		a.metrics.SetSessionRenewals(a.session.Renewals())
	}
	if err := a.metrics.WriteTextfile(a.opts.MetricsFile); err != nil {
		return err
	}
	a.logger.Debug("Metrics written", logger.F("PATH", a.opts.MetricsFile))
	return nil
}

// List renders the VMs matching the fleet filter overridden by filter, and
// remembers them in the history database.
func (a *App) List(ctx context.Context, filter models.VMListFilter) error {
	if a.inventory == nil {
		return fmt.Errorf("app not initialized")
	}
	vms, err := a.inventory.ListFiltered(ctx, a.fleet.Filter.Merge(filter))
	if err != nil {
		return fmt.Errorf("failed to list inventory: %w", err)
	}
	a.logger.Info("VM inventory fetched", logger.Action("list"), logger.Count(len(vms)))

	if a.store != nil {
		seenAt := time.Now()
		for i := range vms {
			if err := a.store.SaveVM(&vms[i], seenAt); err != nil {
				a.logger.Error("Failed to save VM", logger.VMID(vms[i].ID), logger.Error(err))
			}
		}
	}
	return a.renderer.Inventory(vms)
}

// History renders past runs, one stored run, or the last seen VM states.
// It needs no connection.
func (a *App) History(q HistoryQuery) error {
	s, err := a.openStore()
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("history database is not configured")
	}

	switch {
	case q.RunID != "":
		rep, err := s.GetRun(q.RunID)
		if err != nil {
			return err
		}
		return a.renderer.Report(rep)
	case q.VMs:
		stored, err := s.ListVMs()
		if err != nil {
			return fmt.Errorf("failed to list VMs: %w", err)
		}
		vms := make([]models.VMSummary, 0, len(stored))
		for _, vm := range stored {
			vms = append(vms, *vm)
		}
		return a.renderer.Inventory(vms)
	default:
		limit := q.Limit
		if limit == 0 {
			limit = defaultHistoryLimit
		}
		runs, err := s.ListRuns(limit)
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}
		return a.renderer.Runs(runs)
	}
}

// Close logs out and closes the history database.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.session != nil {
		if err := a.session.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close session: %w", err))
		} else {
			a.logger.Info("Disconnected from vCenter", logger.Action("logout"))
		}
		a.session = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close history database: %w", err))
		}
		a.store = nil
	}
	return errors.Join(errs...)
}
