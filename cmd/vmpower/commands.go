package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/xMarcinator/VMWareReboot/internal/app"
	"github.com/xMarcinator/VMWareReboot/internal/config"
	"github.com/xMarcinator/VMWareReboot/internal/models"
)

type globalFlags struct {
	envFile     string
	configPath  string
	output      string
	noColor     bool
	askPassword bool
	timeout     time.Duration
	verbose     bool
	historyDB   string
	metricsFile string
}

type filterFlags struct {
	clusters      []string
	datacenters   []string
	folders       []string
	hosts         []string
	names         []string
	powerStates   []string
	resourcePools []string
	vms           []string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringSliceVar(&f.clusters, "cluster", nil, "Only VMs in these clusters (repeatable)")
	flags.StringSliceVar(&f.datacenters, "datacenter", nil, "Only VMs in these datacenters (repeatable)")
	flags.StringSliceVar(&f.folders, "folder", nil, "Only VMs in these folders (repeatable)")
	flags.StringSliceVar(&f.hosts, "host", nil, "Only VMs on these hosts (repeatable)")
	flags.StringSliceVar(&f.names, "name", nil, "Only VMs with these names (repeatable)")
	flags.StringSliceVar(&f.powerStates, "power-state", nil, "Only VMs in these power states: POWERED_ON, POWERED_OFF, SUSPENDED")
	flags.StringSliceVar(&f.resourcePools, "resource-pool", nil, "Only VMs in these resource pools (repeatable)")
	flags.StringSliceVar(&f.vms, "vm", nil, "Only VMs with these ids (repeatable)")
}

func (f *filterFlags) filter() (models.VMListFilter, error) {
	out := models.VMListFilter{
		Clusters:      f.clusters,
		Datacenters:   f.datacenters,
		Folders:       f.folders,
		Hosts:         f.hosts,
		Names:         f.names,
		ResourcePools: f.resourcePools,
		VMs:           f.vms,
	}
	for _, raw := range f.powerStates {
		state, err := models.ParsePowerState(raw)
		if err != nil {
			return models.VMListFilter{}, fmt.Errorf("invalid --power-state: %w", err)
		}
		out.PowerStates = append(out.PowerStates, state)
	}
	return out, nil
}

type runFlags struct {
	filter      filterFlags
	mode        string
	concurrency int
	failFast    bool
	dryRun      bool
	passes      int
	passDelay   time.Duration
	wait        bool
	waitTimeout time.Duration
}

func (f *runFlags) options() (app.RunOptions, error) {
	mode, err := models.ParseRunMode(f.mode)
	if err != nil {
		return app.RunOptions{}, err
	}
	if mode == models.ModeManual {
		return app.RunOptions{}, fmt.Errorf("mode manual is reserved for the power command")
	}
	if f.concurrency < 0 {
		return app.RunOptions{}, fmt.Errorf("--concurrency must not be negative")
	}
	if f.passes < 1 {
		return app.RunOptions{}, fmt.Errorf("--passes must be at least 1")
	}
	filter, err := f.filter.filter()
	if err != nil {
		return app.RunOptions{}, err
	}
	return app.RunOptions{
		Mode:        mode,
		Filter:      filter,
		Concurrency: f.concurrency,
		FailFast:    f.failFast,
		DryRun:      f.dryRun,
		Passes:      f.passes,
		PassDelay:   f.passDelay,
		Wait:        f.wait,
		WaitTimeout: f.waitTimeout,
	}, nil
}

func newRootCommand(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vmpower",
		Short: "Reconcile the power state of vCenter VMs",
		Long: `vmpower starts, shuts down or reconciles a fleet of vCenter VMs through
the vSphere REST API.

Connection settings come from the environment or a .env file:
  VCENTER_HOST, VCENTER_USERNAME, VCENTER_PASSWORD (or VCENTER_PASSWORD_FILE),
  VCENTER_INSECURE, VCENTER_TIMEOUT

Groups, filters and desired states come from the fleet TOML file
(CONFIG_PATH, default ./data/fleet.toml).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.global.envFile, "env-file", ".env", "Path to the .env file with connection settings")
	flags.StringVarP(&a.global.configPath, "config", "c", getEnvOrDefault("CONFIG_PATH", "./data/fleet.toml"), "Path to the fleet configuration file")
	flags.StringVarP(&a.global.output, "output", "o", "table", "Output format: table or json")
	flags.BoolVar(&a.global.noColor, "no-color", false, "Disable colored output")
	flags.BoolVar(&a.global.askPassword, "ask-password", false, "Prompt for the vCenter password")
	flags.DurationVar(&a.global.timeout, "timeout", 0, "Per-request timeout (default VCENTER_TIMEOUT or 30s)")
	flags.BoolVarP(&a.global.verbose, "verbose", "v", false, "Enable debug logging")
	flags.StringVar(&a.global.historyDB, "history-db", getEnvOrDefault("VMPOWER_HISTORY_DB", ""), "SQLite file or directory for run history")
	flags.StringVar(&a.global.metricsFile, "metrics-file", getEnvOrDefault("VMPOWER_METRICS_FILE", ""), "Write Prometheus metrics to this textfile")

	cmd.AddCommand(newRunCommand(a))
	cmd.AddCommand(newListCommand(a))
	cmd.AddCommand(newPowerCommand(a))
	cmd.AddCommand(newHistoryCommand(a))
	return cmd
}

func newRunCommand(a *App) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Bring the fleet to a power state",
		Long: `Run one reconciliation: list the VMs, decide an action per VM and execute
the actions group by group.

Modes:
  start     power on every VM that is off or suspended
  shutdown  shut down the guest OS of every running VM
  auto      converge every VM to its state in the [desired] table

Exit status is 0 when every action succeeded or there was nothing to do,
1 on a fatal error and 2 when any VM failed or was blocked.

Examples:
  # Shut down the staging cluster, two VMs at a time
  vmpower run --mode shutdown --cluster domain-c8 --concurrency 2

  # Show what auto mode would do
  vmpower run --mode auto --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := f.options()
			if err != nil {
				return err
			}
			application, err := a.initialize(true)
			if err != nil {
				return err
			}
			defer a.closeApp(application)

			code, err := application.Run(cmd.Context(), opts)
			a.exitCode = code
			return err
		},
	}

	f.filter.register(cmd)
	cmd.Flags().StringVarP(&f.mode, "mode", "m", "", "Run mode: start, shutdown or auto")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, fmt.Sprintf("Actions in flight per group (default from config or %d)", config.DefaultConcurrency))
	cmd.Flags().BoolVar(&f.failFast, "fail-fast", false, "Stop after the first group with a failure")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Plan and report without issuing actions")
	cmd.Flags().IntVar(&f.passes, "passes", 1, "Rerun while failures remain, up to this many passes")
	cmd.Flags().DurationVar(&f.passDelay, "pass-delay", 0, "Initial delay between passes (default 10s, grows exponentially)")
	cmd.Flags().BoolVar(&f.wait, "wait", false, "Wait until acted VMs report their target power state")
	cmd.Flags().DurationVar(&f.waitTimeout, "wait-timeout", 5*time.Minute, "Maximum time to wait with --wait")
	_ = cmd.MarkFlagRequired("mode")

	return cmd
}

func newListCommand(a *App) *cobra.Command {
	var f filterFlags

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List VMs and their power state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := f.filter()
			if err != nil {
				return err
			}
			application, err := a.initialize(true)
			if err != nil {
				return err
			}
			defer a.closeApp(application)

			return application.List(cmd.Context(), filter)
		},
	}
	f.register(cmd)
	return cmd
}

type powerFlags struct {
	concurrency int
	dryRun      bool
	wait        bool
	waitTimeout time.Duration
}

func (f *powerFlags) options() app.PowerOptions {
	return app.PowerOptions{
		Concurrency: f.concurrency,
		DryRun:      f.dryRun,
		Wait:        f.wait,
		WaitTimeout: f.waitTimeout,
	}
}

// parsePowerArgs splits "<action> <vm-id>..." into its parts.
func parsePowerArgs(args []string) (models.PowerAction, []string, error) {
	action, err := models.ParsePowerAction(args[0])
	if err != nil {
		return models.ActionNone, nil, err
	}
	return action, args[1:], nil
}

func newPowerCommand(a *App) *cobra.Command {
	var f powerFlags

	cmd := &cobra.Command{
		Use:   "power <shutdown|reboot|standby|start> <vm-id>...",
		Short: "Apply one power action to specific VMs",
		Long: `Apply one power action to the VMs with the given ids, whatever their
current state. Guest actions (shutdown, reboot, standby) need VMware Tools
running in the guest.

Examples:
  vmpower power reboot vm-42 vm-43`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, ids, err := parsePowerArgs(args)
			if err != nil {
				return err
			}
			application, err := a.initialize(true)
			if err != nil {
				return err
			}
			defer a.closeApp(application)

			code, err := application.Power(cmd.Context(), action, ids, f.options())
			a.exitCode = code
			return err
		},
	}

	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, fmt.Sprintf("Actions in flight (default %d)", config.DefaultConcurrency))
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Report without issuing actions")
	cmd.Flags().BoolVar(&f.wait, "wait", false, "Wait until the VMs report their target power state")
	cmd.Flags().DurationVar(&f.waitTimeout, "wait-timeout", 5*time.Minute, "Maximum time to wait with --wait")
	return cmd
}

func newHistoryCommand(a *App) *cobra.Command {
	var q app.HistoryQuery

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past runs from the history database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 1 {
				q.RunID = args[0]
			}
			application, err := a.initialize(false)
			if err != nil {
				return err
			}
			defer a.closeApp(application)

			return application.History(q)
		},
	}

	cmd.Flags().IntVar(&q.Limit, "limit", 20, "Number of runs to show (negative for all)")
	cmd.Flags().BoolVar(&q.VMs, "vms", false, "Show the last seen state of every VM instead")
	return cmd
}
