// Command vmpower drives the power state of a vCenter-managed VM fleet.
//
// Commands: run, list, power, history.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/xMarcinator/VMWareReboot/internal/app"
	"github.com/xMarcinator/VMWareReboot/internal/config"
	"github.com/xMarcinator/VMWareReboot/internal/logger"
	"github.com/xMarcinator/VMWareReboot/internal/report"
	"golang.org/x/term"
)

type App struct {
	ctx    context.Context
	logger *logger.Logger
	stdout io.Writer

	// prompt reads the vCenter password when --ask-password is set.
	prompt func() (string, error)

	global   globalFlags
	exitCode int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := &App{
		ctx:    ctx,
		logger: logger.New(),
		stdout: os.Stdout,
		prompt: promptPassword,
	}

	code, err := a.execute(os.Args[1:])
	stop()
	if err != nil {
		a.logger.Error("Application error", logger.Error(err))
	}
	os.Exit(code)
}

// execute runs the command line and maps the result to an exit status.
func (a *App) execute(args []string) (int, error) {
	root := newRootCommand(a)
	root.SetArgs(args)
	root.SetOut(a.stdout)
	if err := root.ExecuteContext(a.ctx); err != nil {
		return app.ExitFatal, err
	}
	return a.exitCode, nil
}

// initialize loads both configuration layers and, when connect is set,
// opens the vCenter session.
func (a *App) initialize(connect bool) (*app.App, error) {
	a.logger.SetDebug(a.global.verbose)

	fleetCfg, err := config.LoadFleetConfig(a.global.configPath)
	if err != nil {
		a.logger.Error("Failed to load fleet config", logger.Error(err), logger.F("path", a.global.configPath))
		return nil, err
	}

	format, err := report.ParseFormat(a.global.output)
	if err != nil {
		return nil, err
	}

	var infraCfg *config.Config
	if connect {
		infraCfg, err = a.loadConnectionConfig()
		if err != nil {
			a.logger.Error("Failed to load infrastructure config", logger.Error(err), logger.F("path", a.global.envFile))
			return nil, err
		}
	}

	application := app.New(infraCfg, fleetCfg, a.logger, a.stdout, app.Options{
		Format:      format,
		NoColor:     a.global.noColor,
		HistoryDB:   a.global.historyDB,
		MetricsFile: a.global.metricsFile,
	})
	if !connect {
		return application, nil
	}

	if err := application.Initialize(a.ctx); err != nil {
		_ = application.Close(a.ctx)
		return nil, err
	}
	return application, nil
}

func (a *App) loadConnectionConfig() (*config.Config, error) {
	cfg, err := config.LoadPartial(a.global.envFile)
	if err != nil {
		return nil, err
	}
	if a.global.timeout > 0 {
		cfg.Timeout = a.global.timeout
	}
	if a.global.askPassword {
		password, err := a.prompt()
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		cfg.VCenterPassword = password
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// closeApp logs out; a failure here does not change the exit status.
func (a *App) closeApp(application *app.App) {
	if err := application.Close(context.WithoutCancel(a.ctx)); err != nil {
		a.logger.Error("Failed to close application", logger.Error(err))
	}
}

func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal available for password prompt (use VCENTER_PASSWORD_FILE)")
	}
	fmt.Fprint(os.Stderr, "vCenter password: ")
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(password), nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
