package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xMarcinator/VMWareReboot/internal/app"
	"github.com/xMarcinator/VMWareReboot/internal/logger"
	"github.com/xMarcinator/VMWareReboot/internal/models"
)

func TestGetEnvOrDefault_UsesEnvVar(t *testing.T) {
	t.Setenv("TEST_KEY_XYZ", "from_env")
	assert.Equal(t, "from_env", getEnvOrDefault("TEST_KEY_XYZ", "fallback"))
}

func TestGetEnvOrDefault_UsesDefault(t *testing.T) {
	_ = os.Unsetenv("TEST_KEY_XYZ")
	assert.Equal(t, "fallback", getEnvOrDefault("TEST_KEY_XYZ", "fallback"))
}

func TestGetEnvOrDefault_EmptyEnvUsesDefault(t *testing.T) {
	t.Setenv("TEST_KEY_XYZ", "")
	assert.Equal(t, "fallback", getEnvOrDefault("TEST_KEY_XYZ", "fallback"))
}

func newTestCLI() (*App, *bytes.Buffer, *bytes.Buffer) {
	var stdout, logs bytes.Buffer
	return &App{
		ctx:    context.Background(),
		logger: logger.NewWithWriter(&logs),
		stdout: &stdout,
		prompt: func() (string, error) { return "", errors.New("no prompt in tests") },
	}, &stdout, &logs
}

func clearConnectionEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"VCENTER_HOST", "VCENTER_USERNAME", "VCENTER_PASSWORD", "VCENTER_PASSWORD_FILE", "VCENTER_INSECURE", "VCENTER_TIMEOUT"} {
		t.Setenv(key, "")
	}
}

func TestRunFlags_Options(t *testing.T) {
	f := runFlags{
		filter: filterFlags{
			clusters:    []string{"domain-c8"},
			powerStates: []string{"POWERED_ON"},
		},
		mode:        "shutdown",
		concurrency: 2,
		failFast:    true,
		passes:      3,
		passDelay:   time.Second,
		wait:        true,
		waitTimeout: time.Minute,
	}

	opts, err := f.options()
	require.NoError(t, err)

	assert.Equal(t, app.RunOptions{
		Mode: models.ModeShutdown,
		Filter: models.VMListFilter{
			Clusters:    []string{"domain-c8"},
			PowerStates: []models.PowerState{models.PoweredOn},
		},
		Concurrency: 2,
		FailFast:    true,
		Passes:      3,
		PassDelay:   time.Second,
		Wait:        true,
		WaitTimeout: time.Minute,
	}, opts)
}

func TestRunFlags_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		flags runFlags
	}{
		{"unknown mode", runFlags{mode: "restart", passes: 1}},
		{"manual mode", runFlags{mode: "manual", passes: 1}},
		{"negative concurrency", runFlags{mode: "start", passes: 1, concurrency: -1}},
		{"zero passes", runFlags{mode: "start"}},
		{"bad power state", runFlags{mode: "start", passes: 1, filter: filterFlags{powerStates: []string{"ON"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.flags.options()
			assert.Error(t, err)
		})
	}
}

func TestParsePowerArgs(t *testing.T) {
	action, ids, err := parsePowerArgs([]string{"reboot", "vm-1", "vm-2"})
	require.NoError(t, err)
	assert.Equal(t, models.ActionReboot, action)
	assert.Equal(t, []string{"vm-1", "vm-2"}, ids)

	_, _, err = parsePowerArgs([]string{"destroy", "vm-1"})
	assert.Error(t, err)
}

func TestRootCommand_Flags(t *testing.T) {
	t.Setenv("CONFIG_PATH", "/etc/vmpower/fleet.toml")
	a, _, _ := newTestCLI()
	root := newRootCommand(a)

	flag := root.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
	assert.Equal(t, "/etc/vmpower/fleet.toml", flag.DefValue)

	for _, name := range []string{"env-file", "output", "ask-password", "timeout", "history-db", "metrics-file", "verbose"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(name), name)
	}

	run, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	for _, name := range []string{"mode", "concurrency", "fail-fast", "dry-run", "passes", "wait", "cluster", "power-state", "vm"} {
		assert.NotNil(t, run.Flags().Lookup(name), name)
	}
	assert.Equal(t, "1", run.Flags().Lookup("passes").DefValue)

	for _, use := range []string{"list", "power", "history"} {
		cmd, _, err := root.Find([]string{use})
		require.NoError(t, err)
		assert.NotNil(t, cmd.RunE, use)
	}
}

func TestExecute_MissingModeIsFatal(t *testing.T) {
	a, _, _ := newTestCLI()

	code, err := a.execute([]string{"run"})
	require.Error(t, err)
	assert.Equal(t, app.ExitFatal, code)
}

func TestExecute_PowerNeedsIDs(t *testing.T) {
	a, _, _ := newTestCLI()

	code, err := a.execute([]string{"power", "start"})
	require.Error(t, err)
	assert.Equal(t, app.ExitFatal, code)
}

func TestExecute_MissingCredentialsIsFatal(t *testing.T) {
	clearConnectionEnv(t)
	a, _, logs := newTestCLI()

	code, err := a.execute([]string{"list", "--env-file", filepath.Join(t.TempDir(), "missing.env"), "--config", ""})
	require.Error(t, err)
	assert.Equal(t, app.ExitFatal, code)
	assert.Contains(t, err.Error(), "VCENTER_HOST is required")
	assert.Contains(t, logs.String(), "MESSAGE=Failed to load infrastructure config")
}

func TestExecute_HistoryWithoutConnection(t *testing.T) {
	clearConnectionEnv(t)
	a, stdout, _ := newTestCLI()

	code, err := a.execute([]string{"history", "--history-db", t.TempDir(), "--output", "json", "--config", ""})
	require.NoError(t, err)
	assert.Equal(t, app.ExitOK, code)
	assert.Equal(t, "[]\n", stdout.String())
}

func TestExecute_BadFleetConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.toml")
	require.NoError(t, os.WriteFile(path, []byte("[reconcile]\nfailure_policy = \"sometimes\"\n"), 0o600))
	a, _, logs := newTestCLI()

	code, err := a.execute([]string{"history", "--history-db", t.TempDir(), "--config", path})
	require.Error(t, err)
	assert.Equal(t, app.ExitFatal, code)
	assert.Contains(t, logs.String(), "MESSAGE=Failed to load fleet config")
}

func TestLoadConnectionConfig_AskPassword(t *testing.T) {
	clearConnectionEnv(t)
	t.Setenv("VCENTER_HOST", "vcenter.local")
	t.Setenv("VCENTER_USERNAME", "admin")
	a, _, _ := newTestCLI()
	a.global.askPassword = true
	a.global.timeout = 45 * time.Second
	a.prompt = func() (string, error) { return "typed", nil }

	cfg, err := a.loadConnectionConfig()
	require.NoError(t, err)
	assert.Equal(t, "typed", cfg.VCenterPassword)
	assert.Equal(t, 45*time.Second, cfg.Timeout)
}

func TestLoadConnectionConfig_PromptFails(t *testing.T) {
	clearConnectionEnv(t)
	t.Setenv("VCENTER_HOST", "vcenter.local")
	t.Setenv("VCENTER_USERNAME", "admin")
	a, _, _ := newTestCLI()
	a.global.askPassword = true

	_, err := a.loadConnectionConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read password")
}
