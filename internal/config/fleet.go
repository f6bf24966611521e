package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/xMarcinator/VMWareReboot/internal/models"
)

// DefaultConcurrency is the number of in-flight power actions per group.
const DefaultConcurrency = 4

// FleetConfig holds user-facing settings for reconciliation: which VMs are
// in scope, in which order they are acted on, and what Auto mode should
// converge to. Source: TOML configuration file.
type FleetConfig struct {
	Reconcile ReconcileConfig              `toml:"reconcile"`
	Filter    models.VMListFilter          `toml:"filter"`
	Groups    []GroupConfig                `toml:"groups"`
	Desired   map[string]models.PowerState `toml:"desired"`
}

type ReconcileConfig struct {
	Concurrency    int    `toml:"concurrency"`
	FailurePolicy  string `toml:"failure_policy"`
	StartInReverse bool   `toml:"start_in_reverse"`
}

// GroupConfig is one priority group. VMs are referenced by id or by a name
// that is unique in the inventory.
type GroupConfig struct {
	Name     string   `toml:"name"`
	Priority int      `toml:"priority"`
	VMs      []string `toml:"vms"`
}

// LoadFleetConfig loads the fleet configuration from a TOML file. A missing
// file yields an empty configuration: every VM, one group, no desired map.
func LoadFleetConfig(path string) (*FleetConfig, error) {
	var cfg FleetConfig
	if path == "" {
		return &cfg, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return &cfg, nil
	}

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load fleet config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown keys in fleet config: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fleet configuration for internal consistency.
func (c *FleetConfig) Validate() error {
	if c.Reconcile.Concurrency < 0 {
		return fmt.Errorf("reconcile.concurrency must not be negative")
	}
	if _, err := models.ParseFailurePolicy(c.Reconcile.FailurePolicy); err != nil {
		return err
	}

	seen := make(map[string]string)
	for i, g := range c.Groups {
		name := g.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i+1)
		}
		if len(g.VMs) == 0 {
			return fmt.Errorf("group %s lists no vms", name)
		}
		for _, vm := range g.VMs {
			if other, ok := seen[vm]; ok {
				return fmt.Errorf("vm %q is listed in groups %s and %s", vm, other, name)
			}
			seen[vm] = name
		}
	}

	for selector, state := range c.Desired {
		if state == models.PowerStateUnknown {
			return fmt.Errorf("desired state for %q is not set", selector)
		}
	}
	return nil
}

// ConcurrencyOrDefault returns the configured concurrency or the default.
func (c *FleetConfig) ConcurrencyOrDefault() int {
	if c.Reconcile.Concurrency > 0 {
		return c.Reconcile.Concurrency
	}
	return DefaultConcurrency
}

// Policy returns the parsed failure policy. Validate has already rejected
// unknown values.
func (c *FleetConfig) Policy() models.FailurePolicy {
	p, _ := models.ParseFailurePolicy(c.Reconcile.FailurePolicy)
	return p
}

// OrderedGroups returns the groups sorted by ascending priority; ties keep
// file order.
func (c *FleetConfig) OrderedGroups() []GroupConfig {
	groups := make([]GroupConfig, len(c.Groups))
	copy(groups, c.Groups)
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Priority < groups[j].Priority
	})
	return groups
}
