package models

import (
	"fmt"
	"net/url"
)

// VMListFilter constrains an inventory listing. A nil or empty slice means
// "no constraint on that dimension".
type VMListFilter struct {
	Clusters      []string     `toml:"clusters" json:"clusters,omitempty"`
	Datacenters   []string     `toml:"datacenters" json:"datacenters,omitempty"`
	Folders       []string     `toml:"folders" json:"folders,omitempty"`
	Hosts         []string     `toml:"hosts" json:"hosts,omitempty"`
	Names         []string     `toml:"names" json:"names,omitempty"`
	PowerStates   []PowerState `toml:"power_states" json:"power_states,omitempty"`
	ResourcePools []string     `toml:"resource_pools" json:"resource_pools,omitempty"`
	VMs           []string     `toml:"vms" json:"vms,omitempty"`
}

// Query parameter names of GET /api/vcenter/vm.
const (
	paramClusters      = "clusters"
	paramDatacenters   = "datacenters"
	paramFolders       = "folders"
	paramHosts         = "hosts"
	paramNames         = "names"
	paramPowerStates   = "power_states"
	paramResourcePools = "resource_pools"
	paramVMs           = "vms"
)

// IsEmpty reports whether the filter places no constraint at all.
func (f VMListFilter) IsEmpty() bool {
	return len(f.Values()) == 0
}

// Values serializes the filter into repeated query parameters. Absent
// dimensions are omitted entirely.
func (f VMListFilter) Values() url.Values {
	q := url.Values{}
	addAll(q, paramClusters, f.Clusters)
	addAll(q, paramDatacenters, f.Datacenters)
	addAll(q, paramFolders, f.Folders)
	addAll(q, paramHosts, f.Hosts)
	addAll(q, paramNames, f.Names)
	for _, s := range f.PowerStates {
		q.Add(paramPowerStates, s.String())
	}
	addAll(q, paramResourcePools, f.ResourcePools)
	addAll(q, paramVMs, f.VMs)
	return q
}

// Merge returns a filter where every dimension set in other replaces the
// one in f.
func (f VMListFilter) Merge(other VMListFilter) VMListFilter {
	out := f
	if len(other.Clusters) > 0 {
		out.Clusters = other.Clusters
	}
	if len(other.Datacenters) > 0 {
		out.Datacenters = other.Datacenters
	}
	if len(other.Folders) > 0 {
		out.Folders = other.Folders
	}
	if len(other.Hosts) > 0 {
		out.Hosts = other.Hosts
	}
	if len(other.Names) > 0 {
		out.Names = other.Names
	}
	if len(other.PowerStates) > 0 {
		out.PowerStates = other.PowerStates
	}
	if len(other.ResourcePools) > 0 {
		out.ResourcePools = other.ResourcePools
	}
	if len(other.VMs) > 0 {
		out.VMs = other.VMs
	}
	return out
}

// ParseVMListFilter is the inverse of Values.
func ParseVMListFilter(q url.Values) (VMListFilter, error) {
	f := VMListFilter{
		Clusters:      q[paramClusters],
		Datacenters:   q[paramDatacenters],
		Folders:       q[paramFolders],
		Hosts:         q[paramHosts],
		Names:         q[paramNames],
		ResourcePools: q[paramResourcePools],
		VMs:           q[paramVMs],
	}
	for _, raw := range q[paramPowerStates] {
		state, err := ParsePowerState(raw)
		if err != nil {
			return VMListFilter{}, fmt.Errorf("invalid %s: %w", paramPowerStates, err)
		}
		f.PowerStates = append(f.PowerStates, state)
	}
	return f, nil
}

func addAll(q url.Values, key string, values []string) {
	for _, v := range values {
		q.Add(key, v)
	}
}
