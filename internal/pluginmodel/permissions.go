// Copyright 2025 James Ross
package pluginmodel

import "github.com/bmatcuk/doublestar/v4"

// Permissions is the capability set granted to a single plugin. Every field
// defaults to empty, which denies the corresponding capability.
type Permissions struct {
	Environment        []string `yaml:"environment" json:"environment"`
	HighResolutionTime bool     `yaml:"high_resolution_time" json:"high_resolution_time"`
	Network            []string `yaml:"network" json:"network"`
	FFI                []string `yaml:"ffi" json:"ffi"`
	FSReadAccess       []string `yaml:"fs_read_access" json:"fs_read_access"`
	FSWriteAccess      []string `yaml:"fs_write_access" json:"fs_write_access"`
	RunSubprocess      []string `yaml:"run_subprocess" json:"run_subprocess"`
	System             []string `yaml:"system" json:"system"`
}

// Capability names a single resource category checked by a host operation.
type Capability string

const (
	CapabilityEnvironment   Capability = "environment"
	CapabilityHighResTime   Capability = "high_resolution_time"
	CapabilityNetwork       Capability = "network"
	CapabilityFFI           Capability = "ffi"
	CapabilityFSRead        Capability = "fs_read_access"
	CapabilityFSWrite       Capability = "fs_write_access"
	CapabilityRunSubprocess Capability = "run_subprocess"
	CapabilitySystem        Capability = "system"
)

// AllowsEnv reports whether the given environment variable name is granted.
func (p Permissions) AllowsEnv(name string) bool {
	return matchesAny(p.Environment, name)
}

// AllowsHighResolutionTime reports whether high-resolution timers are granted.
func (p Permissions) AllowsHighResolutionTime() bool {
	return p.HighResolutionTime
}

// AllowsNetwork reports whether host matches a permitted network pattern.
func (p Permissions) AllowsNetwork(host string) bool {
	return matchesAny(p.Network, host)
}

// AllowsFFI reports whether path matches a permitted native-library path.
func (p Permissions) AllowsFFI(path string) bool {
	return matchesAny(p.FFI, path)
}

// AllowsFSRead reports whether path equals a permitted read path or matches
// a permitted read glob; a plain entry is not treated as a directory prefix.
func (p Permissions) AllowsFSRead(path string) bool {
	return matchesAny(p.FSReadAccess, path)
}

// AllowsFSWrite reports whether path equals a permitted write path or matches
// a permitted write glob; a plain entry is not treated as a directory prefix.
func (p Permissions) AllowsFSWrite(path string) bool {
	return matchesAny(p.FSWriteAccess, path)
}

// AllowsSubprocess reports whether the named executable may be spawned.
func (p Permissions) AllowsSubprocess(executable string) bool {
	return matchesAny(p.RunSubprocess, executable)
}

// AllowsSystem reports whether the named system-info facet is granted.
func (p Permissions) AllowsSystem(facet string) bool {
	return matchesAny(p.System, facet)
}

// matchesAny reports whether candidate equals an entry or matches it as a
// doublestar glob pattern (`*.example.com`, `/home/u/.config/**`). An entry
// with no glob metacharacters matches only that exact string; it is not
// treated as a prefix.
func matchesAny(patterns []string, candidate string) bool {
	for _, pattern := range patterns {
		if pattern == candidate {
			return true
		}
		if ok, err := doublestar.Match(pattern, candidate); err == nil && ok {
			return true
		}
	}
	return false
}
