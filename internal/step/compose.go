package step

import (
	"maps"
	"slices"

	"github.com/labops/deploystep/env"
	"github.com/labops/deploystep/internal/params"
)

// Names of the fixed operational variables.
const (
	KeyServerFile = "SERVER_FILE"
	KeySSHKey     = "SSH_KEY"
	KeyScript     = "CS_SCRIPT"
)

// IsFixedKey reports whether name is one of the fixed operational variables,
// which FixedConfig.Extra cannot override.
func IsFixedKey(name string) bool {
	switch name {
	case KeyServerFile, KeySSHKey, KeyScript:
		return true
	}
	return false
}

// FixedConfig holds the operational inputs that do not vary between runs.
type FixedConfig struct {
	// ServerFile is the server to PCI identifier map handed to the script.
	ServerFile string

	// SSHKey is the private key the script uses to reach the hosts.
	SSHKey string

	// Script is the path of the script to run.
	Script string

	// Extra holds any further variables to pass through. Entries named like
	// a fixed variable are ignored, so the script is always told the truth
	// about which script, key and server file it runs with.
	Extra map[string]string
}

// DefaultFixedConfig returns the stock fixed configuration.
func DefaultFixedConfig() FixedConfig {
	return FixedConfig{
		ServerFile: "server_pci_map.txt",
		SSHKey:     "/var/lib/jenkins/.ssh/jenkins_key",
		Script:     "scripts/cs_config.sh",
	}
}

// Compose builds the environment for a run. The fixed variables come first,
// Extra in name order, then the deployment parameters. A parameter replaces a
// fixed variable of the same name, keeping the fixed variable's position.
func Compose(p params.ParameterSet, fixed FixedConfig) *env.Environment {
	e := env.NewWithLength(3 + len(fixed.Extra) + 6)

	e.Set(KeyServerFile, fixed.ServerFile)
	e.Set(KeySSHKey, fixed.SSHKey)
	e.Set(KeyScript, fixed.Script)

	for _, k := range slices.Sorted(maps.Keys(fixed.Extra)) {
		if IsFixedKey(k) {
			continue
		}
		e.Set(k, fixed.Extra[k])
	}

	for _, item := range p.Items() {
		e.Set(item.Name, item.Value)
	}

	if mode := p.CapacityMode(); mode != "" {
		e.Set(params.KeyCapacitySetup, mode)
	}

	return e
}
