// Package params resolves the deployment parameters for a run. Every
// parameter has a default, so a ParameterSet built from any partial input is
// complete.
//
// It is intended for internal use by deploystep only.
package params

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Names of the parameters, as they appear in the child's environment.
const (
	KeyBuildPath      = "NEW_BUILD_PATH"
	KeyVersion        = "NEW_VERSION"
	KeyDeploymentType = "DEPLOYMENT_TYPE"
	KeyHostUser       = "HOST_USER"
	KeyTimeoutMinutes = "CS_STAGE_TIMEOUT_MIN"

	// KeyCapacitySetup is never an input; see ParameterSet.CapacityMode.
	KeyCapacitySetup = "CAPACITY_SETUP"
)

// CapacityLow is the capacity mode derived from TierLow.
const CapacityLow = "LOW"

// aliases maps the short input names onto the parameter names.
var aliases = map[string]string{
	"build_path": KeyBuildPath,
	"version":    KeyVersion,
	"tier":       KeyDeploymentType,
	"user":       KeyHostUser,
	"timeout":    KeyTimeoutMinutes,
}

// maxTimeoutMinutes is the largest timeout that still fits in a
// time.Duration.
const maxTimeoutMinutes = math.MaxInt64 / int64(time.Minute)

// ParameterSet is the resolved set of deployment inputs.
type ParameterSet struct {
	BuildPath string `json:"build_path" yaml:"build_path"`

	// Version is passed through untouched. Consumers only look at the part
	// before the first underscore, but that is their business.
	Version string `json:"version" yaml:"version"`

	Tier           Tier   `json:"tier" yaml:"tier"`
	HostUser       string `json:"host_user" yaml:"host_user"`
	TimeoutMinutes int    `json:"timeout_minutes" yaml:"timeout_minutes"`
}

// Defaults is the ParameterSet built from an empty input.
var Defaults = ParameterSet{
	BuildPath:      "/home/labadmin/6.3.0/EA3",
	Version:        "6.3.0_EA3",
	Tier:           TierMedium,
	HostUser:       "root",
	TimeoutMinutes: 60,
}

// Build resolves a ParameterSet from a partial mapping of inputs. Keys may be
// either the parameter names (NEW_BUILD_PATH, ...) or their short aliases
// (build_path, version, tier, user, timeout); if both are given, the
// parameter name wins. Unknown keys are ignored and missing or blank values
// take their default.
func Build(inputs map[string]string) (ParameterSet, error) {
	p := Defaults

	if v, ok := lookup(inputs, KeyBuildPath); ok {
		p.BuildPath = v
	}
	if v, ok := lookup(inputs, KeyVersion); ok {
		p.Version = v
	}
	if v, ok := lookup(inputs, KeyHostUser); ok {
		p.HostUser = v
	}

	if v, ok := lookup(inputs, KeyDeploymentType); ok {
		tier, err := ParseTier(v)
		if err != nil {
			return ParameterSet{}, &InvalidParameterError{
				Field:  KeyDeploymentType,
				Value:  v,
				Reason: fmt.Sprintf("must be one of %s", strings.Join(tierNames(), ", ")),
			}
		}
		p.Tier = tier
	}

	if v, ok := lookup(inputs, KeyTimeoutMinutes); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		switch {
		case err != nil:
			return ParameterSet{}, &InvalidParameterError{
				Field:  KeyTimeoutMinutes,
				Value:  v,
				Reason: "must be a whole number of minutes",
				Err:    err,
			}
		case n <= 0:
			return ParameterSet{}, &InvalidParameterError{
				Field:  KeyTimeoutMinutes,
				Value:  v,
				Reason: "must be greater than zero",
			}
		case n > maxTimeoutMinutes:
			return ParameterSet{}, &InvalidParameterError{
				Field:  KeyTimeoutMinutes,
				Value:  v,
				Reason: fmt.Sprintf("must be at most %d", maxTimeoutMinutes),
			}
		}
		p.TimeoutMinutes = int(n)
	}

	return p, nil
}

// Alias returns the parameter name for a short input name such as "tier".
func Alias(name string) (string, bool) {
	key, ok := aliases[name]
	return key, ok
}

// lookup finds the value for key, falling back to its alias. Values are
// trimmed, and a blank value counts as absent.
func lookup(inputs map[string]string, key string) (string, bool) {
	if v := strings.TrimSpace(inputs[key]); v != "" {
		return v, true
	}
	for alias, k := range aliases {
		if k != key {
			continue
		}
		if v := strings.TrimSpace(inputs[alias]); v != "" {
			return v, true
		}
	}
	return "", false
}

// Timeout returns the stage timeout as a duration.
func (p ParameterSet) Timeout() time.Duration {
	return time.Duration(p.TimeoutMinutes) * time.Minute
}

// CapacityMode returns "LOW" for the Low tier and "" otherwise, leaving the
// capacity setting of the script at its own default.
func (p ParameterSet) CapacityMode() string {
	if p.Tier == TierLow {
		return CapacityLow
	}
	return ""
}

// Item is a single resolved parameter.
type Item struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Items returns the parameters in the order they are handed to the script.
func (p ParameterSet) Items() []Item {
	return []Item{
		{Name: KeyBuildPath, Value: p.BuildPath},
		{Name: KeyVersion, Value: p.Version},
		{Name: KeyDeploymentType, Value: string(p.Tier)},
		{Name: KeyHostUser, Value: p.HostUser},
		{Name: KeyTimeoutMinutes, Value: strconv.Itoa(p.TimeoutMinutes)},
	}
}
