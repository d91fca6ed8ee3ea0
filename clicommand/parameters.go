package clicommand

import (
	"fmt"
	"strings"

	"github.com/labops/deploystep/env"
	"github.com/labops/deploystep/internal/params"
	"github.com/labops/deploystep/internal/step"
	"github.com/urfave/cli"
)

// ParameterConfig holds the deployment parameters and the fixed part of the
// script's environment. It is shared by every command that resolves
// parameters.
type ParameterConfig struct {
	BuildPath      string   `cli:"build-path"`
	VersionString  string   `cli:"version-string"`
	DeploymentType string   `cli:"deployment-type"`
	HostUser       string   `cli:"host-user"`
	TimeoutMinutes string   `cli:"timeout-minutes"`
	ParamsFile     string   `cli:"params-file" normalize:"filepath" validate:"file-exists" label:"params file"`
	Params         []string `cli:"param"`

	Script     string   `cli:"script" validate:"required"`
	SSHKey     string   `cli:"ssh-key" normalize:"filepath"`
	ServerFile string   `cli:"server-file"`
	ExtraEnv   []string `cli:"env"`
}

func parameterFlags() []cli.Flag {
	fixed := step.DefaultFixedConfig()

	return []cli.Flag{
		cli.StringFlag{
			Name:   "build-path",
			Usage:  fmt.Sprintf("Location of the new build (default: %q)", params.Defaults.BuildPath),
			EnvVar: "DEPLOYSTEP_BUILD_PATH",
		},
		cli.StringFlag{
			Name:   "version-string",
			Usage:  fmt.Sprintf("The build version, passed to the script untouched (default: %q)", params.Defaults.Version),
			EnvVar: "DEPLOYSTEP_VERSION_STRING",
		},
		cli.StringFlag{
			Name:   "deployment-type",
			Usage:  fmt.Sprintf("The capacity tier: Low, Medium or High (default: %q)", params.Defaults.Tier),
			EnvVar: "DEPLOYSTEP_DEPLOYMENT_TYPE",
		},
		cli.StringFlag{
			Name:   "host-user",
			Usage:  fmt.Sprintf("The user on the target hosts (default: %q)", params.Defaults.HostUser),
			EnvVar: "DEPLOYSTEP_HOST_USER",
		},
		cli.StringFlag{
			Name:   "timeout-minutes",
			Usage:  fmt.Sprintf("How long the script may run, in minutes (default: %d)", params.Defaults.TimeoutMinutes),
			EnvVar: "DEPLOYSTEP_TIMEOUT_MINUTES",
		},
		cli.StringFlag{
			Name:   "params-file",
			Usage:  "A YAML file of parameters, keyed by parameter name (NEW_BUILD_PATH) or alias (build_path)",
			EnvVar: "DEPLOYSTEP_PARAMS_FILE",
		},
		cli.StringSliceFlag{
			Name:   "param",
			Usage:  "A parameter as KEY=VALUE. Overrides --params-file, and is overridden by the dedicated flags",
			EnvVar: "DEPLOYSTEP_PARAM",
		},
		cli.StringFlag{
			Name:   "script",
			Value:  fixed.Script,
			Usage:  "The script to run",
			EnvVar: "DEPLOYSTEP_SCRIPT",
		},
		cli.StringFlag{
			Name:   "ssh-key",
			Value:  fixed.SSHKey,
			Usage:  "Path to the SSH key the script uses, exported as SSH_KEY",
			EnvVar: "DEPLOYSTEP_SSH_KEY",
		},
		cli.StringFlag{
			Name:   "server-file",
			Value:  fixed.ServerFile,
			Usage:  "Path to the server map file, exported as SERVER_FILE",
			EnvVar: "DEPLOYSTEP_SERVER_FILE",
		},
		cli.StringSliceFlag{
			Name:   "env",
			Usage:  "An extra variable for the script as KEY=VALUE",
			EnvVar: "DEPLOYSTEP_ENV",
		},
	}
}

// inputs gathers the raw parameter inputs. Later sources override earlier
// ones: the params file, then --param, then the dedicated flags.
func (cfg ParameterConfig) inputs() (map[string]string, error) {
	inputs := map[string]string{}

	if cfg.ParamsFile != "" {
		fromFile, err := params.LoadFile(cfg.ParamsFile)
		if err != nil {
			return nil, err
		}
		for k, v := range fromFile {
			inputs[canonicalKey(k)] = v
		}
	}

	for _, p := range cfg.Params {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, &params.InvalidParameterError{Field: "param", Value: p, Reason: "must be KEY=VALUE"}
		}
		inputs[canonicalKey(k)] = v
	}

	for k, v := range map[string]string{
		params.KeyBuildPath:      cfg.BuildPath,
		params.KeyVersion:        cfg.VersionString,
		params.KeyDeploymentType: cfg.DeploymentType,
		params.KeyHostUser:       cfg.HostUser,
		params.KeyTimeoutMinutes: cfg.TimeoutMinutes,
	} {
		if v != "" {
			inputs[k] = v
		}
	}

	return inputs, nil
}

// ParameterSet resolves the deployment parameters.
func (cfg ParameterConfig) ParameterSet() (params.ParameterSet, error) {
	inputs, err := cfg.inputs()
	if err != nil {
		return params.ParameterSet{}, err
	}
	return params.Build(inputs)
}

// FixedConfig is the non-parameter part of the script's environment.
func (cfg ParameterConfig) FixedConfig() (step.FixedConfig, error) {
	extra := make(map[string]string, len(cfg.ExtraEnv))
	for _, e := range cfg.ExtraEnv {
		k, v, ok := env.Split(e)
		if !ok {
			return step.FixedConfig{}, fmt.Errorf("invalid --env %q, must be KEY=VALUE", e)
		}
		if step.IsFixedKey(k) {
			return step.FixedConfig{}, fmt.Errorf("--env can't set %s, use %s instead", k, fixedKeyFlags[k])
		}
		extra[k] = v
	}

	return step.FixedConfig{
		ServerFile: cfg.ServerFile,
		SSHKey:     cfg.SSHKey,
		Script:     cfg.Script,
		Extra:      extra,
	}, nil
}

var fixedKeyFlags = map[string]string{
	step.KeyServerFile: "--server-file",
	step.KeySSHKey:     "--ssh-key",
	step.KeyScript:     "--script",
}

// canonicalKey maps an alias onto its parameter name, so that a later source
// using the alias overrides an earlier one using the name.
func canonicalKey(k string) string {
	if name, ok := params.Alias(k); ok {
		return name
	}
	return k
}
