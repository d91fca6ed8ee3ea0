package clicommand

import (
	"encoding/json"
	"fmt"

	"github.com/labops/deploystep/internal/step"
	"github.com/urfave/cli"
	"gopkg.in/yaml.v3"
)

const envHelpDescription = `Usage:

    deploystep env [options...]

Description:

Prints the variables a run would add to the script's environment as a JSON
object (or a YAML mapping), in the order they are set. The environment deploystep itself runs
in is not included.

Example:

    $ deploystep env --deployment-type Low --format json-pretty`

type EnvConfig struct {
	GlobalConfig
	ParameterConfig

	Format string `cli:"format" validate:"oneof=json|json-pretty|yaml"`
}

var EnvCommand = cli.Command{
	Name:        "env",
	Usage:       "Print the environment a run would give the script",
	Description: envHelpDescription,
	Flags: flatten(globalFlags(), parameterFlags(), []cli.Flag{
		cli.StringFlag{
			Name:   "format",
			Value:  "json",
			Usage:  "Output format; json, json-pretty or yaml",
			EnvVar: "DEPLOYSTEP_ENV_FORMAT",
		},
	}),
	Action: func(c *cli.Context) error {
		cfg, _, err := setupLoggerAndConfig[EnvConfig](c)
		if err != nil {
			return err
		}

		p, err := cfg.ParameterSet()
		if err != nil {
			return exitErrorFor(err)
		}
		fixed, err := cfg.FixedConfig()
		if err != nil {
			return err
		}

		composed := step.Compose(p, fixed)

		if cfg.Format == "yaml" {
			enc := yaml.NewEncoder(c.App.Writer)
			if err := enc.Encode(composed); err != nil {
				return fmt.Errorf("error marshalling YAML: %w", err)
			}
			return enc.Close()
		}

		enc := json.NewEncoder(c.App.Writer)
		if cfg.Format == "json-pretty" {
			enc.SetIndent("", "  ")
		}
		if err := enc.Encode(composed); err != nil {
			return fmt.Errorf("error marshalling JSON: %w", err)
		}
		return nil
	},
}
