package clicommand

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli"
)

const paramsHelpDescription = `Usage:

    deploystep params [options...]

Description:

Prints the deployment parameters a run would use, after defaults, the
params file, --param and the dedicated flags have all been applied.

Example:

    $ deploystep params --deployment-type low --format json`

type ParamsConfig struct {
	GlobalConfig
	ParameterConfig

	Format string `cli:"format" validate:"oneof=text|json"`
}

var ParamsCommand = cli.Command{
	Name:        "params",
	Usage:       "Print the resolved deployment parameters",
	Description: paramsHelpDescription,
	Flags: flatten(globalFlags(), parameterFlags(), []cli.Flag{
		cli.StringFlag{
			Name:   "format",
			Value:  "text",
			Usage:  "Output format; text or json",
			EnvVar: "DEPLOYSTEP_PARAMS_FORMAT",
		},
	}),
	Action: func(c *cli.Context) error {
		cfg, _, err := setupLoggerAndConfig[ParamsConfig](c)
		if err != nil {
			return err
		}

		p, err := cfg.ParameterSet()
		if err != nil {
			return exitErrorFor(err)
		}

		if cfg.Format == "json" {
			enc := json.NewEncoder(c.App.Writer)
			enc.SetIndent("", "  ")
			if err := enc.Encode(p); err != nil {
				return fmt.Errorf("error marshalling JSON: %w", err)
			}
			return nil
		}

		w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
		for _, item := range p.Items() {
			fmt.Fprintf(w, "%s\t%s\n", item.Name, item.Value)
		}
		return w.Flush()
	},
}
