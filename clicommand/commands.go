package clicommand

import "github.com/urfave/cli"

// DeploystepCommands are the subcommands of deploystep.
var DeploystepCommands = []cli.Command{
	RunCommand,
	ParamsCommand,
	EnvCommand,
}
