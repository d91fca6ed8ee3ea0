// deploystep runs a deployment script with its parameters, under a time
// limit, and archives its log.
package main

import (
	"fmt"
	"os"

	"github.com/labops/deploystep/clicommand"
	"github.com/labops/deploystep/version"
	"github.com/urfave/cli"
)

const appHelpTemplate = `Usage:

  {{.Name}} <command> [options...]

Available commands are:

  {{range .VisibleCommands}}{{join .Names ", "}}{{ "\t" }}{{.Usage}}
  {{end}}
Use "{{.Name}} <command> --help" for more information about a command.

`

const commandHelpTemplate = `{{.Description}}

Options:

{{range .VisibleFlags}}  {{.}}
{{end}}
`

func main() {
	cli.AppHelpTemplate = appHelpTemplate
	cli.CommandHelpTemplate = commandHelpTemplate

	app := cli.NewApp()
	app.Name = "deploystep"
	app.Usage = "Run a parameterized deployment script"
	app.Version = version.FullVersion()
	app.ErrWriter = os.Stderr
	app.Commands = clicommand.DeploystepCommands
	app.CommandNotFound = func(c *cli.Context, command string) {
		fmt.Fprintf(app.ErrWriter, "%s: unknown command %q\nRun '%s --help' for usage.\n", app.Name, command, app.Name)
		os.Exit(1)
	}

	os.Exit(clicommand.PrintMessageAndReturnExitCode(app.Run(os.Args)))
}
