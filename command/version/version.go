// Package version implements the version subcommand.
package version

import (
	"fmt"

	"github.com/mitchellh/cli"
)

type cmd struct {
	UI      cli.Ui
	version string
}

func New(ui cli.Ui, version string) cli.Command {
	return &cmd{UI: ui, version: version}
}

func (c *cmd) Run(_ []string) int {
	c.UI.Output(fmt.Sprintf("ztunnel %s", c.version))
	return 0
}

func (c *cmd) Synopsis() string {
	return "Prints the version"
}

func (c *cmd) Help() string {
	return ""
}
