package version

import (
	"github.com/hashicorp-forge/boardsync/internal/cmd/base"
	"github.com/hashicorp-forge/boardsync/internal/version"
)

type Command struct {
	*base.Command
}

func (c *Command) Synopsis() string {
	return "Print the version"
}

func (c *Command) Help() string {
	return `Usage: boardsync version

  Prints the boardsync version.`
}

func (c *Command) Run(args []string) int {
	c.UI.Output("boardsync " + version.Version)
	return 0
}
