// Package base holds what every boardsync subcommand shares.
package base

import (
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
)

// Command is embedded by every subcommand.
type Command struct {
	Log hclog.Logger
	UI  cli.Ui
}

// NewCommand creates a Command writing to ui.
func NewCommand(log hclog.Logger, ui cli.Ui) *Command {
	return &Command{
		Log: log,
		UI:  ui,
	}
}
