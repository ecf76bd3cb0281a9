package cmd

import (
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/hashicorp-forge/boardsync/internal/cmd/base"
	"github.com/hashicorp-forge/boardsync/internal/cmd/commands/gc"
	"github.com/hashicorp-forge/boardsync/internal/cmd/commands/save"
	"github.com/hashicorp-forge/boardsync/internal/cmd/commands/show"
	"github.com/hashicorp-forge/boardsync/internal/cmd/commands/usage"
	"github.com/hashicorp-forge/boardsync/internal/cmd/commands/version"
)

// Commands is the mapping of all available boardsync commands.
var Commands map[string]cli.CommandFactory

func initCommands(log hclog.Logger, ui cli.Ui) {
	b := base.NewCommand(log, ui)

	Commands = map[string]cli.CommandFactory{
		"gc": func() (cli.Command, error) {
			return &gc.Command{Command: b}, nil
		},
		"save": func() (cli.Command, error) {
			return &save.Command{Command: b}, nil
		},
		"show": func() (cli.Command, error) {
			return &show.Command{Command: b}, nil
		},
		"usage": func() (cli.Command, error) {
			return &usage.Command{Command: b}, nil
		},
		"version": func() (cli.Command, error) {
			return &version.Command{Command: b}, nil
		},
	}
}
