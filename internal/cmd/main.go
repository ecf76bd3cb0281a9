package cmd

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/hashicorp-forge/boardsync/internal/version"
)

const description = `boardsync saves whiteboard boards the way the editor does: snapshots go to
a capacity-limited local store, image assets to a local asset database and,
when an s3 block is configured, everything to a bucket in the background.`

// Main runs the CLI with the given arguments and returns the exit code.
func Main(args []string) int {
	ui := &cli.BasicUi{
		Reader:      bufio.NewReader(os.Stdin),
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}
	return runCLI(args, ui, os.Stderr)
}

// runCLI executes the CLI. Logs and top-level help go to out.
func runCLI(args []string, ui cli.Ui, out io.Writer) int {
	name := filepath.Base(args[0])

	// Commands reset the level from their config file
	log := hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  hclog.LevelFromString(os.Getenv("BOARDSYNC_LOG_LEVEL")),
		Output: out,
	})

	if len(args) == 2 &&
		(args[1] == "-version" ||
			args[1] == "--version" ||
			args[1] == "-v") {
		args = []string{args[0], "version"}
	}

	initCommands(log, ui)

	c := &cli.CLI{
		Name:       name,
		Args:       args[1:],
		Version:    version.Version,
		Commands:   Commands,
		HelpFunc:   helpFunc(name),
		HelpWriter: out,
	}

	exitCode, err := c.Run()
	if err != nil {
		ui.Error(err.Error())
		return 1
	}

	return exitCode
}

func helpFunc(name string) cli.HelpFunc {
	basic := cli.BasicHelpFunc(name)
	return func(commands map[string]cli.CommandFactory) string {
		return description + "\n\n" + basic(commands)
	}
}
