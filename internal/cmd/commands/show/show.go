package show

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/boardsync/internal/app"
	"github.com/hashicorp-forge/boardsync/internal/cmd/base"
	"github.com/hashicorp-forge/boardsync/pkg/storage/fasttier"
)

type Command struct {
	*base.Command

	flagConfig  string
	flagBoard   string
	flagRemote  bool
	flagSince   int64
	flagTimeout time.Duration
}

func (c *Command) Synopsis() string {
	return "Print the stored snapshot of a board"
}

func (c *Command) Help() string {
	return `Usage: boardsync show -board=<id> [options]

  This command loads a board the way an editor opening it would: the
  snapshot is read from the fast tier (or from the remote store with
  -remote), the assets its images reference are fetched and images whose
  asset is missing are marked errored. The snapshot is printed as JSON
  along with its version stamps.

  With -since, nothing is printed unless the fast tier holds a newer data
  state than the given stamp.` +
		c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("show", flag.ContinueOnError))

	f.StringVar(&c.flagConfig, "config", "", "Path to the boardsync config `file`.")
	f.StringVar(&c.flagBoard, "board", "", "Board `id` (empty for the default scope).")
	f.BoolVar(&c.flagRemote, "remote", false, "Load the board from the remote store.")
	f.Int64Var(&c.flagSince, "since", 0, "Data state `version` already seen.")
	f.DurationVar(&c.flagTimeout, "timeout", 30*time.Second, "Overall `duration` allowed for loading.")

	return f
}

func (c *Command) Run(args []string) int {
	logger, ui := c.Log, c.UI

	if err := c.Flags().Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if c.flagRemote && c.flagSince != 0 {
		ui.Error("-since cannot be used with -remote")
		return 1
	}

	cfg, err := base.LoadConfig(c.flagConfig)
	if err != nil {
		ui.Error(fmt.Sprintf("error parsing config file: %v", err))
		return 1
	}
	logger.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), c.flagTimeout)
	defer cancel()

	a, err := app.New(ctx, cfg, app.Options{}, logger)
	if err != nil {
		ui.Error(fmt.Sprintf("error initializing: %v", err))
		return 1
	}
	defer func() {
		if err := a.Close(ctx); err != nil {
			logger.Warn("error closing", "error", err)
		}
	}()

	var restored *app.Restored
	switch {
	case c.flagRemote:
		restored, err = a.RestoreRemote(ctx, c.flagBoard)
	case c.flagSince != 0:
		restored, err = a.Refresh(ctx, c.flagBoard, c.flagSince)
	default:
		restored, err = a.Restore(ctx, c.flagBoard)
	}
	if err != nil {
		ui.Error(fmt.Sprintf("error loading board: %v", err))
		return 1
	}
	if restored == nil {
		ui.Info(fmt.Sprintf("No changes since version %d", c.flagSince))
		return 0
	}

	out, err := json.MarshalIndent(restored.Snapshot, "", "  ")
	if err != nil {
		ui.Error(fmt.Sprintf("error encoding snapshot: %v", err))
		return 1
	}
	ui.Output(string(out))

	if !c.flagRemote {
		for _, kind := range []string{fasttier.KindDataState, fasttier.KindFiles} {
			v, err := a.FastTier.Version(c.flagBoard, kind)
			if err != nil {
				ui.Warn(fmt.Sprintf("error reading %s version: %v", kind, err))
				continue
			}
			ui.Info(fmt.Sprintf("%s version: %d", kind, v))
		}
	}

	ui.Info(fmt.Sprintf("Assets: %d loaded, %d missing", len(restored.Assets), len(restored.Missing)))
	missing := make([]string, 0, len(restored.Missing))
	for id := range restored.Missing {
		missing = append(missing, string(id))
	}
	sort.Strings(missing)
	for _, id := range missing {
		ui.Warn("missing asset " + id)
	}
	return 0
}
