package gc

import (
	"context"
	"flag"
	"fmt"

	"github.com/spf13/afero"

	"github.com/hashicorp-forge/boardsync/internal/cmd/base"
	"github.com/hashicorp-forge/boardsync/pkg/persistence"
	"github.com/hashicorp-forge/boardsync/pkg/scene"
	"github.com/hashicorp-forge/boardsync/pkg/storage/assetstore"
	"github.com/hashicorp-forge/boardsync/pkg/storage/fasttier"
)

type Command struct {
	*base.Command

	flagConfig string
	flagBoards stringList
}

// stringList collects a repeated string flag.
type stringList []string

func (l *stringList) String() string {
	return fmt.Sprint(*l)
}

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func (c *Command) Synopsis() string {
	return "Delete assets no board has used recently"
}

func (c *Command) Help() string {
	return `Usage: boardsync gc [options]

  This command deletes stored assets that are not referenced by the given
  boards and have not been loaded within the configured obsolete_after window.` +
		c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("gc", flag.ContinueOnError))

	f.StringVar(&c.flagConfig, "config", "", "Path to the boardsync config `file`.")
	f.Var(&c.flagBoards, "board",
		"Board `id` whose assets are kept. May be repeated; defaults to the default scope.")

	return f
}

func (c *Command) Run(args []string) int {
	logger, ui := c.Log, c.UI

	c.flagBoards = nil
	if err := c.Flags().Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if len(c.flagBoards) == 0 {
		c.flagBoards = stringList{""}
	}

	cfg, err := base.LoadConfig(c.flagConfig)
	if err != nil {
		ui.Error(fmt.Sprintf("error parsing config file: %v", err))
		return 1
	}

	fast, err := fasttier.New(afero.NewOsFs(), cfg.FastTier.Path, cfg.FastTier.CapacityBytes, logger)
	if err != nil {
		ui.Error(fmt.Sprintf("error opening local storage: %v", err))
		return 1
	}

	// Keep every asset referenced by the boards, deleted elements included
	var current []scene.AssetID
	for _, board := range c.flagBoards {
		snapshot, err := persistence.LoadSnapshot(fast, board, logger)
		if err != nil {
			ui.Error(fmt.Sprintf("error loading board %q: %v", board, err))
			return 1
		}
		for _, el := range snapshot.Elements {
			if el.IsInitializedImage() {
				current = append(current, el.FileID)
			}
		}
	}

	store, err := assetstore.Open(cfg.AssetStoreConfig(), logger)
	if err != nil {
		ui.Error(fmt.Sprintf("error opening asset store: %v", err))
		return 1
	}
	defer store.Close()

	deleted, err := store.ClearObsolete(context.Background(), current)
	if err != nil {
		ui.Error(fmt.Sprintf("error clearing obsolete assets: %v", err))
		return 1
	}

	for _, id := range deleted {
		ui.Output(string(id))
	}
	ui.Info(fmt.Sprintf("Deleted %d obsolete assets", len(deleted)))
	return 0
}
