package usage

import (
	"context"
	"flag"
	"fmt"

	"github.com/spf13/afero"

	"github.com/hashicorp-forge/boardsync/internal/cmd/base"
	"github.com/hashicorp-forge/boardsync/pkg/storage/assetstore"
	"github.com/hashicorp-forge/boardsync/pkg/storage/fasttier"
)

type Command struct {
	*base.Command

	flagConfig string
}

func (c *Command) Synopsis() string {
	return "Report local storage usage"
}

func (c *Command) Help() string {
	return `Usage: boardsync usage [options]

  This command reports how much of the fast tier capacity is in use and the
  size of the asset store.` +
		c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("usage", flag.ContinueOnError))

	f.StringVar(&c.flagConfig, "config", "", "Path to the boardsync config `file`.")

	return f
}

func (c *Command) Run(args []string) int {
	logger, ui := c.Log, c.UI

	if err := c.Flags().Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
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
	u, err := fast.Usage()
	if err != nil {
		ui.Error(fmt.Sprintf("error computing local storage usage: %v", err))
		return 1
	}

	store, err := assetstore.Open(cfg.AssetStoreConfig(), logger)
	if err != nil {
		ui.Error(fmt.Sprintf("error opening asset store: %v", err))
		return 1
	}
	defer store.Close()

	stats, err := store.Stats(context.Background())
	if err != nil {
		ui.Error(fmt.Sprintf("error computing asset store usage: %v", err))
		return 1
	}

	ui.Output(fmt.Sprintf("Fast tier:   %d of %d bytes", u.UsedBytes, u.CapacityBytes))
	ui.Output(fmt.Sprintf("Asset store: %d assets, %d bytes", stats.Count, stats.TotalBytes))
	return 0
}
