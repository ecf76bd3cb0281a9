package save

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/boardsync/internal/app"
	"github.com/hashicorp-forge/boardsync/internal/cmd/base"
	"github.com/hashicorp-forge/boardsync/pkg/scene"
	"github.com/hashicorp-forge/boardsync/pkg/session"
)

// sceneFile is the input format: an exported board with its assets inline.
type sceneFile struct {
	Elements []scene.Element               `json:"elements"`
	AppState map[string]any                `json:"appState"`
	Files    map[scene.AssetID]scene.Asset `json:"files"`
}

type Command struct {
	*base.Command

	flagConfig  string
	flagBoard   string
	flagFile    string
	flagEmail   string
	flagToken   string
	flagTimeout time.Duration
}

func (c *Command) Synopsis() string {
	return "Persist a scene file to local storage and the remote store"
}

func (c *Command) Help() string {
	return `Usage: boardsync save -file=<scene.json> [options]

  This command saves an exported scene through the persistence engine: the
  snapshot goes to the fast tier, referenced assets to the asset store and,
  when an s3 block is configured and a token is given, everything to the
  remote store.` +
		c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("save", flag.ContinueOnError))

	f.StringVar(&c.flagConfig, "config", "", "Path to the boardsync config `file`.")
	f.StringVar(&c.flagBoard, "board", "", "Board `id` (a new id is generated when empty).")
	f.StringVar(&c.flagFile, "file", "", "(Required) Scene `file` to save.")
	f.StringVar(&c.flagEmail, "email", "", "Account email for the remote store.")
	f.StringVar(&c.flagToken, "token", os.Getenv("BOARDSYNC_TOKEN"),
		"Access `token` for the remote store (default: $BOARDSYNC_TOKEN).")
	f.DurationVar(&c.flagTimeout, "timeout", 30*time.Second, "Overall `duration` allowed for the save.")

	return f
}

func (c *Command) Run(args []string) int {
	logger, ui := c.Log, c.UI

	if err := c.Flags().Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if c.flagFile == "" {
		ui.Error("file flag is required")
		return 1
	}
	if c.flagBoard == "" {
		c.flagBoard = uuid.NewString()
	}

	cfg, err := base.LoadConfig(c.flagConfig)
	if err != nil {
		ui.Error(fmt.Sprintf("error parsing config file: %v", err))
		return 1
	}
	logger.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	input, err := readSceneFile(c.flagFile)
	if err != nil {
		ui.Error(err.Error())
		return 1
	}
	appState, err := scene.ClearAppStateForStorage(input.AppState)
	if err != nil {
		ui.Error(fmt.Sprintf("error reading app state: %v", err))
		return 1
	}

	sess := session.New()
	if c.flagToken != "" {
		sess.SignIn(session.Account{Email: c.flagEmail, Token: c.flagToken})
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.flagTimeout)
	defer cancel()

	a, err := newApp(ctx, cfg, app.Options{Session: sess}, logger)
	if err != nil {
		ui.Error(fmt.Sprintf("error initializing: %v", err))
		return 1
	}

	snapshot := &scene.Snapshot{
		BoardID:  c.flagBoard,
		Elements: input.Elements,
		AppState: appState.WithDefaults(),
	}
	persisted := make(chan struct{}, 1)
	saveErr := save(ctx, a, snapshot, input.Files, func() {
		select {
		case persisted <- struct{}{}:
		default:
		}
	})

	// Close flushes the pending cycle and runs even when saving failed
	if err := a.Close(ctx); err != nil && saveErr == nil {
		saveErr = fmt.Errorf("error finishing save: %w", err)
	}
	if saveErr != nil {
		ui.Error(saveErr.Error())
		return 1
	}

	select {
	case <-persisted:
	default:
		ui.Error("scene was not saved")
		return 1
	}
	if a.Coordinator.QuotaExceeded() {
		ui.Warn("local storage is full; the snapshot was not stored locally")
	}

	ui.Info(fmt.Sprintf("Saved board %s (%d elements, %d assets)",
		c.flagBoard, len(snapshot.Elements), len(scene.ReferencedAssets(snapshot.Elements, input.Files))))
	return 0
}

// newApp is replaced in tests.
var newApp = app.New

func save(ctx context.Context, a *app.App, snapshot *scene.Snapshot, files map[scene.AssetID]scene.Asset, onPersisted func()) error {
	// The board is selected before saving so the remote store is active
	if err := a.Coordinator.SwitchBoard(ctx, snapshot.BoardID); err != nil {
		return fmt.Errorf("error selecting board: %w", err)
	}
	if err := a.Coordinator.Save(snapshot, files, onPersisted); err != nil {
		return fmt.Errorf("error saving: %w", err)
	}
	if err := a.Coordinator.Flush(ctx); err != nil {
		return fmt.Errorf("error saving: %w", err)
	}

	// Pending images whose asset is now stored are saved again as saved
	elements, changed := scene.MarkSavedImages(snapshot.Elements, a.Tracker.IsSaved)
	if !changed {
		return nil
	}
	updated := *snapshot
	updated.Elements = elements
	if err := a.Coordinator.Save(&updated, files, onPersisted); err != nil {
		return fmt.Errorf("error saving image status: %w", err)
	}
	return nil
}

func readSceneFile(path string) (*sceneFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading scene file: %w", err)
	}
	var f sceneFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("error decoding scene file: %w", err)
	}
	for id, asset := range f.Files {
		if asset.ID == "" {
			asset.ID = id
			f.Files[id] = asset
		}
	}
	return &f, nil
}
