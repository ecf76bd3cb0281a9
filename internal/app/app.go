// Package app wires the persistence engine from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/hashicorp-forge/boardsync/internal/config"
	"github.com/hashicorp-forge/boardsync/pkg/assets"
	"github.com/hashicorp-forge/boardsync/pkg/persistence"
	"github.com/hashicorp-forge/boardsync/pkg/scene"
	"github.com/hashicorp-forge/boardsync/pkg/session"
	"github.com/hashicorp-forge/boardsync/pkg/storage/assetstore"
	"github.com/hashicorp-forge/boardsync/pkg/storage/fasttier"
	"github.com/hashicorp-forge/boardsync/pkg/storage/s3"
)

// App contains the wired persistence engine.
type App struct {
	// Config is the loaded configuration.
	Config *config.Config

	// Session holds the signed-in account and the selected board.
	Session *session.Session

	// FastTier is the local snapshot store.
	FastTier *fasttier.Store

	// Assets is the local asset database. It is the asset tracker's fetch and
	// save delegate.
	Assets *assetstore.Store

	// Tracker follows asset fetch and save progress.
	Tracker *assets.Tracker

	// Remote is the slow tier, nil when no s3 block is configured.
	Remote *s3.Adapter

	// Coordinator schedules saves.
	Coordinator *persistence.Coordinator

	// Logger is the root logger.
	Logger hclog.Logger
}

// Options customize New.
type Options struct {
	// Fs backs the fast tier (default: the OS filesystem).
	Fs afero.Fs

	// Session is used instead of a fresh signed-out session.
	Session *session.Session
}

// New opens the stores described by cfg and builds the coordinator.
func New(ctx context.Context, cfg *config.Config, opts Options, logger hclog.Logger) (*App, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Session == nil {
		opts.Session = session.New()
	}

	fast, err := fasttier.New(opts.Fs, cfg.FastTier.Path, cfg.FastTier.CapacityBytes, logger)
	if err != nil {
		return nil, err
	}

	store, err := assetstore.Open(cfg.AssetStoreConfig(), logger)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Session:  opts.Session,
		FastTier: fast,
		Assets:   store,
		Tracker:  assets.NewTracker(store, store, logger),
		Logger:   logger,
	}

	var slow persistence.SlowTier
	if cfg.S3 != nil {
		remote, err := s3.NewAdapter(ctx, cfg.S3, a.Session, logger)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to initialize slow tier: %w", err)
		}
		a.Remote = remote
		slow = remote
	}

	a.Coordinator = persistence.NewCoordinator(cfg.Persistence(), fast, a.Tracker, slow, a.Session, logger)
	return a, nil
}

// ErrNoRemote is returned by RestoreRemote when no s3 block is configured.
var ErrNoRemote = errors.New("no remote store configured")

// Restored is a board loaded for editing.
type Restored struct {
	// Snapshot is the board. Images whose asset could not be loaded are
	// marked errored.
	Snapshot *scene.Snapshot

	// Assets are the loaded assets referenced by the snapshot.
	Assets []scene.Asset

	// Missing lists the referenced assets that could not be loaded.
	Missing map[scene.AssetID]struct{}

	// Version is the data state stamp the snapshot was read at. It is zero
	// for boards loaded from the remote store.
	Version int64
}

// Restore selects boardID and loads it from the fast tier together with the
// assets its images reference.
func (a *App) Restore(ctx context.Context, boardID string) (*Restored, error) {
	if err := a.Coordinator.SwitchBoard(ctx, boardID); err != nil {
		return nil, err
	}

	// Read the stamp first so a write racing the load shows up as newer
	version, err := a.FastTier.Version(boardID, fasttier.KindDataState)
	if err != nil {
		return nil, err
	}
	snapshot, err := persistence.LoadSnapshot(a.FastTier, boardID, a.Logger)
	if err != nil {
		return nil, err
	}

	var ids []scene.AssetID
	for _, id := range scene.AssetIDs(snapshot.Elements) {
		if !a.Tracker.IsTracked(id) {
			ids = append(ids, id)
		}
	}
	res := a.Tracker.FetchAssets(ctx, ids)

	return newRestored(snapshot, res, version), nil
}

// RestoreRemote selects boardID and loads it from the remote store.
func (a *App) RestoreRemote(ctx context.Context, boardID string) (*Restored, error) {
	if a.Remote == nil {
		return nil, ErrNoRemote
	}
	if err := a.Coordinator.SwitchBoard(ctx, boardID); err != nil {
		return nil, err
	}

	snapshot, res, err := a.Remote.Load(ctx, boardID)
	if err != nil {
		return nil, err
	}
	return newRestored(snapshot, res, 0), nil
}

// Refresh restores boardID again if another writer stored a newer data state
// than seen. It returns nil when the fast tier holds nothing newer.
func (a *App) Refresh(ctx context.Context, boardID string, seen int64) (*Restored, error) {
	newer, err := a.FastTier.IsNewer(boardID, fasttier.KindDataState, seen)
	if err != nil {
		return nil, err
	}
	if !newer {
		return nil, nil
	}
	return a.Restore(ctx, boardID)
}

func newRestored(snapshot *scene.Snapshot, res assets.FetchResult, version int64) *Restored {
	snapshot.Elements, _ = scene.MarkErroredImages(snapshot.Elements, res.Errored)
	return &Restored{
		Snapshot: snapshot,
		Assets:   res.Loaded,
		Missing:  res.Errored,
		Version:  version,
	}
}

// Close flushes pending work and releases the stores.
func (a *App) Close(ctx context.Context) error {
	var result *multierror.Error
	if err := a.Coordinator.Flush(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("error flushing: %w", err))
	}
	a.Coordinator.Close()
	if err := a.Assets.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("error closing asset store: %w", err))
	}
	return result.ErrorOrNil()
}
