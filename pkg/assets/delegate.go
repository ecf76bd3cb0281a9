package assets

import (
	"context"

	"github.com/hashicorp-forge/boardsync/pkg/scene"
)

// Fetcher loads assets from a store. Ids it cannot load are reported in
// FetchResult.Errored; a non-nil error means the whole batch failed.
type Fetcher interface {
	GetFiles(ctx context.Context, ids []scene.AssetID) (FetchResult, error)
}

// Saver persists assets to a store. Per-asset failures are reported in
// SaveResult.Errored; a non-nil error means the whole batch failed.
type Saver interface {
	SaveFiles(ctx context.Context, added map[scene.AssetID]scene.Asset) (SaveResult, error)
}

// FetchResult is the outcome of a fetch batch.
type FetchResult struct {
	Loaded  []scene.Asset
	Errored map[scene.AssetID]struct{}

	// Err is the batch-level failure, if any. It is informational: every id
	// of a failed batch is also listed in Errored.
	Err error
}

// SaveResult is the outcome of a save batch.
type SaveResult struct {
	Saved   map[scene.AssetID]scene.Asset
	Errored map[scene.AssetID]scene.Asset

	// Err is the batch-level failure, if any. It is informational: every id
	// of a failed batch is also listed in Errored.
	Err error
}

// NewFetchResult returns an empty FetchResult with initialized maps.
func NewFetchResult() FetchResult {
	return FetchResult{Errored: make(map[scene.AssetID]struct{})}
}

// NewSaveResult returns an empty SaveResult with initialized maps.
func NewSaveResult() SaveResult {
	return SaveResult{
		Saved:   make(map[scene.AssetID]scene.Asset),
		Errored: make(map[scene.AssetID]scene.Asset),
	}
}
