// Package assets tracks the fetch and save lifecycle of binary attachments so
// that an asset is never uploaded twice for the same version and failures
// stay attributable to a single id.
package assets

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/boardsync/pkg/scene"
)

// State is the lifecycle state of one asset id.
type State uint8

// State constants
const (
	StateUntracked State = iota
	StateFetching
	StateSaving
	StateSaved
	StateErroredFetch
	StateErroredSave
)

func (s State) String() string {
	switch s {
	case StateUntracked:
		return "untracked"
	case StateFetching:
		return "fetching"
	case StateSaving:
		return "saving"
	case StateSaved:
		return "saved"
	case StateErroredFetch:
		return "errored-fetch"
	case StateErroredSave:
		return "errored-save"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Record is the tracked state of one asset id. Version is meaningful for the
// saving, saved and errored-save states.
type Record struct {
	State   State
	Version int
}

// Tracker is safe for concurrent use. Delegate calls are made without holding
// the tracker's lock.
type Tracker struct {
	fetcher Fetcher
	saver   Saver
	logger  hclog.Logger

	mu      sync.Mutex
	records map[scene.AssetID]Record
	// gen changes on Reset so completions of batches started before a reset
	// cannot write into the new board's records.
	gen uint64
}

// NewTracker creates a Tracker that loads assets through fetcher and persists
// them through saver.
func NewTracker(fetcher Fetcher, saver Saver, logger hclog.Logger) *Tracker {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Tracker{
		fetcher: fetcher,
		saver:   saver,
		logger:  logger.Named("asset-tracker"),
		records: make(map[scene.AssetID]Record),
	}
}

// SaveAssets submits every candidate that is not already saving or saved at
// an equal or newer version in a single batch to the saver. Successes become
// saved and failures errored-save; the saving marker of every submitted id is
// cleared whatever the outcome.
func (t *Tracker) SaveAssets(ctx context.Context, candidates []scene.Asset) SaveResult {
	result := NewSaveResult()

	t.mu.Lock()
	gen := t.gen
	added := make(map[scene.AssetID]scene.Asset)
	prev := make(map[scene.AssetID]*Record)
	for _, a := range candidates {
		v := a.EffectiveVersion()
		rec, ok := t.records[a.ID]
		if ok && (rec.State == StateSaving || rec.State == StateSaved) && rec.Version >= v {
			continue
		}
		if queued, dup := added[a.ID]; dup && queued.EffectiveVersion() >= v {
			continue
		}
		if _, seen := prev[a.ID]; !seen {
			// An older in-flight marker is never restored: its batch settles
			// against this batch's marker and would leave it behind.
			if ok && rec.State != StateSaving {
				r := rec
				prev[a.ID] = &r
			} else {
				prev[a.ID] = nil
			}
		}
		t.records[a.ID] = Record{State: StateSaving, Version: v}
		added[a.ID] = a
	}
	t.mu.Unlock()

	if len(added) == 0 {
		return result
	}

	// Clear saving markers left behind by ids the saver did not report on,
	// including when the saver panics.
	defer func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if gen != t.gen {
			return
		}
		for id, a := range added {
			rec, ok := t.records[id]
			if !ok || rec.State != StateSaving || rec.Version != a.EffectiveVersion() {
				continue
			}
			if p := prev[id]; p != nil {
				t.records[id] = *p
			} else {
				delete(t.records, id)
			}
		}
	}()

	t.logger.Debug("saving assets", "count", len(added))

	res, err := t.saver.SaveFiles(ctx, added)
	if err != nil {
		t.logger.Error("asset batch save failed", "count", len(added), "error", err)
		for id, a := range added {
			result.Errored[id] = a
		}
		result.Err = err
	} else {
		for id, a := range res.Saved {
			if _, ok := added[id]; ok {
				result.Saved[id] = a
			}
		}
		for id, a := range res.Errored {
			if _, ok := added[id]; ok {
				result.Errored[id] = a
			}
		}
		for id := range result.Errored {
			t.logger.Warn("asset save failed", "asset_id", id)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return result
	}
	for id := range result.Saved {
		t.settleLocked(id, added[id].EffectiveVersion(), StateSaved)
	}
	for id := range result.Errored {
		t.settleLocked(id, added[id].EffectiveVersion(), StateErroredSave)
	}
	return result
}

// settleLocked moves id out of the saving state, unless a newer save has
// replaced the marker in the meantime.
func (t *Tracker) settleLocked(id scene.AssetID, version int, state State) {
	rec, ok := t.records[id]
	if ok && rec.State == StateSaving && rec.Version != version {
		return
	}
	t.records[id] = Record{State: state, Version: version}
}

// FetchAssets loads ids through the fetcher. Loaded assets are recorded as
// saved at their payload version so they are not uploaded again; ids that
// could not be loaded become errored-fetch. Fetching markers are always
// cleared.
func (t *Tracker) FetchAssets(ctx context.Context, ids []scene.AssetID) FetchResult {
	result := NewFetchResult()
	if len(ids) == 0 {
		return result
	}

	t.mu.Lock()
	gen := t.gen
	requested := make(map[scene.AssetID]struct{}, len(ids))
	prev := make(map[scene.AssetID]*Record)
	for _, id := range ids {
		if _, dup := requested[id]; dup {
			continue
		}
		requested[id] = struct{}{}
		rec, ok := t.records[id]
		if ok && rec.State == StateSaving {
			// a local save is authoritative; fetch without disturbing it
			continue
		}
		if ok && rec.State != StateFetching {
			r := rec
			prev[id] = &r
		} else {
			prev[id] = nil
		}
		t.records[id] = Record{State: StateFetching}
	}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if gen != t.gen {
			return
		}
		for id, p := range prev {
			rec, ok := t.records[id]
			if !ok || rec.State != StateFetching {
				continue
			}
			if p != nil {
				t.records[id] = *p
			} else {
				delete(t.records, id)
			}
		}
	}()

	res, err := t.fetcher.GetFiles(ctx, ids)
	if err != nil {
		t.logger.Error("asset batch fetch failed", "count", len(requested), "error", err)
		for id := range requested {
			result.Errored[id] = struct{}{}
		}
		result.Err = err
	} else {
		for _, a := range res.Loaded {
			if _, ok := requested[a.ID]; ok {
				result.Loaded = append(result.Loaded, a)
			}
		}
		for id := range res.Errored {
			if _, ok := requested[id]; ok {
				result.Errored[id] = struct{}{}
			}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return result
	}
	for _, a := range result.Loaded {
		if rec, ok := t.records[a.ID]; ok && rec.State == StateSaving {
			continue
		}
		t.records[a.ID] = Record{State: StateSaved, Version: a.EffectiveVersion()}
	}
	for id := range result.Errored {
		if rec, ok := t.records[id]; ok && rec.State == StateSaving {
			continue
		}
		t.records[id] = Record{State: StateErroredFetch}
	}
	return result
}

// IsTracked reports whether id has any record, whatever its state.
func (t *Tracker) IsTracked(id scene.AssetID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.records[id]
	return ok
}

// IsSaved reports whether id is known to be persisted.
func (t *Tracker) IsSaved(id scene.AssetID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records[id].State == StateSaved
}

// Record returns the tracked state of id; untracked ids report StateUntracked.
func (t *Tracker) Record(id scene.AssetID) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records[id]
}

// ShouldBlockUnload reports whether any of ids is being saved right now, in
// which case leaving the board could lose the upload.
func (t *Tracker) ShouldBlockUnload(ids []scene.AssetID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		if t.records[id].State == StateSaving {
			return true
		}
	}
	return false
}

// Reset forgets every record. Batches still in flight finish without
// recording their outcome.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[scene.AssetID]Record)
	t.gen++
}
