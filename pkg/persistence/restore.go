package persistence

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/boardsync/pkg/scene"
	"github.com/hashicorp-forge/boardsync/pkg/storage/fasttier"
)

// Reader reads values from the fast tier.
type Reader interface {
	Read(key string) ([]byte, error)
}

// storedSnapshot is the fast tier encoding read back loosely, so a damaged
// app state does not cost the elements and the other way around.
type storedSnapshot struct {
	BoardID  string          `json:"boardId"`
	Elements json.RawMessage `json:"elements"`
	AppState map[string]any  `json:"appState"`
}

// LoadSnapshot restores the snapshot of boardID from the fast tier. A board
// that was never saved yields an empty snapshot. Damaged content is logged and
// replaced by empty elements or default app state.
func LoadSnapshot(store Reader, boardID string, logger hclog.Logger) (*scene.Snapshot, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	snapshot := &scene.Snapshot{
		BoardID:  boardID,
		Elements: []scene.Element{},
		AppState: scene.DefaultAppState(),
	}

	raw, err := store.Read(fasttier.Key(boardID, SceneKey))
	if errors.Is(err, fasttier.ErrNotFound) {
		return snapshot, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot of board %q: %w", boardID, err)
	}

	var stored storedSnapshot
	if err := json.Unmarshal(raw, &stored); err != nil {
		logger.Error("error decoding stored snapshot", "board_id", boardID, "error", err)
		return snapshot, nil
	}

	if len(stored.Elements) > 0 {
		var elements []scene.Element
		if err := json.Unmarshal(stored.Elements, &elements); err != nil {
			logger.Error("error decoding stored elements", "board_id", boardID, "error", err)
		} else {
			snapshot.Elements = scene.ClearElementsForStorage(elements)
		}
	}

	state, err := scene.ClearAppStateForStorage(stored.AppState)
	if err != nil {
		logger.Error("error decoding stored app state", "board_id", boardID, "error", err)
	} else {
		snapshot.AppState = state.WithDefaults()
	}

	return snapshot, nil
}
