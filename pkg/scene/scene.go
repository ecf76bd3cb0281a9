// Package scene defines the board document model handed to the persistence
// layer: elements, storable application state and binary assets.
package scene

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidScene is returned when a snapshot or asset violates the model's
// invariants (missing identifiers, negative versions, mismatched keys).
var ErrInvalidScene = errors.New("invalid scene")

// ElementType constants
const (
	ElementTypeImage = "image"
)

// ImageStatus tracks whether the asset behind an image element has been
// persisted.
type ImageStatus string

// ImageStatus constants
const (
	ImageStatusPending ImageStatus = "pending"
	ImageStatusSaved   ImageStatus = "saved"
	ImageStatusError   ImageStatus = "error"
)

// Element is one shape on a board. Geometry and styling are opaque to the
// persistence layer and carried in Data.
type Element struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Version   int             `json:"version"`
	IsDeleted bool            `json:"isDeleted,omitempty"`
	FileID    AssetID         `json:"fileId,omitempty"`
	Status    ImageStatus     `json:"status,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// IsInitializedImage reports whether e is an image element that references an
// asset.
func (e Element) IsInitializedImage() bool {
	return e.Type == ElementTypeImage && e.FileID != ""
}

// Snapshot is the full state of a board at one point in time. Assets are
// referenced by id only; their bytes travel separately.
type Snapshot struct {
	BoardID  string    `json:"boardId,omitempty"`
	Elements []Element `json:"elements"`
	AppState AppState  `json:"appState"`
}

// Validate checks the snapshot for contract violations.
func (s *Snapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil snapshot", ErrInvalidScene)
	}
	for i, el := range s.Elements {
		if el.ID == "" {
			return fmt.Errorf("%w: element %d has no id", ErrInvalidScene, i)
		}
	}
	return nil
}

// ClearElementsForStorage returns the elements worth persisting locally.
// Deleted elements are dropped.
func ClearElementsForStorage(elements []Element) []Element {
	kept := make([]Element, 0, len(elements))
	for _, el := range elements {
		if el.IsDeleted {
			continue
		}
		kept = append(kept, el)
	}
	return kept
}

// ForStorage returns a copy of s stripped down to what the local store keeps.
func (s *Snapshot) ForStorage() *Snapshot {
	return &Snapshot{
		BoardID:  s.BoardID,
		Elements: ClearElementsForStorage(s.Elements),
		AppState: s.AppState,
	}
}
