package scene

import (
	"fmt"
	"time"
)

// AssetID identifies a binary attachment.
type AssetID string

// Asset is a binary attachment referenced by image elements.
type Asset struct {
	ID       AssetID `json:"id"`
	MimeType string  `json:"mimeType"`
	Content  []byte  `json:"content"`
	// Version is supplied by the editor and never decreases for a given id.
	// Zero means the editor did not set one and is treated as 1.
	Version         int       `json:"version,omitempty"`
	CreatedAt       time.Time `json:"created"`
	LastRetrievedAt time.Time `json:"lastRetrieved,omitempty"`
}

// EffectiveVersion returns the version used for save bookkeeping.
func (a Asset) EffectiveVersion() int {
	if a.Version < 1 {
		return 1
	}
	return a.Version
}

// Validate checks the asset for contract violations.
func (a Asset) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: asset has no id", ErrInvalidScene)
	}
	if a.Version < 0 {
		return fmt.Errorf("%w: asset %s has negative version %d", ErrInvalidScene, a.ID, a.Version)
	}
	return nil
}

// ValidateAssets checks every asset and that each is stored under its own id.
func ValidateAssets(assets map[AssetID]Asset) error {
	for id, a := range assets {
		if err := a.Validate(); err != nil {
			return err
		}
		if id != a.ID {
			return fmt.Errorf("%w: asset %s stored under key %s", ErrInvalidScene, a.ID, id)
		}
	}
	return nil
}

// ReferencedAssets returns the assets referenced by image elements, in element
// order and without duplicates. Deleted elements still count so their assets
// survive an undo.
func ReferencedAssets(elements []Element, assets map[AssetID]Asset) []Asset {
	seen := make(map[AssetID]struct{})
	var referenced []Asset
	for _, el := range elements {
		if !el.IsInitializedImage() {
			continue
		}
		if _, ok := seen[el.FileID]; ok {
			continue
		}
		a, ok := assets[el.FileID]
		if !ok {
			continue
		}
		seen[el.FileID] = struct{}{}
		referenced = append(referenced, a)
	}
	return referenced
}

// AssetIDs returns the ids of the assets referenced by live image elements.
func AssetIDs(elements []Element) []AssetID {
	seen := make(map[AssetID]struct{})
	var ids []AssetID
	for _, el := range elements {
		if !el.IsInitializedImage() || el.IsDeleted {
			continue
		}
		if _, ok := seen[el.FileID]; ok {
			continue
		}
		seen[el.FileID] = struct{}{}
		ids = append(ids, el.FileID)
	}
	return ids
}

// MarkSavedImages moves pending image elements whose asset isSaved reports as
// persisted to the saved status. It returns the updated elements and whether
// anything changed; the input slice is not modified.
func MarkSavedImages(elements []Element, isSaved func(AssetID) bool) ([]Element, bool) {
	return updateImageStatus(elements, ImageStatusSaved, func(el Element) bool {
		return el.Status == ImageStatusPending && isSaved(el.FileID)
	})
}

// MarkErroredImages flags image elements whose asset could not be loaded.
func MarkErroredImages(elements []Element, errored map[AssetID]struct{}) ([]Element, bool) {
	if len(errored) == 0 {
		return elements, false
	}
	return updateImageStatus(elements, ImageStatusError, func(el Element) bool {
		_, bad := errored[el.FileID]
		return bad && el.Status != ImageStatusError
	})
}

func updateImageStatus(elements []Element, status ImageStatus, match func(Element) bool) ([]Element, bool) {
	out := make([]Element, len(elements))
	changed := false
	for i, el := range elements {
		if el.IsInitializedImage() && match(el) {
			el.Status = status
			el.Version++
			changed = true
		}
		out[i] = el
	}
	return out, changed
}
