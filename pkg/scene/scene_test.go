package scene

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func image(id string, file AssetID, status ImageStatus) Element {
	return Element{ID: id, Type: ElementTypeImage, Version: 1, FileID: file, Status: status}
}

func TestSnapshot_Validate(t *testing.T) {
	var nilSnap *Snapshot
	assert.ErrorIs(t, nilSnap.Validate(), ErrInvalidScene)

	bad := &Snapshot{Elements: []Element{{ID: "a"}, {Type: "rectangle"}}}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidScene)

	good := &Snapshot{Elements: []Element{{ID: "a", Type: "rectangle"}}}
	assert.NoError(t, good.Validate())
}

func TestSnapshot_ForStorageDropsDeleted(t *testing.T) {
	snap := &Snapshot{
		BoardID: "b1",
		Elements: []Element{
			{ID: "a", Type: "rectangle"},
			{ID: "b", Type: "ellipse", IsDeleted: true},
		},
		AppState: AppState{Name: "plan"},
	}

	stored := snap.ForStorage()

	require.Len(t, stored.Elements, 1)
	assert.Equal(t, "a", stored.Elements[0].ID)
	assert.Equal(t, "plan", stored.AppState.Name)
	assert.Len(t, snap.Elements, 2, "original snapshot untouched")
}

func TestClearAppStateForStorage(t *testing.T) {
	raw := map[string]any{
		"name":                "roadmap",
		"theme":               "dark",
		"scrollX":             "12.5", // weakly typed
		"zoom":                map[string]any{"value": 2},
		"activeTool":          map[string]any{"type": "hand", "locked": true},
		"selectedElementIds":  map[string]any{"a": true},
		"openDialog":          "help", // not storable
		"collaborators":       []any{"x"},
		"viewBackgroundColor": "#000",
	}

	state, err := ClearAppStateForStorage(raw)
	require.NoError(t, err)

	assert.Equal(t, "roadmap", state.Name)
	assert.Equal(t, "dark", state.Theme)
	assert.Equal(t, 12.5, state.ScrollX)
	assert.Equal(t, 2.0, state.Zoom.Value)
	assert.Equal(t, "hand", state.ActiveTool.Type)
	assert.Equal(t, map[string]bool{"a": true}, state.SelectedElementIDs)

	encoded, err := json.Marshal(state)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "openDialog")
	assert.NotContains(t, string(encoded), "collaborators")
}

func TestClearAppStateForStorage_Nil(t *testing.T) {
	state, err := ClearAppStateForStorage(nil)
	require.NoError(t, err)
	assert.Equal(t, AppState{}, state)
}

func TestClearAppStateForStorage_BadType(t *testing.T) {
	_, err := ClearAppStateForStorage(map[string]any{"zoom": "wide"})
	assert.ErrorIs(t, err, ErrInvalidScene)
}

func TestAppState_WithDefaults(t *testing.T) {
	state := AppState{Name: "x", Theme: "dark"}.WithDefaults()

	assert.Equal(t, "dark", state.Theme)
	assert.Equal(t, "#ffffff", state.ViewBackgroundColor)
	assert.Equal(t, 1.0, state.Zoom.Value)
	assert.Equal(t, "selection", state.ActiveTool.Type)
}

func TestAsset_Validate(t *testing.T) {
	tests := []struct {
		name    string
		asset   Asset
		wantErr bool
	}{
		{"valid", Asset{ID: "f1", Version: 2}, false},
		{"unset version", Asset{ID: "f1"}, false},
		{"missing id", Asset{Version: 1}, true},
		{"negative version", Asset{ID: "f1", Version: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.asset.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidScene)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateAssets_KeyMismatch(t *testing.T) {
	err := ValidateAssets(map[AssetID]Asset{"f1": {ID: "f2"}})
	assert.ErrorIs(t, err, ErrInvalidScene)
}

func TestAsset_EffectiveVersion(t *testing.T) {
	assert.Equal(t, 1, Asset{}.EffectiveVersion())
	assert.Equal(t, 3, Asset{Version: 3}.EffectiveVersion())
}

func TestReferencedAssets(t *testing.T) {
	assets := map[AssetID]Asset{
		"f1": {ID: "f1"},
		"f2": {ID: "f2"},
		"f3": {ID: "f3"},
	}
	elements := []Element{
		image("a", "f2", ImageStatusPending),
		{ID: "b", Type: "rectangle"},
		image("c", "f1", ImageStatusSaved),
		image("d", "f2", ImageStatusSaved), // duplicate reference
		{ID: "e", Type: ElementTypeImage},  // not initialized
		{ID: "g", Type: ElementTypeImage, FileID: "f3", IsDeleted: true},
		image("h", "missing", ImageStatusPending),
	}

	got := ReferencedAssets(elements, assets)

	ids := make([]AssetID, 0, len(got))
	for _, a := range got {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []AssetID{"f2", "f1", "f3"}, ids)
}

func TestAssetIDs_SkipsDeleted(t *testing.T) {
	elements := []Element{
		image("a", "f1", ImageStatusSaved),
		{ID: "b", Type: ElementTypeImage, FileID: "f2", IsDeleted: true},
		image("c", "f1", ImageStatusSaved),
	}
	assert.Equal(t, []AssetID{"f1"}, AssetIDs(elements))
}

func TestMarkSavedImages(t *testing.T) {
	elements := []Element{
		image("a", "f1", ImageStatusPending),
		image("b", "f2", ImageStatusPending),
		image("c", "f1", ImageStatusSaved),
	}
	saved := map[AssetID]bool{"f1": true}

	out, changed := MarkSavedImages(elements, func(id AssetID) bool { return saved[id] })

	require.True(t, changed)
	assert.Equal(t, ImageStatusSaved, out[0].Status)
	assert.Equal(t, 2, out[0].Version)
	assert.Equal(t, ImageStatusPending, out[1].Status)
	assert.Equal(t, 1, out[2].Version, "already saved element untouched")
	assert.Equal(t, ImageStatusPending, elements[0].Status, "input untouched")

	_, changed = MarkSavedImages(out, func(AssetID) bool { return false })
	assert.False(t, changed)
}

func TestMarkErroredImages(t *testing.T) {
	elements := []Element{
		image("a", "f1", ImageStatusPending),
		image("b", "f2", ImageStatusPending),
	}

	out, changed := MarkErroredImages(elements, map[AssetID]struct{}{"f2": {}})
	require.True(t, changed)
	assert.Equal(t, ImageStatusPending, out[0].Status)
	assert.Equal(t, ImageStatusError, out[1].Status)

	_, changed = MarkErroredImages(elements, nil)
	assert.False(t, changed)
}
