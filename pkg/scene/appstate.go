package scene

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Zoom is the canvas zoom factor.
type Zoom struct {
	Value float64 `json:"value" mapstructure:"value"`
}

// ActiveTool is the tool selected in the editor.
type ActiveTool struct {
	Type string `json:"type" mapstructure:"type"`
}

// AppState is the subset of editor state that survives a reload. Everything
// else the editor tracks (open dialogs, in-progress drags, collaborators) is
// dropped before it reaches storage.
type AppState struct {
	Name                       string          `json:"name,omitempty" mapstructure:"name"`
	Theme                      string          `json:"theme,omitempty" mapstructure:"theme"`
	ViewBackgroundColor        string          `json:"viewBackgroundColor,omitempty" mapstructure:"viewBackgroundColor"`
	ScrollX                    float64         `json:"scrollX" mapstructure:"scrollX"`
	ScrollY                    float64         `json:"scrollY" mapstructure:"scrollY"`
	Zoom                       Zoom            `json:"zoom" mapstructure:"zoom"`
	GridSize                   int             `json:"gridSize,omitempty" mapstructure:"gridSize"`
	GridModeEnabled            bool            `json:"gridModeEnabled,omitempty" mapstructure:"gridModeEnabled"`
	ZenModeEnabled             bool            `json:"zenModeEnabled,omitempty" mapstructure:"zenModeEnabled"`
	ActiveTool                 ActiveTool      `json:"activeTool" mapstructure:"activeTool"`
	CurrentItemStrokeColor     string          `json:"currentItemStrokeColor,omitempty" mapstructure:"currentItemStrokeColor"`
	CurrentItemBackgroundColor string          `json:"currentItemBackgroundColor,omitempty" mapstructure:"currentItemBackgroundColor"`
	CurrentItemFontSize        float64         `json:"currentItemFontSize,omitempty" mapstructure:"currentItemFontSize"`
	SelectedElementIDs         map[string]bool `json:"selectedElementIds,omitempty" mapstructure:"selectedElementIds"`
}

// DefaultAppState returns the state of a fresh board.
func DefaultAppState() AppState {
	return AppState{
		Theme:               "light",
		ViewBackgroundColor: "#ffffff",
		Zoom:                Zoom{Value: 1},
		ActiveTool:          ActiveTool{Type: "selection"},
	}
}

// WithDefaults fills the fields a stored state may have omitted.
func (s AppState) WithDefaults() AppState {
	def := DefaultAppState()
	if s.Theme == "" {
		s.Theme = def.Theme
	}
	if s.ViewBackgroundColor == "" {
		s.ViewBackgroundColor = def.ViewBackgroundColor
	}
	if s.Zoom.Value <= 0 {
		s.Zoom = def.Zoom
	}
	if s.ActiveTool.Type == "" {
		s.ActiveTool = def.ActiveTool
	}
	return s
}

// ClearAppStateForStorage decodes an arbitrary editor state map into the
// storable AppState. Unknown keys are ignored; loosely typed values (numbers
// encoded as strings and the like) are coerced.
func ClearAppStateForStorage(raw map[string]any) (AppState, error) {
	var state AppState
	if raw == nil {
		return state, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &state,
	})
	if err != nil {
		return state, fmt.Errorf("failed to create app state decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return AppState{}, fmt.Errorf("%w: app state: %v", ErrInvalidScene, err)
	}
	return state, nil
}
