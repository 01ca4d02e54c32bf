package view

import (
	"encoding/json"
	"fmt"

	"github.com/pitabwire/datagrid/internal/scroll"
	"github.com/pitabwire/datagrid/model"
)

// Msg is an event delivered to a view.
type Msg interface{ msg() }

// ScrollMsg reports the viewport position.
type ScrollMsg struct{ Position scroll.Position }

// FetchSettledMsg is sent when a page fetch started by an effect completes.
type FetchSettledMsg struct{}

// ToggleSelectionMsg toggles one record's checkbox.
type ToggleSelectionMsg struct{ ID string }

// SelectAllMsg selects every loaded record.
type SelectAllMsg struct{}

// ClearSelectionMsg deselects everything.
type ClearSelectionMsg struct{}

// ClickTarget is the element a click landed on.
type ClickTarget string

const (
	TargetRow      ClickTarget = "row"
	TargetCheckbox ClickTarget = "checkbox"
)

// ClickMsg is a click on a record.
type ClickMsg struct {
	ID     string
	Target ClickTarget
}

// LoadMoreMsg is the paged-mode load-more affordance.
type LoadMoreMsg struct{}

// PreviousPageMsg asks for the previous page.
type PreviousPageMsg struct{}

// RefreshMsg asks for a reload from page 1.
type RefreshMsg struct{}

// SortMsg sorts by a column; repeating it flips the direction.
type SortMsg struct{ Column string }

// ResizeColumnMsg sets a grid column width.
type ResizeColumnMsg struct {
	Column string
	Width  int
}

// SetViewModeMsg switches the renderer.
type SetViewModeMsg struct{ Mode model.ViewMode }

func (ScrollMsg) msg()          {}
func (FetchSettledMsg) msg()    {}
func (ToggleSelectionMsg) msg() {}
func (SelectAllMsg) msg()       {}
func (ClearSelectionMsg) msg()  {}
func (ClickMsg) msg()           {}
func (LoadMoreMsg) msg()        {}
func (PreviousPageMsg) msg()    {}
func (RefreshMsg) msg()         {}
func (SortMsg) msg()            {}
func (ResizeColumnMsg) msg()    {}
func (SetViewModeMsg) msg()     {}

// Effect is work the owner of a view must perform after an update.
type Effect interface{ effect() }

// LoadNextPageEffect asks the source for the next page.
type LoadNextPageEffect struct{}

// LoadPreviousPageEffect asks the source for the previous page.
type LoadPreviousPageEffect struct{}

// RefreshEffect asks the source to reload.
type RefreshEffect struct{}

// OpenRecordEffect asks the host to open a record.
type OpenRecordEffect struct{ ID string }

// SelectionChangedEffect asks the owner to publish the new selection.
type SelectionChangedEffect struct{ IDs []string }

func (LoadNextPageEffect) effect()     {}
func (LoadPreviousPageEffect) effect() {}
func (RefreshEffect) effect()          {}
func (OpenRecordEffect) effect()       {}
func (SelectionChangedEffect) effect() {}

// Event is the wire form of a Msg.
type Event struct {
	Type           string  `json:"type"`
	ID             string  `json:"id,omitempty"`
	Target         string  `json:"target,omitempty"`
	Column         string  `json:"column,omitempty"`
	Width          int     `json:"width,omitempty"`
	Mode           string  `json:"mode,omitempty"`
	ScrollTop      float64 `json:"scroll_top,omitempty"`
	ViewportHeight float64 `json:"viewport_height,omitempty"`
	ScrollHeight   float64 `json:"scroll_height,omitempty"`
}

// DecodeEvent parses a wire event into a Msg.
func DecodeEvent(data []byte) (Msg, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("view: decoding event: %w", err)
	}
	return ev.Msg()
}

// Msg converts the event to a Msg.
func (ev Event) Msg() (Msg, error) {
	switch ev.Type {
	case "scroll":
		return ScrollMsg{Position: scroll.Position{
			ScrollTop:      ev.ScrollTop,
			ViewportHeight: ev.ViewportHeight,
			ScrollHeight:   ev.ScrollHeight,
		}}, nil
	case "toggle_selection":
		if ev.ID == "" {
			return nil, fmt.Errorf("view: toggle_selection requires id")
		}
		return ToggleSelectionMsg{ID: ev.ID}, nil
	case "select_all":
		return SelectAllMsg{}, nil
	case "clear_selection":
		return ClearSelectionMsg{}, nil
	case "click":
		if ev.ID == "" {
			return nil, fmt.Errorf("view: click requires id")
		}
		switch target := ClickTarget(ev.Target); target {
		case "":
			return ClickMsg{ID: ev.ID, Target: TargetRow}, nil
		case TargetRow, TargetCheckbox:
			return ClickMsg{ID: ev.ID, Target: target}, nil
		default:
			return nil, fmt.Errorf("view: unknown click target %q", ev.Target)
		}
	case "load_more":
		return LoadMoreMsg{}, nil
	case "previous_page":
		return PreviousPageMsg{}, nil
	case "refresh":
		return RefreshMsg{}, nil
	case "sort":
		return SortMsg{Column: ev.Column}, nil
	case "resize_column":
		return ResizeColumnMsg{Column: ev.Column, Width: ev.Width}, nil
	case "set_view_mode":
		m := model.ViewMode(ev.Mode)
		if !m.Valid() {
			return nil, fmt.Errorf("view: unknown view mode %q", ev.Mode)
		}
		return SetViewModeMsg{Mode: m}, nil
	default:
		return nil, fmt.Errorf("view: unknown event type %q", ev.Type)
	}
}
