// Package scroll decides when a scrolling view should prefetch the next
// page of records.
package scroll

import "github.com/pitabwire/datagrid/model"

// TriggerFraction is the scrolled fraction past which the next page loads.
const TriggerFraction = 0.9

// AutoThreshold is the record count above which the auto mode turns the
// loader on.
const AutoThreshold = 100

// State is the loader state.
type State int

const (
	Idle State = iota
	Loading
)

func (s State) String() string {
	if s == Loading {
		return "loading"
	}
	return "idle"
}

// Position is a scroll position reported by the host.
type Position struct {
	ScrollTop      float64 `json:"scroll_top"`
	ViewportHeight float64 `json:"viewport_height"`
	ScrollHeight   float64 `json:"scroll_height"`
}

// Fraction returns how far the viewport bottom is through the content. An
// empty content height yields 0.
func (p Position) Fraction() float64 {
	if p.ScrollHeight <= 0 {
		return 0
	}
	return (p.ScrollTop + p.ViewportHeight) / p.ScrollHeight
}

// Status is the part of the source state the loader looks at.
type Status struct {
	RecordCount int
	HasNextPage bool
	Loading     bool
}

// StatusOf extracts a Status from a page snapshot.
func StatusOf(p model.PageResult) Status {
	return Status{RecordCount: p.Count(), HasNextPage: p.HasNextPage, Loading: p.Loading}
}

// Loader is the Idle/Loading state machine of one view. It is not safe for
// concurrent use; the owning view serializes access.
type Loader struct {
	mode  model.ScrollBehavior
	state State
}

// NewLoader returns an idle loader for the scroll behavior. Unknown modes
// behave like auto.
func NewLoader(mode model.ScrollBehavior) *Loader {
	if !mode.Valid() {
		mode = model.ScrollAuto
	}
	return &Loader{mode: mode}
}

// Mode returns the configured scroll behavior.
func (l *Loader) Mode() model.ScrollBehavior { return l.mode }

// State returns the current state.
func (l *Loader) State() State { return l.state }

// Active reports whether scrolling triggers loads for the given count.
func (l *Loader) Active(recordCount int) bool {
	switch l.mode {
	case model.ScrollInfinite:
		return true
	case model.ScrollPaged:
		return false
	default:
		return recordCount > AutoThreshold
	}
}

// Observe feeds a scroll position. It returns true, and moves to Loading,
// exactly when the next page should be requested: the loader is active, the
// viewport bottom is past TriggerFraction, another page exists, the source
// is not loading and no request is already outstanding.
func (l *Loader) Observe(pos Position, st Status) bool {
	if l.state != Idle || st.Loading || !st.HasNextPage {
		return false
	}
	if !l.Active(st.RecordCount) {
		return false
	}
	if pos.Fraction() <= TriggerFraction {
		return false
	}
	l.state = Loading
	return true
}

// Begin moves to Loading for a request not caused by scrolling (the
// load-more affordance). It returns false when a request is outstanding.
func (l *Loader) Begin(st Status) bool {
	if l.state != Idle || st.Loading || !st.HasNextPage {
		return false
	}
	l.state = Loading
	return true
}

// Settle returns the loader to Idle once the source stops loading.
func (l *Loader) Settle(sourceLoading bool) {
	if !sourceLoading {
		l.state = Idle
	}
}

// LoadMore is the paged-mode affordance.
type LoadMore struct {
	Visible     bool `json:"visible"`
	Enabled     bool `json:"enabled"`
	LoadedCount int  `json:"loaded_count"`
}

// Affordance returns the load-more button state. It shows whenever the
// loader is inactive and more pages exist.
func (l *Loader) Affordance(st Status) LoadMore {
	if l.Active(st.RecordCount) || !st.HasNextPage {
		return LoadMore{LoadedCount: st.RecordCount}
	}
	return LoadMore{
		Visible:     true,
		Enabled:     !st.Loading && l.state == Idle,
		LoadedCount: st.RecordCount,
	}
}
