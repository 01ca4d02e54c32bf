// Package virtualization decides how a view renders a record set: without
// windowing, through the host's built-in windowed table, or through the
// fixed-height windowed list that renders only the visible slice.
package virtualization

// Tier is a rendering tier.
type Tier string

const (
	TierNone    Tier = "none"
	TierBuiltIn Tier = "builtin"
	TierCustom  Tier = "custom"
)

// Defaults.
const (
	DefaultThreshold       = 100
	DefaultCustomThreshold = 1000
	DefaultItemHeight      = 44
	DefaultOverscan        = 5
)

// Options are the caller-supplied policy inputs. Zero values take defaults.
// Disabled turns windowing off regardless of count and a negative Overscan
// renders no rows outside the viewport.
type Options struct {
	Disabled        bool
	Threshold       int
	CustomThreshold int
	ItemHeight      int
	Overscan        int
}

func (o Options) withDefaults() Options {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.CustomThreshold <= 0 {
		o.CustomThreshold = DefaultCustomThreshold
	}
	if o.CustomThreshold < o.Threshold {
		o.CustomThreshold = o.Threshold
	}
	if o.ItemHeight <= 0 {
		o.ItemHeight = DefaultItemHeight
	}
	if o.Overscan < 0 {
		o.Overscan = 0
	} else if o.Overscan == 0 {
		o.Overscan = DefaultOverscan
	}
	return o
}

// Decision is the outcome of the policy for one record count.
type Decision struct {
	Tier       Tier `json:"tier"`
	Active     bool `json:"active"`
	ItemHeight int  `json:"item_height"`
	Overscan   int  `json:"overscan"`
	Threshold  int  `json:"threshold"`
}

// Decide returns the rendering tier for recordCount. Both thresholds are
// crossed only when the count is strictly greater than them.
func Decide(recordCount int, opts Options) Decision {
	o := opts.withDefaults()
	d := Decision{
		Tier:       TierNone,
		ItemHeight: o.ItemHeight,
		Overscan:   o.Overscan,
		Threshold:  o.Threshold,
	}
	if o.Disabled {
		return d
	}
	switch {
	case recordCount > o.CustomThreshold:
		d.Tier = TierCustom
	case recordCount > o.Threshold:
		d.Tier = TierBuiltIn
	}
	d.Active = d.Tier != TierNone
	return d
}

// Window is the slice of rows to materialize for a scroll position. Rows
// [Start, End) are rendered; the spacers stand in for the rows before and
// after so the scroll height stays that of the full list.
type Window struct {
	Start         int `json:"start"`
	End           int `json:"end"`
	LeadingSpace  int `json:"leading_space"`
	TrailingSpace int `json:"trailing_space"`
	TotalHeight   int `json:"total_height"`
}

// Size returns the number of rows in the window.
func (w Window) Size() int {
	return w.End - w.Start
}

// ComputeWindow returns the rows to render for the given viewport. Outside
// the custom tier the whole list is returned.
func ComputeWindow(d Decision, count int, scrollTop, viewportHeight float64) Window {
	h := d.ItemHeight
	if h <= 0 {
		h = DefaultItemHeight
	}
	total := count * h
	if d.Tier != TierCustom || count == 0 {
		return Window{Start: 0, End: count, TotalHeight: total}
	}
	if scrollTop < 0 {
		scrollTop = 0
	}
	if viewportHeight <= 0 {
		viewportHeight = float64(h)
	}

	first := int(scrollTop) / h
	visible := (int(viewportHeight) + h - 1) / h

	start := max(first-d.Overscan, 0)
	end := min(first+visible+d.Overscan, count)
	if start > end {
		start = max(end-visible-d.Overscan, 0)
	}
	return Window{
		Start:         start,
		End:           end,
		LeadingSpace:  start * h,
		TrailingSpace: (count - end) * h,
		TotalHeight:   total,
	}
}
