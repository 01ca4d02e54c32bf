package model

import "time"

// ViewOutput is what a view publishes to its host: the last command that
// executed successfully and the currently selected record ids.
type ViewOutput struct {
	ViewID      string    `json:"view_id"`
	LastAction  string    `json:"last_action,omitempty"`
	SelectedIDs []string  `json:"selected_ids"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NavigationKind is the kind of navigation a command asks the host to do.
type NavigationKind string

const (
	NavigateOpen   NavigationKind = "open"
	NavigateCreate NavigationKind = "create"
)

// Navigation is an intent for the host shell to open a form.
type Navigation struct {
	Kind     NavigationKind `json:"kind"`
	Entity   string         `json:"entity"`
	RecordID string         `json:"record_id,omitempty"`
	Create   *CreateOptions `json:"create,omitempty"`
}
