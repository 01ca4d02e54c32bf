// Package metadata resolves entity configuration into the descriptors a
// host shell renders: the view descriptor and its command bar.
package metadata

import (
	"github.com/pitabwire/datagrid/internal/command"
	"github.com/pitabwire/datagrid/model"
)

// CommandItem is one button of the command bar.
type CommandItem struct {
	Key               string           `json:"key"`
	Label             string           `json:"label"`
	Icon              string           `json:"icon,omitempty"`
	Action            model.ActionKind `json:"action"`
	Enabled           bool             `json:"enabled"`
	Visible           bool             `json:"visible"`
	RequiresSelection bool             `json:"requires_selection,omitempty"`
	MinSelection      int              `json:"min_selection,omitempty"`
	MaxSelection      *int             `json:"max_selection,omitempty"`
	Confirmation      string           `json:"confirmation,omitempty"`
}

// CommandBarProvider resolves the enabled commands of an entity into
// command bar items.
type CommandBarProvider struct{}

// NewCommandBarProvider creates a new CommandBarProvider.
func NewCommandBarProvider() *CommandBarProvider {
	return &CommandBarProvider{}
}

// Resolve returns one item per enabled command, in configuration order.
// Keys missing from the registry are skipped. A command whose privileges
// the caller lacks is kept but hidden; the enabled state follows the
// command's gate for the given selection.
func (p *CommandBarProvider) Resolve(
	registry *command.Registry,
	enabled []string,
	entity string,
	privileges model.PrivilegeChecker,
	selected []string,
) []CommandItem {
	ec := &command.ExecutionContext{EntityName: entity, Selected: selected, Privileges: privileges}

	result := make([]CommandItem, 0, len(enabled))
	for _, key := range enabled {
		d, ok := registry.Get(key)
		if !ok {
			continue
		}
		item := CommandItem{
			Key:               d.Key,
			Label:             d.Label,
			Icon:              d.Icon,
			Action:            d.Action,
			Visible:           authorized(d.Gate, entity, privileges),
			RequiresSelection: d.Gate.RequiresSelection,
			MinSelection:      d.Gate.MinSelection,
			MaxSelection:      d.Gate.MaxSelection,
			Confirmation:      d.ConfirmationMessage,
		}
		item.Enabled = item.Visible && d.Gate.Allows(ec)
		result = append(result, item)
	}
	return result
}

func authorized(g command.Gate, entity string, privileges model.PrivilegeChecker) bool {
	if privileges == nil {
		return true
	}
	if !privileges.HasAll(g.Privileges...) {
		return false
	}
	return g.EntityPrivilege == "" || privileges.HasAll(model.EntityPrivilege(entity, g.EntityPrivilege))
}
