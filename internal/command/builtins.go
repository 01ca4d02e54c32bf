package command

import "github.com/pitabwire/datagrid/model"

// Built-in command keys.
const (
	KeyOpen    = "open"
	KeyCreate  = "create"
	KeyDelete  = "delete"
	KeyRefresh = "refresh"
)

// DeleteConfirmation is the confirmation template of the delete command.
const DeleteConfirmation = "Delete {count} selected items?"

// Builtins returns the descriptors every registry starts with.
func Builtins() []Descriptor {
	return []Descriptor{
		{
			Key:     KeyOpen,
			Label:   "Open",
			Icon:    "OpenInNewWindow",
			Action:  model.ActionOpen,
			Builtin: true,
			Gate: Gate{
				RequiresSelection: true,
				MinSelection:      1,
				EntityPrivilege:   model.PrivilegeRead,
			},
		},
		{
			Key:     KeyCreate,
			Label:   "New",
			Icon:    "Add",
			Action:  model.ActionCreate,
			Builtin: true,
			Gate:    Gate{EntityPrivilege: model.PrivilegeCreate},
		},
		{
			Key:                 KeyDelete,
			Label:               "Delete",
			Icon:                "Delete",
			Action:              model.ActionDelete,
			Builtin:             true,
			ConfirmationMessage: DeleteConfirmation,
			RefreshAfterExecute: true,
			Gate: Gate{
				RequiresSelection: true,
				MinSelection:      1,
				EntityPrivilege:   model.PrivilegeDelete,
			},
		},
		{
			Key:     KeyRefresh,
			Label:   "Refresh",
			Icon:    "Refresh",
			Action:  model.ActionRefresh,
			Builtin: true,
		},
	}
}
