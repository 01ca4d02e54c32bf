package command

import (
	"fmt"

	"github.com/pitabwire/datagrid/model"
)

// BuildCustom turns a custom command definition into a descriptor. The
// definition's presentation, gating and refresh settings are copied as
// written. Unknown action types and definitions without a dispatch target
// are configuration errors.
func BuildCustom(key string, def model.CommandDefinition) (Descriptor, error) {
	field := "customCommands." + key
	if !def.ActionType.Custom() {
		return Descriptor{}, model.NewConfigError(
			fmt.Sprintf("command %q: unknown action type %q", key, def.ActionType),
			model.FieldError{Field: field + ".actionType", Code: "INVALID_ENUM", Message: fmt.Sprintf("unknown action type %q", def.ActionType)},
		)
	}
	target := def.Target()
	if target == "" {
		return Descriptor{}, model.NewConfigError(
			fmt.Sprintf("command %q: no %s target", key, def.ActionType),
			model.FieldError{Field: field, Code: "REQUIRED", Message: "action target is required"},
		)
	}

	gate := Gate{
		RequiresSelection: def.RequiresSelection,
		Privileges:        append([]string(nil), def.Privileges...),
	}
	if def.MinSelection != nil {
		gate.MinSelection = *def.MinSelection
	}
	if def.MaxSelection != nil {
		maxSel := *def.MaxSelection
		gate.MaxSelection = &maxSel
	}
	if gate.MaxSelection != nil && gate.MinSelection > *gate.MaxSelection {
		return Descriptor{}, model.NewConfigError(
			fmt.Sprintf("command %q: minSelection exceeds maxSelection", key),
			model.FieldError{Field: field + ".minSelection", Code: "INVALID_RANGE", Message: "minSelection exceeds maxSelection"},
		)
	}

	label := def.Label
	if label == "" {
		label = key
	}
	return Descriptor{
		Key:                 key,
		Label:               label,
		Icon:                def.Icon,
		Action:              def.ActionType,
		Target:              target,
		Parameters:          cloneParams(def.Parameters),
		Gate:                gate,
		ConfirmationMessage: def.ConfirmationMessage,
		SuccessMessage:      def.SuccessMessage,
		RefreshAfterExecute: def.Refresh,
	}, nil
}
