package model

// ActionKind tags what a command does when it runs. Every dispatch over an
// ActionKind must handle all kinds.
type ActionKind string

const (
	ActionOpen      ActionKind = "open"
	ActionCreate    ActionKind = "create"
	ActionDelete    ActionKind = "delete"
	ActionRefresh   ActionKind = "refresh"
	ActionCustomAPI ActionKind = "customApi"
	ActionAction    ActionKind = "action"
	ActionFunction  ActionKind = "function"
	ActionWorkflow  ActionKind = "workflow"
)

// CustomActionKinds lists the action types accepted in custom command
// definitions.
var CustomActionKinds = []ActionKind{ActionCustomAPI, ActionAction, ActionFunction, ActionWorkflow}

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionOpen, ActionCreate, ActionDelete, ActionRefresh,
		ActionCustomAPI, ActionAction, ActionFunction, ActionWorkflow:
		return true
	}
	return false
}

// Custom reports whether k may be used by a custom command definition.
func (k ActionKind) Custom() bool {
	switch k {
	case ActionCustomAPI, ActionAction, ActionFunction, ActionWorkflow:
		return true
	}
	return false
}

// CommandDefinition is a custom command as written in entity configuration.
// It is parsed once at load time and never mutated afterwards.
type CommandDefinition struct {
	ActionType          ActionKind     `json:"actionType" yaml:"actionType"`
	ActionName          string         `json:"actionName,omitempty" yaml:"actionName,omitempty"`
	FunctionName        string         `json:"functionName,omitempty" yaml:"functionName,omitempty"`
	WorkflowID          string         `json:"workflowId,omitempty" yaml:"workflowId,omitempty"`
	Parameters          map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Label               string         `json:"label" yaml:"label"`
	Icon                string         `json:"icon,omitempty" yaml:"icon,omitempty"`
	ConfirmationMessage string         `json:"confirmationMessage,omitempty" yaml:"confirmationMessage,omitempty"`
	SuccessMessage      string         `json:"successMessage,omitempty" yaml:"successMessage,omitempty"`
	RequiresSelection   bool           `json:"requiresSelection,omitempty" yaml:"requiresSelection,omitempty"`
	MinSelection        *int           `json:"minSelection,omitempty" yaml:"minSelection,omitempty"`
	MaxSelection        *int           `json:"maxSelection,omitempty" yaml:"maxSelection,omitempty"`
	Refresh             bool           `json:"refresh,omitempty" yaml:"refresh,omitempty"`
	Privileges          []string       `json:"privileges,omitempty" yaml:"privileges,omitempty"`
}

// Target returns the name the definition dispatches to for its action type.
// For "function" a missing functionName falls back to actionName.
func (d CommandDefinition) Target() string {
	switch d.ActionType {
	case ActionFunction:
		if d.FunctionName != "" {
			return d.FunctionName
		}
		return d.ActionName
	case ActionWorkflow:
		if d.WorkflowID != "" {
			return d.WorkflowID
		}
		return d.ActionName
	default:
		return d.ActionName
	}
}

// NoticeLevel is the severity of a user-facing notice.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeSuccess NoticeLevel = "success"
	NoticeError   NoticeLevel = "error"
)

// Notice is a user-facing message raised while executing a command.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
}
