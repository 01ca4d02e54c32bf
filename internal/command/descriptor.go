package command

import (
	"context"

	"github.com/pitabwire/datagrid/model"
)

// Gate decides whether a command may run for the current selection and
// caller.
type Gate struct {
	RequiresSelection bool
	// MinSelection and MaxSelection bound the selection count inclusively.
	// A zero minimum and a nil maximum leave that side open.
	MinSelection int
	MaxSelection *int
	// Privileges are required verbatim.
	Privileges []string
	// EntityPrivilege is an action ("read", "delete") checked against the
	// view's entity at invocation time.
	EntityPrivilege string
	// Enabled is an optional extra predicate.
	Enabled func(ec *ExecutionContext) bool
}

// Allows reports whether the gate lets the command run. An empty selection
// on a command that requires one is not rejected here; the executor
// reports it to the user instead.
func (g Gate) Allows(ec *ExecutionContext) bool {
	if ec.Privileges != nil {
		if !ec.Privileges.HasAll(g.Privileges...) {
			return false
		}
		if g.EntityPrivilege != "" && !ec.Privileges.HasAll(model.EntityPrivilege(ec.EntityName, g.EntityPrivilege)) {
			return false
		}
	}
	n := len(ec.Selected)
	if !(n == 0 && g.RequiresSelection) {
		if g.MinSelection > 0 && n < g.MinSelection {
			return false
		}
		if g.MaxSelection != nil && n > *g.MaxSelection {
			return false
		}
	}
	if g.Enabled != nil && !g.Enabled(ec) {
		return false
	}
	return true
}

// Descriptor is a registered command.
type Descriptor struct {
	Key    string
	Label  string
	Icon   string
	Action model.ActionKind
	// Target is the action name, function name or workflow id the command
	// dispatches to. Built-ins leave it empty.
	Target     string
	Parameters map[string]any
	Gate       Gate

	ConfirmationMessage string
	SuccessMessage      string
	RefreshAfterExecute bool
	Builtin             bool
}

// Feedback is the user-facing surface of a view during command execution.
type Feedback interface {
	// Confirm asks the user to confirm and reports the answer.
	Confirm(ctx context.Context, message string) bool
	Notify(ctx context.Context, n model.Notice)
	SetBusy(key string, busy bool)
}

// OutputSink receives the key of every command that executed successfully.
type OutputSink interface {
	LastAction(ctx context.Context, key string)
}

// FunctionCaller runs named functions for "function" commands.
type FunctionCaller interface {
	Call(ctx context.Context, name string, params map[string]any) (map[string]any, error)
}

// ExecutionContext is built fresh for every invocation. The executor only
// reads it, apart from calling Refresh and writing to Output.
type ExecutionContext struct {
	EntityName   string
	Selected     []string
	ParentEntity string
	ParentID     string
	Refresh      func(ctx context.Context)
	Transport    model.ActionTransport
	Output       OutputSink
	UI           Feedback
	// Privileges is nil when no privilege provider is configured, in which
	// case privilege gates pass.
	Privileges model.PrivilegeChecker
	// Values backs {context.<path>} parameter tokens.
	Values map[string]any
}

type nopFeedback struct{}

func (nopFeedback) Confirm(context.Context, string) bool { return true }
func (nopFeedback) Notify(context.Context, model.Notice)  {}
func (nopFeedback) SetBusy(string, bool)                  {}
