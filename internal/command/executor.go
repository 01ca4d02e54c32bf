package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/datagrid/model"
)

// Status is the outcome of one invocation.
type Status string

const (
	StatusExecuted          Status = "executed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
	StatusDisabled          Status = "disabled"
	StatusSelectionRequired Status = "selection_required"
)

// SelectionRequiredMessage is shown when a command that needs a selection is
// run without one.
const SelectionRequiredMessage = "Select at least one record first."

// Outcome describes how an invocation ended. Failures are reported here and
// through Feedback, never as errors.
type Outcome struct {
	Key     string         `json:"key"`
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
}

// CommandObserver receives an event for every invocation that passed lookup.
type CommandObserver interface {
	OnCommandExecuted(ctx context.Context, event CommandEvent)
}

// CommandEvent describes one invocation.
type CommandEvent struct {
	Key      string           `json:"key"`
	Entity   string           `json:"entity"`
	Action   model.ActionKind `json:"action"`
	Status   Status           `json:"status"`
	Selected int              `json:"selected"`
	Duration time.Duration    `json:"duration"`
	Error    string           `json:"error,omitempty"`
}

// Executor runs commands through validate, confirm, execute and report.
// It does not serialize invocations; callers disable a command's trigger
// while it is busy.
type Executor struct {
	registry  *Registry
	functions FunctionCaller
	observers []CommandObserver
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithFunctions sets the function registry used by "function" commands.
func WithFunctions(f FunctionCaller) ExecutorOption {
	return func(e *Executor) { e.functions = f }
}

// WithObserver adds a command observer.
func WithObserver(obs CommandObserver) ExecutorOption {
	return func(e *Executor) { e.observers = append(e.observers, obs) }
}

// NewExecutor creates an executor over registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{registry: registry}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the registry the executor reads.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs the command registered under key. The only error returned
// is NOT_FOUND for an unknown key.
func (e *Executor) Execute(ctx context.Context, key string, ec *ExecutionContext) (Outcome, error) {
	start := time.Now()

	d, ok := e.registry.Get(key)
	if !ok {
		return Outcome{}, model.NewNotFoundError(fmt.Sprintf("command %q not found", key))
	}
	ui := ec.UI
	if ui == nil {
		ui = nopFeedback{}
	}

	// Validate.
	if !d.Gate.Allows(ec) {
		return e.finish(ctx, d, ec, start, Outcome{Key: key, Status: StatusDisabled}, nil), nil
	}
	if d.Gate.RequiresSelection && len(ec.Selected) == 0 {
		ui.Notify(ctx, model.Notice{Level: model.NoticeInfo, Message: SelectionRequiredMessage})
		return e.finish(ctx, d, ec, start, Outcome{Key: key, Status: StatusSelectionRequired, Message: SelectionRequiredMessage}, nil), nil
	}

	// Confirm.
	if d.ConfirmationMessage != "" {
		if !ui.Confirm(ctx, Interpolate(d.ConfirmationMessage, ec)) {
			return e.finish(ctx, d, ec, start, Outcome{Key: key, Status: StatusCancelled}, nil), nil
		}
	}

	// Execute.
	ui.SetBusy(key, true)
	defer ui.SetBusy(key, false)

	result, err := e.dispatch(ctx, d, ec)

	// Report.
	if err != nil {
		msg := err.Error()
		ui.Notify(ctx, model.Notice{Level: model.NoticeError, Message: msg})
		return e.finish(ctx, d, ec, start, Outcome{Key: key, Status: StatusFailed, Message: msg}, err), nil
	}

	out := Outcome{Key: key, Status: StatusExecuted, Result: result}
	if d.SuccessMessage != "" {
		out.Message = Interpolate(d.SuccessMessage, ec)
		ui.Notify(ctx, model.Notice{Level: model.NoticeSuccess, Message: out.Message})
	}
	if d.RefreshAfterExecute && ec.Refresh != nil {
		ec.Refresh(ctx)
	}
	if ec.Output != nil {
		ec.Output.LastAction(ctx, key)
	}
	return e.finish(ctx, d, ec, start, out, nil), nil
}

// dispatch performs the side effect of d. Every action kind is handled.
func (e *Executor) dispatch(ctx context.Context, d Descriptor, ec *ExecutionContext) (map[string]any, error) {
	switch d.Action {
	case model.ActionOpen:
		if err := e.requireTransport(ec); err != nil {
			return nil, err
		}
		return nil, ec.Transport.OpenRecord(ctx, ec.EntityName, ec.Selected[0])

	case model.ActionCreate:
		if err := e.requireTransport(ec); err != nil {
			return nil, err
		}
		return nil, ec.Transport.OpenCreateForm(ctx, ec.EntityName, model.CreateOptions{
			ParentEntity: ec.ParentEntity,
			ParentID:     ec.ParentID,
		})

	case model.ActionDelete:
		if err := e.requireTransport(ec); err != nil {
			return nil, err
		}
		return nil, e.deleteSelected(ctx, ec)

	case model.ActionRefresh:
		if ec.Refresh != nil {
			ec.Refresh(ctx)
		}
		return nil, nil

	case model.ActionCustomAPI, model.ActionAction:
		if err := e.requireTransport(ec); err != nil {
			return nil, err
		}
		params := NewExpressionResolver(ec).ResolveParameters(d.Parameters)
		return ec.Transport.InvokeAction(ctx, d.Target, params)

	case model.ActionFunction:
		if e.functions == nil {
			return nil, fmt.Errorf("function %q is not available", d.Target)
		}
		params := NewExpressionResolver(ec).ResolveParameters(d.Parameters)
		return e.functions.Call(ctx, d.Target, params)

	case model.ActionWorkflow:
		if err := e.requireTransport(ec); err != nil {
			return nil, err
		}
		return nil, e.runWorkflow(ctx, d.Target, ec)

	default:
		return nil, fmt.Errorf("command %q has unsupported action %q", d.Key, d.Action)
	}
}

// deleteSelected deletes the selected records one at a time and stops at
// the first failure. Records deleted before a failure are gone, so the view
// is refreshed in that case too.
func (e *Executor) deleteSelected(ctx context.Context, ec *ExecutionContext) error {
	for i, id := range ec.Selected {
		if err := ec.Transport.DeleteRecord(ctx, ec.EntityName, id); err != nil {
			if i > 0 && ec.Refresh != nil {
				ec.Refresh(ctx)
			}
			return fmt.Errorf("deleting record %s: %w", id, err)
		}
	}
	return nil
}

// runWorkflow starts the workflow for every selected record, or for the
// parent record when nothing is selected.
func (e *Executor) runWorkflow(ctx context.Context, workflowID string, ec *ExecutionContext) error {
	targets := ec.Selected
	if len(targets) == 0 && ec.ParentID != "" {
		targets = []string{ec.ParentID}
	}
	if len(targets) == 0 {
		return errors.New("the workflow needs a record to run against")
	}
	for _, id := range targets {
		if err := ec.Transport.ExecuteWorkflow(ctx, workflowID, id); err != nil {
			return fmt.Errorf("running workflow on record %s: %w", id, err)
		}
	}
	return nil
}

func (e *Executor) requireTransport(ec *ExecutionContext) error {
	if ec.Transport == nil {
		return errors.New("no action transport is configured")
	}
	return nil
}

func (e *Executor) finish(ctx context.Context, d Descriptor, ec *ExecutionContext, start time.Time, out Outcome, err error) Outcome {
	if len(e.observers) == 0 {
		return out
	}
	event := CommandEvent{
		Key:      d.Key,
		Entity:   ec.EntityName,
		Action:   d.Action,
		Status:   out.Status,
		Selected: len(ec.Selected),
		Duration: time.Since(start),
	}
	if err != nil {
		event.Error = err.Error()
	}
	for _, obs := range e.observers {
		obs.OnCommandExecuted(ctx, event)
	}
	return out
}
