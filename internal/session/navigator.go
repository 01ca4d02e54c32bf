package session

import (
	"context"
	"errors"
	"sync"

	"github.com/pitabwire/datagrid/model"
)

// Platform performs the command side effects that reach the platform.
type Platform interface {
	InvokeAction(ctx context.Context, name string, params map[string]any) (map[string]any, error)
	DeleteRecord(ctx context.Context, entity, id string) error
	ExecuteWorkflow(ctx context.Context, workflowID, recordID string) error
}

var errNoPlatform = errors.New("no platform connection is configured")

// Navigator is the action transport of one session. Opening a record or a
// create form is the host shell's job, so those calls are recorded as
// navigation intents and handed back with the next response; everything
// else goes to the platform.
type Navigator struct {
	platform Platform

	mu      sync.Mutex
	intents []model.Navigation
}

// NewNavigator creates a navigator over platform, which may be nil.
func NewNavigator(platform Platform) *Navigator {
	return &Navigator{platform: platform}
}

// OpenRecord implements model.ActionTransport.
func (n *Navigator) OpenRecord(_ context.Context, entity, id string) error {
	n.push(model.Navigation{Kind: model.NavigateOpen, Entity: entity, RecordID: id})
	return nil
}

// OpenCreateForm implements model.ActionTransport.
func (n *Navigator) OpenCreateForm(_ context.Context, entity string, opts model.CreateOptions) error {
	n.push(model.Navigation{Kind: model.NavigateCreate, Entity: entity, Create: &opts})
	return nil
}

// InvokeAction implements model.ActionTransport.
func (n *Navigator) InvokeAction(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	if n.platform == nil {
		return nil, errNoPlatform
	}
	return n.platform.InvokeAction(ctx, name, params)
}

// DeleteRecord implements model.ActionTransport.
func (n *Navigator) DeleteRecord(ctx context.Context, entity, id string) error {
	if n.platform == nil {
		return errNoPlatform
	}
	return n.platform.DeleteRecord(ctx, entity, id)
}

// ExecuteWorkflow implements model.ActionTransport.
func (n *Navigator) ExecuteWorkflow(ctx context.Context, workflowID, recordID string) error {
	if n.platform == nil {
		return errNoPlatform
	}
	return n.platform.ExecuteWorkflow(ctx, workflowID, recordID)
}

// Drain returns and clears the recorded intents.
func (n *Navigator) Drain() []model.Navigation {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.intents
	n.intents = nil
	return out
}

func (n *Navigator) push(nav model.Navigation) {
	n.mu.Lock()
	n.intents = append(n.intents, nav)
	n.mu.Unlock()
}
