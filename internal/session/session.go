// Package session keeps the live views of a server: each session binds a
// view state machine to its record source, command registry, executor and
// output store, and serializes the events of that view.
package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/datagrid/internal/command"
	"github.com/pitabwire/datagrid/internal/output"
	"github.com/pitabwire/datagrid/internal/pagination"
	"github.com/pitabwire/datagrid/internal/view"
	"github.com/pitabwire/datagrid/internal/virtualization"
	"github.com/pitabwire/datagrid/model"
)

// Observer is notified whenever a view is rendered.
type Observer interface {
	OnViewRendered(entity string, d virtualization.Decision)
}

// State is what a session returns after every interaction.
type State struct {
	ViewID     string             `json:"view_id"`
	Entity     string             `json:"entity"`
	Layout     view.Layout        `json:"layout"`
	Busy       []string           `json:"busy,omitempty"`
	LastAction string             `json:"last_action,omitempty"`
	Navigation []model.Navigation `json:"navigation,omitempty"`
}

// ExecuteRequest carries the caller's side of a command invocation.
type ExecuteRequest struct {
	// Confirmed answers the command's confirmation prompt in advance.
	Confirmed bool
	// Privileges is nil when no privilege provider is configured.
	Privileges model.PrivilegeChecker
}

// CommandResult is the outcome of one command invocation. Confirmation
// holds the prompt when the command was cancelled because it was not
// confirmed.
type CommandResult struct {
	Outcome      command.Outcome    `json:"outcome"`
	Confirmation string             `json:"confirmation,omitempty"`
	Notices      []model.Notice     `json:"notices,omitempty"`
	Navigation   []model.Navigation `json:"navigation,omitempty"`
	State        State              `json:"state"`
}

// ConfirmationRequired reports whether the command is waiting for the
// caller to confirm.
func (r CommandResult) ConfirmationRequired() bool {
	return r.Outcome.Status == command.StatusCancelled && r.Confirmation != ""
}

// Session is one live view.
type Session struct {
	id           string
	entity       string
	owner        string
	parentEntity string
	parentID     string
	createdAt    time.Time

	source       pagination.Source
	registry     *command.Registry
	enabled      []string
	executor     *command.Executor
	nav          *Navigator
	outputs      output.Store
	observer     Observer
	logger       *zap.Logger
	fetchTimeout time.Duration
	now          func() time.Time

	inflight inflight

	mu         sync.Mutex
	view       *view.View
	busy       map[string]bool
	lastAction string
	lastSeen   time.Time
	closed     bool
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Entity returns the entity the view shows.
func (s *Session) Entity() string { return s.entity }

// Owner returns the owner the view was opened with.
func (s *Session) Owner() string { return s.owner }

// Registry returns the command registry of the view.
func (s *Session) Registry() *command.Registry { return s.registry }

// Columns returns the columns discovered by the source so far.
func (s *Session) Columns() []model.Column {
	return s.source.Snapshot().Columns
}

// Selected returns the selected record ids.
func (s *Session) Selected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.SelectedIDs()
}

// LastSeen returns when the session was last used.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// State renders the current state.
func (s *Session) State(ctx context.Context) (State, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return State{}, s.notFound()
	}
	s.lastSeen = s.now()
	st := s.stateLocked()
	s.mu.Unlock()

	st.Navigation = s.nav.Drain()
	return st, nil
}

// Dispatch applies one view event and returns the new state. Page fetches
// the event starts run in the background; Wait blocks until they settle.
func (s *Session) Dispatch(ctx context.Context, msg view.Msg) (State, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return State{}, s.notFound()
	}
	s.lastSeen = s.now()
	effects := s.view.Update(msg, s.source.Snapshot())
	s.applyLocked(ctx, effects)
	st := s.stateLocked()
	s.mu.Unlock()

	st.Navigation = s.nav.Drain()
	return st, nil
}

// Execute runs the command registered under key against the current
// selection. Commands the entity does not enable are reported as not
// found. The same command cannot run twice at once on one view.
func (s *Session) Execute(ctx context.Context, key string, req ExecuteRequest) (CommandResult, error) {
	if !slices.Contains(s.enabled, key) {
		return CommandResult{}, model.NewNotFoundError(fmt.Sprintf("command %q is not enabled for %s", key, s.entity))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return CommandResult{}, s.notFound()
	}
	if s.busy[key] {
		s.mu.Unlock()
		return CommandResult{}, model.NewViewBusyError(fmt.Sprintf("command %q is still running", key))
	}
	s.busy[key] = true
	s.lastSeen = s.now()
	selected := s.view.SelectedIDs()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.busy, key)
		s.mu.Unlock()
	}()

	fb := &feedback{confirmed: req.Confirmed}
	ec := &command.ExecutionContext{
		EntityName:   s.entity,
		Selected:     selected,
		ParentEntity: s.parentEntity,
		ParentID:     s.parentID,
		Refresh:      s.refresh,
		Transport:    s.nav,
		Output:       s,
		UI:           fb,
		Privileges:   req.Privileges,
		Values:       model.RequestContextFrom(ctx).Values(),
	}
	out, err := s.executor.Execute(ctx, key, ec)
	if err != nil {
		return CommandResult{}, err
	}

	res := CommandResult{Outcome: out, Notices: fb.notices, Navigation: s.nav.Drain()}
	if out.Status == command.StatusCancelled {
		res.Confirmation = fb.prompt
	}
	s.mu.Lock()
	res.State = s.stateLocked()
	s.mu.Unlock()
	return res, nil
}

// LastAction implements command.OutputSink.
func (s *Session) LastAction(ctx context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAction = key
	s.publishLocked(ctx)
}

// Output returns the published output of the view.
func (s *Session) Output(ctx context.Context) (model.ViewOutput, bool, error) {
	if s.outputs == nil {
		return model.ViewOutput{}, false, nil
	}
	return s.outputs.Get(ctx, s.id)
}

// Wait blocks until no background fetch is running or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	return s.inflight.wait(ctx)
}

// close marks the session closed and drops its output.
func (s *Session) close(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.outputs != nil {
		if err := s.outputs.Delete(ctx, s.id); err != nil {
			s.logger.Warn("dropping view output failed", zap.String("view_id", s.id), zap.Error(err))
		}
	}
}

// refresh reloads the source on behalf of a command. It goes through the
// view so the selection is cleared the same way a refresh event clears it.
func (s *Session) refresh(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(ctx, s.view.Update(view.RefreshMsg{}, s.source.Snapshot()))
}

// Callers hold s.mu.
func (s *Session) applyLocked(ctx context.Context, effects []view.Effect) {
	for _, e := range effects {
		switch eff := e.(type) {
		case view.LoadNextPageEffect:
			s.spawn(ctx, s.source.LoadNextPage)
		case view.LoadPreviousPageEffect:
			s.spawn(ctx, s.source.LoadPreviousPage)
		case view.RefreshEffect:
			s.spawn(ctx, s.source.Refresh)
		case view.OpenRecordEffect:
			_ = s.nav.OpenRecord(ctx, s.entity, eff.ID)
		case view.SelectionChangedEffect:
			s.publishLocked(ctx)
		}
	}
}

// spawn runs a source operation in the background. The fetch outlives the
// request that started it but not the fetch timeout.
func (s *Session) spawn(ctx context.Context, fn func(context.Context)) {
	s.inflight.add()
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
	go func() {
		defer s.inflight.done()
		defer cancel()
		fn(fctx)
		s.settle()
	}()
}

func (s *Session) settle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.view.Update(view.FetchSettledMsg{}, s.source.Snapshot())
	}
}

// Callers hold s.mu.
func (s *Session) publishLocked(ctx context.Context) {
	if s.outputs == nil {
		return
	}
	out := model.ViewOutput{
		ViewID:      s.id,
		LastAction:  s.lastAction,
		SelectedIDs: s.view.SelectedIDs(),
		UpdatedAt:   s.now(),
	}
	if err := s.outputs.Publish(ctx, out); err != nil {
		s.logger.Warn("publishing view output failed", zap.String("view_id", s.id), zap.Error(err))
	}
}

// Callers hold s.mu.
func (s *Session) stateLocked() State {
	l := s.view.Render(s.source.Snapshot())
	if s.observer != nil {
		s.observer.OnViewRendered(s.entity, l.Virtualization)
	}
	busy := make([]string, 0, len(s.busy))
	for k := range s.busy {
		busy = append(busy, k)
	}
	slices.Sort(busy)
	return State{
		ViewID:     s.id,
		Entity:     s.entity,
		Layout:     l,
		Busy:       busy,
		LastAction: s.lastAction,
	}
}

func (s *Session) notFound() error {
	return model.NewNotFoundError(fmt.Sprintf("view %q not found", s.id))
}

// inflight counts background fetches. Unlike sync.WaitGroup it allows new
// work to start while someone waits.
type inflight struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (f *inflight) add() {
	f.mu.Lock()
	if f.n == 0 {
		f.idle = make(chan struct{})
	}
	f.n++
	f.mu.Unlock()
}

func (f *inflight) done() {
	f.mu.Lock()
	f.n--
	if f.n == 0 {
		close(f.idle)
	}
	f.mu.Unlock()
}

func (f *inflight) wait(ctx context.Context) error {
	f.mu.Lock()
	if f.n == 0 {
		f.mu.Unlock()
		return nil
	}
	idle := f.idle
	f.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
