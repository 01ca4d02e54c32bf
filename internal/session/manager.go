package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/datagrid/internal/command"
	"github.com/pitabwire/datagrid/internal/config"
	"github.com/pitabwire/datagrid/internal/definition"
	"github.com/pitabwire/datagrid/internal/output"
	"github.com/pitabwire/datagrid/internal/pagination"
	"github.com/pitabwire/datagrid/internal/view"
	"github.com/pitabwire/datagrid/model"
)

// HostDatasetFactory builds the host dataset of a bound view.
type HostDatasetFactory func(entity string, ds model.DataSourceConfig, pageSize int) (model.HostDataset, error)

// Dependencies are the collaborators every session is built from.
type Dependencies struct {
	Definitions *definition.Registry
	// Queryer serves query-fetch views.
	Queryer model.RowQueryer
	// HostDatasets serves bound views.
	HostDatasets HostDatasetFactory
	Platform     Platform
	Functions    command.FunctionCaller
	Outputs      output.Store

	FetchObserver   pagination.FetchObserver
	CommandObserver command.CommandObserver
	ViewObserver    Observer
	Logger          *zap.Logger
}

// OpenRequest describes a view to open.
type OpenRequest struct {
	Entity       string         `json:"entity"`
	Query        string         `json:"query,omitempty"`
	ParentEntity string         `json:"parent_entity,omitempty"`
	ParentID     string         `json:"parent_id,omitempty"`
	ViewMode     model.ViewMode `json:"view_mode,omitempty"`

	// Owner identifies the caller that opened the view. Set by the
	// transport, never decoded from a request body.
	Owner string `json:"-"`
}

// Manager owns the live sessions.
type Manager struct {
	cfg     config.SessionsConfig
	deps    Dependencies
	now     func() time.Time
	onCount func(int)

	mu       sync.RWMutex
	sessions map[string]*Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithActiveCount registers a callback receiving the number of open
// sessions after every change.
func WithActiveCount(fn func(int)) ManagerOption {
	return func(m *Manager) { m.onCount = fn }
}

// NewManager creates a manager. Zero durations in cfg take defaults.
func NewManager(cfg config.SessionsConfig, deps Dependencies, opts ...ManagerOption) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	m := &Manager{
		cfg:      cfg,
		deps:     deps,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open creates a session for req and starts loading its first page.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	if req.Entity == "" {
		return nil, model.NewBadRequestError("entity is required")
	}
	if req.ViewMode != "" && !req.ViewMode.Valid() {
		return nil, model.NewBadRequestError(fmt.Sprintf("unknown view mode %q", req.ViewMode))
	}

	rc := m.deps.Definitions.Resolve(req.Entity)
	source, err := m.newSource(rc, req)
	if err != nil {
		return nil, err
	}

	vcfg := view.ConfigFrom(rc)
	if req.ViewMode != "" {
		vcfg.Mode = req.ViewMode
	}

	registry := m.deps.Definitions.Commands(req.Entity)
	var execOpts []command.ExecutorOption
	if m.deps.Functions != nil {
		execOpts = append(execOpts, command.WithFunctions(m.deps.Functions))
	}
	if m.deps.CommandObserver != nil {
		execOpts = append(execOpts, command.WithObserver(m.deps.CommandObserver))
	}

	now := m.now()
	s := &Session{
		id:           uuid.NewString(),
		entity:       req.Entity,
		owner:        req.Owner,
		parentEntity: req.ParentEntity,
		parentID:     req.ParentID,
		createdAt:    now,
		source:       source,
		registry:     registry,
		enabled:      slices.Clone(rc.EnabledCommands),
		executor:     command.NewExecutor(registry, execOpts...),
		nav:          NewNavigator(m.deps.Platform),
		outputs:      m.deps.Outputs,
		observer:     m.deps.ViewObserver,
		logger:       m.deps.Logger.With(zap.String("entity", req.Entity)),
		fetchTimeout: m.cfg.FetchTimeout,
		now:          m.now,
		view:         view.New(vcfg),
		busy:         make(map[string]bool),
		lastSeen:     now,
	}

	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, model.NewTooManyViewsError()
	}
	m.sessions[s.id] = s
	count := len(m.sessions)
	m.mu.Unlock()
	m.reportCount(count)

	s.mu.Lock()
	s.applyLocked(ctx, []view.Effect{view.RefreshEffect{}})
	s.publishLocked(ctx)
	s.mu.Unlock()

	s.logger.Debug("view opened", zap.String("view_id", s.id), zap.String("mode", string(vcfg.Mode)))
	return s, nil
}

func (m *Manager) newSource(rc model.ResolvedConfig, req OpenRequest) (pagination.Source, error) {
	opts := []pagination.Option{pagination.WithPageSize(rc.PageSize)}
	if m.deps.FetchObserver != nil {
		opts = append(opts, pagination.WithObserver(m.deps.FetchObserver))
	}

	switch rc.DataSource.Mode {
	case model.DataSourceBound:
		if m.deps.HostDatasets == nil {
			return nil, model.NewConfigError(fmt.Sprintf("entity %q uses a bound data source but none is available", rc.Entity))
		}
		host, err := m.deps.HostDatasets(rc.Entity, rc.DataSource, rc.PageSize)
		if err != nil {
			return nil, err
		}
		return pagination.NewBoundSource(host, opts...), nil
	default:
		if m.deps.Queryer == nil {
			return nil, model.NewConfigError("no row source is configured")
		}
		return pagination.NewQueryFetchSource(m.deps.Queryer, pagination.QueryConfig{
			Entity:    rc.Entity,
			EntitySet: rc.DataSource.EntitySet,
			Query:     rc.DataSource.Query,
			Override:  req.Query,
			IDField:   rc.DataSource.IDField,
		}, opts...), nil
	}
}

// Get returns the open session id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("view %q not found", id))
	}
	return s, nil
}

// Close closes the session id.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	count := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("view %q not found", id))
	}
	m.reportCount(count)
	s.close(ctx)
	return nil
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep closes sessions idle for longer than the idle timeout and returns
// how many it closed.
func (m *Manager) Sweep(ctx context.Context) int {
	cutoff := m.now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.LastSeen().Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if len(expired) > 0 {
		m.reportCount(count)
	}
	for _, s := range expired {
		s.close(ctx)
		m.deps.Logger.Debug("idle view closed", zap.String("view_id", s.id), zap.String("entity", s.entity))
	}
	return len(expired)
}

// Run sweeps idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(ctx); n > 0 {
				m.deps.Logger.Info("swept idle views", zap.Int("closed", n))
			}
		}
	}
}

func (m *Manager) reportCount(n int) {
	if m.onCount != nil {
		m.onCount(n)
	}
}
