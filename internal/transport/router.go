package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/datagrid/internal/config"
	"github.com/pitabwire/datagrid/internal/metadata"
	"github.com/pitabwire/datagrid/internal/session"
	"github.com/pitabwire/datagrid/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Privileges   model.PrivilegeResolver
	Descriptors  *metadata.DescriptorProvider
	Sessions     *session.Manager

	HealthHandler  http.Handler
	ReadyHandler   http.Handler
	MetricsHandler http.Handler

	// RedactFields adds keys hidden when command results are logged.
	RedactFields []string
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Method(http.MethodGet, "/ui/health", orStatus(deps.HealthHandler, "ok"))
	r.Method(http.MethodGet, "/ui/ready", orStatus(deps.ReadyHandler, "ready"))
	if deps.MetricsHandler != nil {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.MetricsHandler)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(RequestLogging(logger))
		r.Use(ResolvePrivileges(deps.Privileges, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

		r.Get("/ui/entities/{entity}/descriptor", handleDescriptor(deps.Descriptors, deps.Sessions))

		r.Post("/ui/views", handleOpenView(deps.Sessions))
		r.Route("/ui/views/{viewId}", func(r chi.Router) {
			r.Get("/", handleGetView(deps.Sessions))
			r.Delete("/", handleCloseView(deps.Sessions))
			r.Post("/events", handleViewEvent(deps.Sessions))
			r.Get("/output", handleViewOutput(deps.Sessions))
			r.Post("/commands/{commandKey}", handleCommand(deps.Sessions, deps.RedactFields))
		})
	})

	return r
}

// orStatus serves h, or a static status document when h is nil.
func orStatus(h http.Handler, status string) http.Handler {
	if h != nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": status})
	})
}
