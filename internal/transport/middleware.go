package transport

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/datagrid/internal/config"
	"github.com/pitabwire/datagrid/internal/observability"
	"github.com/pitabwire/datagrid/model"
)

const correlationHeader = "X-Correlation-Id"

type (
	correlationIDKey struct{}
	claimsKey        struct{}
	privilegesKey    struct{}
)

func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// WithClaims stores verified token claims for BuildRequestContextMiddleware.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsKey{}).(map[string]any)
	return claims
}

// PrivilegesFrom returns the privileges ResolvePrivileges stored. It is nil
// when no resolver is wired, which command gates treat as allow-all.
func PrivilegesFrom(ctx context.Context) model.PrivilegeChecker {
	if ps, ok := ctx.Value(privilegesKey{}).(model.PrivilegeSet); ok {
		return ps
	}
	return nil
}

// Recovery turns a handler panic into a logged INTERNAL_ERROR response.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				logger.Error("panic recovered",
					zap.Any("error", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"),
				)
				writeError(w, r, model.NewInternalError())
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type corsPolicy struct {
	origins map[string]struct{}
	headers map[string]string
}

func (p corsPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	_, exact := p.origins[origin]
	_, wildcard := p.origins["*"]
	return exact || wildcard
}

// CORS echoes allowed origins and answers every preflight with 204.
// Unknown origins get no CORS headers, so browsers block the response.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	policy := corsPolicy{
		origins: make(map[string]struct{}, len(cfg.AllowedOrigins)),
		headers: map[string]string{
			"Access-Control-Allow-Methods":  strings.Join(cfg.AllowedMethods, ", "),
			"Access-Control-Allow-Headers":  strings.Join(cfg.AllowedHeaders, ", "),
			"Access-Control-Max-Age":        strconv.Itoa(cfg.MaxAge),
			"Access-Control-Expose-Headers": correlationHeader,
		},
	}
	for _, o := range cfg.AllowedOrigins {
		policy.origins[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); policy.allows(origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				for k, v := range policy.headers {
					h.Set(k, v)
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID propagates the caller's correlation id, minting one when the
// header is absent, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationIDKey{}, id)))
	})
}

var securityHeaders = map[string]string{
	"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "DENY",
	"X-XSS-Protection":          "0",
	"Cache-Control":             "no-store",
	"Referrer-Policy":           "strict-origin-when-cross-origin",
}

func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range securityHeaders {
			w.Header().Set(k, v)
		}
		next.ServeHTTP(w, r)
	})
}

// identityClaims holds the dot-separated claim path of each identity field.
type identityClaims struct {
	subject, tenant, email, roles, locale string
}

func newIdentityClaims(paths map[string]string) identityClaims {
	pick := func(field, def string) string {
		if p := paths[field]; p != "" {
			return p
		}
		return def
	}
	return identityClaims{
		subject: pick("subject_id", "sub"),
		tenant:  pick("tenant_id", "tenant_id"),
		email:   pick("email", "email"),
		roles:   pick("roles", "roles"),
		locale:  pick("locale", "locale"),
	}
}

func (ic identityClaims) requestContext(r *http.Request) *model.RequestContext {
	ctx := r.Context()
	claims := ClaimsFrom(ctx)
	rc := &model.RequestContext{
		SubjectID:     claimString(claims, ic.subject),
		TenantID:      claimString(claims, ic.tenant),
		Email:         claimString(claims, ic.email),
		Roles:         claimStrings(claims, ic.roles),
		Locale:        claimString(claims, ic.locale),
		Claims:        claims,
		CorrelationID: CorrelationIDFrom(ctx),
		TraceID:       observability.TraceIDFromContext(ctx),
		SpanID:        observability.SpanIDFromContext(ctx),
	}
	if rc.Locale == "" {
		rc.Locale = r.Header.Get("Accept-Language")
	}
	return rc
}

// BuildRequestContextMiddleware turns the verified claims into a
// model.RequestContext. claimPaths overrides where subject_id, tenant_id,
// email, roles and locale are read from. A token without a subject or a
// tenant is rejected with 401.
func BuildRequestContextMiddleware(claimPaths map[string]string) func(http.Handler) http.Handler {
	identity := newIdentityClaims(claimPaths)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := identity.requestContext(r)
			if rc.Validate() != nil {
				writeError(w, r, model.NewUnauthorizedError("token is missing identity claims"))
				return
			}
			next.ServeHTTP(w, r.WithContext(model.WithRequestContext(r.Context(), rc)))
		})
	}
}

// ResolvePrivileges loads the caller's privilege set once per request. A
// failing resolver answers BACKEND_UNAVAILABLE; a nil one is skipped.
func ResolvePrivileges(resolver model.PrivilegeResolver, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if resolver == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := model.RequestContextFrom(r.Context())
			if rc == nil {
				next.ServeHTTP(w, r)
				return
			}
			ps, err := resolver.Resolve(rc)
			if err != nil {
				observability.RequestLogger(r.Context(), logger).Warn("privilege resolution failed", zap.Error(err))
				writeError(w, r, model.NewBackendUnavailableError())
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), privilegesKey{}, ps)))
		})
	}
}

// HandlerTimeout bounds the request context. Handlers map the expired
// deadline to their own error.
func HandlerTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogging puts the request logger in the context and writes one
// "request" entry per request, at warn for 5xx.
func RequestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLogger := observability.RequestLogger(r.Context(), logger)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(observability.WithLogger(r.Context(), reqLogger)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := zap.InfoLevel
			if status >= http.StatusInternalServerError {
				level = zap.WarnLevel
			}
			reqLogger.Log(level, "request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// claimValue resolves path as a literal key first, then as a dot-separated
// walk such as "realm_access.roles".
func claimValue(claims map[string]any, path string) any {
	if path == "" {
		return nil
	}
	if v, ok := claims[path]; ok {
		return v
	}
	var cur any = claims
	for part := range strings.SplitSeq(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func claimString(claims map[string]any, path string) string {
	s, _ := claimValue(claims, path).(string)
	return s
}

// claimStrings accepts a JSON array, keeping only its strings, or a
// space-separated string.
func claimStrings(claims map[string]any, path string) []string {
	switch v := claimValue(claims, path).(type) {
	case []string:
		return v
	case string:
		return strings.Fields(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
