package model

import (
	"context"
	"errors"
	"slices"
)

// RequestContext is the verified identity behind one request, built from
// the token claims and the correlation headers. Treat it as read-only.
type RequestContext struct {
	SubjectID     string
	Email         string
	TenantID      string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
	SpanID        string
	Locale        string
}

var (
	errNoSubject = errors.New("subject claim is missing")
	errNoTenant  = errors.New("tenant claim is missing")
)

// Validate fails when the token did not name a subject and a tenant.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, errNoSubject)
	}
	if rc.TenantID == "" {
		errs = append(errs, errNoTenant)
	}
	return errors.Join(errs...)
}

// Owner is the key views are scoped to: the tenant and subject pair.
func (rc *RequestContext) Owner() string {
	if rc == nil {
		return ""
	}
	return rc.TenantID + "/" + rc.SubjectID
}

func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

// Values is the tree that {context.<path>} parameter tokens resolve
// against.
func (rc *RequestContext) Values() map[string]any {
	if rc == nil {
		return nil
	}
	return map[string]any{
		"subjectId":     rc.SubjectID,
		"email":         rc.Email,
		"tenantId":      rc.TenantID,
		"correlationId": rc.CorrelationID,
		"locale":        rc.Locale,
		"claims":        rc.Claims,
	}
}

type requestContextKey struct{}

func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the identity stored by WithRequestContext, or
// nil on unauthenticated paths.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}
