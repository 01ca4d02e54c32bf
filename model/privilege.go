package model

import "strings"

// Privilege actions checked for the built-in commands. Privilege strings are
// "<entity>:<action>", e.g. "account:delete".
const (
	PrivilegeRead   = "read"
	PrivilegeCreate = "create"
	PrivilegeDelete = "delete"
)

// EntityPrivilege returns the privilege string for an action on an entity.
func EntityPrivilege(entity, action string) string {
	return entity + ":" + action
}

// PrivilegeSet is the set of privileges held by the caller. Keys may end in
// a wildcard ("account:*") and "*" grants everything.
type PrivilegeSet map[string]bool

// Has returns true if the set contains the privilege exactly or through a
// wildcard.
func (ps PrivilegeSet) Has(privilege string) bool {
	if ps[privilege] {
		return true
	}
	for pattern := range ps {
		if matchWildcard(pattern, privilege) {
			return true
		}
	}
	return false
}

// HasAll returns true if every privilege is held.
func (ps PrivilegeSet) HasAll(privileges ...string) bool {
	for _, p := range privileges {
		if !ps.Has(p) {
			return false
		}
	}
	return true
}

// matchWildcard matches "*" against anything and "account:*" against any
// privilege under "account:". Without a trailing wildcard only exact
// matches count.
func matchWildcard(pattern, privilege string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(privilege, pattern[:len(pattern)-1])
}

// PrivilegeChecker answers privilege questions for a command invocation.
// A nil checker means no privilege provider is configured.
type PrivilegeChecker interface {
	HasAll(privileges ...string) bool
}

// PrivilegeResolver resolves the privilege set for a request context.
type PrivilegeResolver interface {
	Resolve(rctx *RequestContext) (PrivilegeSet, error)
	Invalidate(subjectID, tenantID string)
}

// PolicyEvaluator is the source of truth the resolver caches.
type PolicyEvaluator interface {
	ResolvePrivileges(rctx *RequestContext) (PrivilegeSet, error)
	Sync() error
}
