package privilege

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/datagrid/model"
)

// policyFile is the on-disk policy:
//
//	everyone: ["account:read"]
//	roles:
//	  account_manager: ["account:delete", "approve:accounts"]
//	  admin: ["*"]
type policyFile struct {
	Everyone []string            `yaml:"everyone"`
	Roles    map[string][]string `yaml:"roles"`
}

// compiledPolicy holds the grants of policyFile as sets.
type compiledPolicy struct {
	everyone model.PrivilegeSet
	roles    map[string]model.PrivilegeSet
}

func compile(p policyFile) *compiledPolicy {
	toSet := func(privs []string) model.PrivilegeSet {
		set := make(model.PrivilegeSet, len(privs))
		for _, priv := range privs {
			set[priv] = true
		}
		return set
	}
	c := &compiledPolicy{everyone: toSet(p.Everyone), roles: make(map[string]model.PrivilegeSet, len(p.Roles))}
	for role, privs := range p.Roles {
		c.roles[role] = toSet(privs)
	}
	return c
}

// StaticPolicyEvaluator grants privileges from a YAML file of role grants.
// Sync swaps in a new policy without blocking readers.
type StaticPolicyEvaluator struct {
	path   string
	policy atomic.Pointer[compiledPolicy]
}

func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolvePrivileges unions the everyone grant with the grants of each of
// the caller's roles. Unknown roles grant nothing.
func (e *StaticPolicyEvaluator) ResolvePrivileges(rctx *model.RequestContext) (model.PrivilegeSet, error) {
	p := e.policy.Load()
	ps := maps.Clone(p.everyone)
	for _, role := range rctx.Roles {
		maps.Copy(ps, p.roles[role])
	}
	return ps, nil
}

// Sync rereads the policy file. On error the previous policy stays active.
func (e *StaticPolicyEvaluator) Sync() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("privilege: reading policy file %s: %w", e.path, err)
	}

	var p policyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("privilege: parsing policy file %s: %w", e.path, err)
	}

	e.policy.Store(compile(p))
	return nil
}

// AllowAll is the evaluator used when no policy file is configured.
type AllowAll struct{}

func (AllowAll) ResolvePrivileges(*model.RequestContext) (model.PrivilegeSet, error) {
	return model.PrivilegeSet{"*": true}, nil
}

func (AllowAll) Sync() error { return nil }
