package command

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
)

// Interpolate replaces the message tokens {count}, {selectedCount} and
// {entityName} in template. Replacement is literal; unknown tokens stay as
// written.
func Interpolate(template string, ec *ExecutionContext) string {
	if !strings.Contains(template, "{") {
		return template
	}
	n := strconv.Itoa(len(ec.Selected))
	return strings.NewReplacer(
		"{count}", n,
		"{selectedCount}", n,
		"{entityName}", ec.EntityName,
	).Replace(template)
}

// ExpressionResolver resolves parameter tokens against an execution
// context. Supported tokens:
//
//	{parentRecordId}    parent record id
//	{parentEntityName}  parent entity (also {parentTableName})
//	{entityName}        the view's entity
//	{selectedIds}       selected ids, as a list
//	{firstSelectedId}   first selected id
//	{count}             number of selected records (also {selectedCount})
//	{context.a.b}       lookup in the execution context values
type ExpressionResolver struct {
	ec *ExecutionContext
}

// NewExpressionResolver returns a resolver for ec.
func NewExpressionResolver(ec *ExecutionContext) *ExpressionResolver {
	return &ExpressionResolver{ec: ec}
}

// ResolveParameters resolves every parameter. A string that is exactly one
// token takes the token's value with its type; other strings get each
// token substituted as text. Single-quoted strings are literals and lose
// their quotes. Non-string values pass through.
func (r *ExpressionResolver) ResolveParameters(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = r.resolveValue(v)
	}
	return out
}

func (r *ExpressionResolver) resolveValue(v any) any {
	switch val := v.(type) {
	case string:
		return r.resolveString(val)
	case map[string]any:
		return r.ResolveParameters(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.resolveValue(item)
		}
		return out
	default:
		return v
	}
}

func (r *ExpressionResolver) resolveString(s string) any {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}
	if len(s) > 2 && s[0] == '{' && s[len(s)-1] == '}' && strings.Count(s, "{") == 1 {
		if v, ok := r.Resolve(s[1 : len(s)-1]); ok {
			return v
		}
		return s
	}
	return r.substitute(s)
}

// substitute replaces every resolvable {token} in s with its text form.
func (r *ExpressionResolver) substitute(s string) string {
	var b strings.Builder
	for {
		open := strings.IndexByte(s, '{')
		if open < 0 {
			break
		}
		end := strings.IndexByte(s[open:], '}')
		if end < 0 {
			break
		}
		end += open
		b.WriteString(s[:open])
		if v, ok := r.Resolve(s[open+1 : end]); ok {
			b.WriteString(textOf(v))
		} else {
			b.WriteString(s[open : end+1])
		}
		s = s[end+1:]
	}
	b.WriteString(s)
	return b.String()
}

// Resolve returns the value of one token name (without braces).
func (r *ExpressionResolver) Resolve(token string) (any, bool) {
	ec := r.ec
	switch token {
	case "parentRecordId":
		return ec.ParentID, true
	case "parentEntityName", "parentTableName":
		return ec.ParentEntity, true
	case "entityName":
		return ec.EntityName, true
	case "selectedIds":
		return append([]string{}, ec.Selected...), true
	case "firstSelectedId":
		if len(ec.Selected) == 0 {
			return "", true
		}
		return ec.Selected[0], true
	case "count", "selectedCount":
		return len(ec.Selected), true
	}
	if path, ok := strings.CutPrefix(token, "context."); ok && path != "" {
		v := navigatePath(ec.Values, path)
		return v, v != nil
	}
	return nil, false
}

// navigatePath walks a dot-separated path through nested maps.
func navigatePath(data map[string]any, path string) any {
	var current any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

func textOf(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []string:
		return strings.Join(val, ",")
	default:
		return fmt.Sprint(v)
	}
}

// cloneParams copies a parameter map so descriptors never share it with the
// configuration they were built from.
func cloneParams(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}
