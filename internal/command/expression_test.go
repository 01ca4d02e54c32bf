package command

import (
	"reflect"
	"testing"
)

func TestInterpolate(t *testing.T) {
	ec := &ExecutionContext{EntityName: "contact", Selected: []string{"a", "b", "c"}}
	tests := []struct {
		template string
		want     string
	}{
		{"Delete {count} selected items?", "Delete 3 selected items?"},
		{"{selectedCount} {entityName} records", "3 contact records"},
		{"Keep {unknown} as is", "Keep {unknown} as is"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := Interpolate(tt.template, ec); got != tt.want {
			t.Errorf("Interpolate(%q) = %q, want %q", tt.template, got, tt.want)
		}
	}
}

func TestExpressionResolver_Resolve(t *testing.T) {
	ec := &ExecutionContext{
		EntityName:   "contact",
		ParentEntity: "account",
		ParentID:     "acc-1",
		Selected:     []string{"c1", "c2"},
		Values:       map[string]any{"tenantId": "t-1", "claims": map[string]any{"tier": "gold"}},
	}
	r := NewExpressionResolver(ec)
	tests := []struct {
		token string
		want  any
		ok    bool
	}{
		{"parentRecordId", "acc-1", true},
		{"parentEntityName", "account", true},
		{"parentTableName", "account", true},
		{"entityName", "contact", true},
		{"selectedIds", []string{"c1", "c2"}, true},
		{"firstSelectedId", "c1", true},
		{"count", 2, true},
		{"selectedCount", 2, true},
		{"context.tenantId", "t-1", true},
		{"context.claims.tier", "gold", true},
		{"context.claims.missing", nil, false},
		{"nope", nil, false},
	}
	for _, tt := range tests {
		got, ok := r.Resolve(tt.token)
		if ok != tt.ok || !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Resolve(%q) = %v, %v; want %v, %v", tt.token, got, ok, tt.want, tt.ok)
		}
	}
}

func TestExpressionResolver_ResolveParameters(t *testing.T) {
	ec := &ExecutionContext{EntityName: "contact", Selected: []string{"c1"}}
	got := NewExpressionResolver(ec).ResolveParameters(map[string]any{
		"n":      "{count}",
		"text":   "id={firstSelectedId};x={missing}",
		"lit":    "'{count}'",
		"nested": map[string]any{"e": "{entityName}"},
		"list":   []any{"{firstSelectedId}", true},
		"num":    7,
	})
	want := map[string]any{
		"n":      1,
		"text":   "id=c1;x={missing}",
		"lit":    "{count}",
		"nested": map[string]any{"e": "contact"},
		"list":   []any{"c1", true},
		"num":    7,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ResolveParameters() = %#v, want %#v", got, want)
	}
}
