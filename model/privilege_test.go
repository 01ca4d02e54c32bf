package model

import "testing"

func TestPrivilegeSet_Has(t *testing.T) {
	tests := []struct {
		name      string
		set       PrivilegeSet
		privilege string
		want      bool
	}{
		{"exact", PrivilegeSet{"account:delete": true}, "account:delete", true},
		{"missing", PrivilegeSet{"account:read": true}, "account:delete", false},
		{"star", PrivilegeSet{"*": true}, "contact:create", true},
		{"entity wildcard", PrivilegeSet{"account:*": true}, "account:delete", true},
		{"entity wildcard other entity", PrivilegeSet{"account:*": true}, "contact:delete", false},
		{"prefix without wildcard", PrivilegeSet{"account": true}, "account:delete", false},
		{"nil set", nil, "account:read", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.set.Has(tt.privilege); got != tt.want {
				t.Errorf("Has(%q) = %v, want %v", tt.privilege, got, tt.want)
			}
		})
	}
}

func TestPrivilegeSet_HasAll(t *testing.T) {
	ps := PrivilegeSet{"account:read": true, "account:delete": true}
	if !ps.HasAll("account:read", "account:delete") {
		t.Error("HasAll should be true when all are held")
	}
	if ps.HasAll("account:read", "account:create") {
		t.Error("HasAll should be false when one is missing")
	}
	if !ps.HasAll() {
		t.Error("HasAll() with no arguments should be true")
	}
}

func TestEntityPrivilege(t *testing.T) {
	if got := EntityPrivilege("account", PrivilegeDelete); got != "account:delete" {
		t.Errorf("EntityPrivilege = %q", got)
	}
}
