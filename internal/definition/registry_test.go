package definition

import (
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/pitabwire/datagrid/model"
)

func loadTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Load("testdata/entities.yaml", NewValidator())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return reg
}

func TestRegistry_Resolve(t *testing.T) {
	reg := loadTestRegistry(t)

	account := reg.Resolve("account")
	if account.ViewMode != model.ViewCard {
		t.Errorf("account.ViewMode = %q, want card", account.ViewMode)
	}
	if account.PageSize != 50 {
		t.Errorf("account.PageSize = %d, want the default 50", account.PageSize)
	}
	if !slices.Equal(account.EnabledCommands, []string{"open", "refresh", "export", "approve"}) {
		t.Errorf("account.EnabledCommands = %v", account.EnabledCommands)
	}
	if len(account.CustomCommands) != 2 {
		t.Errorf("account.CustomCommands = %d, want default and entity merged", len(account.CustomCommands))
	}

	contact := reg.Resolve("contact")
	if contact.PageSize != 10 || contact.DataSource.Mode != model.DataSourceBound {
		t.Errorf("contact = %+v", contact)
	}

	unknown := reg.Resolve("lead")
	if unknown.Entity != "lead" || unknown.ViewMode != model.ViewGrid || unknown.PageSize != 50 {
		t.Errorf("lead = %+v, want the default configuration", unknown)
	}
	if unknown.DataSource.Mode != model.DataSourceQuery {
		t.Errorf("lead.DataSource.Mode = %q, want query", unknown.DataSource.Mode)
	}
}

func TestRegistry_Commands(t *testing.T) {
	reg := loadTestRegistry(t)

	account := reg.Commands("account")
	if !account.Frozen() {
		t.Error("command registries must be frozen")
	}
	for _, key := range []string{"open", "delete", "export", "approve"} {
		if _, ok := account.Get(key); !ok {
			t.Errorf("account command %q missing", key)
		}
	}
	if _, ok := reg.Commands("contact").Get("approve"); ok {
		t.Error("approve is scoped to account")
	}
	if _, ok := reg.Commands("lead").Get("export"); !ok {
		t.Error("entities without an entry use the default commands")
	}
}

func TestRegistry_Entities(t *testing.T) {
	reg := loadTestRegistry(t)
	if got := reg.Entities(); !slices.Equal(got, []string{"account", "contact"}) {
		t.Errorf("Entities() = %v", got)
	}
	if !reg.HasEntity("account") || reg.HasEntity("lead") {
		t.Error("HasEntity() mismatch")
	}
	if reg.SchemaVersion() != "1.0" || reg.Checksum() == "" || reg.LoadedAt().IsZero() {
		t.Error("registry metadata not recorded")
	}
}

func TestLoad_invalid(t *testing.T) {
	_, err := Load("testdata/invalid.yaml", NewValidator())
	if !model.IsCode(err, model.ErrConfigInvalid) {
		t.Fatalf("Load() error = %v, want CONFIG_INVALID", err)
	}
	env := err.(*model.ErrorEnvelope)
	if len(env.Details) < 4 {
		t.Errorf("Details = %+v, want every error reported", env.Details)
	}
}

func TestRegistry_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entities.yaml")
	write := func(content string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	write("schemaVersion: \"1\"\ndefault:\n  pageSize: 20\n")
	reg, err := Load(path, NewValidator())
	if err != nil {
		t.Fatal(err)
	}
	before := reg.Checksum()

	write("schemaVersion: \"1\"\ndefault:\n  pageSize: 0\n")
	if err := reg.Reload(path, NewValidator()); err == nil {
		t.Fatal("Reload() of an invalid document should fail")
	}
	if reg.Resolve("x").PageSize != 20 || reg.Checksum() != before {
		t.Error("a failed reload must keep the current contents")
	}

	write("schemaVersion: \"1\"\ndefault:\n  pageSize: 40\n")
	if err := reg.Reload(path, NewValidator()); err != nil {
		t.Fatal(err)
	}
	if reg.Resolve("x").PageSize != 40 {
		t.Errorf("PageSize = %d after reload, want 40", reg.Resolve("x").PageSize)
	}
}

func TestRegistry_concurrentReads(t *testing.T) {
	reg := loadTestRegistry(t)
	doc, err := NewLoader().LoadFile("testdata/entities.json")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_ = reg.Resolve("account")
				_ = reg.Commands("account")
			}
		}()
	}
	for range 10 {
		if err := reg.Replace(doc); err != nil {
			t.Error(err)
		}
	}
	wg.Wait()
}
