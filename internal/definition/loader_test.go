package definition

import (
	"testing"

	"github.com/pitabwire/datagrid/model"
)

func TestLoader_LoadFile_yaml(t *testing.T) {
	l := NewLoader()
	doc, err := l.LoadFile("testdata/entities.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if doc.SchemaVersion != "1.0" {
		t.Errorf("SchemaVersion = %q, want 1.0", doc.SchemaVersion)
	}
	if doc.Default.ViewMode == nil || *doc.Default.ViewMode != model.ViewGrid {
		t.Errorf("Default.ViewMode = %v, want grid", doc.Default.ViewMode)
	}
	if len(doc.Entities) != 2 {
		t.Fatalf("Entities = %d, want 2", len(doc.Entities))
	}
	approve, ok := doc.Entities["account"].CustomCommands["approve"]
	if !ok {
		t.Fatal("account.customCommands.approve missing")
	}
	if approve.ActionType != model.ActionAction || approve.ActionName != "new_Approve" {
		t.Errorf("approve = %+v", approve)
	}
	if approve.MaxSelection == nil || *approve.MaxSelection != 10 {
		t.Errorf("approve.MaxSelection = %v, want 10", approve.MaxSelection)
	}
	if doc.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if doc.SourceFile != "testdata/entities.yaml" {
		t.Errorf("SourceFile = %q", doc.SourceFile)
	}
}

func TestLoader_LoadFile_json(t *testing.T) {
	doc, err := NewLoader().LoadFile("testdata/entities.json")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if doc.Default.EnableVirtualization == nil || *doc.Default.EnableVirtualization {
		t.Errorf("Default.EnableVirtualization = %v, want false", doc.Default.EnableVirtualization)
	}
	inc := doc.Entities["incident"]
	if inc.VirtualizationThreshold == nil || *inc.VirtualizationThreshold != 250 {
		t.Errorf("incident.VirtualizationThreshold = %v, want 250", inc.VirtualizationThreshold)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	_, err := NewLoader().LoadFile("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_malformed_json(t *testing.T) {
	_, err := NewLoader().LoadFile("testdata/malformed.json")
	if !model.IsCode(err, model.ErrConfigInvalid) {
		t.Fatalf("LoadFile() error = %v, want CONFIG_INVALID", err)
	}
}

func TestLoader_LoadFile_unknown_key(t *testing.T) {
	_, err := NewLoader().LoadFile("testdata/unknown_key.yaml")
	if !model.IsCode(err, model.ErrConfigInvalid) {
		t.Fatalf("LoadFile() error = %v, want CONFIG_INVALID", err)
	}
}

func TestLoader_Parse_checksum_stable(t *testing.T) {
	l := NewLoader()
	data := []byte(`{"schemaVersion":"1","default":{}}`)
	a, err := l.Parse(data, true)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := l.Parse(data, true)
	c, _ := l.Parse([]byte(`{"schemaVersion":"1.0","default":{}}`), true)
	if a.Checksum != b.Checksum {
		t.Error("same input should give the same checksum")
	}
	if a.Checksum == c.Checksum {
		t.Error("different input should give a different checksum")
	}
}
