package openapi

import (
	"reflect"
	"testing"
)

func loadTestIndex(t *testing.T, baseURL string) *Index {
	t.Helper()
	idx := NewIndex()
	if err := idx.LoadFile("testdata/platform.yaml", baseURL); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	return idx
}

func TestIndex_LoadFile(t *testing.T) {
	idx := loadTestIndex(t, "")
	want := []string{"new_ListExports", "new_RecalculateAccount"}
	if got := idx.OperationIDs(); !reflect.DeepEqual(got, want) {
		t.Errorf("OperationIDs() = %v, want %v", got, want)
	}
	if idx.Len() != 2 {
		t.Errorf("Len() = %d, want 2", idx.Len())
	}
}

func TestIndex_Operation(t *testing.T) {
	idx := loadTestIndex(t, "")
	op, ok := idx.Operation("new_RecalculateAccount")
	if !ok {
		t.Fatal("operation not found")
	}
	if op.Method != "POST" || op.Path != "/accounts/{accountId}/recalculate" {
		t.Errorf("op = %s %s", op.Method, op.Path)
	}
	if op.BaseURL != "https://crm.example.com/api/custom" {
		t.Errorf("BaseURL = %q, want the document's server", op.BaseURL)
	}
	if !reflect.DeepEqual(op.PathParams, []string{"accountId"}) {
		t.Errorf("PathParams = %v", op.PathParams)
	}
	if !reflect.DeepEqual(op.QueryParams, []string{"dryRun"}) {
		t.Errorf("QueryParams = %v", op.QueryParams)
	}
	if !op.HasBody || !reflect.DeepEqual(op.Required, []string{"Records", "Mode"}) {
		t.Errorf("body: has=%v required=%v", op.HasBody, op.Required)
	}

	if _, ok := idx.Operation("missing"); ok {
		t.Error("unknown operation found")
	}
}

func TestIndex_baseURLOverride(t *testing.T) {
	idx := loadTestIndex(t, "http://localhost:9000")
	op, _ := idx.Operation("new_ListExports")
	if op.BaseURL != "http://localhost:9000" {
		t.Errorf("BaseURL = %q", op.BaseURL)
	}
}

func TestOperation_MissingRequired(t *testing.T) {
	idx := loadTestIndex(t, "")
	op, _ := idx.Operation("new_RecalculateAccount")
	if got := op.MissingRequired(map[string]any{"Records": []string{"a"}}); !reflect.DeepEqual(got, []string{"Mode"}) {
		t.Errorf("MissingRequired() = %v, want [Mode]", got)
	}
	if got := op.MissingRequired(map[string]any{"Records": nil, "Mode": "full"}); len(got) != 0 {
		t.Errorf("MissingRequired() = %v, want none", got)
	}
}

func TestIndex_LoadData(t *testing.T) {
	doc := []byte(`{"openapi":"3.0.3","info":{"title":"t","version":"1"},"paths":{"/run":{"post":{"operationId":"run","responses":{"200":{"description":"ok"}}}}}}`)
	idx := NewIndex()
	if err := idx.LoadData(doc, "http://x"); err != nil {
		t.Fatalf("LoadData() error = %v", err)
	}
	if _, ok := idx.Operation("run"); !ok {
		t.Error("run not indexed")
	}
}

func TestIndex_errors(t *testing.T) {
	if err := NewIndex().LoadFile("testdata/nonexistent.yaml", ""); err == nil {
		t.Error("LoadFile() with a missing file should fail")
	}
	if err := NewIndex().LoadData([]byte("not: [valid"), ""); err == nil {
		t.Error("LoadData() with invalid YAML should fail")
	}
}

func TestIndex_nil(t *testing.T) {
	var idx *Index
	if _, ok := idx.Operation("x"); ok || idx.Len() != 0 || idx.OperationIDs() != nil {
		t.Error("nil index should be empty")
	}
}
