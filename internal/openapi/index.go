// Package openapi indexes the platform's OpenAPI document so custom API
// commands can be bound to concrete operations by operationId.
package openapi

import (
	"context"
	"fmt"
	"slices"

	"github.com/getkin/kin-openapi/openapi3"
)

// Operation is one indexed operation.
type Operation struct {
	ID     string
	Method string
	// Path is the path template, e.g. "/accounts/{accountId}/recalculate".
	Path        string
	BaseURL     string
	PathParams  []string
	QueryParams []string
	// Required lists the required top-level properties of the JSON request
	// body.
	Required []string
	HasBody  bool
}

// Index maps operationId to Operation. It is read-only after Load.
type Index struct {
	operations map[string]Operation
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{operations: make(map[string]Operation)}
}

// LoadFile parses and indexes the document at path. baseURL overrides the
// document's first server URL when set.
func (idx *Index) LoadFile(path, baseURL string) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false
	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return fmt.Errorf("openapi: loading %s: %w", path, err)
	}
	return idx.add(doc, baseURL)
}

// LoadData parses and indexes a document held in memory.
func (idx *Index) LoadData(data []byte, baseURL string) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return fmt.Errorf("openapi: parsing document: %w", err)
	}
	return idx.add(doc, baseURL)
}

func (idx *Index) add(doc *openapi3.T, baseURL string) error {
	if err := doc.Validate(context.Background()); err != nil {
		return fmt.Errorf("openapi: validating document: %w", err)
	}
	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}

	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}
			if _, dup := idx.operations[op.OperationID]; dup {
				return fmt.Errorf("openapi: duplicate operationId %q", op.OperationID)
			}

			indexed := Operation{
				ID:      op.OperationID,
				Method:  method,
				Path:    path,
				BaseURL: baseURL,
			}
			// Path-level parameters first, then operation-level ones.
			for _, refs := range []openapi3.Parameters{item.Parameters, op.Parameters} {
				for _, ref := range refs {
					if ref.Value == nil {
						continue
					}
					switch ref.Value.In {
					case openapi3.ParameterInPath:
						indexed.PathParams = append(indexed.PathParams, ref.Value.Name)
					case openapi3.ParameterInQuery:
						indexed.QueryParams = append(indexed.QueryParams, ref.Value.Name)
					}
				}
			}
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				indexed.HasBody = true
				if ct := op.RequestBody.Value.Content.Get("application/json"); ct != nil && ct.Schema != nil && ct.Schema.Value != nil {
					indexed.Required = append([]string(nil), ct.Schema.Value.Required...)
				}
			}
			idx.operations[op.OperationID] = indexed
		}
	}
	return nil
}

// Operation returns the operation with the given id.
func (idx *Index) Operation(id string) (Operation, bool) {
	if idx == nil {
		return Operation{}, false
	}
	op, ok := idx.operations[id]
	return op, ok
}

// OperationIDs returns every indexed operationId, sorted.
func (idx *Index) OperationIDs() []string {
	if idx == nil {
		return nil
	}
	ids := make([]string, 0, len(idx.operations))
	for id := range idx.operations {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of indexed operations.
func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.operations)
}

// MissingRequired returns the required body properties absent from params.
// Path parameters are not body properties and are ignored.
func (op Operation) MissingRequired(params map[string]any) []string {
	var missing []string
	for _, name := range op.Required {
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
