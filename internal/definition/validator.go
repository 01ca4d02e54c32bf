package definition

import (
	"fmt"
	"slices"

	"github.com/pitabwire/datagrid/internal/command"
	"github.com/pitabwire/datagrid/internal/openapi"
	"github.com/pitabwire/datagrid/model"
)

// SupportedSchemaVersions lists the document versions this build reads.
var SupportedSchemaVersions = []string{"1", "1.0"}

// Upper bounds for numeric settings.
const (
	MaxPageSize                = 5000
	MaxVirtualizationThreshold = 100000
)

// VError describes a single validation error in a document.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// FunctionSet reports whether a function is registered.
type FunctionSet interface {
	Has(name string) bool
}

// Validator validates documents structurally and, when configured, against
// the platform's custom API operations and the registered functions.
type Validator struct {
	operations *openapi.Index
	functions  FunctionSet
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithOperations checks customApi targets against idx. An empty index skips
// the check.
func WithOperations(idx *openapi.Index) ValidatorOption {
	return func(v *Validator) { v.operations = idx }
}

// WithFunctions checks function targets against fs.
func WithFunctions(fs FunctionSet) ValidatorOption {
	return func(v *Validator) { v.functions = fs }
}

// NewValidator creates a new Validator.
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks the whole document and returns every error found.
func (v *Validator) Validate(doc model.EntityConfigDocument) []VError {
	var errs []VError

	if doc.SchemaVersion == "" {
		errs = append(errs, VError{Path: "schemaVersion", Code: "REQUIRED", Message: "schemaVersion is required"})
	} else if !slices.Contains(SupportedSchemaVersions, doc.SchemaVersion) {
		errs = append(errs, VError{
			Path:    "schemaVersion",
			Code:    "UNSUPPORTED_VERSION",
			Message: fmt.Sprintf("schema version %q is not supported", doc.SchemaVersion),
		})
	}

	errs = append(errs, v.validateConfig("default", doc.Default, doc.Default.CustomCommands)...)

	for _, name := range sortedKeys(doc.Entities) {
		prefix := "entities." + name
		if name == "" {
			errs = append(errs, VError{Path: "entities", Code: "REQUIRED", Message: "entity name must not be empty"})
			continue
		}
		override := doc.Entities[name]
		merged := doc.Default.Merge(override)
		errs = append(errs, v.validateConfig(prefix, override, merged.CustomCommands)...)
	}
	return errs
}

// validateConfig checks the keys set in c. Enabled commands are resolved
// against the built-ins and custom, the custom commands in scope.
func (v *Validator) validateConfig(prefix string, c model.EntityConfig, custom map[string]model.CommandDefinition) []VError {
	var errs []VError

	if c.ViewMode != nil && !c.ViewMode.Valid() {
		errs = append(errs, VError{
			Path:    prefix + ".viewMode",
			Code:    "INVALID_ENUM",
			Message: fmt.Sprintf("viewMode %q must be grid, list or card", *c.ViewMode),
		})
	}
	if c.ScrollBehavior != nil && !c.ScrollBehavior.Valid() {
		errs = append(errs, VError{
			Path:    prefix + ".scrollBehavior",
			Code:    "INVALID_ENUM",
			Message: fmt.Sprintf("scrollBehavior %q must be auto, infinite or paged", *c.ScrollBehavior),
		})
	}
	if c.PageSize != nil && (*c.PageSize < 1 || *c.PageSize > MaxPageSize) {
		errs = append(errs, VError{
			Path:    prefix + ".pageSize",
			Code:    "INVALID_RANGE",
			Message: fmt.Sprintf("pageSize must be between 1 and %d", MaxPageSize),
		})
	}
	if c.VirtualizationThreshold != nil && (*c.VirtualizationThreshold < 1 || *c.VirtualizationThreshold > MaxVirtualizationThreshold) {
		errs = append(errs, VError{
			Path:    prefix + ".virtualizationThreshold",
			Code:    "INVALID_RANGE",
			Message: fmt.Sprintf("virtualizationThreshold must be between 1 and %d", MaxVirtualizationThreshold),
		})
	}
	if c.DataSource != nil {
		errs = append(errs, validateDataSource(prefix+".dataSource", *c.DataSource)...)
	}

	seen := make(map[string]bool, len(c.EnabledCommands))
	for i, key := range c.EnabledCommands {
		path := fmt.Sprintf("%s.enabledCommands[%d]", prefix, i)
		if seen[key] {
			errs = append(errs, VError{Path: path, Code: "DUPLICATE", Message: fmt.Sprintf("command %q is listed twice", key)})
			continue
		}
		seen[key] = true
		if _, ok := custom[key]; ok || isBuiltin(key) {
			continue
		}
		errs = append(errs, VError{Path: path, Code: "UNKNOWN_COMMAND", Message: fmt.Sprintf("command %q is not defined", key)})
	}

	for _, key := range sortedKeys(c.CustomCommands) {
		errs = append(errs, v.validateCommand(prefix+".customCommands."+key, key, c.CustomCommands[key])...)
	}
	return errs
}

func validateDataSource(prefix string, ds model.DataSourceConfig) []VError {
	switch ds.Mode {
	case "", model.DataSourceQuery:
		return nil
	case model.DataSourceBound:
		if ds.Endpoint == "" {
			return []VError{{Path: prefix + ".endpoint", Code: "REQUIRED", Message: "a bound data source needs an endpoint"}}
		}
		return nil
	default:
		return []VError{{
			Path:    prefix + ".mode",
			Code:    "INVALID_ENUM",
			Message: fmt.Sprintf("mode %q must be query or bound", ds.Mode),
		}}
	}
}

func (v *Validator) validateCommand(prefix, key string, def model.CommandDefinition) []VError {
	var errs []VError
	if def.ActionType == "" {
		return append(errs, VError{Path: prefix + ".actionType", Code: "REQUIRED", Message: "actionType is required"})
	}
	if !def.ActionType.Custom() {
		return append(errs, VError{
			Path:    prefix + ".actionType",
			Code:    "INVALID_ENUM",
			Message: fmt.Sprintf("unknown action type %q", def.ActionType),
		})
	}

	target := def.Target()
	if target == "" {
		return append(errs, VError{Path: prefix, Code: "REQUIRED", Message: fmt.Sprintf("%s command needs a target", def.ActionType)})
	}
	if def.MinSelection != nil && *def.MinSelection < 0 {
		errs = append(errs, VError{Path: prefix + ".minSelection", Code: "INVALID_RANGE", Message: "minSelection must not be negative"})
	}
	if def.MaxSelection != nil && *def.MaxSelection < 0 {
		errs = append(errs, VError{Path: prefix + ".maxSelection", Code: "INVALID_RANGE", Message: "maxSelection must not be negative"})
	}
	if def.MinSelection != nil && def.MaxSelection != nil && *def.MinSelection > *def.MaxSelection {
		errs = append(errs, VError{Path: prefix + ".minSelection", Code: "INVALID_RANGE", Message: "minSelection exceeds maxSelection"})
	}

	switch def.ActionType {
	case model.ActionCustomAPI:
		if v.operations.Len() > 0 {
			if _, ok := v.operations.Operation(target); !ok {
				errs = append(errs, VError{
					Path:    prefix + ".actionName",
					Code:    "UNKNOWN_OPERATION",
					Message: fmt.Sprintf("custom API %q is not in the platform OpenAPI document", target),
				})
			}
		}
	case model.ActionFunction:
		if v.functions != nil && !v.functions.Has(target) {
			errs = append(errs, VError{
				Path:    prefix + ".functionName",
				Code:    "UNKNOWN_FUNCTION",
				Message: fmt.Sprintf("function %q is not registered", target),
			})
		}
	}
	return errs
}

func isBuiltin(key string) bool {
	switch key {
	case command.KeyOpen, command.KeyCreate, command.KeyDelete, command.KeyRefresh:
		return true
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// AsConfigError folds validation errors into one CONFIG_INVALID envelope.
// It returns nil for an empty list.
func AsConfigError(errs []VError) error {
	if len(errs) == 0 {
		return nil
	}
	details := make([]model.FieldError, len(errs))
	for i, e := range errs {
		details[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return model.NewConfigError(fmt.Sprintf("entity configuration has %d error(s); first: %s", len(errs), errs[0].Error()), details...)
}
