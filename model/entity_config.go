package model

import "maps"

// ViewMode selects the renderer for a view.
type ViewMode string

const (
	ViewGrid ViewMode = "grid"
	ViewList ViewMode = "list"
	ViewCard ViewMode = "card"
)

// Valid reports whether m is a known view mode.
func (m ViewMode) Valid() bool {
	return m == ViewGrid || m == ViewList || m == ViewCard
}

// ScrollBehavior selects how further pages are loaded.
type ScrollBehavior string

const (
	ScrollAuto     ScrollBehavior = "auto"
	ScrollInfinite ScrollBehavior = "infinite"
	ScrollPaged    ScrollBehavior = "paged"
)

// Valid reports whether b is a known scroll behavior.
func (b ScrollBehavior) Valid() bool {
	return b == ScrollAuto || b == ScrollInfinite || b == ScrollPaged
}

// DataSourceMode selects the pagination source variant.
type DataSourceMode string

const (
	DataSourceQuery DataSourceMode = "query"
	DataSourceBound DataSourceMode = "bound"
)

// Defaults applied when neither the default nor the entity configuration
// sets a value.
const (
	DefaultPageSize                = 25
	DefaultVirtualizationThreshold = 100
)

// DataSourceConfig describes where a view's records come from.
type DataSourceConfig struct {
	Mode DataSourceMode `json:"mode,omitempty" yaml:"mode,omitempty"`

	// Query-fetch: a FetchXML document for the Web API driver or a SELECT
	// statement for the PostgreSQL driver. Callers may override it per view.
	Query     string `json:"query,omitempty" yaml:"query,omitempty"`
	EntitySet string `json:"entitySet,omitempty" yaml:"entitySet,omitempty"`
	IDField   string `json:"idField,omitempty" yaml:"idField,omitempty"`

	// Bound: a host-paged endpoint answering page/page_size requests.
	Endpoint  string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	ItemsPath string `json:"itemsPath,omitempty" yaml:"itemsPath,omitempty"`
	TotalPath string `json:"totalPath,omitempty" yaml:"totalPath,omitempty"`
}

// EntityConfig is one configuration object of the entity configuration
// document. Nil fields are unset and inherit from the default configuration.
type EntityConfig struct {
	ViewMode                *ViewMode                    `json:"viewMode,omitempty" yaml:"viewMode,omitempty"`
	EnabledCommands         []string                     `json:"enabledCommands,omitempty" yaml:"enabledCommands,omitempty"`
	CustomCommands          map[string]CommandDefinition `json:"customCommands,omitempty" yaml:"customCommands,omitempty"`
	ScrollBehavior          *ScrollBehavior              `json:"scrollBehavior,omitempty" yaml:"scrollBehavior,omitempty"`
	EnableVirtualization    *bool                        `json:"enableVirtualization,omitempty" yaml:"enableVirtualization,omitempty"`
	VirtualizationThreshold *int                         `json:"virtualizationThreshold,omitempty" yaml:"virtualizationThreshold,omitempty"`
	PageSize                *int                         `json:"pageSize,omitempty" yaml:"pageSize,omitempty"`
	DataSource              *DataSourceConfig            `json:"dataSource,omitempty" yaml:"dataSource,omitempty"`
	DisplayColumns          []string                     `json:"displayColumns,omitempty" yaml:"displayColumns,omitempty"`
}

// EntityConfigDocument is the schema-versioned entity configuration input.
type EntityConfigDocument struct {
	SchemaVersion string                  `json:"schemaVersion" yaml:"schemaVersion"`
	Default       EntityConfig            `json:"default" yaml:"default"`
	Entities      map[string]EntityConfig `json:"entities,omitempty" yaml:"entities,omitempty"`
}

// Merge returns c with every key set in override taking precedence. Keys are
// merged one by one; custom commands are merged by command key so an entity
// can add or replace single commands without restating the rest.
func (c EntityConfig) Merge(override EntityConfig) EntityConfig {
	out := c
	if override.ViewMode != nil {
		out.ViewMode = override.ViewMode
	}
	if override.EnabledCommands != nil {
		out.EnabledCommands = override.EnabledCommands
	}
	if override.CustomCommands != nil {
		merged := make(map[string]CommandDefinition, len(c.CustomCommands)+len(override.CustomCommands))
		maps.Copy(merged, c.CustomCommands)
		maps.Copy(merged, override.CustomCommands)
		out.CustomCommands = merged
	}
	if override.ScrollBehavior != nil {
		out.ScrollBehavior = override.ScrollBehavior
	}
	if override.EnableVirtualization != nil {
		out.EnableVirtualization = override.EnableVirtualization
	}
	if override.VirtualizationThreshold != nil {
		out.VirtualizationThreshold = override.VirtualizationThreshold
	}
	if override.PageSize != nil {
		out.PageSize = override.PageSize
	}
	if override.DataSource != nil {
		out.DataSource = override.DataSource
	}
	if override.DisplayColumns != nil {
		out.DisplayColumns = override.DisplayColumns
	}
	return out
}

// ResolvedConfig is an entity configuration with every default applied.
type ResolvedConfig struct {
	Entity                  string
	ViewMode                ViewMode
	EnabledCommands         []string
	CustomCommands          map[string]CommandDefinition
	ScrollBehavior          ScrollBehavior
	EnableVirtualization    bool
	VirtualizationThreshold int
	PageSize                int
	DataSource              DataSourceConfig
	DisplayColumns          []string
}

// Resolve applies built-in defaults to every unset key.
func (c EntityConfig) Resolve(entity string) ResolvedConfig {
	r := ResolvedConfig{
		Entity:                  entity,
		ViewMode:                ViewGrid,
		EnabledCommands:         c.EnabledCommands,
		CustomCommands:          c.CustomCommands,
		ScrollBehavior:          ScrollAuto,
		EnableVirtualization:    true,
		VirtualizationThreshold: DefaultVirtualizationThreshold,
		PageSize:                DefaultPageSize,
		DisplayColumns:          c.DisplayColumns,
	}
	if c.ViewMode != nil {
		r.ViewMode = *c.ViewMode
	}
	if c.ScrollBehavior != nil {
		r.ScrollBehavior = *c.ScrollBehavior
	}
	if c.EnableVirtualization != nil {
		r.EnableVirtualization = *c.EnableVirtualization
	}
	if c.VirtualizationThreshold != nil {
		r.VirtualizationThreshold = *c.VirtualizationThreshold
	}
	if c.PageSize != nil {
		r.PageSize = *c.PageSize
	}
	if c.DataSource != nil {
		r.DataSource = *c.DataSource
	}
	if r.DataSource.Mode == "" {
		r.DataSource.Mode = DataSourceQuery
	}
	if r.EnabledCommands == nil {
		r.EnabledCommands = []string{"open", "create", "delete", "refresh"}
	}
	return r
}
