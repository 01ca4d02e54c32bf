package definition

import (
	"slices"
	"sync/atomic"
	"time"

	"github.com/pitabwire/datagrid/internal/command"
	"github.com/pitabwire/datagrid/model"
)

// snapshot is an immutable view of one loaded document.
type snapshot struct {
	doc      Document
	resolved map[string]model.ResolvedConfig
	fallback model.ResolvedConfig
	catalog  *command.Catalog
	loadedAt time.Time
}

// Registry is a read-optimized, thread-safe store of the loaded entity
// configuration. It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from doc. The document must already have
// passed validation; command definitions that still fail to build are
// returned as a CONFIG_INVALID error.
func NewRegistry(doc Document) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(doc); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace atomically swaps the registry contents. On error the current
// contents are kept.
func (r *Registry) Replace(doc Document) error {
	catalog, err := command.BuildCatalog(doc.EntityConfigDocument)
	if err != nil {
		return err
	}
	s := &snapshot{
		doc:      doc,
		resolved: make(map[string]model.ResolvedConfig, len(doc.Entities)),
		fallback: doc.Default.Resolve(""),
		catalog:  catalog,
		loadedAt: time.Now(),
	}
	for name, override := range doc.Entities {
		s.resolved[name] = doc.Default.Merge(override).Resolve(name)
	}
	r.snap.Store(s)
	return nil
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Resolve returns the configuration of entity. Entities without an entry
// get the default configuration.
func (r *Registry) Resolve(entity string) model.ResolvedConfig {
	s := r.current()
	if c, ok := s.resolved[entity]; ok {
		return c
	}
	c := s.fallback
	c.Entity = entity
	return c
}

// Commands returns the frozen command registry for entity.
func (r *Registry) Commands(entity string) *command.Registry {
	return r.current().catalog.For(entity)
}

// HasEntity reports whether entity has its own configuration entry.
func (r *Registry) HasEntity(entity string) bool {
	_, ok := r.current().resolved[entity]
	return ok
}

// Entities returns the configured entity names, sorted.
func (r *Registry) Entities() []string {
	s := r.current()
	names := make([]string, 0, len(s.resolved))
	for name := range s.resolved {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SchemaVersion returns the loaded document's schema version.
func (r *Registry) SchemaVersion() string {
	return r.current().doc.SchemaVersion
}

// Checksum returns the checksum of the loaded document.
func (r *Registry) Checksum() string {
	return r.current().doc.Checksum
}

// LoadedAt returns when the current contents were installed.
func (r *Registry) LoadedAt() time.Time {
	return r.current().loadedAt
}

// Load reads, validates and installs the document at path. It is the single
// entry point used at startup and on reload.
func Load(path string, v *Validator) (*Registry, error) {
	doc, err := NewLoader().LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := AsConfigError(v.Validate(doc.EntityConfigDocument)); err != nil {
		return nil, err
	}
	return NewRegistry(doc)
}

// Reload re-reads path into r. Invalid documents leave r unchanged.
func (r *Registry) Reload(path string, v *Validator) error {
	doc, err := NewLoader().LoadFile(path)
	if err != nil {
		return err
	}
	if err := AsConfigError(v.Validate(doc.EntityConfigDocument)); err != nil {
		return err
	}
	return r.Replace(doc)
}
