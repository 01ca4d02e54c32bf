package command

import (
	"errors"
	"fmt"
	"slices"

	"github.com/pitabwire/datagrid/model"
)

// Catalog holds one frozen registry per configuration scope: the default
// configuration and every entity override.
type Catalog struct {
	defaults *Registry
	entities map[string]*Registry
}

// BuildCatalog registers the custom commands of every scope. All
// definitions are checked before any error is returned, so one load
// reports every broken command.
func BuildCatalog(doc model.EntityConfigDocument) (*Catalog, error) {
	var errs []error

	defaults, err := buildScope(doc.Default.CustomCommands)
	if err != nil {
		errs = append(errs, fmt.Errorf("default: %w", err))
	}

	c := &Catalog{defaults: defaults, entities: make(map[string]*Registry, len(doc.Entities))}
	for entity, override := range doc.Entities {
		merged := doc.Default.Merge(override)
		reg, err := buildScope(merged.CustomCommands)
		if err != nil {
			errs = append(errs, fmt.Errorf("entities.%s: %w", entity, err))
			continue
		}
		c.entities[entity] = reg
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

func buildScope(custom map[string]model.CommandDefinition) (*Registry, error) {
	reg := NewRegistry()
	keys := make([]string, 0, len(custom))
	for k := range custom {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var errs []error
	for _, key := range keys {
		d, err := BuildCustom(key, custom[key])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := reg.Register(d); err != nil {
			errs = append(errs, err)
		}
	}
	reg.Freeze()
	return reg, errors.Join(errs...)
}

// For returns the registry for entity, falling back to the default scope.
func (c *Catalog) For(entity string) *Registry {
	if reg, ok := c.entities[entity]; ok {
		return reg
	}
	return c.defaults
}
