package metadata

import (
	"fmt"

	"github.com/pitabwire/datagrid/internal/definition"
	"github.com/pitabwire/datagrid/internal/pagination"
	"github.com/pitabwire/datagrid/model"
)

// ColumnDescriptor is one configured or discovered column.
type ColumnDescriptor struct {
	Name  string           `json:"name"`
	Label string           `json:"label"`
	Type  model.ColumnType `json:"type,omitempty"`
}

// ViewDescriptor is the resolved presentation of an entity's view.
type ViewDescriptor struct {
	Entity                  string               `json:"entity"`
	ViewMode                model.ViewMode       `json:"view_mode"`
	ScrollBehavior          model.ScrollBehavior `json:"scroll_behavior"`
	PageSize                int                  `json:"page_size"`
	EnableVirtualization    bool                 `json:"enable_virtualization"`
	VirtualizationThreshold int                  `json:"virtualization_threshold"`
	DataSource              model.DataSourceMode `json:"data_source"`
	Columns                 []ColumnDescriptor   `json:"columns"`
	Commands                []CommandItem        `json:"commands"`
}

// DescriptorProvider resolves view descriptors from the definition
// registry.
type DescriptorProvider struct {
	registry *definition.Registry
	commands *CommandBarProvider
}

// NewDescriptorProvider creates a DescriptorProvider backed by registry.
func NewDescriptorProvider(registry *definition.Registry, commands *CommandBarProvider) *DescriptorProvider {
	return &DescriptorProvider{registry: registry, commands: commands}
}

// GetDescriptor resolves the descriptor of entity for a caller holding
// privileges. Columns come from displayColumns when configured and from
// discovered, the source's columns, otherwise. Returns an error with code
// FORBIDDEN when the caller may not read the entity.
func (p *DescriptorProvider) GetDescriptor(
	entity string,
	privileges model.PrivilegeChecker,
	discovered []model.Column,
	selected []string,
) (ViewDescriptor, error) {
	if privileges != nil && !privileges.HasAll(model.EntityPrivilege(entity, model.PrivilegeRead)) {
		return ViewDescriptor{}, model.NewForbiddenError(
			fmt.Sprintf("insufficient privileges for entity %q", entity),
		)
	}

	rc := p.registry.Resolve(entity)
	desc := ViewDescriptor{
		Entity:                  entity,
		ViewMode:                rc.ViewMode,
		ScrollBehavior:          rc.ScrollBehavior,
		PageSize:                rc.PageSize,
		EnableVirtualization:    rc.EnableVirtualization,
		VirtualizationThreshold: rc.VirtualizationThreshold,
		DataSource:              rc.DataSource.Mode,
		Columns:                 resolveColumns(rc.DisplayColumns, discovered),
	}
	desc.Commands = p.commands.Resolve(p.registry.Commands(entity), rc.EnabledCommands, entity, privileges, selected)
	return desc, nil
}

func resolveColumns(display []string, discovered []model.Column) []ColumnDescriptor {
	byName := make(map[string]model.Column, len(discovered))
	for _, c := range discovered {
		byName[c.Name] = c
	}

	if len(display) > 0 {
		cols := make([]ColumnDescriptor, 0, len(display))
		for _, name := range display {
			cd := ColumnDescriptor{Name: name, Label: pagination.Humanize(name)}
			if c, ok := byName[name]; ok {
				cd.Label, cd.Type = c.DisplayName, c.Type
			}
			cols = append(cols, cd)
		}
		return cols
	}

	cols := make([]ColumnDescriptor, 0, len(discovered))
	for _, c := range discovered {
		if c.Hidden {
			continue
		}
		cols = append(cols, ColumnDescriptor{Name: c.Name, Label: c.DisplayName, Type: c.Type})
	}
	return cols
}
