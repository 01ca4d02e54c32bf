package pagination

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/pitabwire/datagrid/model"
)

// Web API annotation carrying the formatted value of a field.
const formattedValueAnnotation = "@OData.Community.Display.V1.FormattedValue"

// Meta fields that describe the row rather than hold data.
var metaFields = map[string]bool{
	"entityname":  true,
	"logicalname": true,
	"entity_name": true,
}

var titleCaser = cases.Title(language.Und)

// InferColumns derives the column list from one row: every key except the
// id field, entity-name meta fields, raw companions and "@" annotations,
// sorted by name.
func InferColumns(row map[string]any, idField string) []model.Column {
	names := make([]string, 0, len(row))
	for k := range row {
		if skipColumn(k, idField) {
			continue
		}
		names = append(names, k)
	}
	slices.Sort(names)

	cols := make([]model.Column, 0, len(names))
	for i, name := range names {
		cols = append(cols, model.Column{
			Name:             name,
			DisplayName:      Humanize(name),
			Type:             inferType(name, row[name]),
			IsPrimary:        i == 0,
			VisualSizeFactor: 1,
		})
	}
	return cols
}

func skipColumn(name, idField string) bool {
	switch {
	case name == idField:
		return true
	case metaFields[strings.ToLower(name)]:
		return true
	case strings.HasSuffix(name, model.RawSuffix):
		return true
	case strings.Contains(name, "@"):
		return true
	}
	return false
}

// Humanize turns a field name into a display name: underscores become
// spaces and every word is capitalized. Web API lookup names
// ("_parentaccountid_value") lose their wrapping.
func Humanize(name string) string {
	n := strings.TrimSuffix(strings.TrimPrefix(name, "_"), "_value")
	if n == "" {
		n = name
	}
	words := strings.FieldsFunc(n, func(r rune) bool { return r == '_' || r == '-' })
	return titleCaser.String(strings.Join(words, " "))
}

func inferType(name string, v any) model.ColumnType {
	if strings.HasPrefix(name, "_") && strings.HasSuffix(name, "_value") {
		return model.ColumnLookup
	}
	switch val := v.(type) {
	case nil:
		return model.ColumnUnknown
	case bool:
		return model.ColumnBoolean
	case float64, float32, int, int32, int64, json.Number:
		return model.ColumnNumber
	case time.Time:
		return model.ColumnDate
	case string:
		if _, err := time.Parse(time.RFC3339, val); err == nil {
			return model.ColumnDate
		}
		return model.ColumnText
	default:
		return model.ColumnUnknown
	}
}

// toRecord converts a raw row to a record. Web API formatted-value
// annotations become the display value and the original value moves to the
// raw companion field.
func toRecord(row map[string]any, entity, idField string, ordinal int) model.Record {
	values := make(map[string]any, len(row))
	for k, v := range row {
		if strings.Contains(k, "@") {
			continue
		}
		if formatted, ok := row[k+formattedValueAnnotation]; ok {
			values[k] = formatted
			values[k+model.RawSuffix] = v
			continue
		}
		values[k] = v
	}

	id := ""
	if v, ok := row[idField]; ok && v != nil {
		id = fmt.Sprint(v)
	}
	if id == "" {
		id = fmt.Sprintf("%s-%d", entity, ordinal)
	}
	return model.Record{ID: id, EntityName: entity, Values: values}
}
