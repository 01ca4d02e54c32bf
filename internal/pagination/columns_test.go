package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pitabwire/datagrid/model"
)

func TestHumanize(t *testing.T) {
	tests := map[string]string{
		"name":                   "Name",
		"account_number":         "Account Number",
		"_parentaccountid_value": "Parentaccountid",
		"created-on":             "Created On",
	}
	for in, want := range tests {
		assert.Equal(t, want, Humanize(in), in)
	}
}

func TestInferColumns(t *testing.T) {
	row := map[string]any{
		"contactid":              "c-1",
		"fullname":               "Ada",
		"birthdate":              "1815-12-10T00:00:00Z",
		"donotemail":             false,
		"numberofchildren":       float64(2),
		"numberofchildren_raw":   float64(2),
		"_parentcustomerid_value": "acc-1",
		"entityName":             "contact",
		"fullname@OData.Community.Display.V1.FormattedValue": "Ada",
		"description":            nil,
	}
	cols := InferColumns(row, "contactid")

	names := make([]string, len(cols))
	types := map[string]model.ColumnType{}
	for i, c := range cols {
		names[i] = c.Name
		types[c.Name] = c.Type
	}
	assert.Equal(t, []string{"_parentcustomerid_value", "birthdate", "description", "donotemail", "fullname", "numberofchildren"}, names)
	assert.Equal(t, model.ColumnLookup, types["_parentcustomerid_value"])
	assert.Equal(t, model.ColumnDate, types["birthdate"])
	assert.Equal(t, model.ColumnUnknown, types["description"])
	assert.Equal(t, model.ColumnBoolean, types["donotemail"])
	assert.Equal(t, model.ColumnText, types["fullname"])
	assert.Equal(t, model.ColumnNumber, types["numberofchildren"])
	assert.True(t, cols[0].IsPrimary)
}

func TestToRecord_fallbackID(t *testing.T) {
	r := toRecord(map[string]any{"name": "x"}, "lead", "leadid", 7)
	assert.Equal(t, "lead-7", r.ID)
}
