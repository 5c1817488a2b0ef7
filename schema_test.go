package brook

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type vehiclePrototype struct {
	VehicleNumber int       `brook:"vehicle_number,id"`
	Time          time.Time `brook:"time"`
	Lat           float64   `brook:"lat"`
	Lon           *float64  `brook:"lon"`
	Line          string    `brook:"line"`
	Skipped       string    `brook:"-"`
	Untagged      bool
	internal      int
}

func TestParseReportStruct(t *testing.T) {
	fields, idField, err := parseReportStruct(vehiclePrototype{})
	require.NoError(t, err)
	assert.Equal(t, "vehicle_number", idField)

	names := make([]string, 0, len(fields))
	byName := map[string]SourceField{}
	for _, f := range fields {
		names = append(names, f.Name)
		byName[f.Name] = f
	}
	assert.Equal(t, []string{"vehicle_number", "time", "lat", "lon", "line", "Untagged"}, names)
	assert.NotContains(t, byName, "Skipped")
	assert.NotContains(t, byName, "internal")

	assert.True(t, byName["lat"].Required)
	assert.False(t, byName["lon"].Required, "pointer fields are optional")
	assert.Equal(t, map[string]any{"type": "number"}, byName["lat"].Schema)
	assert.Equal(t, map[string]any{"type": []any{"number", "null"}}, byName["lon"].Schema)
	assert.Equal(t, map[string]any{"type": "string", "format": "date-time"}, byName["time"].Schema)

	// Pointer prototypes work the same as values.
	pfields, pid, err := parseReportStruct(&vehiclePrototype{})
	require.NoError(t, err)
	assert.Equal(t, idField, pid)
	assert.Equal(t, fields, pfields)
}

func TestParseReportStructErrors(t *testing.T) {
	_, _, err := parseReportStruct(nil)
	assert.ErrorContains(t, err, "prototype is nil")

	_, _, err = parseReportStruct("not a struct")
	assert.ErrorContains(t, err, "must be a struct")

	type noID struct {
		Lat float64 `brook:"lat"`
	}
	_, _, err = parseReportStruct(noID{})
	assert.ErrorContains(t, err, "no id field")

	type twoIDs struct {
		A string `brook:"a,id"`
		B string `brook:"b,id"`
	}
	_, _, err = parseReportStruct(twoIDs{})
	assert.ErrorContains(t, err, `multiple id fields: "a" and "b"`)

	type duplicate struct {
		A string `brook:"x,id"`
		B string `brook:"x"`
	}
	_, _, err = parseReportStruct(duplicate{})
	assert.ErrorContains(t, err, `duplicate field "x"`)

	type empty struct {
		Skipped string `brook:"-"`
	}
	_, _, err = parseReportStruct(empty{})
	assert.ErrorContains(t, err, "declares no fields")
}

func TestSchemaForType(t *testing.T) {
	cases := []struct {
		name string
		typ  reflect.Type
		want map[string]any
	}{
		{"int", reflect.TypeOf(int(0)), map[string]any{"type": "integer"}},
		{"uint64", reflect.TypeOf(uint64(0)), map[string]any{"type": "integer"}},
		{"float64", reflect.TypeOf(float64(0)), map[string]any{"type": "number"}},
		{"string", reflect.TypeOf(""), map[string]any{"type": "string"}},
		{"bool", reflect.TypeOf(false), map[string]any{"type": "boolean"}},
		{"time", reflect.TypeOf(time.Time{}), map[string]any{"type": "string", "format": "date-time"}},
		{"slice", reflect.TypeOf([]int{}), map[string]any{"type": "array"}},
		{"map", reflect.TypeOf(map[string]int{}), map[string]any{"type": "object"}},
		{"nullable number", reflect.TypeOf((*float64)(nil)), map[string]any{"type": []any{"number", "null"}}},
		{"nullable time", reflect.TypeOf((*time.Time)(nil)), map[string]any{"type": []any{"string", "null"}, "format": "date-time"}},
		{"unrecognized", reflect.TypeOf(make(chan int)), map[string]any{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, schemaForType(tc.typ))
		})
	}
}

func TestObjectSchema(t *testing.T) {
	props := map[string]any{"lat": map[string]any{"type": "number"}}
	doc := objectSchema("vehicle-report", props, []string{"lat"})
	assert.Equal(t, "vehicle-report", doc["title"])
	assert.Equal(t, "object", doc["type"])
	assert.Equal(t, props, doc["properties"])
	assert.Equal(t, []string{"lat"}, doc["required"])

	doc = objectSchema("vehicle-report", props, nil)
	assert.NotContains(t, doc, "required")
}
