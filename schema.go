package brook

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// SourceField describes one field of an input report as declared by its
// prototype struct.
type SourceField struct {
	// Name is the wire name of the field.
	Name string
	// Required reports whether the field must be present in input records.
	// Pointer-typed struct fields are optional and nullable.
	Required bool
	// Schema is the field's JSON schema fragment.
	Schema map[string]any
}

var timeType = reflect.TypeOf(time.Time{})

// parseReportStruct reads the prototype struct of an input report and
// returns its wire fields and the declared id field. Field names come from
// `brook` tags; exactly one field must carry the `,id` option.
func parseReportStruct(prototype any) ([]SourceField, string, error) {
	if prototype == nil {
		return nil, "", fmt.Errorf("prototype is nil")
	}
	t := reflect.TypeOf(prototype)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, "", fmt.Errorf("prototype must be a struct, got %s", t.Kind())
	}
	var (
		fields  []SourceField
		idField string
		seen    = map[string]bool{}
	)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		isID := false
		if tag, ok := f.Tag.Lookup("brook"); ok {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "id" {
					isID = true
				}
			}
		}
		if seen[name] {
			return nil, "", fmt.Errorf("duplicate field %q", name)
		}
		seen[name] = true
		required := f.Type.Kind() != reflect.Pointer
		fields = append(fields, SourceField{
			Name:     name,
			Required: required,
			Schema:   schemaForType(f.Type),
		})
		if isID {
			if idField != "" {
				return nil, "", fmt.Errorf("multiple id fields: %q and %q", idField, name)
			}
			idField = name
		}
	}
	if len(fields) == 0 {
		return nil, "", fmt.Errorf("struct %s declares no fields", t.Name())
	}
	if idField == "" {
		return nil, "", fmt.Errorf("struct %s declares no id field (tag a field with `brook:\"name,id\"`)", t.Name())
	}
	return fields, idField, nil
}

// schemaForType maps a Go type to a JSON schema fragment. Pointer types are
// nullable; unrecognized types accept any value.
func schemaForType(t reflect.Type) map[string]any {
	nullable := false
	for t.Kind() == reflect.Pointer {
		nullable = true
		t = t.Elem()
	}
	var s map[string]any
	switch {
	case t == timeType:
		s = map[string]any{"type": "string", "format": "date-time"}
	case t.Kind() >= reflect.Int && t.Kind() <= reflect.Uint64:
		s = map[string]any{"type": "integer"}
	case t.Kind() == reflect.Float32 || t.Kind() == reflect.Float64:
		s = map[string]any{"type": "number"}
	case t.Kind() == reflect.String:
		s = map[string]any{"type": "string"}
	case t.Kind() == reflect.Bool:
		s = map[string]any{"type": "boolean"}
	case t.Kind() == reflect.Slice || t.Kind() == reflect.Array:
		s = map[string]any{"type": "array"}
	case t.Kind() == reflect.Map || t.Kind() == reflect.Struct:
		s = map[string]any{"type": "object"}
	default:
		return map[string]any{}
	}
	if nullable {
		s["type"] = []any{s["type"], "null"}
	}
	return s
}

// objectSchema assembles a JSON schema document for a record with the given
// titled properties.
func objectSchema(title string, properties map[string]any, required []string) map[string]any {
	doc := map[string]any{
		"title":      title,
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}
