package brook

type (
	// FieldRef points at a field within an output report.
	FieldRef struct {
		// Stream is the output report name.
		Stream string `json:"stream_name"`
		// Field is the field name within the output record.
		Field string `json:"field_name"`
	}

	// Meta tells generic frontends which output fields carry position, time
	// and grouping information. All references are optional; Direction in
	// particular is commonly absent.
	Meta struct {
		Latitude  *FieldRef
		Longitude *FieldRef
		Time      *FieldRef
		Group     *FieldRef
		Direction *FieldRef
	}
)

// Ref builds a reference to a field of an output report.
func Ref(output, field string) *FieldRef {
	return &FieldRef{Stream: output, Field: field}
}

// SetMeta records the frontend field mapping, validated at compile time.
func (b *Brook) SetMeta(m Meta) *Brook {
	b.meta = m
	return b
}
