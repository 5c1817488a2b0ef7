// Package brook is a declarative stream-processing framework for device
// telemetry. Users describe typed input reports, artificial fields derived
// from them (optionally with bounded per-source history) and typed output
// reports; the engine compiles the description into a set of Redis stream
// consumers that split inputs into per-field sub-streams, join fields by
// message identity, invoke user computations once per message and publish
// complete output records.
//
// A model is built by registering reports and fields on a Brook value:
//
//	b := brook.New()
//	b.Input("vehicle-report", VehicleReport{})
//	b.Field("direction", brook.Deps{
//		Current: []string{"lat", "lon"},
//		History: []brook.HistDep{{Field: "lat", Window: 1}, {Field: "lon", Window: 1}},
//	}, computeDirection)
//	b.Output("location-report", brook.Take("vehicle_number"), brook.Take("lat"), brook.Take("lon"))
//	plan, err := b.Compile()
//
// The plan feeds the worker runtime (package worker) and the HTTP/WebSocket
// surface (package api).
package brook

import (
	"context"

	"goa.design/brook/broker"
)

type (
	// Brook is the model registry. It collects report and field declarations
	// and compiles them into an executable plan. Registration methods record
	// declarations only; all validation happens in Compile so models can be
	// assembled in any order.
	Brook struct {
		separator string
		inputs    []*inputDecl
		fields    []*fieldDecl
		outputs   []*outputDecl
		meta      Meta
	}

	// Value is a field value in its broker encoding. It aliases the broker
	// type so user functions need only this package.
	Value = broker.Value

	// FieldFunc computes an artificial field for one message once all its
	// dependencies are available. Returning an error (or panicking) moves the
	// message to the dead-letter stream for that field; returning a nil value
	// publishes JSON null.
	FieldFunc func(ctx context.Context, in FieldInput) (any, error)

	// FieldInput carries the resolved dependencies of one invocation.
	FieldInput struct {
		// MessageID is the message being computed.
		MessageID string
		// SourceID is the device the message belongs to.
		SourceID string
		// Seq is the per-source sequence number of the message.
		Seq uint64
		// Current maps current dependency names to their values for this
		// message.
		Current map[string]Value
		// History maps historical dependency names to their windows, oldest
		// first, exactly as long as declared, with nulls for slots that
		// precede the source's first message.
		History map[string][]Value
	}

	// Deps declares what an artificial field consumes.
	Deps struct {
		// Current lists fields whose value for the same message is required.
		// Every artificial field must declare at least one current dependency
		// to anchor it to the message being processed.
		Current []string
		// History lists fields whose recent per-source values are required.
		History []HistDep
	}

	// HistDep declares a historical dependency: a fixed-length window of the
	// most recent values of Field for the same source, not including the
	// message being computed.
	HistDep struct {
		// Field is the observed field. A field may observe its own history.
		Field string
		// Window is the number of prior values delivered, most recent last.
		Window int
	}

	// OutField maps one output report field to the source or artificial field
	// it takes its value from.
	OutField struct {
		// Name is the field's name in the output record.
		Name string
		// From is the referenced source or artificial field.
		From string
	}

	inputDecl struct {
		name      string
		prototype any
	}

	fieldDecl struct {
		name string
		deps Deps
		fn   FieldFunc
		typ  any
	}

	outputDecl struct {
		name   string
		fields []OutField
	}
)

// Option configures a Brook registry.
type Option func(*Brook)

// WithSeparator overrides the byte joining source id and sequence number in
// message ids. It must be a single byte that never appears in source ids.
func WithSeparator(sep string) Option {
	return func(b *Brook) { b.separator = sep }
}

// New returns an empty model registry.
func New(opts ...Option) *Brook {
	b := &Brook{separator: broker.DefaultSeparator}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Input registers an input report. The prototype is a struct whose fields
// carry `brook:"name"` tags naming the wire fields; exactly one field must
// carry the `,id` option marking the source id. The report name is also the
// input stream name.
func (b *Brook) Input(name string, prototype any) *Brook {
	b.inputs = append(b.inputs, &inputDecl{name: name, prototype: prototype})
	return b
}

// FieldOption configures an artificial field declaration.
type FieldOption func(*fieldDecl)

// FieldType declares the value type of an artificial field for schema
// generation, as a prototype value. A pointer prototype marks the field
// nullable. Without it the field's schema accepts any JSON value.
func FieldType(prototype any) FieldOption {
	return func(d *fieldDecl) { d.typ = prototype }
}

// Field registers an artificial field computed by fn from the declared
// dependencies. The name must be unique across the whole model; it is also
// the field's sub-stream suffix.
func (b *Brook) Field(name string, deps Deps, fn FieldFunc, opts ...FieldOption) *Brook {
	d := &fieldDecl{name: name, deps: deps, fn: fn}
	for _, opt := range opts {
		opt(d)
	}
	b.fields = append(b.fields, d)
	return b
}

// Output registers an output report assembled from the referenced fields.
// The report name is also the output stream and channel name.
func (b *Brook) Output(name string, fields ...OutField) *Brook {
	b.outputs = append(b.outputs, &outputDecl{name: name, fields: fields})
	return b
}

// Take references a field under its own name.
func Take(field string) OutField {
	return OutField{Name: field, From: field}
}

// TakeAs references a field under a different output name.
func TakeAs(field, name string) OutField {
	return OutField{Name: name, From: field}
}

// Value returns the named current dependency value. Panics if the field
// was not declared; declared dependencies are always present at invocation.
func (in FieldInput) Value(field string) Value {
	v, ok := in.Current[field]
	if !ok {
		panic("undeclared current dependency: " + field)
	}
	return v
}

// Float64 decodes the named current dependency as a JSON number.
func (in FieldInput) Float64(field string) (float64, error) {
	return in.Value(field).Float64()
}

// Window returns the named historical dependency window. Panics if the
// window was not declared.
func (in FieldInput) Window(field string) []Value {
	w, ok := in.History[field]
	if !ok {
		panic("undeclared historical dependency: " + field)
	}
	return w
}
