package brook

import "goa.design/brook/broker"

type (
	// Plan is the compiled form of a model: everything the worker runtime and
	// the API surface need, with all names resolved and the dependency graph
	// proven acyclic.
	Plan struct {
		// Separator joins source id and sequence number in message ids.
		Separator string
		// Inputs lists the input reports.
		Inputs []*InputPlan
		// Fields lists the artificial fields in topological order of their
		// current dependencies.
		Fields []*FieldPlan
		// Outputs lists the output reports.
		Outputs []*OutputPlan
		// HistoryCaps maps each observed field to its ring size, the largest
		// window declared on it across the model.
		HistoryCaps map[string]int
		// Meta carries the frontend field mapping.
		Meta Meta

		fieldsByName map[string]*FieldPlan
	}

	// InputPlan is a compiled input report.
	InputPlan struct {
		// Name is the report and input stream name.
		Name string
		// IDField is the source field carrying the source id.
		IDField string
		// Fields lists the report's wire fields.
		Fields []SourceField
		// Schema is the report's JSON schema document.
		Schema map[string]any
		// Observed lists the report's source fields some artificial field
		// reads history of; the splitter feeds their rings.
		Observed []string
	}

	// FieldPlan is a compiled artificial field.
	FieldPlan struct {
		// Name is the field and sub-stream suffix; unique model-wide.
		Name string
		// Report is the field's report namespace.
		Report string
		// Current lists the current dependencies.
		Current []string
		// History lists the historical dependencies.
		History []HistDep
		// HistFields lists the distinct observed fields, for sub-stream
		// subscriptions and observer-side ring pushes.
		HistFields []string
		// RingCap is the size of this field's own ring, zero when no field
		// observes it.
		RingCap int
		// Fn is the user computation.
		Fn FieldFunc
		// Schema is the field's value schema fragment.
		Schema map[string]any
		// Required reports whether output schemas should require the field.
		Required bool
	}

	// OutputPlan is a compiled output report.
	OutputPlan struct {
		// Name is the output stream and channel name.
		Name string
		// Report is the namespace the referenced fields live in.
		Report string
		// Fields maps output record fields to the fields they take values
		// from.
		Fields []OutField
		// Schema is the output record's JSON schema document.
		Schema map[string]any
	}
)

// Field returns the plan of the named artificial field.
func (p *Plan) Field(name string) (*FieldPlan, bool) {
	fp, ok := p.fieldsByName[name]
	return fp, ok
}

// Layout returns the broker key layout for this plan's separator.
func (p *Plan) Layout() broker.Layout {
	return broker.Layout{Separator: p.Separator}
}

// RingCap returns the ring size of the named field, zero when unobserved.
func (p *Plan) RingCap(field string) int {
	return p.HistoryCaps[field]
}

// ReadStreams lists the sub-streams the field's generator consumes: its
// current dependencies and the fields it observes history of, deduplicated.
func (fp *FieldPlan) ReadStreams(l broker.Layout) []string {
	seen := map[string]bool{}
	var streams []string
	for _, d := range fp.Current {
		s := l.SubStream(fp.Report, d)
		if !seen[s] {
			seen[s] = true
			streams = append(streams, s)
		}
	}
	for _, d := range fp.HistFields {
		s := l.SubStream(fp.Report, d)
		if !seen[s] {
			seen[s] = true
			streams = append(streams, s)
		}
	}
	return streams
}

// IsCurrent reports whether the field is a current dependency.
func (fp *FieldPlan) IsCurrent(field string) bool {
	for _, d := range fp.Current {
		if d == field {
			return true
		}
	}
	return false
}

// Observes reports whether the field reads the given field's history.
func (fp *FieldPlan) Observes(field string) bool {
	for _, d := range fp.HistFields {
		if d == field {
			return true
		}
	}
	return false
}

// Window returns the declared window length for the observed field, zero
// when not observed.
func (fp *FieldPlan) Window(field string) int {
	max := 0
	for _, h := range fp.History {
		if h.Field == field && h.Window > max {
			max = h.Window
		}
	}
	return max
}

// ReadStreams lists the sub-streams the output's resolver consumes.
func (op *OutputPlan) ReadStreams(l broker.Layout) []string {
	seen := map[string]bool{}
	var streams []string
	for _, f := range op.Fields {
		s := l.SubStream(op.Report, f.From)
		if !seen[s] {
			seen[s] = true
			streams = append(streams, s)
		}
	}
	return streams
}

// Sources lists the distinct referenced fields of the output.
func (op *OutputPlan) Sources() []string {
	seen := map[string]bool{}
	var fields []string
	for _, f := range op.Fields {
		if !seen[f.From] {
			seen[f.From] = true
			fields = append(fields, f.From)
		}
	}
	return fields
}
