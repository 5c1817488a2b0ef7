package brook

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Compile validates the model and produces an executable plan. It fails on
// unknown field references, current-dependency cycles, history on unknown
// fields, duplicate names, missing id fields and name shapes that would
// collide in the broker's key space. Historical dependencies, including a
// field observing its own history, are exempt from cycle detection.
func (b *Brook) Compile() (*Plan, error) {
	if len(b.separator) != 1 {
		return nil, fmt.Errorf("compile: separator must be a single byte, got %q", b.separator)
	}
	if len(b.inputs) == 0 {
		return nil, fmt.Errorf("compile: model declares no input reports")
	}

	p := &Plan{
		Separator:    b.separator,
		HistoryCaps:  map[string]int{},
		Meta:         b.meta,
		fieldsByName: map[string]*FieldPlan{},
	}

	// Input reports: parse prototypes, collect source field ownership.
	inputsByName := map[string]*InputPlan{}
	sourceOwners := map[string][]string{}
	sourceSpecs := map[string]map[string]SourceField{}
	for _, in := range b.inputs {
		if err := validateName(in.name, b.separator); err != nil {
			return nil, fmt.Errorf("compile: input report %q: %w", in.name, err)
		}
		if _, dup := inputsByName[in.name]; dup {
			return nil, fmt.Errorf("compile: duplicate report name %q", in.name)
		}
		fields, idField, err := parseReportStruct(in.prototype)
		if err != nil {
			return nil, fmt.Errorf("compile: input report %q: %w", in.name, err)
		}
		props := map[string]any{}
		var required []string
		specs := map[string]SourceField{}
		for _, f := range fields {
			if err := validateName(f.Name, b.separator); err != nil {
				return nil, fmt.Errorf("compile: input report %q field %q: %w", in.name, f.Name, err)
			}
			props[f.Name] = f.Schema
			if f.Required {
				required = append(required, f.Name)
			}
			specs[f.Name] = f
			sourceOwners[f.Name] = append(sourceOwners[f.Name], in.name)
		}
		sort.Strings(required)
		ip := &InputPlan{
			Name:    in.name,
			IDField: idField,
			Fields:  fields,
			Schema:  objectSchema(in.name, props, required),
		}
		inputsByName[in.name] = ip
		sourceSpecs[in.name] = specs
		p.Inputs = append(p.Inputs, ip)
	}

	// Artificial fields: uniqueness against every other name kind.
	declsByName := map[string]*fieldDecl{}
	for _, f := range b.fields {
		if err := validateName(f.name, b.separator); err != nil {
			return nil, fmt.Errorf("compile: field %q: %w", f.name, err)
		}
		if _, dup := declsByName[f.name]; dup {
			return nil, fmt.Errorf("compile: duplicate field name %q", f.name)
		}
		if owners := sourceOwners[f.name]; len(owners) > 0 {
			return nil, fmt.Errorf("compile: field %q collides with a source field of report %q", f.name, owners[0])
		}
		if _, dup := inputsByName[f.name]; dup {
			return nil, fmt.Errorf("compile: field %q collides with report name %q", f.name, f.name)
		}
		if f.fn == nil {
			return nil, fmt.Errorf("compile: field %q has no function", f.name)
		}
		if len(f.deps.Current) == 0 {
			return nil, fmt.Errorf("compile: field %q declares no current dependencies; at least one is required to anchor it to a message", f.name)
		}
		for _, h := range f.deps.History {
			if h.Window <= 0 {
				return nil, fmt.Errorf("compile: field %q: history window for %q must be positive, got %d", f.name, h.Field, h.Window)
			}
		}
		declsByName[f.name] = f
	}

	// Cycle detection over current dependencies between artificial fields.
	order, err := topoOrder(b.fields, declsByName)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	// Report namespace assignment in topological order: every dependency of a
	// field must resolve within a single report.
	plansByName := map[string]*FieldPlan{}
	for _, f := range order {
		fp := &FieldPlan{
			Name:     f.name,
			Current:  f.deps.Current,
			History:  f.deps.History,
			Fn:       f.fn,
			Schema:   map[string]any{},
			Required: false,
		}
		if f.typ != nil {
			fp.Schema = schemaForType(reflect.TypeOf(f.typ))
			fp.Required = reflect.TypeOf(f.typ).Kind() != reflect.Pointer
		}
		var candidates []string
		for _, d := range f.deps.Current {
			reports, err := resolveDep(d, f.name, sourceOwners, plansByName)
			if err != nil {
				return nil, fmt.Errorf("compile: %w", err)
			}
			candidates = intersect(candidates, reports)
			if len(candidates) == 0 {
				return nil, fmt.Errorf("compile: dependencies of field %q span multiple reports", f.name)
			}
		}
		if len(candidates) > 1 {
			sort.Strings(candidates)
			return nil, fmt.Errorf("compile: cannot determine report for field %q: dependencies exist in reports %s", f.name, strings.Join(candidates, ", "))
		}
		fp.Report = candidates[0]
		plansByName[f.name] = fp
		p.Fields = append(p.Fields, fp)
		p.fieldsByName[f.name] = fp
	}

	// Historical dependencies: resolve within the field's report, register
	// observers and ring caps.
	for _, fp := range p.Fields {
		seen := map[string]bool{}
		for _, h := range fp.History {
			if h.Field != fp.Name {
				if err := resolveInReport(h.Field, fp.Report, sourceSpecs, plansByName); err != nil {
					return nil, fmt.Errorf("compile: field %q history: %w", fp.Name, err)
				}
			}
			if h.Window > p.HistoryCaps[h.Field] {
				p.HistoryCaps[h.Field] = h.Window
			}
			if !seen[h.Field] {
				seen[h.Field] = true
				fp.HistFields = append(fp.HistFields, h.Field)
			}
		}
	}
	for _, fp := range p.Fields {
		fp.RingCap = p.HistoryCaps[fp.Name]
	}

	// A source field observed for history must live in exactly one report or
	// its ring key is ambiguous.
	for field := range p.HistoryCaps {
		if owners := sourceOwners[field]; len(owners) > 1 {
			sort.Strings(owners)
			return nil, fmt.Errorf("compile: history on field %q is ambiguous: it is declared in reports %s", field, strings.Join(owners, ", "))
		}
	}
	for _, ip := range p.Inputs {
		for _, f := range ip.Fields {
			if p.HistoryCaps[f.Name] > 0 {
				ip.Observed = append(ip.Observed, f.Name)
			}
		}
		sort.Strings(ip.Observed)
	}

	// Output reports.
	outputsByName := map[string]*OutputPlan{}
	for _, out := range b.outputs {
		if err := validateName(out.name, b.separator); err != nil {
			return nil, fmt.Errorf("compile: output %q: %w", out.name, err)
		}
		if _, dup := outputsByName[out.name]; dup {
			return nil, fmt.Errorf("compile: duplicate output name %q", out.name)
		}
		if _, clash := inputsByName[out.name]; clash {
			return nil, fmt.Errorf("compile: output %q collides with report name %q", out.name, out.name)
		}
		if _, clash := plansByName[out.name]; clash {
			return nil, fmt.Errorf("compile: output %q collides with field name %q", out.name, out.name)
		}
		if len(out.fields) == 0 {
			return nil, fmt.Errorf("compile: output %q references no fields", out.name)
		}
		op := &OutputPlan{Name: out.name, Fields: out.fields}
		names := map[string]bool{}
		var candidates []string
		for _, of := range out.fields {
			if names[of.Name] {
				return nil, fmt.Errorf("compile: output %q declares field %q twice", out.name, of.Name)
			}
			names[of.Name] = true
			reports, err := resolveDep(of.From, out.name, sourceOwners, plansByName)
			if err != nil {
				return nil, fmt.Errorf("compile: output %q: %w", out.name, err)
			}
			candidates = intersect(candidates, reports)
			if len(candidates) == 0 {
				return nil, fmt.Errorf("compile: fields of output %q span multiple reports", out.name)
			}
		}
		if len(candidates) > 1 {
			sort.Strings(candidates)
			return nil, fmt.Errorf("compile: cannot determine report for output %q: fields exist in reports %s", out.name, strings.Join(candidates, ", "))
		}
		op.Report = candidates[0]
		props := map[string]any{}
		var required []string
		for _, of := range out.fields {
			if fp, ok := plansByName[of.From]; ok {
				props[of.Name] = fp.Schema
				if fp.Required {
					required = append(required, of.Name)
				}
				continue
			}
			spec := sourceSpecs[op.Report][of.From]
			props[of.Name] = spec.Schema
			if spec.Required {
				required = append(required, of.Name)
			}
		}
		sort.Strings(required)
		op.Schema = objectSchema(out.name, props, required)
		outputsByName[out.name] = op
		p.Outputs = append(p.Outputs, op)
	}

	// Meta references must point at declared output fields.
	for name, ref := range map[string]*FieldRef{
		"latitude":  b.meta.Latitude,
		"longitude": b.meta.Longitude,
		"time":      b.meta.Time,
		"group":     b.meta.Group,
		"direction": b.meta.Direction,
	} {
		if ref == nil {
			continue
		}
		op, ok := outputsByName[ref.Stream]
		if !ok {
			return nil, fmt.Errorf("compile: meta %s field references unknown output %q", name, ref.Stream)
		}
		found := false
		for _, of := range op.Fields {
			if of.Name == ref.Field {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("compile: meta %s field references unknown field %q of output %q", name, ref.Field, ref.Stream)
		}
	}

	return p, nil
}

// topoOrder orders fields so every current dependency on another artificial
// field comes first, or reports the cycle preventing such an order.
func topoOrder(fields []*fieldDecl, decls map[string]*fieldDecl) ([]*fieldDecl, error) {
	indegree := map[string]int{}
	dependents := map[string][]string{}
	for _, f := range fields {
		indegree[f.name] += 0
		for _, d := range f.deps.Current {
			if _, artificial := decls[d]; artificial {
				indegree[f.name]++
				dependents[d] = append(dependents[d], f.name)
			}
		}
	}
	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)
	var order []*fieldDecl
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, decls[name])
		var unlocked []string
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				unlocked = append(unlocked, dep)
			}
		}
		sort.Strings(unlocked)
		ready = append(ready, unlocked...)
	}
	if len(order) < len(fields) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		return nil, fmt.Errorf("dependency cycle: %s", findCycle(stuck, decls))
	}
	return order, nil
}

// findCycle walks the current-dependency edges among the stuck fields and
// formats one cycle as "a -> b -> a".
func findCycle(stuck []string, decls map[string]*fieldDecl) string {
	inStuck := map[string]bool{}
	for _, name := range stuck {
		inStuck[name] = true
	}
	sort.Strings(stuck)
	onStack := map[string]bool{}
	var stack []string
	var walk func(name string) []string
	walk = func(name string) []string {
		if onStack[name] {
			for i, n := range stack {
				if n == name {
					return append(stack[i:], name)
				}
			}
		}
		onStack[name] = true
		stack = append(stack, name)
		for _, d := range decls[name].deps.Current {
			if inStuck[d] {
				if cycle := walk(d); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		onStack[name] = false
		return nil
	}
	for _, name := range stuck {
		stack = stack[:0]
		for k := range onStack {
			delete(onStack, k)
		}
		if cycle := walk(name); cycle != nil {
			return strings.Join(cycle, " -> ")
		}
	}
	return strings.Join(stuck, ", ")
}

// resolveDep maps a dependency name to the reports declaring it, either as a
// source field or as an already-assigned artificial field.
func resolveDep(dep, referrer string, sourceOwners map[string][]string, plans map[string]*FieldPlan) ([]string, error) {
	if fp, ok := plans[dep]; ok {
		return []string{fp.Report}, nil
	}
	if owners := sourceOwners[dep]; len(owners) > 0 {
		return owners, nil
	}
	return nil, fmt.Errorf("unknown field %q referenced by %q", dep, referrer)
}

// resolveInReport checks that the field exists in the given report, as a
// source field or an artificial field assigned to it.
func resolveInReport(field, report string, sourceSpecs map[string]map[string]SourceField, plans map[string]*FieldPlan) error {
	if _, ok := sourceSpecs[report][field]; ok {
		return nil
	}
	if fp, ok := plans[field]; ok && fp.Report == report {
		return nil
	}
	return fmt.Errorf("unknown field %q in report %q", field, report)
}

// intersect narrows candidate report sets; a nil accumulator accepts the
// first set whole.
func intersect(acc, next []string) []string {
	if acc == nil {
		return next
	}
	var out []string
	for _, a := range acc {
		for _, n := range next {
			if a == n {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// validateName rejects names that would collide with the broker layout:
// empty names, names carrying the stream or message separators, whitespace
// and the engine's reserved underscore prefix.
func validateName(name, separator string) error {
	switch {
	case name == "":
		return fmt.Errorf("name is empty")
	case strings.Contains(name, ":"):
		return fmt.Errorf("name must not contain ':'")
	case strings.Contains(name, separator):
		return fmt.Errorf("name must not contain the message separator %q", separator)
	case strings.ContainsAny(name, " \t\n"):
		return fmt.Errorf("name must not contain whitespace")
	case strings.HasPrefix(name, "_"):
		return fmt.Errorf("names starting with '_' are reserved")
	}
	return nil
}
