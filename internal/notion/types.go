package notion

import "strings"

// Kind is the declared type of a database field, named after the store's wire
// type so it can be used directly in filters and payloads.
type Kind string

const (
	KindPlainText      Kind = "title"
	KindLongText       Kind = "rich_text"
	KindNumber         Kind = "number"
	KindPhone          Kind = "phone_number"
	KindComputed       Kind = "formula"
	KindAggregated     Kind = "rollup"
	KindSingleChoice   Kind = "select"
	KindWorkflowStatus Kind = "status"
	KindRelation       Kind = "relation"
	KindUnsupported    Kind = ""
)

func (k Kind) String() string {
	if k == KindUnsupported {
		return "unsupported"
	}
	return string(k)
}

// Property is a typed value held by a record field. The set of variants is
// closed; callers switch on the concrete type.
type Property interface {
	Kind() Kind
	isProperty()
}

type TextRun struct {
	PlainText string
}

// PlainText is a single-line title field.
type PlainText struct {
	Runs []TextRun
}

// LongText is a rich text field.
type LongText struct {
	Runs []TextRun
}

type Number struct {
	Value *float64
}

type Phone struct {
	Value *string
}

// Computed is a formula result. Type is the formula's own tag; only "string"
// and "number" results carry a value the extractor understands.
type Computed struct {
	Type   string
	String *string
	Number *float64
}

// Aggregated is a rollup. Array rollups carry Items, numeric rollups carry
// Number.
type Aggregated struct {
	Items  []Property
	Number *float64
}

type Option struct {
	ID   string
	Name string
}

type SingleChoice struct {
	Option *Option
}

type WorkflowStatus struct {
	Option *Option
}

// Relation lists linked record IDs in store order.
type Relation struct {
	IDs []string
}

// Unsupported is any wire type this package does not model.
type Unsupported struct {
	Type string
}

func (PlainText) Kind() Kind      { return KindPlainText }
func (LongText) Kind() Kind       { return KindLongText }
func (Number) Kind() Kind         { return KindNumber }
func (Phone) Kind() Kind          { return KindPhone }
func (Computed) Kind() Kind       { return KindComputed }
func (Aggregated) Kind() Kind     { return KindAggregated }
func (SingleChoice) Kind() Kind   { return KindSingleChoice }
func (WorkflowStatus) Kind() Kind { return KindWorkflowStatus }
func (Relation) Kind() Kind       { return KindRelation }
func (Unsupported) Kind() Kind    { return KindUnsupported }

func (PlainText) isProperty()      {}
func (LongText) isProperty()       {}
func (Number) isProperty()         {}
func (Phone) isProperty()          {}
func (Computed) isProperty()       {}
func (Aggregated) isProperty()     {}
func (SingleChoice) isProperty()   {}
func (WorkflowStatus) isProperty() {}
func (Relation) isProperty()       {}
func (Unsupported) isProperty()    {}

// Record is one page of a database.
type Record struct {
	ID         string
	Properties map[string]Property
}

// StatusGroup is a semantic bucket of workflow status options.
type StatusGroup struct {
	Name      string
	OptionIDs []string
}

// Field describes one database column.
type Field struct {
	ID             string
	Name           string
	Kind           Kind
	RelationTarget string
	Options        []Option
	Groups         []StatusGroup
}

// Schema is a database's field catalog in declaration order.
type Schema struct {
	ID     string
	Title  string
	Fields []Field
}

func (s Schema) Field(name string) (Field, bool) {
	for _, field := range s.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return Field{}, false
}

// HasOption reports whether name is one of the field's options.
func (f Field) HasOption(name string) bool {
	for _, opt := range f.Options {
		if opt.Name == name {
			return true
		}
	}
	return false
}

// GroupOptions returns the field's options belonging to group, in option order.
func (f Field) GroupOptions(group string) []Option {
	var ids map[string]struct{}
	for _, g := range f.Groups {
		if strings.EqualFold(strings.TrimSpace(g.Name), strings.TrimSpace(group)) {
			ids = make(map[string]struct{}, len(g.OptionIDs))
			for _, id := range g.OptionIDs {
				ids[id] = struct{}{}
			}
			break
		}
	}
	if ids == nil {
		return nil
	}
	out := make([]Option, 0, len(ids))
	for _, opt := range f.Options {
		if _, ok := ids[opt.ID]; ok {
			out = append(out, opt)
		}
	}
	return out
}

const (
	FilterIsEmpty    = "is_empty"
	FilterIsNotEmpty = "is_not_empty"
)

// Filter is a single-field predicate understood by QueryDatabase.
type Filter struct {
	Property string
	Kind     Kind
	Operator string
}

type QueryRequest struct {
	StartCursor string
	PageSize    int
	Filter      *Filter
}

type QueryResult struct {
	Records    []Record
	HasMore    bool
	NextCursor string
}

// SameID compares two store identifiers, ignoring dashes and case.
func SameID(a, b string) bool {
	return canonicalID(a) == canonicalID(b)
}

func canonicalID(id string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(id), "-", ""))
}
