package reconcile

import (
	"errors"
	"fmt"

	"github.com/agentworkforce/leavelink/internal/notion"
)

const (
	RoleIdentifier = "identifier"
	RoleRelation   = "counterpart_relation"
	RoleStatus     = "workflow_status"
)

// DefaultIdentifierLabels are the field names tried, in order, before falling
// back to the first identifier-capable field.
var DefaultIdentifierLabels = []string{
	"الرقم الوظيفي",
	"رقم الموظف",
	"رقم الهوية",
	"Employee ID",
	"Employee Number",
	"ID",
}

const DefaultStatusLabel = "الحالة"

var ErrSchema = errors.New("schema error")

// SchemaError reports a database that cannot be reconciled.
type SchemaError struct {
	DatabaseID string
	Role       string
	Reason     string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("database %s: no usable %s field: %s", e.DatabaseID, e.Role, e.Reason)
}

func (e *SchemaError) Is(target error) bool {
	return target == ErrSchema
}

type DetectPolicy struct {
	IdentifierLabels []string
	StatusLabel      string
	// RelationOverride names the relation field explicitly. It must exist and
	// be a relation.
	RelationOverride string
}

// Roles is the outcome of schema detection for one database. Nil fields were
// not found.
type Roles struct {
	DatabaseID string
	Identifier *notion.Field
	Relation   *notion.Field
	Status     *notion.Field
	// RelationDegraded is set when the relation targets another database than
	// the counterpart.
	RelationDegraded bool
	overrideMissing  bool
	override         string
}

func (r Roles) RequireIdentifier() error {
	if r.Identifier == nil {
		return &SchemaError{DatabaseID: r.DatabaseID, Role: RoleIdentifier, Reason: "no text, number, phone, formula or rollup field"}
	}
	return nil
}

func (r Roles) RequireRelation() error {
	if r.overrideMissing {
		return &SchemaError{DatabaseID: r.DatabaseID, Role: RoleRelation, Reason: fmt.Sprintf("configured field %q is not a relation in this database", r.override)}
	}
	if r.Relation == nil {
		return &SchemaError{DatabaseID: r.DatabaseID, Role: RoleRelation, Reason: "no relation field"}
	}
	return nil
}

// Detect classifies schema fields into roles. Every rule takes the first
// match in declaration order.
func Detect(schema notion.Schema, counterpartID string, policy DetectPolicy) Roles {
	roles := Roles{DatabaseID: schema.ID, override: policy.RelationOverride}
	roles.Relation, roles.RelationDegraded, roles.overrideMissing = detectRelation(schema, counterpartID, policy.RelationOverride)
	roles.Status = detectStatus(schema, policy.StatusLabel)
	roles.Identifier = detectIdentifier(schema, policy.IdentifierLabels)
	return roles
}

func detectRelation(schema notion.Schema, counterpartID, override string) (*notion.Field, bool, bool) {
	if override != "" {
		field, ok := schema.Field(override)
		if !ok || field.Kind != notion.KindRelation {
			return nil, false, true
		}
		return &field, counterpartID != "" && !notion.SameID(field.RelationTarget, counterpartID), false
	}
	var fallback *notion.Field
	for i := range schema.Fields {
		field := schema.Fields[i]
		if field.Kind != notion.KindRelation {
			continue
		}
		if notion.SameID(field.RelationTarget, counterpartID) {
			return &field, false, false
		}
		if fallback == nil {
			fallback = &field
		}
	}
	return fallback, fallback != nil, false
}

func detectStatus(schema notion.Schema, label string) *notion.Field {
	if label != "" {
		if field, ok := schema.Field(label); ok && isStatusKind(field.Kind) {
			return &field
		}
	}
	for _, kind := range []notion.Kind{notion.KindWorkflowStatus, notion.KindSingleChoice} {
		for i := range schema.Fields {
			if schema.Fields[i].Kind == kind {
				field := schema.Fields[i]
				return &field
			}
		}
	}
	return nil
}

func detectIdentifier(schema notion.Schema, labels []string) *notion.Field {
	for _, label := range labels {
		if field, ok := schema.Field(label); ok && isIdentifierKind(field.Kind) {
			return &field
		}
	}
	for i := range schema.Fields {
		if isIdentifierKind(schema.Fields[i].Kind) {
			field := schema.Fields[i]
			return &field
		}
	}
	return nil
}

func isStatusKind(kind notion.Kind) bool {
	return kind == notion.KindWorkflowStatus || kind == notion.KindSingleChoice
}

func isIdentifierKind(kind notion.Kind) bool {
	switch kind {
	case notion.KindPlainText, notion.KindLongText, notion.KindNumber, notion.KindPhone, notion.KindComputed, notion.KindAggregated:
		return true
	}
	return false
}

// FieldName returns the field's name, or "" when f is nil.
func FieldName(f *notion.Field) string {
	if f == nil {
		return ""
	}
	return f.Name
}
