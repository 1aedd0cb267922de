package reconcile

import (
	"strings"

	"github.com/agentworkforce/leavelink/internal/normalize"
	"github.com/agentworkforce/leavelink/internal/notion"
)

type ValueKind int

const (
	ValueAbsent ValueKind = iota
	ValueText
	ValueNumber
	ValueRefs
)

// Value is a property reduced to the scalar the reconciler compares.
type Value struct {
	Kind   ValueKind
	Text   string
	Number float64
	Refs   []string
}

func (v Value) Present() bool {
	return v.Kind != ValueAbsent
}

// Key normalizes a text or number value to a canonical identifier key.
func (v Value) Key() (string, bool) {
	switch v.Kind {
	case ValueText:
		return normalize.Key(v.Text)
	case ValueNumber:
		return normalize.Number(v.Number)
	default:
		return "", false
	}
}

// Extract reads field from rec. A missing field, an unset value, or a kind
// without a readable scalar yields an absent Value.
func Extract(rec notion.Record, field string) Value {
	if rec.Properties == nil {
		return Value{}
	}
	return extractProperty(rec.Properties[field])
}

func extractProperty(prop notion.Property) Value {
	switch p := prop.(type) {
	case notion.PlainText:
		return textValue(joinRuns(p.Runs))
	case notion.LongText:
		return textValue(joinRuns(p.Runs))
	case notion.Number:
		return numberValue(p.Value)
	case notion.Phone:
		if p.Value == nil {
			return Value{}
		}
		return textValue(*p.Value)
	case notion.Computed:
		switch p.Type {
		case "string":
			if p.String == nil {
				return Value{}
			}
			return textValue(*p.String)
		case "number":
			return numberValue(p.Number)
		}
		return Value{}
	case notion.Aggregated:
		if len(p.Items) > 0 {
			return extractProperty(p.Items[0])
		}
		return numberValue(p.Number)
	case notion.SingleChoice:
		return optionValue(p.Option)
	case notion.WorkflowStatus:
		return optionValue(p.Option)
	case notion.Relation:
		return Value{Kind: ValueRefs, Refs: append([]string(nil), p.IDs...)}
	default:
		return Value{}
	}
}

func joinRuns(runs []notion.TextRun) string {
	var b strings.Builder
	for _, run := range runs {
		b.WriteString(run.PlainText)
	}
	return b.String()
}

func textValue(s string) Value {
	s = strings.TrimSpace(s)
	if s == "" {
		return Value{}
	}
	return Value{Kind: ValueText, Text: s}
}

func numberValue(n *float64) Value {
	if n == nil {
		return Value{}
	}
	return Value{Kind: ValueNumber, Number: *n}
}

func optionValue(opt *notion.Option) Value {
	if opt == nil {
		return Value{}
	}
	return textValue(opt.Name)
}
