package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentworkforce/leavelink/internal/notion"
)

func TestExtract(t *testing.T) {
	str := func(s string) *string { return &s }
	num := func(v float64) *float64 { return &v }

	tests := []struct {
		name string
		prop notion.Property
		want Value
	}{
		{"missing", nil, Value{}},
		{"title runs joined and trimmed", notion.PlainText{Runs: []notion.TextRun{{PlainText: " ١٢"}, {PlainText: "٣ "}}}, Value{Kind: ValueText, Text: "١٢٣"}},
		{"empty rich text", notion.LongText{}, Value{}},
		{"blank rich text", text("   "), Value{}},
		{"number", number(42), Value{Kind: ValueNumber, Number: 42}},
		{"null number", notion.Number{}, Value{}},
		{"phone", notion.Phone{Value: str("+966 55")}, Value{Kind: ValueText, Text: "+966 55"}},
		{"null phone", notion.Phone{}, Value{}},
		{"string formula", notion.Computed{Type: "string", String: str("77")}, Value{Kind: ValueText, Text: "77"}},
		{"number formula", notion.Computed{Type: "number", Number: num(7)}, Value{Kind: ValueNumber, Number: 7}},
		{"boolean formula", notion.Computed{Type: "boolean"}, Value{}},
		{"array rollup uses first item", notion.Aggregated{Items: []notion.Property{title("٥"), text("6")}}, Value{Kind: ValueText, Text: "٥"}},
		{"array rollup first item empty", notion.Aggregated{Items: []notion.Property{notion.Number{}, text("6")}}, Value{}},
		{"numeric rollup", notion.Aggregated{Number: num(9)}, Value{Kind: ValueNumber, Number: 9}},
		{"empty rollup", notion.Aggregated{}, Value{}},
		{"select", notion.SingleChoice{Option: &notion.Option{Name: "سنوية"}}, Value{Kind: ValueText, Text: "سنوية"}},
		{"unset status", notion.WorkflowStatus{}, Value{}},
		{"relation", notion.Relation{IDs: []string{"a", "b"}}, Value{Kind: ValueRefs, Refs: []string{"a", "b"}}},
		{"unsupported", notion.Unsupported{Type: "files"}, Value{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := notion.Record{ID: "r", Properties: map[string]notion.Property{}}
			if tc.prop != nil {
				rec.Properties["f"] = tc.prop
			}
			assert.Equal(t, tc.want, Extract(rec, "f"))
		})
	}
}

func TestExtractEmptyRelationIsPresent(t *testing.T) {
	v := Extract(notion.Record{Properties: map[string]notion.Property{"r": notion.Relation{}}}, "r")
	assert.Equal(t, ValueRefs, v.Kind)
	assert.Empty(t, v.Refs)
}

func TestExtractNilProperties(t *testing.T) {
	assert.False(t, Extract(notion.Record{ID: "r"}, "anything").Present())
}

func TestValueKey(t *testing.T) {
	key, ok := Value{Kind: ValueText, Text: "١٢٣-٤٥"}.Key()
	assert.True(t, ok)
	assert.Equal(t, "12345", key)

	key, ok = Value{Kind: ValueNumber, Number: 123456789}.Key()
	assert.True(t, ok)
	assert.Equal(t, "123456789", key)

	_, ok = Value{Kind: ValueText, Text: "غير معروف"}.Key()
	assert.False(t, ok)

	_, ok = Value{Kind: ValueRefs, Refs: []string{"1"}}.Key()
	assert.False(t, ok)
}
