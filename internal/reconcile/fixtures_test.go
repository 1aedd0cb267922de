package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/leavelink/internal/notion"
	"github.com/agentworkforce/leavelink/internal/retry"
)

const (
	employeesDB = "emp-db"
	leaveDB     = "leave-db"
	otherDB     = "other-db"
)

func title(s string) notion.Property {
	return notion.PlainText{Runs: []notion.TextRun{{PlainText: s}}}
}

func text(s string) notion.Property {
	return notion.LongText{Runs: []notion.TextRun{{PlainText: s}}}
}

func number(v float64) notion.Property {
	return notion.Number{Value: &v}
}

func status(name string) notion.Property {
	return notion.WorkflowStatus{Option: &notion.Option{Name: name}}
}

func employeesSchema() notion.Schema {
	return notion.Schema{
		ID:    employeesDB,
		Title: "الموظفون",
		Fields: []notion.Field{
			{Name: "الاسم", Kind: notion.KindPlainText},
			{Name: "الرقم الوظيفي", Kind: notion.KindLongText},
		},
	}
}

func leaveSchema() notion.Schema {
	return notion.Schema{
		ID:    leaveDB,
		Title: "طلبات الإجازة",
		Fields: []notion.Field{
			{Name: "الطلب", Kind: notion.KindPlainText},
			{Name: "الرقم الوظيفي", Kind: notion.KindLongText},
			{Name: "الموظف", Kind: notion.KindRelation, RelationTarget: employeesDB},
			{
				Name: "الحالة",
				Kind: notion.KindWorkflowStatus,
				Options: []notion.Option{
					{ID: "s1", Name: "قيد الانتظار"},
					{ID: "s2", Name: "موافقة"},
					{ID: "s3", Name: "مرفوضة"},
				},
				Groups: []notion.StatusGroup{
					{Name: "To-do", OptionIDs: []string{"s1"}},
					{Name: "Complete", OptionIDs: []string{"s2", "s3"}},
				},
			},
		},
	}
}

type fixture struct {
	store *notion.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := notion.NewMemoryStore()
	store.AddDatabase(employeesSchema())
	store.AddDatabase(leaveSchema())
	return &fixture{store: store}
}

func (f *fixture) employee(t *testing.T, id, name, identifier string) {
	t.Helper()
	props := map[string]notion.Property{"الاسم": title(name)}
	if identifier != "" {
		props["الرقم الوظيفي"] = text(identifier)
	}
	require.NoError(t, f.store.AddRecord(employeesDB, notion.Record{ID: id, Properties: props}))
}

func (f *fixture) request(t *testing.T, id, identifier string, extra map[string]notion.Property) {
	t.Helper()
	props := map[string]notion.Property{
		"الطلب":  title("إجازة " + id),
		"الموظف": notion.Relation{},
		"الحالة": notion.WorkflowStatus{},
	}
	if identifier != "" {
		props["الرقم الوظيفي"] = text(identifier)
	}
	for name, prop := range extra {
		props[name] = prop
	}
	require.NoError(t, f.store.AddRecord(leaveDB, notion.Record{ID: id, Properties: props}))
}

func (f *fixture) record(t *testing.T, id string) notion.Record {
	t.Helper()
	rec, ok := f.store.Record(id)
	require.True(t, ok, "record %s", id)
	return rec
}

// instantRetry records backoff delays without sleeping.
func instantRetry(delays *[]time.Duration) retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			if delays != nil {
				*delays = append(*delays, d)
			}
			return nil
		},
	}
}
