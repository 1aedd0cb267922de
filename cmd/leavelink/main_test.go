package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/leavelink/internal/config"
	"github.com/agentworkforce/leavelink/internal/logging"
	"github.com/agentworkforce/leavelink/internal/logging/logtest"
	"github.com/agentworkforce/leavelink/internal/notion"
	"github.com/agentworkforce/leavelink/internal/reconcile"
	"github.com/agentworkforce/leavelink/internal/runlog"
	"github.com/agentworkforce/leavelink/internal/runner"
)

func seededStore(t *testing.T, withRelation bool) *notion.MemoryStore {
	t.Helper()
	store := notion.NewMemoryStore()
	store.AddDatabase(notion.Schema{ID: "emp", Fields: []notion.Field{
		{Name: "Name", Kind: notion.KindPlainText},
		{Name: "الرقم الوظيفي", Kind: notion.KindLongText},
	}})
	leaveFields := []notion.Field{{Name: "رقم الموظف", Kind: notion.KindLongText}}
	if withRelation {
		leaveFields = append(leaveFields, notion.Field{Name: "الموظف", Kind: notion.KindRelation, RelationTarget: "emp"})
	}
	store.AddDatabase(notion.Schema{ID: "leave", Fields: leaveFields})
	if err := store.AddRecord("emp", notion.Record{ID: "e1", Properties: map[string]notion.Property{
		"الرقم الوظيفي": notion.LongText{Runs: []notion.TextRun{{PlainText: "١٢٣٤٥٦٧٨٩"}}},
	}}); err != nil {
		t.Fatalf("seed employee: %v", err)
	}
	for _, rec := range []notion.Record{
		{ID: "l1", Properties: map[string]notion.Property{"رقم الموظف": notion.LongText{Runs: []notion.TextRun{{PlainText: "123456789"}}}}},
		{ID: "l2", Properties: map[string]notion.Property{}},
	} {
		if err := store.AddRecord("leave", rec); err != nil {
			t.Fatalf("seed leave request: %v", err)
		}
	}
	return store
}

func testApp(t *testing.T, store reconcile.Store) (*app, *bytes.Buffer) {
	t.Helper()
	t.Setenv("NOTION_TOKEN", "secret_test")
	t.Setenv("EMPLOYEES_DATABASE_ID", "emp")
	t.Setenv("LEAVE_REQUESTS_DATABASE_ID", "leave")
	chdir(t, t.TempDir())

	out := &bytes.Buffer{}
	a := newApp(out)
	a.envFiles = []string{}
	a.newStore = func(*config.Config) (reconcile.Store, error) { return store, nil }
	return a, out
}

func execute(ctx context.Context, a *app, args ...string) error {
	defer a.close()
	root := newRootCommand(a)
	root.SetArgs(append(args, "--log-level", "error", "--log-format", "json"))
	return root.ExecuteContext(ctx)
}

func TestVersionCommand(t *testing.T) {
	out := &bytes.Buffer{}
	root := newRootCommand(newApp(out))
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if got := out.String(); got != "leavelink dev\n" {
		t.Fatalf("unexpected version output %q", got)
	}
}

func TestRunOnceLinksAndSummarizes(t *testing.T) {
	store := seededStore(t, true)
	a, out := testApp(t, store)

	if err := execute(context.Background(), a, "run", "--once"); err != nil {
		t.Fatalf("run --once: %v", err)
	}
	if !strings.Contains(out.String(), "updated=1 planned=0 skipped=1 errored=0") {
		t.Fatalf("unexpected summary: %s", out.String())
	}
	rec, _ := store.Record("l1")
	rel, ok := rec.Properties["الموظف"].(notion.Relation)
	if !ok || len(rel.IDs) != 1 || rel.IDs[0] != "e1" {
		t.Fatalf("expected l1 linked to e1, got %#v", rec.Properties["الموظف"])
	}
}

func TestRunOnceDryRunWritesNothing(t *testing.T) {
	store := seededStore(t, true)
	a, out := testApp(t, store)

	if err := execute(context.Background(), a, "run", "--once", "--dry-run"); err != nil {
		t.Fatalf("run --once --dry-run: %v", err)
	}
	if !strings.Contains(out.String(), "(dry run): updated=0 planned=1") {
		t.Fatalf("unexpected summary: %s", out.String())
	}
	if n := store.Calls(notion.OpUpdate); n != 0 {
		t.Fatalf("dry run issued %d updates", n)
	}
}

func TestRunOnceFailsOnSchemaError(t *testing.T) {
	a, out := testApp(t, seededStore(t, false))

	err := execute(context.Background(), a, "run", "--once")
	if !errors.Is(err, reconcile.ErrSchema) {
		t.Fatalf("expected schema error, got %v", err)
	}
	if !strings.Contains(out.String(), "failed:") {
		t.Fatalf("expected failure in summary: %s", out.String())
	}
}

func TestRunRequiresConfiguration(t *testing.T) {
	store := seededStore(t, true)
	a, _ := testApp(t, store)
	t.Setenv("EMPLOYEES_DATABASE_ID", "")

	err := execute(context.Background(), a, "run", "--once")
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if n := store.Calls(notion.OpRetrieve); n != 0 {
		t.Fatalf("expected no remote calls, got %d", n)
	}
}

func TestRunOnIntervalRepeatsUntilCancelled(t *testing.T) {
	a, out := testApp(t, seededStore(t, true))
	ctx, cancel := context.WithTimeout(context.Background(), 1600*time.Millisecond)
	defer cancel()

	if err := execute(ctx, a, "run", "--interval", "1s", "--interval-jitter", "0"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if passes := strings.Count(out.String(), "\nrun ") + 1; passes < 2 {
		t.Fatalf("expected repeated passes, got %d:\n%s", passes, out.String())
	}
}

func TestDetectPrintsRoles(t *testing.T) {
	a, out := testApp(t, seededStore(t, true))

	if err := execute(context.Background(), a, "detect"); err != nil {
		t.Fatalf("detect: %v", err)
	}
	for _, want := range []string{
		"employees (emp)",
		`identifier: "الرقم الوظيفي"`,
		"leave requests (leave)",
		`relation:   "الموظف" (relation)`,
		"status:     none",
	} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %q in output:\n%s", want, out.String())
		}
	}
}

func TestDetectReportsMissingRelation(t *testing.T) {
	a, out := testApp(t, seededStore(t, false))

	err := execute(context.Background(), a, "detect")
	if !errors.Is(err, reconcile.ErrSchema) {
		t.Fatalf("expected schema error, got %v", err)
	}
	if !strings.Contains(out.String(), "relation:   none") {
		t.Fatalf("expected missing relation in output:\n%s", out.String())
	}
}

func TestDetectStructuredOutput(t *testing.T) {
	a, out := testApp(t, seededStore(t, true))
	if err := execute(context.Background(), a, "detect", "-o", "json"); err != nil {
		t.Fatalf("detect -o json: %v", err)
	}
	var view map[string]rolesView
	if err := json.Unmarshal(out.Bytes(), &view); err != nil {
		t.Fatalf("decode detect output: %v\n%s", err, out.String())
	}
	leave := view["leaveRequests"]
	if leave.Relation == nil || leave.Relation.Name != "الموظف" || leave.Relation.Target != "emp" {
		t.Fatalf("unexpected relation view: %+v", leave.Relation)
	}
	if leave.Status != nil {
		t.Fatalf("expected no status field, got %+v", leave.Status)
	}

	out.Reset()
	if err := execute(context.Background(), a, "detect", "-o", "yaml"); err != nil {
		t.Fatalf("detect -o yaml: %v", err)
	}
	if !strings.Contains(out.String(), "databaseId: emp") {
		t.Fatalf("unexpected yaml output:\n%s", out.String())
	}
}

func TestRejectsUnknownOutputFormat(t *testing.T) {
	a, _ := testApp(t, seededStore(t, true))
	err := execute(context.Background(), a, "detect", "-o", "xml")
	if err == nil || !strings.Contains(err.Error(), "invalid output format") {
		t.Fatalf("expected output format error, got %v", err)
	}
}

func TestHistoryListsPersistedRuns(t *testing.T) {
	a, out := testApp(t, seededStore(t, true))
	t.Setenv("LEAVELINK_RUNLOG_DSN", filepath.Join(t.TempDir(), "runs.json"))

	if err := execute(context.Background(), a, "run", "--once"); err != nil {
		t.Fatalf("run --once: %v", err)
	}
	if err := execute(context.Background(), a, "run", "--once", "--dry-run"); err != nil {
		t.Fatalf("run --once --dry-run: %v", err)
	}

	out.Reset()
	if err := execute(context.Background(), a, "history", "-o", "json"); err != nil {
		t.Fatalf("history -o json: %v", err)
	}
	var reports []runlog.Report
	if err := json.Unmarshal(out.Bytes(), &reports); err != nil {
		t.Fatalf("decode history: %v\n%s", err, out.String())
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(reports))
	}
	if !reports[0].DryRun || reports[1].Summary.Updated != 1 {
		t.Fatalf("expected newest-first history, got %+v", reports)
	}

	out.Reset()
	if err := execute(context.Background(), a, "history", "--limit", "1"); err != nil {
		t.Fatalf("history: %v", err)
	}
	table := strings.ToUpper(out.String())
	if !strings.Contains(table, "UPDATED") || !strings.Contains(table, "DRY RUN") {
		t.Fatalf("unexpected history table:\n%s", out.String())
	}
	if strings.Contains(out.String(), reports[1].RunID) {
		t.Fatalf("limit not applied:\n%s", out.String())
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}

const seedSnapshot = `{"databases": [
	{"id": "emp", "properties": {
		"Name": {"type": "title", "title": {}},
		"Employee ID": {"type": "rich_text", "rich_text": {}}
	}, "pages": [
		{"id": "e1", "properties": {
			"Name": {"type": "title", "title": [{"plain_text": "Sara"}]},
			"Employee ID": {"type": "rich_text", "rich_text": [{"plain_text": "٠٤٢"}]}
		}}
	]},
	{"id": "leave", "properties": {
		"Employee ID": {"type": "rich_text", "rich_text": {}},
		"Employee": {"type": "relation", "relation": {"database_id": "emp"}}
	}, "pages": [
		{"id": "l1", "properties": {
			"Employee ID": {"type": "rich_text", "rich_text": [{"plain_text": "042"}]},
			"Employee": {"type": "relation", "relation": []}
		}}
	]}
]}`

func TestRunAgainstSeededStore(t *testing.T) {
	for _, name := range []string{"NOTION_TOKEN", "NOTION_API_KEY", "LEAVELINK_NOTION_TOKEN"} {
		t.Setenv(name, "")
	}
	t.Setenv("EMPLOYEES_DATABASE_ID", "emp")
	t.Setenv("LEAVE_REQUESTS_DATABASE_ID", "leave")
	t.Setenv("LEAVELINK_STORE_DSN", "file://seed.json")
	chdir(t, t.TempDir())
	if err := os.WriteFile("seed.json", []byte(seedSnapshot), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	out := &bytes.Buffer{}
	a := newApp(out)
	a.envFiles = []string{}
	if err := execute(context.Background(), a, "run", "--once"); err != nil {
		t.Fatalf("run --once against seed: %v", err)
	}
	if !strings.Contains(out.String(), "updated=1 planned=0 skipped=0 errored=0") {
		t.Fatalf("unexpected summary: %s", out.String())
	}

	out.Reset()
	if err := execute(context.Background(), a, "detect"); err != nil {
		t.Fatalf("detect against seed: %v", err)
	}
	if !strings.Contains(out.String(), `relation:   "Employee" (relation)`) {
		t.Fatalf("unexpected detect output: %s", out.String())
	}
}

func TestRunRejectsMissingSeed(t *testing.T) {
	t.Setenv("EMPLOYEES_DATABASE_ID", "emp")
	t.Setenv("LEAVE_REQUESTS_DATABASE_ID", "leave")
	t.Setenv("LEAVELINK_STORE_DSN", "file://absent.json")
	chdir(t, t.TempDir())

	a := newApp(&bytes.Buffer{})
	a.envFiles = []string{}
	err := execute(context.Background(), a, "run", "--once")
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing file cause, got %v", err)
	}
}

func TestRunRejectsUnwritableLogOutput(t *testing.T) {
	a, _ := testApp(t, seededStore(t, true))
	t.Setenv("LEAVELINK_LOG_OUTPUT", filepath.Join(t.TempDir(), "missing", "leavelink.log"))

	err := execute(context.Background(), a, "run", "--once")
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if !strings.Contains(err.Error(), "log_output") {
		t.Fatalf("expected log_output in error, got %v", err)
	}
}

func TestRunWritesLogFile(t *testing.T) {
	a, _ := testApp(t, seededStore(t, true))
	path := filepath.Join(t.TempDir(), "leavelink.log")
	t.Setenv("LEAVELINK_LOG_OUTPUT", path)

	if err := execute(context.Background(), a, "run", "--once"); err != nil {
		t.Fatalf("run --once: %v", err)
	}
	if len(a.closers) != 0 {
		t.Fatalf("expected log file to be released, %d closers left", len(a.closers))
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected log file to be created: %v", err)
	}
}

// gatedStore holds the first schema read until release is closed.
type gatedStore struct {
	*notion.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) RetrieveDatabase(ctx context.Context, databaseID string) (notion.Schema, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.MemoryStore.RetrieveDatabase(ctx, databaseID)
}

func TestScheduledPassSkipsWhileAnotherRunIsActive(t *testing.T) {
	store := &gatedStore{MemoryStore: seededStore(t, true), entered: make(chan struct{}, 1), release: make(chan struct{})}
	a, out := testApp(t, store)
	cfg, err := a.loadConfig(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	r := runner.New(store, cfg.EngineOptions(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Trigger(context.Background(), runner.TriggerOptions{})
	}()
	<-store.entered

	capture := logtest.New(t)
	ctx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), &capture.Logger), 200*time.Millisecond)
	defer cancel()
	if err := a.schedule(ctx, r, cfg, nil); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no summary for a skipped pass, got %s", out.String())
	}
	close(store.release)
	<-done

	if !capture.Contains("another run is in progress") {
		t.Fatalf("expected skipped pass to be logged, got %s", capture.Output())
	}
	if capture.Contains("reconciliation pass failed") || capture.Contains(`"level":"error"`) {
		t.Fatalf("expected no error-level entry for a skipped pass, got %s", capture.Output())
	}
}
