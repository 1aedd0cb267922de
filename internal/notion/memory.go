package notion

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

type Operation string

const (
	OpQuery    Operation = "query"
	OpRetrieve Operation = "retrieve"
	OpUpdate   Operation = "update"
)

type memDatabase struct {
	schema Schema
	pages  []string
}

// MemoryStore is an in-process database store with the same contract as
// Client. Updates are validated against the schema the way the remote store
// validates them: closed status sets reject unknown options, select fields
// grow new options on write.
type MemoryStore struct {
	mu        sync.Mutex
	databases map[string]*memDatabase
	pages     map[string]Record
	faults    map[Operation][]error
	calls     map[Operation]int
	updates   []PageUpdate
}

// PageUpdate is one accepted update call.
type PageUpdate struct {
	PageID     string
	Properties map[string]Property
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		databases: map[string]*memDatabase{},
		pages:     map[string]Record{},
		faults:    map[Operation][]error{},
		calls:     map[Operation]int{},
	}
}

// AddDatabase registers a database schema. Existing pages are kept.
func (s *MemoryStore) AddDatabase(schema Schema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := canonicalID(schema.ID)
	if db, ok := s.databases[key]; ok {
		db.schema = cloneSchema(schema)
		return
	}
	s.databases[key] = &memDatabase{schema: cloneSchema(schema)}
}

// AddRecord appends a page to a registered database.
func (s *MemoryStore) AddRecord(databaseID string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.databases[canonicalID(databaseID)]
	if !ok {
		return fmt.Errorf("%w: database %s", ErrNotFound, databaseID)
	}
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("%w: record id is required", ErrInvalidInput)
	}
	if _, exists := s.pages[rec.ID]; !exists {
		db.pages = append(db.pages, rec.ID)
	}
	s.pages[rec.ID] = cloneRecord(rec)
	return nil
}

// Record returns a copy of a stored page.
func (s *MemoryStore) Record(pageID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pages[pageID]
	if !ok {
		return Record{}, false
	}
	return cloneRecord(rec), true
}

// InjectFault queues errors returned, in order, by the next calls of op.
func (s *MemoryStore) InjectFault(op Operation, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], errs...)
}

// Calls reports how many times op was invoked, faults included.
func (s *MemoryStore) Calls(op Operation) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Updates returns the accepted update calls in order.
func (s *MemoryStore) Updates() []PageUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PageUpdate, 0, len(s.updates))
	for _, u := range s.updates {
		out = append(out, PageUpdate{PageID: u.PageID, Properties: cloneProperties(u.Properties)})
	}
	return out
}

func (s *MemoryStore) takeFaultLocked(op Operation) error {
	s.calls[op]++
	queue := s.faults[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	s.faults[op] = queue[1:]
	return err
}

func (s *MemoryStore) QueryDatabase(ctx context.Context, databaseID string, req QueryRequest) (QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return QueryResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFaultLocked(OpQuery); err != nil {
		return QueryResult{}, err
	}
	db, ok := s.databases[canonicalID(databaseID)]
	if !ok {
		return QueryResult{}, &APIError{StatusCode: http.StatusNotFound, Code: "object_not_found", Message: "database not found"}
	}

	matching := make([]string, 0, len(db.pages))
	for _, id := range db.pages {
		if req.Filter == nil || matchesFilter(s.pages[id], *req.Filter) {
			matching = append(matching, id)
		}
	}
	start := 0
	if req.StartCursor != "" {
		n, err := strconv.Atoi(req.StartCursor)
		if err != nil || n < 0 || n > len(matching) {
			return QueryResult{}, &APIError{StatusCode: http.StatusBadRequest, Code: "validation_error", Message: "invalid start_cursor"}
		}
		start = n
	}
	end := start + clampPageSize(req.PageSize)
	if end > len(matching) {
		end = len(matching)
	}
	out := QueryResult{Records: make([]Record, 0, end-start)}
	for _, id := range matching[start:end] {
		out.Records = append(out.Records, cloneRecord(s.pages[id]))
	}
	if end < len(matching) {
		out.HasMore = true
		out.NextCursor = strconv.Itoa(end)
	}
	return out, nil
}

func (s *MemoryStore) RetrieveDatabase(ctx context.Context, databaseID string) (Schema, error) {
	if err := ctx.Err(); err != nil {
		return Schema{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFaultLocked(OpRetrieve); err != nil {
		return Schema{}, err
	}
	db, ok := s.databases[canonicalID(databaseID)]
	if !ok {
		return Schema{}, &APIError{StatusCode: http.StatusNotFound, Code: "object_not_found", Message: "database not found"}
	}
	return cloneSchema(db.schema), nil
}

func (s *MemoryStore) UpdatePage(ctx context.Context, pageID string, props map[string]Property) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFaultLocked(OpUpdate); err != nil {
		return err
	}
	rec, ok := s.pages[pageID]
	if !ok {
		return &APIError{StatusCode: http.StatusNotFound, Code: "object_not_found", Message: "page not found"}
	}
	db := s.databaseOfLocked(pageID)
	if db == nil {
		return &APIError{StatusCode: http.StatusNotFound, Code: "object_not_found", Message: "database not found"}
	}
	for name, prop := range props {
		if _, err := EncodeProperty(prop); err != nil {
			return &APIError{StatusCode: http.StatusBadRequest, Code: "validation_error", Message: err.Error()}
		}
		if err := validateWrite(&db.schema, name, prop); err != nil {
			return err
		}
	}
	for name, prop := range props {
		rec.Properties[name] = cloneProperty(prop)
	}
	s.pages[pageID] = rec
	s.updates = append(s.updates, PageUpdate{PageID: pageID, Properties: cloneProperties(props)})
	return nil
}

func (s *MemoryStore) databaseOfLocked(pageID string) *memDatabase {
	for _, db := range s.databases {
		for _, id := range db.pages {
			if id == pageID {
				return db
			}
		}
	}
	return nil
}

func validateWrite(schema *Schema, name string, prop Property) error {
	for i := range schema.Fields {
		field := &schema.Fields[i]
		if field.Name != name {
			continue
		}
		if field.Kind != prop.Kind() {
			return &APIError{StatusCode: http.StatusBadRequest, Code: "validation_error",
				Message: fmt.Sprintf("%s is expected to be %s", name, field.Kind)}
		}
		switch v := prop.(type) {
		case WorkflowStatus:
			if v.Option != nil && !field.HasOption(v.Option.Name) {
				return &APIError{StatusCode: http.StatusBadRequest, Code: "validation_error",
					Message: fmt.Sprintf("status option %q does not exist", v.Option.Name)}
			}
		case SingleChoice:
			if v.Option != nil && !field.HasOption(v.Option.Name) {
				field.Options = append(field.Options, Option{ID: "opt_" + strconv.Itoa(len(field.Options)+1), Name: v.Option.Name})
			}
		}
		return nil
	}
	return &APIError{StatusCode: http.StatusBadRequest, Code: "validation_error",
		Message: fmt.Sprintf("%s is not a property that exists", name)}
}

func matchesFilter(rec Record, f Filter) bool {
	empty := isEmptyProperty(rec.Properties[f.Property])
	switch f.Operator {
	case FilterIsEmpty:
		return empty
	case FilterIsNotEmpty:
		return !empty
	default:
		return true
	}
}

func isEmptyProperty(p Property) bool {
	switch v := p.(type) {
	case nil:
		return true
	case PlainText:
		return runsEmpty(v.Runs)
	case LongText:
		return runsEmpty(v.Runs)
	case Number:
		return v.Value == nil
	case Phone:
		return v.Value == nil || strings.TrimSpace(*v.Value) == ""
	case SingleChoice:
		return v.Option == nil
	case WorkflowStatus:
		return v.Option == nil
	case Relation:
		return len(v.IDs) == 0
	default:
		return false
	}
}

func runsEmpty(runs []TextRun) bool {
	for _, run := range runs {
		if run.PlainText != "" {
			return false
		}
	}
	return true
}

func cloneSchema(in Schema) Schema {
	out := Schema{ID: in.ID, Title: in.Title, Fields: make([]Field, 0, len(in.Fields))}
	for _, f := range in.Fields {
		cp := f
		cp.Options = append([]Option(nil), f.Options...)
		cp.Groups = make([]StatusGroup, 0, len(f.Groups))
		for _, g := range f.Groups {
			cp.Groups = append(cp.Groups, StatusGroup{Name: g.Name, OptionIDs: append([]string(nil), g.OptionIDs...)})
		}
		out.Fields = append(out.Fields, cp)
	}
	return out
}

func cloneRecord(in Record) Record {
	return Record{ID: in.ID, Properties: cloneProperties(in.Properties)}
}

func cloneProperties(in map[string]Property) map[string]Property {
	out := make(map[string]Property, len(in))
	for name, prop := range in {
		out[name] = cloneProperty(prop)
	}
	return out
}

func cloneProperty(p Property) Property {
	switch v := p.(type) {
	case PlainText:
		return PlainText{Runs: append([]TextRun(nil), v.Runs...)}
	case LongText:
		return LongText{Runs: append([]TextRun(nil), v.Runs...)}
	case Number:
		return Number{Value: clonePtr(v.Value)}
	case Phone:
		return Phone{Value: clonePtr(v.Value)}
	case Computed:
		return Computed{Type: v.Type, String: clonePtr(v.String), Number: clonePtr(v.Number)}
	case Aggregated:
		items := make([]Property, 0, len(v.Items))
		for _, item := range v.Items {
			items = append(items, cloneProperty(item))
		}
		return Aggregated{Items: items, Number: clonePtr(v.Number)}
	case SingleChoice:
		return SingleChoice{Option: clonePtr(v.Option)}
	case WorkflowStatus:
		return WorkflowStatus{Option: clonePtr(v.Option)}
	case Relation:
		return Relation{IDs: append([]string(nil), v.IDs...)}
	default:
		return p
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
