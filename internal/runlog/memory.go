package runlog

import (
	"context"
	"encoding/json"
	"sync"
)

type InMemoryReportStore struct {
	mu      sync.Mutex
	history int
	reports []Report
}

func NewInMemoryReportStore(history int) *InMemoryReportStore {
	if history <= 0 {
		history = DefaultHistory
	}
	return &InMemoryReportStore{history: history}
}

func (s *InMemoryReportStore) Save(_ context.Context, report Report) error {
	if err := validate(report); err != nil {
		return err
	}
	clone, err := cloneReport(report)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = upsert(s.reports, clone)
	if len(s.reports) > s.history {
		s.reports = append([]Report(nil), s.reports[len(s.reports)-s.history:]...)
	}
	return nil
}

func (s *InMemoryReportStore) Latest(ctx context.Context) (Report, bool, error) {
	reports, err := s.List(ctx, 1)
	if err != nil || len(reports) == 0 {
		return Report{}, false, err
	}
	return reports[0], true, nil
}

func (s *InMemoryReportStore) List(_ context.Context, limit int) ([]Report, error) {
	s.mu.Lock()
	out := make([]Report, 0, len(s.reports))
	for i := len(s.reports) - 1; i >= 0; i-- {
		out = append(out, s.reports[i])
	}
	s.mu.Unlock()
	newestFirst(out)
	return out[:clampLimit(limit, len(out))], nil
}

func (s *InMemoryReportStore) Close() error {
	return nil
}

// upsert replaces a report with the same run id or appends it.
func upsert(reports []Report, report Report) []Report {
	for i := range reports {
		if reports[i].RunID == report.RunID {
			reports[i] = report
			return reports
		}
	}
	return append(reports, report)
}

func cloneReport(in Report) (Report, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return Report{}, err
	}
	var out Report
	if err := json.Unmarshal(data, &out); err != nil {
		return Report{}, err
	}
	return out, nil
}
