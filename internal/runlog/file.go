package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileReportStore keeps the history in a single JSON document, rewritten
// atomically on every save.
type FileReportStore struct {
	path    string
	history int
	mu      sync.Mutex
	reports []Report
}

type fileReportState struct {
	Reports []Report `json:"reports"`
}

func NewFileReportStore(path string, history int) (*FileReportStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if history <= 0 {
		history = DefaultHistory
	}
	s := &FileReportStore{path: path, history: history}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileReportStore) Save(_ context.Context, report Report) error {
	if err := validate(report); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.reports
	s.reports = upsert(append([]Report(nil), s.reports...), report)
	s.trimLocked()
	if err := s.saveLocked(); err != nil {
		s.reports = previous
		return err
	}
	return nil
}

func (s *FileReportStore) Latest(ctx context.Context) (Report, bool, error) {
	reports, err := s.List(ctx, 1)
	if err != nil || len(reports) == 0 {
		return Report{}, false, err
	}
	return reports[0], true, nil
}

func (s *FileReportStore) List(_ context.Context, limit int) ([]Report, error) {
	s.mu.Lock()
	out := make([]Report, 0, len(s.reports))
	for i := len(s.reports) - 1; i >= 0; i-- {
		out = append(out, s.reports[i])
	}
	s.mu.Unlock()
	newestFirst(out)
	return out[:clampLimit(limit, len(out))], nil
}

func (s *FileReportStore) Close() error {
	return nil
}

func (s *FileReportStore) trimLocked() {
	if len(s.reports) > s.history {
		s.reports = append([]Report(nil), s.reports[len(s.reports)-s.history:]...)
	}
}

func (s *FileReportStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileReportState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	s.reports = snapshot.Reports
	if len(s.reports) > s.history {
		s.trimLocked()
		return s.saveLocked()
	}
	return nil
}

func (s *FileReportStore) saveLocked() error {
	data, err := json.MarshalIndent(fileReportState{Reports: s.reports}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
