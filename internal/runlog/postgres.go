package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresReportTableName  = "leavelink_runs"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresReportStore stores one row per run. The table is created on first
// use.
type PostgresReportStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresReportStore(dsn string) (*PostgresReportStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresReportStore{
		dsn:       dsn,
		tableName: postgresReportTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresReportStore) Save(ctx context.Context, report Report) error {
	if err := validate(report); err != nil {
		return err
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, started_at, finished_at, dry_run, failed, report)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id)
		DO UPDATE SET finished_at = EXCLUDED.finished_at, failed = EXCLUDED.failed, report = EXCLUDED.report`,
		postgresQuoteIdentifier(s.tableName))
	_, err = s.db.ExecContext(ctx, query, report.RunID, report.StartedAt.UTC(), nullTime(report.FinishedAt), report.DryRun, report.Failed(), string(payload))
	return err
}

func (s *PostgresReportStore) Latest(ctx context.Context) (Report, bool, error) {
	reports, err := s.List(ctx, 1)
	if err != nil || len(reports) == 0 {
		return Report{}, false, err
	}
	return reports[0], true, nil
}

func (s *PostgresReportStore) List(ctx context.Context, limit int) ([]Report, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistory
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT report FROM %s ORDER BY started_at DESC, id DESC LIMIT $1", postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Report{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var report Report
		if err := json.Unmarshal([]byte(payload), &report); err != nil {
			return nil, fmt.Errorf("decode stored report: %w", err)
		}
		out = append(out, report)
	}
	return out, rows.Err()
}

func (s *PostgresReportStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresReportStore) ensureReady(ctx context.Context) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				run_id TEXT NOT NULL UNIQUE,
				started_at TIMESTAMPTZ NOT NULL,
				finished_at TIMESTAMPTZ,
				dry_run BOOLEAN NOT NULL DEFAULT FALSE,
				failed BOOLEAN NOT NULL DEFAULT FALSE,
				report TEXT NOT NULL
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	if s.initErr != nil {
		return errors.Join(errors.New("runlog postgres unavailable"), s.initErr)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
