package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"rtplan/pkg/histogram"
	"rtplan/pkg/plan"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) upsert(ctx context.Context, table, id string, schema int, payload []byte) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO `+table+` (id, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, id, schema, CodecVersion, payload)
	return err
}

func (s *SQLiteStore) payload(ctx context.Context, table, id string) ([]byte, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM `+table+` WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return payload, true, nil
}

func (s *SQLiteStore) SavePlan(ctx context.Context, p *plan.Plan) error {
	payload, err := EncodePlan(p)
	if err != nil {
		return err
	}
	return s.upsert(ctx, "plans", p.Name, PlanSchema, payload)
}

func (s *SQLiteStore) GetPlan(ctx context.Context, name string) (*plan.Plan, bool, error) {
	payload, ok, err := s.payload(ctx, "plans", name)
	if err != nil || !ok {
		return nil, false, err
	}
	p, err := DecodePlan(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode plan %s: %w", name, err)
	}
	return p, true, nil
}

func (s *SQLiteStore) ListPlans(ctx context.Context) ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT id FROM plans ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStore) DeletePlan(ctx context.Context, name string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, name)
	return err
}

func (s *SQLiteStore) SaveHistogram(ctx context.Context, id string, h *histogram.Histogram) error {
	return s.upsert(ctx, "histograms", id, HistogramSchema, EncodeHistogram(h))
}

func (s *SQLiteStore) GetHistogram(ctx context.Context, id string) (*histogram.Histogram, bool, error) {
	payload, ok, err := s.payload(ctx, "histograms", id)
	if err != nil || !ok {
		return nil, false, err
	}
	h, err := DecodeHistogram(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode histogram %s: %w", id, err)
	}
	return h, true, nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run RunRecord) error {
	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}
	return s.upsert(ctx, "runs", run.ID, RunSchema, payload)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (RunRecord, bool, error) {
	payload, ok, err := s.payload(ctx, "runs", id)
	if err != nil || !ok {
		return RunRecord{}, false, err
	}
	r, err := DecodeRun(payload)
	if err != nil {
		return RunRecord{}, false, fmt.Errorf("decode run %s: %w", id, err)
	}
	return r, true, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS histograms (
			id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
	`)
	return err
}
