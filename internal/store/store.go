package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"person_location/internal/health"
)

// Store wraps SQLite access for targets and provider health.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// single writer
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS targets (
            entity_id TEXT PRIMARY KEY,
            person_name TEXT,
            state TEXT,
            attributes_json TEXT,
            info_json TEXT,
            last_changed TIMESTAMP,
            last_updated TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS provider_health (
            provider_id TEXT PRIMARY KEY,
            enabled INTEGER,
            success_count INTEGER,
            error_count INTEGER,
            last_error TEXT,
            issue TEXT,
            updated_at TIMESTAMP
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Target is a persisted target entity.
type Target struct {
	EntityID    string         `json:"entity_id"`
	PersonName  string         `json:"person_name"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	Info        map[string]any `json:"this_entity_info"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// SaveTarget inserts or replaces a target row.
func (s *Store) SaveTarget(ctx context.Context, t Target) error {
	attrs, err := json.Marshal(t.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	info, err := json.Marshal(t.Info)
	if err != nil {
		return fmt.Errorf("encode info: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO targets(entity_id, person_name, state, attributes_json, info_json, last_changed, last_updated)
        VALUES(?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(entity_id) DO UPDATE SET person_name=excluded.person_name, state=excluded.state, attributes_json=excluded.attributes_json,
            info_json=excluded.info_json, last_changed=excluded.last_changed, last_updated=excluded.last_updated`,
		t.EntityID, t.PersonName, t.State, string(attrs), string(info), t.LastChanged.UTC(), t.LastUpdated.UTC())
	return err
}

// LoadTargets returns every persisted target ordered by entity id.
func (s *Store) LoadTargets(ctx context.Context) ([]Target, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, person_name, state, attributes_json, info_json, last_changed, last_updated FROM targets ORDER BY entity_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Target
	for rows.Next() {
		var (
			t           Target
			attrs, info sql.NullString
		)
		if err := rows.Scan(&t.EntityID, &t.PersonName, &t.State, &attrs, &info, &t.LastChanged, &t.LastUpdated); err != nil {
			return nil, err
		}
		if attrs.Valid && attrs.String != "" {
			if err := json.Unmarshal([]byte(attrs.String), &t.Attributes); err != nil {
				return nil, fmt.Errorf("decode %s attributes: %w", t.EntityID, err)
			}
		}
		if info.Valid && info.String != "" {
			if err := json.Unmarshal([]byte(info.String), &t.Info); err != nil {
				return nil, fmt.Errorf("decode %s info: %w", t.EntityID, err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTarget removes a target row.
func (s *Store) DeleteTarget(ctx context.Context, entityID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE entity_id=?`, entityID)
	return err
}

// SaveProvider persists one provider health record.
func (s *Store) SaveProvider(ctx context.Context, r health.Record) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO provider_health(provider_id, enabled, success_count, error_count, last_error, issue, updated_at)
        VALUES(?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(provider_id) DO UPDATE SET enabled=excluded.enabled, success_count=excluded.success_count, error_count=excluded.error_count,
            last_error=excluded.last_error, issue=excluded.issue, updated_at=excluded.updated_at`,
		r.ID, r.Enabled, r.SuccessCount, r.ErrorCount, r.LastError, r.Issue, time.Now().UTC())
	return err
}

// LoadProviders returns persisted health records.
func (s *Store) LoadProviders(ctx context.Context) ([]health.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT provider_id, enabled, success_count, error_count, last_error, issue FROM provider_health ORDER BY provider_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []health.Record
	for rows.Next() {
		var (
			r         health.Record
			lastError sql.NullString
			issue     sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Enabled, &r.SuccessCount, &r.ErrorCount, &lastError, &issue); err != nil {
			return nil, err
		}
		r.LastError = lastError.String
		r.Issue = issue.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Health returns err if DB not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}
