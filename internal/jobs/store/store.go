// Package store persists job records across server restarts.
//
// Every externally visible job mutation is upserted immediately, so the
// persisted queue is never older than the last notification sent out.
// On boot the registry replays it and sanitizes whatever a previous
// server life left unfinished.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/testerman/testerman/internal/common/logger"
	"go.uber.org/zap"
)

// Record is the persisted form of a job.
type Record struct {
	ID               int
	Name             string
	Type             string
	State            string
	Result           *int
	Username         string
	Path             string
	ScheduledAt      time.Time
	StartTime        *time.Time
	StopTime         *time.Time
	ParentID         int
	LogFilename      string
	Source           string
	ScheduledSession map[string]interface{}
	OutputSession    map[string]interface{}
	Mapping          map[string]string
	SelectedGroups   []string
}

// Store is the job persistence contract.
type Store interface {
	// Upsert writes the current snapshot of a job, inserting or
	// replacing by id.
	Upsert(ctx context.Context, rec *Record) error
	// List returns every persisted record, ordered by id.
	List(ctx context.Context) ([]*Record, error)
	// Delete removes the records with the given ids.
	Delete(ctx context.Context, ids []int) error
	Close() error
}

// SQLStore keeps job records in SQLite or PostgreSQL.
//
// With SQLite, writes go through a single-connection pool (WAL mode)
// while reads use a concurrent read-only pool; with PostgreSQL both
// sides share one pool.
type SQLStore struct {
	db  *sqlx.DB // writer
	ro  *sqlx.DB // reader
	log *logger.Logger
}

// NewSQLStore wires a store on existing pools and ensures the schema.
// The store owns the pools and closes them with Close.
func NewSQLStore(writer, reader *sqlx.DB, log *logger.Logger) (*SQLStore, error) {
	s := &SQLStore{
		db:  writer,
		ro:  reader,
		log: log.WithFields(zap.String("component", "job-store")),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize job store schema: %w", err)
	}
	return s, nil
}

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	state TEXT NOT NULL,
	result INTEGER,
	username TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL DEFAULT '',
	scheduled_at TIMESTAMP,
	start_time TIMESTAMP,
	stop_time TIMESTAMP,
	parent_id INTEGER NOT NULL DEFAULT 0,
	log_filename TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT '',
	scheduled_session TEXT NOT NULL DEFAULT '{}',
	output_session TEXT NOT NULL DEFAULT '{}',
	mapping TEXT NOT NULL DEFAULT '{}',
	selected_groups TEXT NOT NULL DEFAULT '[]',
	updated_at TIMESTAMP
)`

func (s *SQLStore) initSchema() error {
	if _, err := s.db.Exec(jobsSchema); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_parent_id ON jobs(parent_id)`); err != nil {
		return err
	}
	return nil
}

// jobRow maps the jobs table; JSON columns are stored as TEXT.
type jobRow struct {
	ID               int            `db:"id"`
	Name             string         `db:"name"`
	Type             string         `db:"type"`
	State            string         `db:"state"`
	Result           sql.NullInt64  `db:"result"`
	Username         string         `db:"username"`
	Path             string         `db:"path"`
	ScheduledAt      sql.NullTime   `db:"scheduled_at"`
	StartTime        sql.NullTime   `db:"start_time"`
	StopTime         sql.NullTime   `db:"stop_time"`
	ParentID         int            `db:"parent_id"`
	LogFilename      string         `db:"log_filename"`
	Source           string         `db:"source"`
	ScheduledSession string         `db:"scheduled_session"`
	OutputSession    string         `db:"output_session"`
	Mapping          string         `db:"mapping"`
	SelectedGroups   string         `db:"selected_groups"`
	UpdatedAt        sql.NullTime   `db:"updated_at"`
}

func encodeJSON(v interface{}, fallback string) (string, error) {
	if v == nil {
		return fallback, nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// Upsert implements Store.
func (s *SQLStore) Upsert(ctx context.Context, rec *Record) error {
	scheduledSession, err := encodeJSON(rec.ScheduledSession, "{}")
	if err != nil {
		return fmt.Errorf("failed to encode scheduled session: %w", err)
	}
	outputSession, err := encodeJSON(rec.OutputSession, "{}")
	if err != nil {
		return fmt.Errorf("failed to encode output session: %w", err)
	}
	mapping, err := encodeJSON(rec.Mapping, "{}")
	if err != nil {
		return fmt.Errorf("failed to encode mapping: %w", err)
	}
	groups, err := encodeJSON(rec.SelectedGroups, "[]")
	if err != nil {
		return fmt.Errorf("failed to encode selected groups: %w", err)
	}

	var result sql.NullInt64
	if rec.Result != nil {
		result = sql.NullInt64{Int64: int64(*rec.Result), Valid: true}
	}
	var startTime, stopTime sql.NullTime
	if rec.StartTime != nil {
		startTime = sql.NullTime{Time: *rec.StartTime, Valid: true}
	}
	if rec.StopTime != nil {
		stopTime = sql.NullTime{Time: *rec.StopTime, Valid: true}
	}

	query := `INSERT INTO jobs (
		id, name, type, state, result, username, path,
		scheduled_at, start_time, stop_time, parent_id, log_filename,
		source, scheduled_session, output_session, mapping, selected_groups, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		type = excluded.type,
		state = excluded.state,
		result = excluded.result,
		username = excluded.username,
		path = excluded.path,
		scheduled_at = excluded.scheduled_at,
		start_time = excluded.start_time,
		stop_time = excluded.stop_time,
		parent_id = excluded.parent_id,
		log_filename = excluded.log_filename,
		source = excluded.source,
		scheduled_session = excluded.scheduled_session,
		output_session = excluded.output_session,
		mapping = excluded.mapping,
		selected_groups = excluded.selected_groups,
		updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, s.db.Rebind(query),
		rec.ID, rec.Name, rec.Type, rec.State, result, rec.Username, rec.Path,
		rec.ScheduledAt, startTime, stopTime, rec.ParentID, rec.LogFilename,
		rec.Source, scheduledSession, outputSession, mapping, groups, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job %d: %w", rec.ID, err)
	}
	return nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context) ([]*Record, error) {
	query := `SELECT id, name, type, state, result, username, path,
		scheduled_at, start_time, stop_time, parent_id, log_filename,
		source, scheduled_session, output_session, mapping, selected_groups, updated_at
	FROM jobs ORDER BY id ASC`

	var rows []jobRow
	if err := s.ro.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	records := make([]*Record, 0, len(rows))
	for i := range rows {
		rec, err := rowToRecord(&rows[i])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func rowToRecord(row *jobRow) (*Record, error) {
	rec := &Record{
		ID:          row.ID,
		Name:        row.Name,
		Type:        row.Type,
		State:       row.State,
		Username:    row.Username,
		Path:        row.Path,
		ParentID:    row.ParentID,
		LogFilename: row.LogFilename,
		Source:      row.Source,
	}
	if row.Result.Valid {
		r := int(row.Result.Int64)
		rec.Result = &r
	}
	if row.ScheduledAt.Valid {
		rec.ScheduledAt = row.ScheduledAt.Time
	}
	if row.StartTime.Valid {
		t := row.StartTime.Time
		rec.StartTime = &t
	}
	if row.StopTime.Valid {
		t := row.StopTime.Time
		rec.StopTime = &t
	}
	if err := json.Unmarshal([]byte(row.ScheduledSession), &rec.ScheduledSession); err != nil {
		return nil, fmt.Errorf("job %d: corrupt scheduled session: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.OutputSession), &rec.OutputSession); err != nil {
		return nil, fmt.Errorf("job %d: corrupt output session: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.Mapping), &rec.Mapping); err != nil {
		return nil, fmt.Errorf("job %d: corrupt mapping: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.SelectedGroups), &rec.SelectedGroups); err != nil {
		return nil, fmt.Errorf("job %d: corrupt group selection: %w", row.ID, err)
	}
	return rec, nil
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM jobs WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("failed to build job delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to delete jobs: %w", err)
	}
	return nil
}

// Close closes the writer and reader pools.
func (s *SQLStore) Close() error {
	wErr := s.db.Close()
	if s.ro != s.db {
		if rErr := s.ro.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
