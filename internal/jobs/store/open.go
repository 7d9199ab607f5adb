package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/testerman/testerman/internal/common/config"
	"github.com/testerman/testerman/internal/common/logger"
)

const (
	sqliteBusyTimeout = 5 * time.Second
	sqliteReaderConns = 4
)

// OpenSQLite opens the writer and reader pools for a SQLite job store.
// The writer serializes on a single WAL-mode connection; the reader pool
// serves concurrent read-only queries against WAL snapshots.
func OpenSQLite(dbPath string) (*sqlx.DB, *sqlx.DB, error) {
	abs, err := filepath.Abs(dbPath)
	if err == nil {
		dbPath = abs
	}
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to prepare job store path: %w", err)
		}
	}

	busy := int(sqliteBusyTimeout / time.Millisecond)
	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		dbPath, busy,
	)
	writer, err := sqlx.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open job store: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	if err := writer.Ping(); err != nil {
		_ = writer.Close()
		return nil, nil, fmt.Errorf("failed to open job store: %w", err)
	}

	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_busy_timeout=%d&_cache=shared",
		dbPath, busy,
	)
	reader, err := sqlx.Open("sqlite3", readerDSN)
	if err != nil {
		_ = writer.Close()
		return nil, nil, fmt.Errorf("failed to open job store reader: %w", err)
	}
	reader.SetMaxOpenConns(sqliteReaderConns)
	reader.SetMaxIdleConns(sqliteReaderConns)

	return writer, reader, nil
}

// OpenPostgres opens a shared pool for a PostgreSQL job store.
func OpenPostgres(dsn string, maxConns, minConns int) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres job store: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres job store: %w", err)
	}
	return db, nil
}

// Open opens the job store named by the database configuration. SQLite
// paths resolve relative to stateDir unless absolute.
func Open(cfg config.DatabaseConfig, stateDir string, log *logger.Logger) (*SQLStore, error) {
	switch cfg.Driver {
	case "sqlite3":
		dbPath := cfg.Path
		if !filepath.IsAbs(dbPath) {
			dbPath = filepath.Join(stateDir, dbPath)
		}
		writer, reader, err := OpenSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		s, err := NewSQLStore(writer, reader, log)
		if err != nil {
			_ = writer.Close()
			_ = reader.Close()
			return nil, err
		}
		return s, nil
	case "pgx":
		db, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		s, err := NewSQLStore(db, db, log)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported job store driver %q", cfg.Driver)
	}
}
