package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "history.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultSessionEventRetention controls automatic journal pruning.
	DefaultSessionEventRetention = 30 * 24 * time.Hour
)

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS session_events (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  kind        TEXT NOT NULL CHECK(kind IN ('dial_failed','fallback_listen','established','liveness_timeout','closed')),
  role        TEXT NOT NULL CHECK(role IN ('','client','server')) DEFAULT '',
  remote_addr TEXT NOT NULL DEFAULT '',
  attempt     INTEGER NOT NULL DEFAULT 0,
  detail      TEXT NOT NULL DEFAULT '',
  timestamp   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_session_events_time
ON session_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_session_events_kind
ON session_events (kind, timestamp DESC, id DESC);
`,
}

// Store is the session history journal backed by SQLite.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger

	sessionEventRetention time.Duration

	stopMaintenance chan struct{}
	maintenance     sync.WaitGroup
	closeOnce       sync.Once
}

// Open opens (or creates) history.db under dataDir.
func Open(dataDir string, logger zerolog.Logger) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, logger)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at dbPath in WAL mode, migrates the schema and
// starts the periodic checkpoint loop.
func OpenPath(dbPath string, logger zerolog.Logger) (*Store, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}

	store := &Store{
		db:                    db,
		logger:                logger.With().Str("component", "storage").Logger(),
		sessionEventRetention: DefaultSessionEventRetention,
		stopMaintenance:       make(chan struct{}),
	}

	for _, step := range []func() error{store.requireWAL, store.migrate, store.checkpointWAL} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	store.logger.Debug().Str("path", dbPath).Msg("history database ready")
	store.startMaintenance(DefaultWALCheckpointInterval)
	return store, nil
}

func openDB(dbPath string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	return db, nil
}

// Close stops the checkpoint loop and closes the connection. Safe to call twice.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.stopMaintenance)
		s.maintenance.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Store) schemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) migrate() error {
	from, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if from >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, stmt := range migrations[from:] {
		version := from + i + 1
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", version)); err != nil {
			return fmt.Errorf("set schema version %d: %w", version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	s.logger.Info().Int("from", from).Int("to", len(migrations)).Msg("history schema migrated")
	return nil
}

// requireWAL confirms the DSN's journal mode took effect.
func (s *Store) requireWAL() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode;").Scan(&mode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", mode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

// periodicCheckpoint runs one background checkpoint. Failures are logged;
// the next tick retries.
func (s *Store) periodicCheckpoint() {
	if err := s.checkpointWAL(); err != nil {
		s.logger.Warn().Err(err).Msg("periodic WAL checkpoint failed")
		return
	}
	s.logger.Debug().Msg("WAL checkpoint complete")
}

func (s *Store) startMaintenance(interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.maintenance.Add(1)
	go func() {
		defer s.maintenance.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.periodicCheckpoint()
			case <-s.stopMaintenance:
				return
			}
		}
	}()
}
