package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	// DefaultRetention is how long executed commands are kept on disk.
	DefaultRetention = 7 * 24 * time.Hour

	cleanupInterval = time.Hour
	privateDirPerm  = 0o700
	dbFileName      = "command_ledger.db"
)

// SQLite persists the ledger so redeliveries are caught across restarts.
type SQLite struct {
	db        *sql.DB
	retention time.Duration
	now       func() time.Time

	stop      chan struct{}
	closeOnce sync.Once
}

// OpenSQLite opens (or creates) the ledger database in dir.
func OpenSQLite(dir string, retention time.Duration) (*SQLite, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("ledger dir is required")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	if retention <= 0 {
		retention = DefaultRetention
	}

	dsn := filepath.Join(dir, dbFileName) + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLite{
		db:        db,
		retention: retention,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(err, fmt.Errorf("close ledger db after schema init failure: %w", closeErr))
		}
		return nil, err
	}

	go s.cleanupLoop()
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS command_results (
		command_id TEXT PRIMARY KEY,
		command_type TEXT NOT NULL,
		outcome TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		result BLOB,
		error_message TEXT NOT NULL DEFAULT '',
		reported INTEGER NOT NULL DEFAULT 0,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_command_results_recorded_at ON command_results(recorded_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init ledger schema: %w", err)
	}
	return nil
}

func (s *SQLite) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.Prune(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Failed to prune command ledger")
			}
		case <-s.stop:
			return
		}
	}
}

func (s *SQLite) Lookup(ctx context.Context, commandID string) (*Entry, error) {
	var (
		entry      Entry
		result     []byte
		reported   int
		recordedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT command_id, command_type, outcome, status, result, error_message, reported, recorded_at
		FROM command_results WHERE command_id = ? AND recorded_at >= ?`,
		commandID, s.now().Add(-s.retention).Unix(),
	).Scan(&entry.CommandID, &entry.CommandType, &entry.Outcome, &entry.Status, &result, &entry.ErrorMessage, &reported, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	if len(result) > 0 {
		entry.Result = json.RawMessage(result)
	}
	entry.Reported = reported != 0
	entry.RecordedAt = time.Unix(recordedAt, 0)
	return &entry, nil
}

func (s *SQLite) Record(ctx context.Context, entry Entry) error {
	recordedAt := entry.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = s.now()
	}
	var result []byte
	if len(entry.Result) > 0 {
		result = entry.Result
	}
	reported := 0
	if entry.Reported {
		reported = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_results (command_id, command_type, outcome, status, result, error_message, reported, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(command_id) DO UPDATE SET
			command_type = excluded.command_type,
			outcome = excluded.outcome,
			status = excluded.status,
			result = excluded.result,
			error_message = excluded.error_message,
			reported = excluded.reported,
			recorded_at = excluded.recorded_at`,
		entry.CommandID, entry.CommandType, entry.Outcome, entry.Status, result, entry.ErrorMessage, reported, recordedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record ledger entry: %w", err)
	}
	return nil
}

// Prune deletes entries older than the retention window.
func (s *SQLite) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM command_results WHERE recorded_at < ?`,
		s.now().Add(-s.retention).Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		err = s.db.Close()
	})
	return err
}
