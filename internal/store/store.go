// Package store is the relational backing store for consultations and
// messages. Every committed write is announced on a change feed.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vineethgoud568-prog/CureMos/internal/models"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidFilter     = errors.New("invalid filter column")
	ErrNotParticipant    = errors.New("not a consultation participant")
)

// Publisher announces committed changes.
type Publisher interface {
	Publish(ctx context.Context, ev models.ChangeEvent) error
}

const schema = `
CREATE TABLE IF NOT EXISTS consultations (
	id                TEXT PRIMARY KEY,
	doctor_a_id       TEXT NOT NULL,
	doctor_b_id       TEXT NOT NULL DEFAULT '',
	patient_id        TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	consultation_type TEXT NOT NULL,
	urgency_level     TEXT NOT NULL DEFAULT 'normal',
	start_time        INTEGER,
	end_time          INTEGER,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_consultations_doctor_a ON consultations(doctor_a_id);
CREATE INDEX IF NOT EXISTS idx_consultations_doctor_b ON consultations(doctor_b_id);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	consultation_id TEXT NOT NULL REFERENCES consultations(id) ON DELETE CASCADE,
	sender_id       TEXT NOT NULL,
	content         TEXT NOT NULL,
	file_url        TEXT NOT NULL DEFAULT '',
	read_status     INTEGER NOT NULL DEFAULT 0,
	client_key      TEXT UNIQUE,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_consultation ON messages(consultation_id, created_at);
`

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	path   string
	pub    Publisher
	logger *zap.Logger
	now    func() time.Time
}

// Open opens or creates the database at path. pub may be nil.
func Open(path string, pub Publisher, logger *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// foreign keys are per connection; keep a single one
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		path:   path,
		pub:    pub,
		logger: logger.Named("store"),
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.path
}

// publish announces a committed change. The write already happened, so a
// feed failure is logged and otherwise ignored; subscribers resync.
func (s *Store) publish(ctx context.Context, table string, typ models.ChangeType, id string, row any) {
	if s.pub == nil {
		return
	}
	ev, err := models.NewChangeEvent(table, typ, id, row)
	if err != nil {
		s.logger.Error("encode change", zap.String("table", table), zap.String("id", id), zap.Error(err))
		return
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish change failed",
			zap.String("table", table), zap.String("event", string(typ)), zap.String("id", id), zap.Error(err))
	}
}

var filterColumns = map[string]map[string]bool{
	models.TableConsultations: {"id": true, "doctor_a_id": true, "doctor_b_id": true, "patient_id": true, "status": true},
	models.TableMessages:      {"id": true, "consultation_id": true, "sender_id": true},
}

// where renders f as a WHERE clause. Column names are checked against a
// fixed allow list before they reach the query text.
func where(table string, f models.Filter) (string, []any, error) {
	if f.Column == "" {
		return "", nil, nil
	}
	if !filterColumns[table][f.Column] {
		return "", nil, fmt.Errorf("%w: %s.%s", ErrInvalidFilter, table, f.Column)
	}
	return " WHERE " + f.Column + " = ?", []any{f.Value}, nil
}

func micros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}
