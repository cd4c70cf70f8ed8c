package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/luminara-labs/deskflow/core"
)

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at dbPath. The parent
// directory is created if missing.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	// modernc.org/sqlite takes pragmas as _pragma=name(value) pairs.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway and this keeps
	// transactions free of SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT PRIMARY KEY,
		user_id     TEXT,
		created_at  DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL,
		active      INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS turns (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL UNIQUE,
		session_id  TEXT NOT NULL REFERENCES sessions(id),
		role        TEXT NOT NULL,
		content     TEXT NOT NULL,
		created_at  DATETIME NOT NULL,
		sources      TEXT,
		attachments  TEXT,
		escalated    INTEGER NOT NULL DEFAULT 0,
		degradations TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *core.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, user_id, created_at, updated_at, active)
		 VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.CreatedAt, sess.UpdatedAt, boolToInt(sess.Active),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*core.Session, error) {
	var sess core.Session
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, created_at, updated_at, active FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.UpdatedAt, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.Active = active != 0
	return &sess, nil
}

func (s *SQLiteStore) AppendPair(ctx context.Context, sessionID string, user, assistant *core.Turn, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	// Idempotent retry: the client-supplied user turn ID is the
	// deduplication key for the whole pair.
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM turns WHERE id = ?`, user.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if exists > 0 {
		return tx.Commit()
	}

	for _, turn := range []*core.Turn{user, assistant} {
		sources, err := json.Marshal(turn.Sources)
		if err != nil {
			return fmt.Errorf("marshal sources: %w", err)
		}
		attachments, err := json.Marshal(storedAttachments(turn.Attachments))
		if err != nil {
			return fmt.Errorf("marshal attachments: %w", err)
		}
		degradations, err := json.Marshal(turn.Degradations)
		if err != nil {
			return fmt.Errorf("marshal degradations: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO turns (id, session_id, role, content, created_at, sources, attachments, escalated, degradations)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			turn.ID, sessionID, string(turn.Role), turn.Content, turn.CreatedAt,
			string(sources), string(attachments), boolToInt(turn.Escalated), string(degradations),
		)
		if err != nil {
			return fmt.Errorf("insert %s turn: %w", turn.Role, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, at, sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ReadRecent(ctx context.Context, sessionID string, limit int) ([]core.Turn, error) {
	if limit <= 0 {
		limit = 20
	}

	// Last N turns, returned oldest first.
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, session_id, role, content, created_at, sources, attachments, escalated, degradations
		 FROM turns WHERE session_id = ?
		 ORDER BY seq DESC LIMIT ?`, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read recent: %w", err)
	}
	defer rows.Close()

	var turns []core.Turn
	for rows.Next() {
		var t core.Turn
		var role string
		var sources, attachments, degradations sql.NullString
		var escalated int
		if err := rows.Scan(&t.Seq, &t.ID, &t.SessionID, &role, &t.Content,
			&t.CreatedAt, &sources, &attachments, &escalated, &degradations); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = core.Role(role)
		t.Escalated = escalated != 0
		if sources.Valid && sources.String != "" {
			if err := json.Unmarshal([]byte(sources.String), &t.Sources); err != nil {
				return nil, fmt.Errorf("unmarshal sources: %w", err)
			}
		}
		if attachments.Valid && attachments.String != "" {
			var stored []storedAttachment
			if err := json.Unmarshal([]byte(attachments.String), &stored); err != nil {
				return nil, fmt.Errorf("unmarshal attachments: %w", err)
			}
			t.Attachments = restoreAttachments(stored)
		}
		if degradations.Valid && degradations.String != "" {
			if err := json.Unmarshal([]byte(degradations.String), &t.Degradations); err != nil {
				return nil, fmt.Errorf("unmarshal degradations: %w", err)
			}
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// storedAttachment is the persisted projection of an attachment. Raw bytes
// belong to the attachment processor's storage, not to the turn record.
type storedAttachment struct {
	ID            string `json:"id"`
	Filename      string `json:"filename"`
	ContentType   string `json:"content_type"`
	ExtractedText string `json:"extracted_text,omitempty"`
}

func storedAttachments(atts []core.Attachment) []storedAttachment {
	if len(atts) == 0 {
		return nil
	}
	out := make([]storedAttachment, len(atts))
	for i, a := range atts {
		out[i] = storedAttachment{
			ID:            a.ID,
			Filename:      a.Filename,
			ContentType:   a.ContentType,
			ExtractedText: a.ExtractedText,
		}
	}
	return out
}

func restoreAttachments(stored []storedAttachment) []core.Attachment {
	out := make([]core.Attachment, len(stored))
	for i, a := range stored {
		out[i] = core.Attachment{
			ID:            a.ID,
			Filename:      a.Filename,
			ContentType:   a.ContentType,
			ExtractedText: a.ExtractedText,
		}
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
