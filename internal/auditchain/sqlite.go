package auditchain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/artpromedia/evidence-ledger/internal/canonical"
	"github.com/glebarez/go-sqlite"
	"go.uber.org/zap"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS audit_entries (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		id            TEXT NOT NULL UNIQUE,
		subject_id    TEXT NOT NULL,
		resource_id   TEXT NOT NULL DEFAULT '',
		action_type   TEXT NOT NULL,
		action_details TEXT NOT NULL DEFAULT '{}',
		performed_by  TEXT NOT NULL DEFAULT '',
		ts            TEXT NOT NULL,
		content_hash  TEXT NOT NULL,
		previous_hash TEXT NOT NULL DEFAULT '',
		chain_hash    TEXT NOT NULL UNIQUE,
		signature     TEXT NOT NULL DEFAULT ''
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_subject_prev ON audit_entries(subject_id, previous_hash);
	CREATE INDEX IF NOT EXISTS idx_audit_subject_ts ON audit_entries(subject_id, ts, seq);
	CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_entries(action_type);
	CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_entries(resource_id);
	CREATE TRIGGER IF NOT EXISTS audit_entries_no_update BEFORE UPDATE ON audit_entries
	BEGIN SELECT RAISE(ABORT, 'audit entries are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS audit_entries_no_delete BEFORE DELETE ON audit_entries
	BEGIN SELECT RAISE(ABORT, 'audit entries are append-only'); END;
`

const sqliteEntryColumns = `id, subject_id, resource_id, action_type, action_details,
	performed_by, ts, content_hash, previous_hash, chain_hash, signature`

// SQLiteRepository stores audit chains in a single SQLite file. Timestamps
// are kept as TimestampLayout text, which sorts chronologically.
type SQLiteRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLiteRepository opens (or creates) the database at path and ensures
// the schema exists. Use ":memory:" for a throwaway database.
func OpenSQLiteRepository(path string, logger *zap.Logger) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", path, err)
	}
	// One connection: writers are serialized and ":memory:" stays one database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}
	return &SQLiteRepository{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Head implements Repository.
func (r *SQLiteRepository) Head(ctx context.Context, subjectID string) (Head, bool, error) {
	return sqliteHead(ctx, r.db, subjectID)
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteHead(ctx context.Context, q sqlQuerier, subjectID string) (Head, bool, error) {
	var (
		h  Head
		ts string
	)
	err := q.QueryRowContext(ctx,
		`SELECT chain_hash, ts FROM audit_entries
		 WHERE subject_id = ?
		 ORDER BY ts DESC, seq DESC LIMIT 1`, subjectID,
	).Scan(&h.ChainHash, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Head{}, false, nil
	}
	if err != nil {
		return Head{}, false, &StorageError{Op: "read head", Err: err}
	}
	if h.Timestamp, err = time.Parse(TimestampLayout, ts); err != nil {
		return Head{}, false, &StorageError{Op: "parse timestamp", Err: err}
	}
	return h, true, nil
}

// Append implements Repository.
func (r *SQLiteRepository) Append(ctx context.Context, e *Entry) error {
	details, err := canonical.EncodeValue(objectOrEmpty(e.ActionDetails))
	if err != nil {
		return fmt.Errorf("encode action details: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "begin tx", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	head, found, err := sqliteHead(ctx, tx, e.SubjectID)
	if err != nil {
		return err
	}
	expected := NullHash
	if found {
		expected = head.ChainHash
	}
	if e.PreviousHash != expected {
		return ErrConflict
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_entries (id, subject_id, resource_id, action_type, action_details,
		 performed_by, ts, content_hash, previous_hash, chain_hash, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SubjectID, e.ResourceID, string(e.ActionType), string(details),
		e.PerformedBy, FormatTimestamp(e.Timestamp), e.ContentHash, e.PreviousHash, e.ChainHash, e.Signature,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return &StorageError{Op: "insert entry", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "commit", Err: err}
	}
	r.logger.Debug("audit entry stored",
		zap.String("subject_id", e.SubjectID),
		zap.String("chain_hash", e.ChainHash),
	)
	return nil
}

// List implements Repository.
func (r *SQLiteRepository) List(ctx context.Context, f Filter) ([]*Entry, error) {
	query := "SELECT " + sqliteEntryColumns + " FROM audit_entries WHERE 1=1"
	var args []any

	if f.SubjectID != "" {
		query += " AND subject_id = ?"
		args = append(args, f.SubjectID)
	}
	if f.ActionType != "" {
		query += " AND action_type = ?"
		args = append(args, string(f.ActionType))
	}
	if f.ResourceID != "" {
		query += " AND resource_id = ?"
		args = append(args, f.ResourceID)
	}
	query += " ORDER BY ts ASC, seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "query entries", Err: err}
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "query entries", Err: err}
	}
	return entries, nil
}

// Get implements Repository.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Entry, bool, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+sqliteEntryColumns+" FROM audit_entries WHERE id = ?", id)
	e, err := scanSQLiteEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// Summarize implements Repository.
func (r *SQLiteRepository) Summarize(ctx context.Context, subjectID string) (Summary, error) {
	s := Summary{ByAction: make(map[ActionType]int)}

	rows, err := r.db.QueryContext(ctx,
		`SELECT action_type, COUNT(*), SUM(CASE WHEN signature <> '' THEN 1 ELSE 0 END)
		 FROM audit_entries
		 WHERE (?1 = '' OR subject_id = ?1)
		 GROUP BY action_type`, subjectID,
	)
	if err != nil {
		return Summary{}, &StorageError{Op: "summarize", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var (
			action        string
			total, signed int
		)
		if err := rows.Scan(&action, &total, &signed); err != nil {
			return Summary{}, &StorageError{Op: "summarize", Err: err}
		}
		s.ByAction[ActionType(action)] = total
		s.Entries += total
		s.Signed += signed
	}
	if err := rows.Err(); err != nil {
		return Summary{}, &StorageError{Op: "summarize", Err: err}
	}

	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT subject_id) FROM audit_entries WHERE (?1 = '' OR subject_id = ?1)`,
		subjectID,
	).Scan(&s.Subjects); err != nil {
		return Summary{}, &StorageError{Op: "count subjects", Err: err}
	}
	return s, nil
}

// ListSubjects implements Repository.
func (r *SQLiteRepository) ListSubjects(ctx context.Context, limit int) ([]string, error) {
	query := "SELECT DISTINCT subject_id FROM audit_entries ORDER BY subject_id"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "list subjects", Err: err}
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, &StorageError{Op: "list subjects", Err: err}
		}
		subjects = append(subjects, s)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list subjects", Err: err}
	}
	return subjects, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEntry(row rowScanner) (*Entry, error) {
	var (
		e          Entry
		actionType string
		details    string
		ts         string
	)
	if err := row.Scan(
		&e.ID, &e.SubjectID, &e.ResourceID, &actionType, &details,
		&e.PerformedBy, &ts, &e.ContentHash, &e.PreviousHash, &e.ChainHash, &e.Signature,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, &StorageError{Op: "scan entry", Err: err}
	}
	obj, err := canonical.ParseObject([]byte(details))
	if err != nil {
		return nil, &StorageError{Op: "decode action details", Err: err}
	}
	parsed, err := time.Parse(TimestampLayout, ts)
	if err != nil {
		return nil, &StorageError{Op: "parse timestamp", Err: err}
	}
	e.ActionType = ActionType(actionType)
	e.ActionDetails = obj
	e.Timestamp = parsed
	return &e, nil
}
