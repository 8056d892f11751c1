package auditchain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpromedia/evidence-ledger/internal/canonical"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgUniqueViolation is the SQLSTATE for unique constraint failures.
const pgUniqueViolation = "23505"

const pgEntryColumns = `id, subject_id, resource_id, action_type, action_details::text,
	performed_by, ts, content_hash, previous_hash, chain_hash, signature`

// PostgresRepository persists audit chains to PostgreSQL. The schema lives
// in the migrations package.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository creates a PostgresRepository backed by the given pool.
func NewPostgresRepository(pool *pgxpool.Pool, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{pool: pool, logger: logger}
}

// Head implements Repository.
func (r *PostgresRepository) Head(ctx context.Context, subjectID string) (Head, bool, error) {
	return pgHead(ctx, r.pool, subjectID)
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgHead(ctx context.Context, q pgQuerier, subjectID string) (Head, bool, error) {
	var h Head
	err := q.QueryRow(ctx,
		`SELECT chain_hash, ts FROM audit_entries
		 WHERE subject_id = $1
		 ORDER BY ts DESC, seq DESC LIMIT 1`, subjectID,
	).Scan(&h.ChainHash, &h.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return Head{}, false, nil
	}
	if err != nil {
		return Head{}, false, &StorageError{Op: "read head", Err: err}
	}
	h.Timestamp = normalizeTime(h.Timestamp)
	return h, true, nil
}

// Append implements Repository.
// It acquires a subject-scoped advisory lock, re-reads the chain head and
// inserts the entry, all within one transaction. Writers to other subjects
// take different locks and do not wait on each other.
func (r *PostgresRepository) Append(ctx context.Context, e *Entry) error {
	details, err := canonical.EncodeValue(objectOrEmpty(e.ActionDetails))
	if err != nil {
		return fmt.Errorf("encode action details: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return &StorageError{Op: "begin tx", Err: err}
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The lock is released automatically when the transaction ends.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", e.SubjectID); err != nil {
		return &StorageError{Op: "acquire advisory lock", Err: err}
	}

	head, found, err := pgHead(ctx, tx, e.SubjectID)
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

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_entries (id, subject_id, resource_id, action_type, action_details,
		 performed_by, ts, content_hash, previous_hash, chain_hash, signature)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.SubjectID, e.ResourceID, string(e.ActionType), string(details),
		e.PerformedBy, e.Timestamp, e.ContentHash, e.PreviousHash, e.ChainHash, e.Signature,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrConflict
		}
		return &StorageError{Op: "insert entry", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &StorageError{Op: "commit", Err: err}
	}

	r.logger.Debug("audit entry stored",
		zap.String("subject_id", e.SubjectID),
		zap.String("chain_hash", e.ChainHash),
	)
	return nil
}

// List implements Repository.
func (r *PostgresRepository) List(ctx context.Context, f Filter) ([]*Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.SubjectID != "" {
		add("subject_id = $%d", f.SubjectID)
	}
	if f.ActionType != "" {
		add("action_type = $%d", string(f.ActionType))
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}

	query := "SELECT " + pgEntryColumns + " FROM audit_entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts ASC, seq ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "query entries", Err: err}
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanPgEntry(rows)
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
func (r *PostgresRepository) Get(ctx context.Context, id string) (*Entry, bool, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+pgEntryColumns+" FROM audit_entries WHERE id = $1", id)
	e, err := scanPgEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// Summarize implements Repository.
func (r *PostgresRepository) Summarize(ctx context.Context, subjectID string) (Summary, error) {
	s := Summary{ByAction: make(map[ActionType]int)}

	rows, err := r.pool.Query(ctx,
		`SELECT action_type, COUNT(*), COUNT(*) FILTER (WHERE signature <> '')
		 FROM audit_entries
		 WHERE ($1 = '' OR subject_id = $1)
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

	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT subject_id) FROM audit_entries WHERE ($1 = '' OR subject_id = $1)`,
		subjectID,
	).Scan(&s.Subjects); err != nil {
		return Summary{}, &StorageError{Op: "count subjects", Err: err}
	}
	return s, nil
}

// ListSubjects implements Repository.
func (r *PostgresRepository) ListSubjects(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT subject_id FROM audit_entries ORDER BY subject_id LIMIT NULLIF($1::int, 0)`,
		limit,
	)
	if err != nil {
		return nil, &StorageError{Op: "list subjects", Err: err}
	}
	subjects, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, &StorageError{Op: "list subjects", Err: err}
	}
	return subjects, nil
}

func scanPgEntry(row pgx.Row) (*Entry, error) {
	var (
		e          Entry
		actionType string
		details    string
		ts         time.Time
	)
	if err := row.Scan(
		&e.ID, &e.SubjectID, &e.ResourceID, &actionType, &details,
		&e.PerformedBy, &ts, &e.ContentHash, &e.PreviousHash, &e.ChainHash, &e.Signature,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, &StorageError{Op: "scan entry", Err: err}
	}
	obj, err := canonical.ParseObject([]byte(details))
	if err != nil {
		return nil, &StorageError{Op: "decode action details", Err: err}
	}
	e.ActionType = ActionType(actionType)
	e.ActionDetails = obj
	e.Timestamp = normalizeTime(ts)
	return &e, nil
}

func objectOrEmpty(o canonical.Object) canonical.Object {
	if o == nil {
		return canonical.Object{}
	}
	return o
}
