package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/routeledger/pkg/ledger"
)

// Dialect selects placeholder syntax for a database/sql driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect accepts the driver names used in configuration.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", s)
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	seq BIGINT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	data TEXT NOT NULL,
	hash TEXT NOT NULL UNIQUE
);
`

const subjectIndex = `CREATE INDEX IF NOT EXISTS ledger_entries_subject ON ledger_entries (subject_id, seq)`

// SQLStore implements ledger.Store using database/sql.
// It supports both Postgres and SQLite via standard drivers; seq is assigned by the
// store so the primary key also rejects two writers racing for the same position.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL prepares the ledger table on db.
func OpenSQL(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create ledger table: %w", err)
	}
	if _, err := db.ExecContext(ctx, subjectIndex); err != nil {
		return nil, fmt.Errorf("failed to create ledger index: %w", err)
	}
	return s, nil
}

// rebind rewrites ? placeholders into $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Append(ctx context.Context, e ledger.Entry) error {
	return s.AppendBatch(ctx, []ledger.Entry{e})
}

// AppendBatch inserts entries in one transaction, so a failure leaves no partial chain.
func (s *SQLStore) AppendBatch(ctx context.Context, entries []ledger.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq  int64
		head = ledger.ZeroSentinel
	)
	row := tx.QueryRowContext(ctx, `SELECT seq, hash FROM ledger_entries ORDER BY seq DESC LIMIT 1`)
	switch err := row.Scan(&seq, &head); {
	case errors.Is(err, sql.ErrNoRows):
		seq, head = 0, ledger.ZeroSentinel
	case err != nil:
		return fmt.Errorf("failed to read chain head: %w", err)
	}

	if err := ledger.CheckBatch(entries, head); err != nil {
		return err
	}

	query := s.rebind(`INSERT INTO ledger_entries (seq, subject_id, data, hash) VALUES (?, ?, ?, ?)`)
	for i, e := range entries {
		data, err := json.Marshal(e.Record)
		if err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, seq+1+int64(i), e.Record.SubjectID, string(data), e.Digest); err != nil {
			return fmt.Errorf("failed to insert entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit entry: %w", err)
	}
	return nil
}

func (s *SQLStore) GetAll(ctx context.Context) ([]ledger.Entry, error) {
	return s.list(ctx, `SELECT data, hash FROM ledger_entries ORDER BY seq`)
}

// QueryBySubject pushes the subject filter down to the database.
func (s *SQLStore) QueryBySubject(ctx context.Context, subjectID string) ([]ledger.Entry, error) {
	return s.list(ctx, s.rebind(`SELECT data, hash FROM ledger_entries WHERE subject_id = ? ORDER BY seq`), subjectID)
}

func (s *SQLStore) Tail(ctx context.Context) (ledger.Entry, bool, error) {
	var data, hash string
	row := s.db.QueryRowContext(ctx, `SELECT data, hash FROM ledger_entries ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&data, &hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Entry{}, false, nil
		}
		return ledger.Entry{}, false, fmt.Errorf("failed to read chain head: %w", err)
	}
	rec, err := decodeRecord([]byte(data))
	if err != nil {
		return ledger.Entry{}, false, err
	}
	return ledger.Entry{Record: rec, Digest: hash}, true, nil
}

func (s *SQLStore) list(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]ledger.Entry, 0)
	for rows.Next() {
		var data, hash string
		if err := rows.Scan(&data, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		rec, err := decodeRecord([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", len(result), err)
		}
		result = append(result, ledger.Entry{Record: rec, Digest: hash})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
