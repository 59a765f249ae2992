package saga

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTableName is used when NewPostgresStorage gets an empty table name.
const DefaultTableName = "saga_snapshots"

// PostgresSchema returns the DDL for the snapshot table.
func PostgresSchema(tableName string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			snapshot JSONB NOT NULL,
			active BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		)`, tableName)
}

// PostgresStorage implements RecoveryStorage using PostgreSQL.
type PostgresStorage struct {
	db        *sql.DB
	tableName string
}

// NewPostgresStorage creates a new PostgresStorage.
// tableName defaults to DefaultTableName if empty.
func NewPostgresStorage(db *sql.DB, tableName string) (*PostgresStorage, error) {
	if tableName == "" {
		tableName = DefaultTableName
	}
	if !validTableName.MatchString(tableName) {
		return nil, fmt.Errorf("invalid table name: %s", tableName)
	}
	return &PostgresStorage{db: db, tableName: tableName}, nil
}

// CreateSchema creates the snapshot table if it does not exist.
func (s *PostgresStorage) CreateSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, PostgresSchema(s.tableName)); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// NotifyTransactionStarted claims the row for a new session. It fails with
// a TransactionLockedError while another session is marked active.
func (s *PostgresStorage) NotifyTransactionStarted(ctx context.Context, data *TransactionData) error {
	snapshot, err := data.Encode()
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (name, session_id, snapshot, active, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT (name) DO UPDATE
		SET session_id = EXCLUDED.session_id, snapshot = EXCLUDED.snapshot,
			active = TRUE, updated_at = CURRENT_TIMESTAMP
		WHERE %[1]s.active = FALSE OR %[1]s.session_id = EXCLUDED.session_id
	`, s.tableName)

	result, err := s.db.ExecContext(ctx, query, data.Name, data.SessionID, snapshot)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return NewTransactionLockedError(data.Name)
	}
	return nil
}

// SaveSnapshot persists the current transaction data.
func (s *PostgresStorage) SaveSnapshot(ctx context.Context, data *TransactionData) error {
	snapshot, err := data.Encode()
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (name, session_id, snapshot, active, created_at, updated_at)
		VALUES ($1, $2, $3, FALSE, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT (name) DO UPDATE
		SET session_id = EXCLUDED.session_id, snapshot = EXCLUDED.snapshot,
			updated_at = CURRENT_TIMESTAMP
	`, s.tableName)

	if _, err := s.db.ExecContext(ctx, query, data.Name, data.SessionID, snapshot); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// RecoverSnapshot retrieves the snapshot for name.
func (s *PostgresStorage) RecoverSnapshot(ctx context.Context, name string) (*TransactionData, error) {
	query := fmt.Sprintf(`SELECT snapshot FROM %s WHERE name = $1`, s.tableName)
	var snapshot []byte
	err := s.db.QueryRowContext(ctx, query, name).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return DecodeTransactionData(snapshot)
}

// RemoveSnapshot deletes the row of data's session.
func (s *PostgresStorage) RemoveSnapshot(ctx context.Context, data *TransactionData) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE name = $1 AND session_id = $2`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, data.Name, data.SessionID); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// NotifyTransactionEnded clears the active flag.
func (s *PostgresStorage) NotifyTransactionEnded(ctx context.Context, data *TransactionData) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET active = FALSE, updated_at = CURRENT_TIMESTAMP
		WHERE name = $1 AND session_id = $2
	`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, data.Name, data.SessionID); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	return nil
}

// List retrieves snapshots matching the filter, most recently updated first.
func (s *PostgresStorage) List(ctx context.Context, filter SnapshotFilter) (*SnapshotList, error) {
	where := " WHERE 1=1"
	args := []any{}
	argIndex := 1

	if filter.Active != nil {
		where += fmt.Sprintf(" AND active = $%d", argIndex)
		args = append(args, *filter.Active)
		argIndex++
	}

	if filter.UpdatedBefore != nil {
		where += fmt.Sprintf(" AND updated_at < $%d", argIndex)
		args = append(args, *filter.UpdatedBefore)
		argIndex++
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.tableName) + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count: %w", err)
	}

	query := fmt.Sprintf(`SELECT name, session_id, snapshot, active, created_at, updated_at FROM %s`, s.tableName) +
		where + fmt.Sprintf(" ORDER BY updated_at DESC LIMIT %d", filter.limit())
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var records []SnapshotRecord
	for rows.Next() {
		rec, err := scanSnapshotRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	return &SnapshotList{Snapshots: records, Total: total}, nil
}

// Get retrieves the snapshot record for name.
func (s *PostgresStorage) Get(ctx context.Context, name string) (*SnapshotRecord, error) {
	query := fmt.Sprintf(`
		SELECT name, session_id, snapshot, active, created_at, updated_at
		FROM %s WHERE name = $1
	`, s.tableName)

	rec, err := scanSnapshotRecord(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// Discard deletes the row for name regardless of session.
func (s *PostgresStorage) Discard(ctx context.Context, name string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE name = $1`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshotRecord(row rowScanner) (*SnapshotRecord, error) {
	var (
		rec      SnapshotRecord
		snapshot []byte
	)
	if err := row.Scan(
		&rec.Name,
		&rec.SessionID,
		&snapshot,
		&rec.Active,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan: %w", err)
	}
	data, err := DecodeTransactionData(snapshot)
	if err != nil {
		return nil, err
	}
	rec.Data = data
	return &rec, nil
}

// Ensure PostgresStorage implements RecoveryStorage and Inspector.
var (
	_ RecoveryStorage = (*PostgresStorage)(nil)
	_ Inspector       = (*PostgresStorage)(nil)
)
