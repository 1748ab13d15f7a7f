package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLocal stores every collection in one records table ordered by
// insertion position, plus a single-row session table.
type SQLiteLocal struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
func OpenSQLite(path string) (*SQLiteLocal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	l := &SQLiteLocal{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return l, nil
}

func (l *SQLiteLocal) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			collection TEXT    NOT NULL,
			id         TEXT    NOT NULL,
			position   INTEGER NOT NULL,
			data       BLOB    NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (collection, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_position ON records(collection, position)`,
		`CREATE TABLE IF NOT EXISTS session (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			user_id    TEXT    NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := l.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (l *SQLiteLocal) Close() error { return l.db.Close() }

func (l *SQLiteLocal) List(ctx context.Context, collection string) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, data FROM records WHERE collection = ? ORDER BY position, id`, collection)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var r Record
		var data []byte
		if err := rows.Scan(&r.ID, &data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		r.Data = data
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *SQLiteLocal) Get(ctx context.Context, collection, id string) (Record, bool, error) {
	var data []byte
	err := l.db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE collection = ? AND id = ?`, collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return Record{ID: id, Data: data}, true, nil
}

// Replace clears the collection and writes records in one transaction.
func (l *SQLiteLocal) Replace(ctx context.Context, collection string, records []Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("clear %s: %w", collection, err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (collection, id, position, data, updated_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for i, r := range records {
		if _, err := stmt.ExecContext(ctx, collection, r.ID, i, []byte(r.Data), now); err != nil {
			return fmt.Errorf("insert %s/%s: %w", collection, r.ID, err)
		}
	}
	return tx.Commit()
}

// Put upserts one record. A new record is appended at the end.
func (l *SQLiteLocal) Put(ctx context.Context, collection string, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO records (collection, id, position, data, updated_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM records WHERE collection = ?), ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		collection, rec.ID, collection, []byte(rec.Data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, rec.ID, err)
	}
	return nil
}

func (l *SQLiteLocal) Delete(ctx context.Context, collection, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func (l *SQLiteLocal) Session(ctx context.Context) (string, bool, error) {
	var id string
	err := l.db.QueryRowContext(ctx, `SELECT user_id FROM session WHERE id = 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("session: %w", err)
	}
	return id, true, nil
}

func (l *SQLiteLocal) SetSession(ctx context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO session (id, user_id, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET user_id = excluded.user_id, updated_at = excluded.updated_at`,
		userID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

func (l *SQLiteLocal) ClearSession(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.ExecContext(ctx, `DELETE FROM session`); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Reset drops every record and the session.
func (l *SQLiteLocal) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, s := range []string{`DELETE FROM records`, `DELETE FROM session`} {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	return tx.Commit()
}
