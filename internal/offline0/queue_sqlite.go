package offline0

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteQueueSchema = `CREATE TABLE IF NOT EXISTS analytics_queue (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	payload BLOB NOT NULL
)`

type sqliteQueue struct {
	db *sql.DB
}

// NewSQLiteQueue keeps the queue in a SQLite database file at path.
func NewSQLiteQueue(path string) (QueueStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite queue path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer keeps seq order equal to append order
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteQueueSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create queue table: %w", err)
	}
	return &sqliteQueue{db: db}, nil
}

func (q *sqliteQueue) Append(ctx context.Context, event json.RawMessage) error {
	if err := validateEvent(event); err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx, `INSERT INTO analytics_queue (payload) VALUES (?)`, []byte(event)); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (q *sqliteQueue) ReadAll(ctx context.Context) ([]json.RawMessage, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT payload FROM analytics_queue ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	defer rows.Close()
	var out []json.RawMessage
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("read queue: %w", err)
		}
		out = append(out, json.RawMessage(payload))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	return out, nil
}

func (q *sqliteQueue) Clear(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM analytics_queue`); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

func (q *sqliteQueue) Trim(ctx context.Context, n int) error {
	if n < 0 {
		return q.Clear(ctx)
	}
	if n == 0 {
		return nil
	}
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM analytics_queue WHERE seq IN (SELECT seq FROM analytics_queue ORDER BY seq LIMIT ?)`, n)
	if err != nil {
		return fmt.Errorf("trim queue: %w", err)
	}
	return nil
}

func (q *sqliteQueue) Close() error {
	return q.db.Close()
}
