// Package journal keeps a per-user activity log of classified batch
// outcomes in SQLite, alongside the entity store.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/pulldb/internal/bulk"
)

// Entry is one classified item of a recorded batch.
type Entry struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Op        string    `json:"op"`
	Bucket    string    `json:"bucket"`
	Item      string    `json:"item"`
	CreatedAt time.Time `json:"created_at"`
}

// Journal holds separate write and read connections. The write connection
// is limited to one open conn to serialize writes.
type Journal struct {
	write *sql.DB
	read  *sql.DB
	now   func() time.Time
}

// Open creates or opens dataDir/journal.db in WAL mode and creates the
// schema if needed.
func Open(dataDir string) (*Journal, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "journal.db")
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	write, err := openConn(dsn)
	if err != nil {
		return nil, fmt.Errorf("open write connection: %w", err)
	}
	write.SetMaxOpenConns(1)
	read, err := openConn(dsn)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read connection: %w", err)
	}
	j := &Journal{write: write, read: read, now: time.Now}
	if err := j.migrate(); err != nil {
		j.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	slog.Info("journal opened", "path", path)
	return j, nil
}

// OpenMemory opens a private in-memory journal. Reads and writes share one
// connection, since every connection to :memory: is a separate database.
func OpenMemory() (*Journal, error) {
	db, err := openConn(":memory:")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	j := &Journal{write: db, read: db, now: time.Now}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

func openConn(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (j *Journal) migrate() error {
	_, err := j.write.Exec(`
		CREATE TABLE IF NOT EXISTS activity (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    TEXT NOT NULL,
			op         TEXT NOT NULL,
			bucket     TEXT NOT NULL,
			item       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_activity_user ON activity(user_id, id);
	`)
	return err
}

// Record appends every classified item of res under op, in one
// transaction.
func (j *Journal) Record(ctx context.Context, user, op string, res bulk.Results) error {
	if res.Total() == 0 {
		return nil
	}
	tx, err := j.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO activity (user_id, op, bucket, item, created_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare journal insert: %w", err)
	}
	defer stmt.Close()

	created := j.now().UTC().Format(time.RFC3339Nano)
	var insertErr error
	res.Each(func(b bulk.Bucket, item string) {
		if insertErr != nil {
			return
		}
		_, insertErr = stmt.ExecContext(ctx, user, op, string(b), item, created)
	})
	if insertErr != nil {
		return fmt.Errorf("insert journal entry: %w", insertErr)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit journal tx: %w", err)
	}
	return nil
}

// Recent returns the user's latest entries, newest first.
func (j *Journal) Recent(ctx context.Context, user string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.read.QueryContext(ctx, `
		SELECT id, user_id, op, bucket, item, created_at
		FROM activity
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT ?`, user, limit)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Op, &e.Bucket, &e.Item, &created); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parse activity time %q: %w", created, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes all connections.
func (j *Journal) Close() error {
	err := j.write.Close()
	if j.read != j.write {
		if rerr := j.read.Close(); err == nil {
			err = rerr
		}
	}
	return err
}
