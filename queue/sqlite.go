package queue

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationRoot = "migrations"

// SchemaVersion is the number of migrations this version of the code knows about.
var SchemaVersion = mustCountMigrations()

type SQLiteQueue struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	now        func() time.Time
}

type Option func(*options)

type options struct {
	schemaVersion int
	now           func() time.Time
}

// WithSchemaVersion migrates only up to the given version.
func WithSchemaVersion(v int) Option {
	return func(o *options) {
		if v > 0 {
			o.schemaVersion = v
		}
	}
}

// WithClock overrides the clock used for creation times.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// OpenSQLite opens (or creates) the queue in the given database file and
// brings its schema up to date. An empty filename opens a private in-memory db.
func OpenSQLite(ctx context.Context, filename string, opts ...Option) (*SQLiteQueue, error) {
	o := options{schemaVersion: SchemaVersion, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	dsn := filename
	if dsn == "" {
		dsn = ":memory:"
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dsn+sep+"_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	if filename == "" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err := migrate(ctx, db, o.schemaVersion); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteQueue{
		db:         db,
		writeMutex: &sync.Mutex{},
		now:        o.now,
	}, nil
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

func migrationFiles() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, migrationRoot)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func mustCountMigrations() int {
	files, err := migrationFiles()
	if err != nil {
		panic(err)
	}
	return len(files)
}

// migrate applies each missing migration in its own transaction.
// The applied version is kept in PRAGMA user_version; migrations only ever add.
func migrate(ctx context.Context, db *sql.DB, target int) error {
	var current int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("%w: stored version %d, supported %d", ErrSchemaTooNew, current, SchemaVersion)
	}
	files, err := migrationFiles()
	if err != nil {
		return err
	}
	for version := current + 1; version <= target && version <= len(files); version++ {
		file := files[version-1]
		content, err := fs.ReadFile(migrationFS, migrationRoot+"/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration transaction %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, extractUp(string(content))); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		// pragma arguments cannot be bound
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// extractUp returns the SQL in the -- +migrate Up section.
func extractUp(content string) string {
	upIdx := strings.Index(content, "-- +migrate Up")
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, "-- +migrate Down")
	if downIdx == -1 {
		return content[upIdx+len("-- +migrate Up"):]
	}
	return content[upIdx+len("-- +migrate Up") : downIdx]
}

// Version returns the schema version stored in the database.
func (q *SQLiteQueue) Version(ctx context.Context) (int, error) {
	var v int
	err := q.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

func (q *SQLiteQueue) Append(ctx context.Context, d Draft) (int64, error) {
	if strings.TrimSpace(d.Title) == "" {
		return 0, ErrEmptyTitle
	}
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var last int64
	err = tx.QueryRowContext(ctx, "SELECT last_created FROM queue_clock WHERE id = 1").Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read queue clock: %w", err)
	}
	created := nextCreated(q.now(), last)

	result, err := tx.ExecContext(ctx,
		"INSERT INTO entries (title, notes, created) VALUES (?, ?, ?)",
		d.Title, d.Notes, created)
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO queue_clock (id, last_created) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET last_created = excluded.last_created`, created); err != nil {
		return 0, fmt.Errorf("advance queue clock: %w", err)
	}
	return id, tx.Commit()
}

func (q *SQLiteQueue) ListAll(ctx context.Context) ([]Record, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT id, title, notes, created FROM entries ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := make([]Record, 0)
	for rows.Next() {
		var rec Record
		var created int64
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Notes, &created); err != nil {
			return records, err
		}
		rec.CreatedAt = time.UnixMilli(created)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (q *SQLiteQueue) RemoveByID(ctx context.Context, id int64) error {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	_, err := q.db.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id)
	return err
}

func (q *SQLiteQueue) Clear(ctx context.Context) error {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	_, err := q.db.ExecContext(ctx, "DELETE FROM entries")
	return err
}

func (q *SQLiteQueue) Count(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&n)
	return n, err
}
