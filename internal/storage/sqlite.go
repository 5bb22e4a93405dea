package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so that lexical order of stored timestamps equals
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// readConns bounds the read-only pool. WAL lets these readers run alongside
// the writer.
const readConns = 4

// Store wraps a SQLite database and hands out transactions over it. Writes go
// through a single connection; reads use a separate read-only pool.
type Store struct {
	db     *sql.DB
	readDB *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests). An
// in-memory database has no read pool; reads share the writer connection.
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "quire.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single writer connection means at most one write transaction is open
	// at a time, which makes every write transaction serializable.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %q: %w", p, err)
		}
	}

	s := &Store{db: db, readDB: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	if dsn != ":memory:" {
		readDB, err := openReadPool(dsn)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.readDB = readDB
	}
	return s, nil
}

// openReadPool opens query-only connections to the database file.
func openReadPool(file string) (*sql.DB, error) {
	readDB, err := sql.Open("sqlite", file+"?_pragma=busy_timeout(5000)&_pragma=query_only(1)")
	if err != nil {
		return nil, fmt.Errorf("opening read pool: %w", err)
	}
	if err := readDB.Ping(); err != nil {
		readDB.Close()
		return nil, fmt.Errorf("pinging read pool: %w", err)
	}
	readDB.SetMaxOpenConns(readConns)
	readDB.SetMaxIdleConns(readConns)
	return readDB, nil
}

// Close closes the writer connection and the read pool.
func (s *Store) Close() error {
	var readErr error
	if s.readDB != s.db {
		readErr = s.readDB.Close()
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	return readErr
}

// DB returns the writer handle. Callers must not use it while a transaction
// is open on the same goroutine.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate applies every embedded migration newer than the recorded schema
// version. Each migration runs in its own transaction together with its
// schema_version row.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	pending, err := s.pendingMigrations(ctx)
	if err != nil {
		return err
	}
	for _, m := range pending {
		err := s.RunInTransaction(ctx, func(tx *Tx) (Decision, error) {
			if _, err := tx.tx.ExecContext(ctx, m.sql); err != nil {
				return Rollback, fmt.Errorf("applying migration %d: %w", m.version, err)
			}
			if _, err := tx.tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
				return Rollback, fmt.Errorf("recording migration %d: %w", m.version, err)
			}
			return Commit, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

type migration struct {
	version int
	sql     string
}

// pendingMigrations returns the embedded migrations above the highest
// applied version, lowest first.
func (s *Store) pendingMigrations(ctx context.Context) ([]migration, error) {
	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return nil, fmt.Errorf("reading schema version: %w", err)
	}

	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}
	var out []migration
	for _, name := range names {
		base := path.Base(name)
		version, err := strconv.Atoi(strings.SplitN(base, "_", 2)[0])
		if err != nil {
			return nil, fmt.Errorf("migration %q has no numeric prefix: %w", base, err)
		}
		if version <= current {
			continue
		}
		b, err := migrationsFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", base, err)
		}
		out = append(out, migration{version: version, sql: string(b)})
	}
	slices.SortFunc(out, func(a, b migration) int { return a.version - b.version })
	return out, nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.readDB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v)
	return v, err
}

// Decision tells RunInTransaction whether to keep the writes made by fn.
type Decision int

const (
	Commit Decision = iota + 1
	Rollback
)

// RunInTransaction runs fn inside a serializable transaction. The transaction
// commits iff fn returns Commit and a nil error. A non-nil error rolls back
// and is returned as is. A panic in fn rolls back and is re-raised.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *Tx) (Decision, error)) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	tx := &Tx{tx: sqlTx}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := sqlTx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone && err == nil {
			err = fmt.Errorf("rolling back transaction: %w", rbErr)
		}
	}()

	decision, err := fn(tx)
	if err != nil {
		return err
	}
	if decision != Commit {
		return nil
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	committed = true
	return nil
}

// RunInReadTransaction runs fn inside a transaction on the read pool. fn sees
// a consistent snapshot of committed data and does not wait for an open write
// transaction. Writes through tx fail; the transaction always rolls back.
func (s *Store) RunInReadTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.readDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning read transaction: %w", err)
	}
	defer sqlTx.Rollback()
	return fn(&Tx{tx: sqlTx})
}

// Tx is an open transaction. Repositories obtained from it share its
// connection and see its uncommitted writes.
type Tx struct {
	tx *sql.Tx

	mu  sync.Mutex
	seq int
}

// Savepoint identifies a nested rollback point inside a transaction.
type Savepoint struct {
	name string
}

// CreateSavepoint opens a nested rollback point.
func (t *Tx) CreateSavepoint(ctx context.Context) (Savepoint, error) {
	t.mu.Lock()
	t.seq++
	sp := Savepoint{name: fmt.Sprintf("sp_%d", t.seq)}
	t.mu.Unlock()
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+sp.name); err != nil {
		return Savepoint{}, fmt.Errorf("creating savepoint: %w", err)
	}
	return sp, nil
}

// RollbackToSavepoint undoes every write made since sp was created. The
// savepoint stays open and can be rolled back to again.
func (t *Tx) RollbackToSavepoint(ctx context.Context, sp Savepoint) error {
	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp.name); err != nil {
		return fmt.Errorf("rolling back to savepoint %s: %w", sp.name, err)
	}
	return nil
}

// ReleaseSavepoint folds the savepoint's writes into the enclosing transaction.
func (t *Tx) ReleaseSavepoint(ctx context.Context, sp Savepoint) error {
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp.name); err != nil {
		return fmt.Errorf("releasing savepoint %s: %w", sp.name, err)
	}
	return nil
}

// Jobs returns the background job repository bound to t.
func (t *Tx) Jobs() JobRepo { return JobRepo{tx: t.tx} }

// Collections returns the collection repository bound to t.
func (t *Tx) Collections() CollectionRepo { return CollectionRepo{tx: t.tx} }

// Documents returns the document and version repository bound to t.
func (t *Tx) Documents() DocumentRepo { return DocumentRepo{tx: t.tx} }

// Conversations returns the conversation repository bound to t.
func (t *Tx) Conversations() ConversationRepo { return ConversationRepo{tx: t.tx} }

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// checkAffected turns a zero-row update into ErrNotFound.
func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
