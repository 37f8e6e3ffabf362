package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/kalambet/sqlagent/internal/extract"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite database that holds the agent's target tables, the
// run log and the vector index registry.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and runs pending
// migrations. Pass ":memory:" for an in-memory database (used by tests).
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// WAL lets other sessions read the tables while a run writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the connection for packages that keep their own tables.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// QuoteIdent quotes a table or column name for use in SQL text.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// --- Target tables ---

// TableSchema returns the ordered columns of table. A missing table yields
// an empty schema and no error.
func (s *Store) TableSchema(ctx context.Context, table string) (extract.Schema, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info("+QuoteIdent(table)+")")
	if err != nil {
		return nil, fmt.Errorf("reading schema of %s: %w", table, err)
	}
	defer rows.Close()

	var schema extract.Schema
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return nil, fmt.Errorf("scanning column info: %w", err)
		}
		schema = append(schema, extract.NewColumn(name, typ))
	}
	return schema, rows.Err()
}

// InsertRows inserts rows into table in a single transaction. Each row is
// aligned with columns. The first failing row rolls back every insert.
func (s *Store) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("inserting into %s: no columns", table)
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = QuoteIdent(c)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (?%s)",
		QuoteIdent(table), strings.Join(quoted, ", "), strings.Repeat(", ?", len(columns)-1))
	slog.Debug("insert statement", "sql", query, "rows", len(rows))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for i, row := range rows {
		if len(row) != len(columns) {
			tx.Rollback()
			return 0, fmt.Errorf("row %d has %d values, want %d", i, len(row), len(columns))
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("inserting row %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing inserts: %w", err)
	}
	return len(rows), nil
}

// EmbedFunc returns the embedding of text.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// EmbedColumn fills column for every row of table where it is NULL. The
// embedded text is the ordered concatenation of sources joined by sep, with
// NULL sources read as empty strings. Vectors are written as little-endian
// float32 blobs in one transaction. It returns the number of rows updated.
func (s *Store) EmbedColumn(ctx context.Context, table, column string, sources []string, sep string, embed EmbedFunc) (int, error) {
	if len(sources) == 0 {
		return 0, fmt.Errorf("embedding %s.%s: no source columns", table, column)
	}

	parts := make([]string, len(sources))
	for i, src := range sources {
		parts[i] = "COALESCE(" + QuoteIdent(src) + ", '')"
	}
	sepLit := "'" + strings.ReplaceAll(sep, "'", "''") + "'"
	query := fmt.Sprintf("SELECT rowid, %s FROM %s WHERE %s IS NULL",
		strings.Join(parts, " || "+sepLit+" || "), QuoteIdent(table), QuoteIdent(column))
	slog.Debug("embedding source query", "sql", query)

	type pending struct {
		rowID int64
		text  string
	}
	var todo []pending

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("selecting rows to embed: %w", err)
	}
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.rowID, &p.text); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning row to embed: %w", err)
		}
		todo = append(todo, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterating rows to embed: %w", err)
	}
	rows.Close()

	if len(todo) == 0 {
		return 0, nil
	}

	blobs := make([][]byte, len(todo))
	for i, p := range todo {
		vec, err := embed(ctx, p.text)
		if err != nil {
			return 0, fmt.Errorf("embedding row %d: %w", p.rowID, err)
		}
		blobs[i] = EncodeVector(vec)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning embedding transaction: %w", err)
	}
	update := fmt.Sprintf("UPDATE %s SET %s = ? WHERE rowid = ? AND %s IS NULL",
		QuoteIdent(table), QuoteIdent(column), QuoteIdent(column))
	stmt, err := tx.PrepareContext(ctx, update)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("preparing embedding update: %w", err)
	}
	defer stmt.Close()

	updated := 0
	for i, p := range todo {
		res, err := stmt.ExecContext(ctx, blobs[i], p.rowID)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("updating embedding for row %d: %w", p.rowID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			updated += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing embeddings: %w", err)
	}
	return updated, nil
}

// --- Ad hoc SQL ---

// Exec runs a statement that returns no rows.
func (s *Store) Exec(ctx context.Context, statement string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, statement, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Query runs a read query and returns column names and rows. BLOB values
// are summarized rather than returned raw.
func (s *Store) Query(ctx context.Context, query string, args ...any) ([]string, [][]any, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = fmt.Sprintf("<blob %d bytes>", len(b))
			}
		}
		out = append(out, vals)
	}
	return cols, out, rows.Err()
}
