// Package data provides the SQLite-backed session store for antigravity.
// It uses modernc.org/sqlite for pure-Go, CGO-free database access.
package data

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/001_sessions.sql
var sessionsSchema string

// Store provides access to the SQLite database.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewDB opens (creating if needed) the database at dbPath and applies the schema.
// The parent directory must be on a local filesystem.
func NewDB(dbPath string, log zerolog.Logger) (*Store, error) {
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	if err := validateLocalPath(dataDir); err != nil {
		return nil, fmt.Errorf("validate data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db, log: log.With().Str("component", "data").Logger()}

	if err := store.initPragmas(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize pragmas: %w", err)
	}

	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

// initPragmas configures SQLite for durability of synchronous writes.
func (s *Store) initPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL", // every committed turn survives a crash
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Migrate runs all embedded schema migrations.
// This is idempotent - safe to call multiple times.
func (s *Store) Migrate() error {
	migrations := []struct {
		name   string
		schema string
	}{
		{"sessions", sessionsSchema},
	}

	for _, m := range migrations {
		if err := s.runMigration(m.name, m.schema); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}

	return nil
}

// runMigration executes a single migration schema inside a transaction.
func (s *Store) runMigration(name, schema string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for i, stmt := range splitSQL(schema) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("execute statement %d: %w\nSQL: %s", i+1, err, stmt)
			}
		}
		s.log.Debug().Str("migration", name).Msg("migration applied")
		return nil
	})
}

// Health checks if the database connection is alive and responsive.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("health check returned unexpected value: %d", result)
	}
	return nil
}

// Close flushes the WAL and closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn().Err(err).Msg("WAL checkpoint failed")
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// WithTx executes a function within a transaction.
// If the function returns an error, the transaction is rolled back.
// Otherwise, it is committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// validateLocalPath ensures the path is on a local, writable filesystem.
// Network paths (SMB, NFS, etc.) can cause SQLite corruption.
func validateLocalPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve absolute path: %w", err)
	}

	networkPrefixes := []string{
		"//",   // UNC paths (Windows)
		`\\`,   // UNC paths (Windows alternative)
		"/net/", // macOS network mounts
	}
	for _, prefix := range networkPrefixes {
		if strings.HasPrefix(absPath, prefix) {
			return fmt.Errorf("network path detected: %s (SQLite requires local filesystem)", absPath)
		}
	}

	testFile := filepath.Join(path, ".antigravity-write-test")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}
	os.Remove(testFile)

	return nil
}

// splitSQL splits a multi-statement SQL string into individual statements.
// Comment lines are dropped; semicolons inside quoted strings do not split.
func splitSQL(sql string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	stringChar := rune(0)

	for _, line := range strings.Split(sql, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}

		for _, ch := range line {
			if (ch == '\'' || ch == '"') && !inString {
				inString = true
				stringChar = ch
			} else if ch == stringChar && inString {
				inString = false
				stringChar = 0
			}

			current.WriteRune(ch)

			if ch == ';' && !inString {
				if stmt := strings.TrimSpace(current.String()); stmt != "" {
					statements = append(statements, stmt)
				}
				current.Reset()
			}
		}
		current.WriteRune('\n')
	}

	if final := strings.TrimSpace(current.String()); final != "" {
		statements = append(statements, final)
	}
	return statements
}
