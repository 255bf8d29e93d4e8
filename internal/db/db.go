// Package db stores the activity log and per-account statistics in SQLite.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB is an open activity database.
type DB struct {
	path string
	conn *sql.DB
}

// OpenAt opens or creates the database at path and applies migrations. A
// corrupt file is moved aside to <path>.corrupt.<timestamp> and recreated.
func OpenAt(path string) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("path is required")
	}
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	conn, err := openAndInit(clean)
	if err != nil && isCorruptSQLiteError(err) {
		if qerr := quarantine(clean, time.Now()); qerr != nil {
			return nil, fmt.Errorf("db appears corrupt (%v): %w", err, qerr)
		}
		conn, err = openAndInit(clean)
	}
	if err != nil {
		return nil, err
	}
	return &DB{path: clean, conn: conn}, nil
}

// quarantine moves a damaged database and its WAL sidecars out of the way.
func quarantine(path string, now time.Time) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	backup := path + ".corrupt." + now.UTC().Format("20060102T150405Z")
	if err := os.Rename(path, backup); err != nil {
		return fmt.Errorf("move aside: %w", err)
	}
	return renameSQLiteSidecars(path, backup)
}

// Close closes the database.
func (d *DB) Close() error {
	if d == nil || d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

// Checkpoint flushes the WAL into the main database file. Called before
// Close on shutdown so the file is self-contained for backups.
func (d *DB) Checkpoint() error {
	if d == nil || d.conn == nil {
		return fmt.Errorf("db is not open")
	}
	if _, err := d.conn.Exec(`PRAGMA wal_checkpoint(TRUNCATE);`); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// Conn returns the underlying connection pool.
func (d *DB) Conn() *sql.DB {
	if d == nil {
		return nil
	}
	return d.conn
}

// Path returns the database file location.
func (d *DB) Path() string {
	if d == nil {
		return ""
	}
	return d.path
}

// DefaultPath returns $STEAMBOOST_HOME/data/steamboost.db, falling back to
// ~/.steamboost.
func DefaultPath() string {
	if home := os.Getenv("STEAMBOOST_HOME"); home != "" {
		return filepath.Join(home, "data", "steamboost.db")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".steamboost", "data", "steamboost.db")
	}
	return filepath.Join(homeDir, ".steamboost", "data", "steamboost.db")
}

func openAndInit(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite PRAGMAs are per-connection; keep a single shared connection.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := initConn(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func initConn(conn *sql.DB) error {
	if err := conn.Ping(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if err := applyPragmas(conn); err != nil {
		return err
	}
	return RunMigrations(conn)
}

func dsn(path string) string {
	// Use an explicit file: DSN so we can pass mode=rwc for auto-create.
	return "file:" + filepath.ToSlash(path) + "?mode=rwc"
}

// pragmas are applied to the single shared connection after opening.
var pragmas = []string{
	`PRAGMA journal_mode=WAL;`,
	`PRAGMA synchronous=NORMAL;`,
	`PRAGMA busy_timeout=5000;`,
	`PRAGMA foreign_keys=ON;`,
}

func applyPragmas(conn *sql.DB) error {
	if conn == nil {
		return fmt.Errorf("conn is nil")
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", strings.TrimSuffix(p, ";"), err)
		}
	}
	return nil
}

func isCorruptSQLiteError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrInvalid) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "file is not a database") || strings.Contains(msg, "malformed")
}

func renameSQLiteSidecars(path, backupPath string) error {
	for _, suffix := range []string{"-wal", "-shm"} {
		oldPath := path + suffix
		if _, err := os.Stat(oldPath); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("stat %s: %w", oldPath, err)
		}
		if err := os.Rename(oldPath, backupPath+suffix); err != nil {
			return fmt.Errorf("rename %s: %w", oldPath, err)
		}
	}
	return nil
}
