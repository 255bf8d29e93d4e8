package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openWithPath(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "steamboost.db")
	d, err := OpenAt(path)
	if err != nil {
		t.Fatalf("OpenAt() error = %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d, path
}

func columns(t *testing.T, conn *sql.DB, table string) map[string]bool {
	t.Helper()
	rows, err := conn.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		t.Fatalf("table_info(%s) error = %v", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan column: %v", err)
		}
		cols[name] = true
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	return cols
}

func appliedVersions(t *testing.T, conn *sql.DB) []int {
	t.Helper()
	rows, err := conn.Query(`SELECT version FROM schema_version ORDER BY version`)
	if err != nil {
		t.Fatalf("read schema_version: %v", err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			t.Fatalf("scan version: %v", err)
		}
		out = append(out, v)
	}
	return out
}

func TestSchemaVersion(t *testing.T) {
	if got := SchemaVersion(); got != 2 {
		t.Fatalf("SchemaVersion() = %d, want 2", got)
	}
}

func TestOpenAt_SchemaMatchesMigrations(t *testing.T) {
	d, _ := openWithPath(t)

	activity := columns(t, d.Conn(), "activity_log")
	for _, col := range []string{"id", "timestamp", "account_id", "event_type", "details"} {
		if !activity[col] {
			t.Errorf("activity_log missing column %s", col)
		}
	}

	stats := columns(t, d.Conn(), "account_stats")
	for _, col := range []string{
		"account_id", "total_logins", "total_errors", "total_retries",
		"last_login", "last_error", "usage_minutes", "accrued_minutes", "usage_updated",
	} {
		if !stats[col] {
			t.Errorf("account_stats missing column %s", col)
		}
	}

	for _, idx := range []string{"idx_activity_timestamp", "idx_activity_account"} {
		var name string
		if err := d.Conn().QueryRow(`SELECT name FROM sqlite_master WHERE type='index' AND name=?`, idx).Scan(&name); err != nil {
			t.Errorf("index %s missing: %v", idx, err)
		}
	}

	got := appliedVersions(t, d.Conn())
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("applied versions = %v, want [1 2]", got)
	}

	// A second run is a no-op.
	if err := RunMigrations(d.Conn()); err != nil {
		t.Fatalf("RunMigrations() second run error = %v", err)
	}
	if got := appliedVersions(t, d.Conn()); len(got) != 2 {
		t.Fatalf("applied versions after rerun = %v, want two rows", got)
	}
}

func TestOpenAt_UpgradesVersionOneDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steamboost.db")

	// Build a database as the first release left it.
	raw, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	if err := ensureSchemaVersionTable(raw); err != nil {
		t.Fatalf("ensureSchemaVersionTable() error = %v", err)
	}
	if _, err := raw.Exec(migrations[0].Up); err != nil {
		t.Fatalf("apply v1: %v", err)
	}
	if _, err := raw.Exec(`INSERT INTO schema_version(version) VALUES (1)`); err != nil {
		t.Fatalf("record v1: %v", err)
	}
	if _, err := raw.Exec(`INSERT INTO account_stats (account_id, total_logins) VALUES ('main', 7)`); err != nil {
		t.Fatalf("seed stats: %v", err)
	}
	if err := raw.Close(); err != nil {
		t.Fatalf("close raw: %v", err)
	}

	d, err := OpenAt(path)
	if err != nil {
		t.Fatalf("OpenAt() error = %v", err)
	}
	defer d.Close()

	var version int
	if err := d.Conn().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != SchemaVersion() {
		t.Fatalf("version after upgrade = %d, want %d", version, SchemaVersion())
	}

	stats, err := d.Stats("main")
	if err != nil || stats == nil {
		t.Fatalf("Stats() = %v, %v", stats, err)
	}
	if stats.TotalLogins != 7 || stats.UsageMinutes != 0 {
		t.Fatalf("upgraded row = logins %d usage %d, want 7 and 0", stats.TotalLogins, stats.UsageMinutes)
	}

	if err := d.LogEvent(Event{AccountID: "main", EventType: EventUsage, Details: "current=90 accrued=15"}); err != nil {
		t.Fatalf("LogEvent(usage) error = %v", err)
	}
	stats, _ = d.Stats("main")
	if stats.UsageMinutes != 90 || stats.AccruedMinutes != 15 {
		t.Fatalf("usage after upgrade = %d/%d, want 90/15", stats.UsageMinutes, stats.AccruedMinutes)
	}
}

func TestRunMigrations_FailureRollsBack(t *testing.T) {
	d, _ := openWithPath(t)

	saved := migrations
	t.Cleanup(func() { migrations = saved })
	migrations = append(append([]Migration(nil), saved...),
		Migration{Version: 3, Name: "adds_table", Up: `CREATE TABLE extra (id INTEGER);`},
		Migration{Version: 4, Name: "broken", Up: `THIS IS NOT SQL;`},
	)

	err := RunMigrations(d.Conn())
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("RunMigrations() error = %v, want failure naming the migration", err)
	}

	if got := appliedVersions(t, d.Conn()); len(got) != 2 {
		t.Fatalf("applied versions = %v, want unchanged [1 2]", got)
	}
	var name string
	err = d.Conn().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='extra'`).Scan(&name)
	if err != sql.ErrNoRows {
		t.Fatalf("table from rolled-back batch exists (err = %v)", err)
	}
}

func TestRunMigrations_RejectsEmptyUp(t *testing.T) {
	d, _ := openWithPath(t)

	saved := migrations
	t.Cleanup(func() { migrations = saved })
	migrations = append(append([]Migration(nil), saved...), Migration{Version: 3, Name: "empty"})

	if err := RunMigrations(d.Conn()); err == nil {
		t.Fatal("RunMigrations() with empty Up should fail")
	}
	if err := RunMigrations(nil); err == nil {
		t.Fatal("RunMigrations(nil) should fail")
	}
}

func TestOpenAt_EnablesWALMode(t *testing.T) {
	d, _ := openWithPath(t)

	var mode string
	if err := d.Conn().QueryRow(`PRAGMA journal_mode;`).Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode error = %v", err)
	}
	if strings.ToLower(mode) != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}
}

func TestOpenAt_RequiresPath(t *testing.T) {
	if _, err := OpenAt("  "); err == nil {
		t.Fatal("OpenAt(blank) should fail")
	}
}

func TestOpenAt_CreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "nested", "steamboost.db")
	d, err := OpenAt(path)
	if err != nil {
		t.Fatalf("OpenAt() error = %v", err)
	}
	defer d.Close()
	if d.Path() != path {
		t.Fatalf("Path() = %q, want %q", d.Path(), path)
	}
}

func TestOpenAt_CorruptFileQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "steamboost.db")

	if err := os.WriteFile(path, []byte("not a database"), 0600); err != nil {
		t.Fatalf("write corrupt db: %v", err)
	}
	if err := os.WriteFile(path+"-wal", []byte("stale wal"), 0600); err != nil {
		t.Fatalf("write wal: %v", err)
	}

	d, err := OpenAt(path)
	if err != nil {
		t.Fatalf("OpenAt() error = %v", err)
	}
	defer d.Close()

	backups, _ := filepath.Glob(path + ".corrupt.*")
	var main, wal string
	for _, b := range backups {
		if strings.HasSuffix(b, "-wal") {
			wal = b
		} else if !strings.HasSuffix(b, "-shm") {
			main = b
		}
	}
	if main == "" || wal == "" {
		t.Fatalf("backups = %v, want the database and its wal", backups)
	}
	if data, _ := os.ReadFile(main); string(data) != "not a database" {
		t.Fatalf("backup content = %q", data)
	}

	// The recreated database is usable.
	if err := d.LogEvent(Event{AccountID: "main", EventType: EventLoggedOn}); err != nil {
		t.Fatalf("LogEvent() on recreated db error = %v", err)
	}
}

func TestQuarantine_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.db")
	if err := quarantine(path, time.Now()); err != nil {
		t.Fatalf("quarantine(missing) error = %v", err)
	}
	if backups, _ := filepath.Glob(path + ".corrupt.*"); len(backups) != 0 {
		t.Fatalf("unexpected backups %v", backups)
	}
}

func TestQuarantine_TimestampedName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steamboost.db")
	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	at := time.Date(2026, 4, 2, 13, 4, 5, 0, time.UTC)
	if err := quarantine(path, at); err != nil {
		t.Fatalf("quarantine() error = %v", err)
	}
	if _, err := os.Stat(path + ".corrupt.20260402T130405Z"); err != nil {
		t.Fatalf("backup not at expected name: %v", err)
	}
}

func TestIsCorruptSQLiteError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{os.ErrInvalid, true},
		{errString("file is not a database (26)"), true},
		{errString("database disk image is malformed"), true},
		{errString("database is locked"), false},
	}
	for _, tt := range tests {
		if got := isCorruptSQLiteError(tt.err); got != tt.want {
			t.Errorf("isCorruptSQLiteError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestCheckpoint_TruncatesWALAfterActivity(t *testing.T) {
	d, path := openWithPath(t)

	if _, err := d.Conn().Exec(`PRAGMA wal_autocheckpoint=0;`); err != nil {
		t.Fatalf("set wal_autocheckpoint=0: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := d.LogEvent(Event{AccountID: "main", EventType: EventRetry}); err != nil {
			t.Fatalf("LogEvent() error = %v", err)
		}
	}

	walPath := path + "-wal"
	info, err := os.Stat(walPath)
	if err != nil || info.Size() == 0 {
		t.Fatalf("wal after writes: info=%v err=%v", info, err)
	}

	if err := d.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	if info, err := os.Stat(walPath); err == nil && info.Size() != 0 {
		t.Fatalf("wal size after checkpoint = %d, want 0", info.Size())
	}

	stats, err := d.Stats("main")
	if err != nil || stats == nil || stats.TotalRetries != 5 {
		t.Fatalf("Stats() after checkpoint = %+v, %v", stats, err)
	}
}

func TestNilDB(t *testing.T) {
	var d *DB
	if err := d.Close(); err != nil {
		t.Fatalf("Close() on nil = %v", err)
	}
	if err := d.Checkpoint(); err == nil {
		t.Fatal("Checkpoint() on nil should fail")
	}
	if d.Conn() != nil || d.Path() != "" {
		t.Fatal("nil DB accessors should return zero values")
	}
}

func TestDefaultPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("STEAMBOOST_HOME", home)
	if got, want := DefaultPath(), filepath.Join(home, "data", "steamboost.db"); got != want {
		t.Fatalf("DefaultPath() = %q, want %q", got, want)
	}
}
