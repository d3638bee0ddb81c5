// Package provenance captures process open/read/write/close events into
// an embedded relational store and reconstructs causal graphs from it:
// which process wrote the bytes a file currently holds, and which reads
// fed that write. The schema and bitflag operation taxonomy mirror the
// original capture tool's `mount`/`file`/`file_last`/`process`/`read`/
// `write` tables.
package provenance

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// OpKind is a bitflag describing which filesystem operation produced an
// IO event, matching the taxonomy the capture records alongside each
// read/write time window.
type OpKind uint32

const (
	OpIO OpKind = 1 << iota
	OpAccess
	OpChmod
	OpChown
	OpAttr
	OpGetDir
	OpGetLink
	OpMknod
	OpRmdir
	OpMkdir
	OpStats
	OpUnlink
	OpMksym
	OpMkhard
	OpMove
	OpTime
	OpCD
	OpTruncate
)

const OpAll = OpKind(1<<18) - 1

// ProcessKey identifies one process instance: host, start time (as the
// original implementation's deduplication key — process identity is
// (host, start-time, pid), not just pid, since pids recycle), and pid.
type ProcessKey [3]string

func (k ProcessKey) String() string { return fmt.Sprintf("%s|%s|%s", k[0], k[1], k[2]) }

// FileKey identifies one file version: its real path and the creation
// timestamp assigned the first time that path was newly written.
type FileKey [2]string

func (k FileKey) String() string { return fmt.Sprintf("%s|%s", k[0], k[1]) }

// Store wraps the embedded SQLite database and the single coarse lock
// guarding all provenance state, per the documented lock ordering
// Cache-Entry -> Mediator -> Provenance.
type Store struct {
	DB         *sql.DB
	Mu         sync.Mutex
	Mid        int64
	SystemName string
	BootTime   float64
	Root       string // backing real directory this store's capture was taken under
	Mount      string // mount point processes see in place of Root
}

// Open creates (if needed) and opens the provenance database under dir,
// applying PRAGMA synchronous=OFF as the original design specifies for
// capture-path performance.
func Open(dir, root, mount, systemName string, bootTime float64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(dir, "provenance.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// A single coarse lock already serializes all provenance access, so a
	// single underlying connection avoids SQLITE_BUSY without needing
	// WAL/busy-timeout tuning.
	db.SetMaxOpenConns(1)

	s := &Store{DB: db, SystemName: systemName, BootTime: bootTime, Root: root, Mount: mount}
	if err := s.init(root, mount); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.DB.Close() }

var ddl = []string{
	`PRAGMA synchronous = OFF`,
	`CREATE TABLE IF NOT EXISTS mount (mid INTEGER PRIMARY KEY AUTOINCREMENT, root TEXT, mount TEXT)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS mount_rootmount ON mount(root, mount)`,
	`CREATE TABLE IF NOT EXISTS file (path TEXT, fcreate REAL, type INTEGER, PRIMARY KEY (path, fcreate))`,
	`CREATE TABLE IF NOT EXISTS file_last (path TEXT PRIMARY KEY, fcreate REAL)`,
	`CREATE TABLE IF NOT EXISTS process (
		phost TEXT, pstart REAL, pid INTEGER,
		parent_start REAL, parent_pid INTEGER,
		cmd BLOB, exe TEXT, hash TEXT, cwd TEXT,
		tgid_start REAL, tgid INTEGER, session_start REAL, session_id INTEGER, env TEXT,
		stdin TEXT, stdout TEXT, stderr TEXT,
		trunc_stdout INTEGER, trunc_stderr INTEGER, mid INTEGER,
		PRIMARY KEY (phost, pstart, pid)
	)`,
	`CREATE INDEX IF NOT EXISTS process_parent ON process(phost, parent_start, parent_pid)`,
	`CREATE TABLE IF NOT EXISTS read (
		phost TEXT, pstart REAL, pid INTEGER, path TEXT, fcreate REAL,
		start REAL, stop REAL, ops INTEGER,
		PRIMARY KEY (phost, pstart, pid, path, fcreate)
	)`,
	`CREATE TABLE IF NOT EXISTS write (
		phost TEXT, pstart REAL, pid INTEGER, path TEXT, fcreate REAL,
		start REAL, stop REAL, ops INTEGER,
		PRIMARY KEY (phost, pstart, pid, path, fcreate)
	)`,
}

func (s *Store) init(root, mount string) error {
	for _, stmt := range ddl {
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("provenance schema: %w", err)
		}
	}

	if _, err := s.DB.Exec(`INSERT OR IGNORE INTO mount (root, mount) VALUES (?, ?)`, root, mount); err != nil {
		return err
	}

	row := s.DB.QueryRow(
		`SELECT mid FROM mount ORDER BY (root = ? AND mount = ?) DESC LIMIT 1`, root, mount)
	return row.Scan(&s.Mid)
}

// MountLookup returns every registered mount id mapped to its (root, mount) pair.
func (s *Store) MountLookup() (map[int64][2]string, error) {
	rows, err := s.DB.Query(`SELECT mid, root, mount FROM mount`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64][2]string{}
	for rows.Next() {
		var mid int64
		var root, mount string
		if err := rows.Scan(&mid, &root, &mount); err != nil {
			return nil, err
		}
		out[mid] = [2]string{root, mount}
	}
	return out, rows.Err()
}
