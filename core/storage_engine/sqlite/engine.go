// Package sqlite runs transactions on SQLite through mattn/go-sqlite3. Each
// transaction pins one pooled connection and drives BEGIN IMMEDIATE, COMMIT
// and ROLLBACK on it directly, so a refused COMMIT leaves the transaction
// open for an explicit ROLLBACK.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sushant-115/gojounit/core/transaction"
)

// JournalMode specifies the SQLite journaling mode.
type JournalMode string

const (
	JournalModeWAL    JournalMode = "WAL"
	JournalModeDELETE JournalMode = "DELETE"
)

const defaultBusyTimeout = 5 * time.Second

var (
	ErrNotOpen        = errors.New("sqlite driver is not open")
	ErrAlreadyOpen    = errors.New("sqlite driver is already open")
	ErrForeignSession = errors.New("transaction is not backed by a sqlite session")
	ErrBadJournalMode = errors.New("invalid journal mode")
)

// Driver owns the connection pool for one database file.
type Driver struct {
	JournalMode JournalMode
	BusyTimeout time.Duration

	mu sync.Mutex
	db *sql.DB
}

// NewDriver creates a closed driver using the given journal mode; an empty
// mode selects WAL.
func NewDriver(mode JournalMode) *Driver {
	if mode == "" {
		mode = JournalModeWAL
	}
	return &Driver{JournalMode: mode, BusyTimeout: defaultBusyTimeout}
}

func buildConnectionString(dbPath string, journalMode JournalMode, busy time.Duration) string {
	params := fmt.Sprintf("?mode=rwc&_journal_mode=%s&_synchronous=FULL&_busy_timeout=%d",
		journalMode, busy.Milliseconds())
	if runtime.GOOS == "darwin" {
		params += "&_fullfsync=1"
	}
	return "file:" + dbPath + params
}

// Open connects to the database at path and checks the journal mode took effect.
func (d *Driver) Open(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db != nil {
		return ErrAlreadyOpen
	}
	mode := JournalMode(strings.ToUpper(string(d.JournalMode)))
	if mode != JournalModeWAL && mode != JournalModeDELETE {
		return fmt.Errorf("%w: %s (must be WAL or DELETE)", ErrBadJournalMode, d.JournalMode)
	}

	db, err := sql.Open("sqlite3", buildConnectionString(path, mode, d.BusyTimeout))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if !strings.EqualFold(journalMode, string(mode)) {
		_ = db.Close()
		return fmt.Errorf("failed to set journal mode to %s: got %s", mode, journalMode)
	}
	d.db = db
	return nil
}

// Close closes the pool. Closing a closed driver is a no-op.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// DB returns the pool for statements outside transactions, or nil when closed.
func (d *Driver) DB() *sql.DB {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db
}

// Session pins a connection for one transaction.
func (d *Driver) Session() (transaction.Engine, error) {
	db := d.DB()
	if db == nil {
		return nil, ErrNotOpen
	}
	conn, err := db.Conn(context.Background())
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &Session{conn: conn}, nil
}

// Session is a pinned connection running at most one native transaction.
type Session struct {
	conn *sql.Conn
	// open is set between a successful BEGIN and a successful COMMIT/ROLLBACK.
	open bool
}

func (s *Session) exec(stmt string) error {
	_, err := s.conn.ExecContext(context.Background(), stmt)
	return err
}

func (s *Session) Begin() error {
	if err := s.exec("BEGIN IMMEDIATE"); err != nil {
		return err
	}
	s.open = true
	return nil
}

func (s *Session) Commit() error {
	if err := s.exec("COMMIT"); err != nil {
		return err
	}
	s.open = false
	return nil
}

func (s *Session) Rollback() error {
	if err := s.exec("ROLLBACK"); err != nil {
		return err
	}
	s.open = false
	return nil
}

// Close returns the connection to the pool. A connection whose transaction
// could not be ended is discarded instead.
func (s *Session) Close() error {
	if s.open {
		_ = s.conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}

// Exec runs a statement on the pinned connection.
func (s *Session) Exec(query string, args ...any) (sql.Result, error) {
	return s.conn.ExecContext(context.Background(), query, args...)
}

// QueryRow runs a single-row query on the pinned connection.
func (s *Session) QueryRow(query string, args ...any) *sql.Row {
	return s.conn.QueryRowContext(context.Background(), query, args...)
}

// Query runs a query on the pinned connection.
func (s *Session) Query(query string, args ...any) (*sql.Rows, error) {
	return s.conn.QueryContext(context.Background(), query, args...)
}

// Exec runs a statement inside tx, enforcing its goroutine confinement.
func Exec(tx *transaction.Transaction, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := tx.Exec(func(e transaction.Engine) error {
		s, ok := e.(*Session)
		if !ok {
			return ErrForeignSession
		}
		var err error
		res, err = s.Exec(query, args...)
		return err
	})
	return res, err
}

// QueryRow runs a single-row query inside tx and scans it into dest.
func QueryRow(tx *transaction.Transaction, query string, args []any, dest ...any) error {
	return tx.Exec(func(e transaction.Engine) error {
		s, ok := e.(*Session)
		if !ok {
			return ErrForeignSession
		}
		return s.QueryRow(query, args...).Scan(dest...)
	})
}
