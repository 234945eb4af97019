// Package database is the handle applications hold for one database: its
// open state, its on-disk file set and its transactions.
package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/gojounit/core/fileset"
	"github.com/sushant-115/gojounit/core/relocator"
	"github.com/sushant-115/gojounit/core/transaction"
	commonutils "github.com/sushant-115/gojounit/internal/common_utils"
	internaltelemetry "github.com/sushant-115/gojounit/internal/telemetry"
)

var (
	// ErrClosed is returned when a transaction needs an open database.
	ErrClosed = errors.New("database is closed")
	// ErrNoTransaction is returned by the explicit commit and rollback calls
	// when the calling goroutine has nothing active.
	ErrNoTransaction = errors.New("no active transaction on this goroutine")
)

// Driver is the storage engine behind a Database.
type Driver interface {
	Open(path string) error
	Session() (transaction.Engine, error)
	Close() error
}

// Database is a handle on one database file and its companions. File
// operations are meant for a closed database; they warn but proceed when the
// database is open.
type Database struct {
	mu         sync.Mutex
	path       string
	extraFiles []string
	open       bool

	driver    Driver
	relocator *relocator.Relocator
	registry  *goroutineRegistry
	logger    *zap.Logger
	metrics   *internaltelemetry.DatabaseMetrics
	tracer    trace.Tracer
}

// Option configures a Database.
type Option func(*Database)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Database) { d.logger = l }
}

// WithMetrics sets the instruments transactions and file operations report to.
func WithMetrics(m *internaltelemetry.DatabaseMetrics) Option {
	return func(d *Database) { d.metrics = m }
}

// WithTracer sets the tracer used for file operation spans.
func WithTracer(t trace.Tracer) Option {
	return func(d *Database) { d.tracer = t }
}

// WithRelocator replaces the relocator used for move, remove and size.
func WithRelocator(r *relocator.Relocator) Option {
	return func(d *Database) { d.relocator = r }
}

// WithExtraFiles registers files that always travel with the database.
func WithExtraFiles(paths ...string) Option {
	return func(d *Database) { d.extraFiles = append(d.extraFiles, paths...) }
}

// New returns a closed handle on the database at path.
func New(path string, driver Driver, opts ...Option) (*Database, error) {
	if path == "" {
		return nil, fileset.ErrEmptyPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve database path %q: %w", path, err)
	}
	d := &Database{
		path:     abs,
		driver:   driver,
		registry: newGoroutineRegistry(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.metrics == nil {
		d.metrics = internaltelemetry.NewNoopDatabaseMetrics()
	}
	if d.tracer == nil {
		d.tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	if d.relocator == nil {
		d.relocator = relocator.New(d.logger)
	}
	return d, nil
}

// Path returns the current main file path. It follows the file after a move.
func (d *Database) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.path
}

// IsOpen reports whether the engine has the database open.
func (d *Database) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Open opens the database with its driver. Opening an open database is a no-op.
func (d *Database) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return nil
	}
	if err := d.driver.Open(d.path); err != nil {
		return fmt.Errorf("open %s: %w", d.path, err)
	}
	d.open = true
	d.logger.Info("Database opened", zap.String("path", d.path))
	return nil
}

// Close closes the driver. It refuses while any transaction is active.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil
	}
	if n := d.registry.count(); n > 0 {
		return fmt.Errorf("%w: %d active transactions", transaction.ErrInvalidState, n)
	}
	if err := d.driver.Close(); err != nil {
		return fmt.Errorf("close %s: %w", d.path, err)
	}
	d.open = false
	d.logger.Info("Database closed", zap.String("path", d.path))
	return nil
}

// fileSet must be called with d.mu held.
func (d *Database) fileSet(extraFiles ...string) (fileset.FileSet, error) {
	extras := append(append([]string(nil), d.extraFiles...), extraFiles...)
	return fileset.Resolve(d.path, extras...)
}

// Paths lists every file belonging to the database, main file first, whether
// or not it exists.
func (d *Database) Paths(extraFiles ...string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, err := d.fileSet(extraFiles...)
	if err != nil {
		d.logger.Error("Failed to resolve database files", zap.Error(err))
		return nil
	}
	return set.Paths()
}

// startFileOp must be called with d.mu held.
func (d *Database) startFileOp(op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if d.open {
		d.logger.Warn("File operation on open database", zap.String("op", op), zap.String("path", d.path))
	}
	attrs = append(attrs, attribute.String("db.path", d.path))
	return d.tracer.Start(context.Background(), "database."+op, trace.WithAttributes(attrs...))
}

func (d *Database) endFileOp(ctx context.Context, span trace.Span, op string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	d.metrics.RecordFileOp(ctx, op, start, err)
}

// RemoveFiles deletes every existing database file.
func (d *Database) RemoveFiles(extraFiles ...string) (err error) {
	start := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, span := d.startFileOp("remove")
	defer func() { d.endFileOp(ctx, span, "remove", start, err) }()

	set, err := d.fileSet(extraFiles...)
	if err != nil {
		return err
	}
	return d.relocator.Remove(set)
}

// MoveFilesToDirectory relocates the database into dir. Once the main file
// has reached dir, Path reports its new location even if a companion failed
// to follow.
func (d *Database) MoveFilesToDirectory(dir string, extraFiles ...string) (err error) {
	start := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, span := d.startFileOp("move", attribute.String("db.destination", dir))
	defer func() { d.endFileOp(ctx, span, "move", start, err) }()

	set, err := d.fileSet(extraFiles...)
	if err != nil {
		return err
	}
	plan, err := set.Plan(dir)
	if err != nil {
		return err
	}

	err = d.relocator.Move(set, dir)
	var moveErr *relocator.MoveError
	if err == nil || (errors.As(err, &moveErr) && moveErr.DataAtDestination()) {
		d.retarget(set, plan)
	}
	return err
}

// retarget points the handle at the planned locations. Must be called with
// d.mu held.
func (d *Database) retarget(set, plan fileset.FileSet) {
	moved := make(map[string]string, len(set.Files()))
	for i, f := range set.Files() {
		moved[f.Path] = plan.Files()[i].Path
	}
	for i, p := range d.extraFiles {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		if np, ok := moved[abs]; ok {
			d.extraFiles[i] = np
		}
	}
	if d.path != plan.Main().Path {
		d.logger.Info("Database path changed",
			zap.String("from", d.path), zap.String("to", plan.Main().Path))
	}
	d.path = plan.Main().Path
}

// FilesSize sums the sizes of the existing database files.
func (d *Database) FilesSize(extraFiles ...string) (size uint64, err error) {
	start := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, span := d.startFileOp("size")
	defer func() { d.endFileOp(ctx, span, "size", start, err) }()

	set, err := d.fileSet(extraFiles...)
	if err != nil {
		return 0, err
	}
	size, err = d.relocator.Size(set)
	span.SetAttributes(attribute.Int64("db.size_bytes", int64(size)))
	return size, err
}

func (d *Database) session() (transaction.Engine, error) {
	if !d.IsOpen() {
		return nil, ErrClosed
	}
	return d.driver.Session()
}

// Transaction returns a new idle transaction on this database. onEvent may
// be nil.
func (d *Database) Transaction(onEvent transaction.EventHandler) *transaction.Transaction {
	return transaction.New(d.session,
		transaction.WithEventHandler(onEvent),
		transaction.WithRegistry(d.registry),
		transaction.WithRecorder(d.metrics),
		transaction.WithLogger(d.logger),
	)
}

// RunTransaction runs work in a new transaction, committing when it returns
// true and rolling back otherwise. committed reports whether a commit
// happened.
func (d *Database) RunTransaction(work transaction.Work, onEvent transaction.EventHandler) (committed bool, err error) {
	return transaction.Run(d.Transaction(onEvent), work)
}

// BeginTransaction starts a transaction owned by the calling goroutine, for
// callers that cannot scope their work to a function.
func (d *Database) BeginTransaction() error {
	return d.Transaction(nil).Begin()
}

// Current returns the calling goroutine's active transaction, or nil.
func (d *Database) Current() *transaction.Transaction {
	return d.registry.get(commonutils.GoID())
}

// CommitTransaction commits the calling goroutine's active transaction.
func (d *Database) CommitTransaction() error {
	tx := d.Current()
	if tx == nil {
		return fmt.Errorf("%w: commit: %w", transaction.ErrInvalidState, ErrNoTransaction)
	}
	return tx.Commit()
}

// RollbackTransaction rolls back the calling goroutine's active transaction.
func (d *Database) RollbackTransaction() error {
	tx := d.Current()
	if tx == nil {
		return fmt.Errorf("%w: rollback: %w", transaction.ErrInvalidState, ErrNoTransaction)
	}
	return tx.Rollback()
}
