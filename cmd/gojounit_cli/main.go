package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/sushant-115/gojounit/config"
	"github.com/sushant-115/gojounit/core/database"
	"github.com/sushant-115/gojounit/core/relocator"
	"github.com/sushant-115/gojounit/core/storage_engine/boltengine"
	"github.com/sushant-115/gojounit/core/storage_engine/sqlite"
	internaltelemetry "github.com/sushant-115/gojounit/internal/telemetry"
	"github.com/sushant-115/gojounit/pkg/logger"
	"github.com/sushant-115/gojounit/pkg/telemetry"
)

var errExit = errors.New("exit")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run owns every resource the CLI opens so that its deferred cleanup runs on
// all exit paths. Arguments left after the flags form a batch of commands
// separated by ";"; without them run starts the interactive shell.
func run(args []string, out io.Writer) error {
	flags := flag.NewFlagSet("gojounit_cli", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	dbPath := flags.String("db", "", "database path, overrides the config file")
	engine := flags.String("engine", "", "storage engine: sqlite or bolt")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *engine != "" {
		cfg.Database.Engine = config.Engine(*engine)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Database.Path == "" {
		return errors.New("a database path is required (-db or database.path)")
	}

	log, level, err := logger.NewWithLevel(cfg.Logger)
	if err != nil {
		return err
	}
	defer log.Sync()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()
	if tel.Addr != "" {
		log.Info("Serving metrics", zap.String("addr", tel.Addr))
	}

	sh, err := newShell(cfg, log, tel, out)
	if err != nil {
		return fmt.Errorf("create database handle: %w", err)
	}
	sh.level = level
	defer sh.shutdown()

	if batch := flags.Args(); len(batch) > 0 {
		return sh.processBatch(batch)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojounit> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		return fmt.Errorf("start line editor: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(out, "GojoUnit CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(out, "Exiting GojoUnit CLI.")
			return nil
		}
		if err != nil {
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := sh.processCommand(strings.Fields(line)); err != nil {
			if errors.Is(err, errExit) {
				fmt.Fprintln(out, "Exiting GojoUnit CLI.")
				return nil
			}
			fmt.Fprintf(out, "Error: %v\n", err)
		}
	}
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("open"),
	readline.PcItem("close"),
	readline.PcItem("paths"),
	readline.PcItem("size"),
	readline.PcItem("move"),
	readline.PcItem("remove"),
	readline.PcItem("begin"),
	readline.PcItem("commit"),
	readline.PcItem("rollback"),
	readline.PcItem("exec"),
	readline.PcItem("query"),
	readline.PcItem("put"),
	readline.PcItem("get"),
	readline.PcItem("loglevel"),
	readline.PcItem("status"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

// shell runs commands against one database. Commands run on a single
// goroutine, so explicit transactions span several input lines.
type shell struct {
	cfg    config.Config
	db     *database.Database
	sqlite *sqlite.Driver
	bolt   *boltengine.Driver
	log    *zap.Logger
	level  zap.AtomicLevel
	out    io.Writer
}

func newShell(cfg config.Config, log *zap.Logger, tel *telemetry.Telemetry, out io.Writer) (*shell, error) {
	sh := &shell{cfg: cfg, log: log, level: zap.NewAtomicLevel(), out: out}

	var driver database.Driver
	switch cfg.Database.Engine {
	case config.EngineBolt:
		sh.bolt = boltengine.NewDriver()
		driver = sh.bolt
	default:
		sh.sqlite = sqlite.NewDriver(cfg.Database.JournalMode)
		driver = sh.sqlite
	}

	metrics, err := internaltelemetry.NewDatabaseMetrics(tel.Meter, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	fs := relocator.OSFileSystem{
		CopyRateBytesPerSec: cfg.Relocation.CopyRateBytesPerSec,
		VerifyCopies:        cfg.Relocation.VerifyCopies,
	}
	db, err := database.New(cfg.Database.Path, driver,
		database.WithLogger(log),
		database.WithMetrics(metrics),
		database.WithTracer(tel.Tracer),
		database.WithExtraFiles(cfg.Database.ExtraFiles...),
		database.WithRelocator(relocator.New(log, relocator.WithFileSystem(fs))),
	)
	if err != nil {
		return nil, err
	}
	sh.db = db
	return sh, nil
}

func (s *shell) shutdown() {
	if tx := s.db.Current(); tx != nil {
		if err := tx.Rollback(); err != nil {
			s.log.Warn("Rollback on exit failed", zap.Error(err))
		}
	}
	if err := s.db.Close(); err != nil {
		s.log.Warn("Close on exit failed", zap.Error(err))
	}
}

// processBatch runs ";"-separated commands in order and stops at the first
// failure.
func (s *shell) processBatch(args []string) error {
	var cmd []string
	for i := 0; i <= len(args); i++ {
		if i < len(args) && args[i] != ";" {
			cmd = append(cmd, args[i])
			continue
		}
		if len(cmd) == 0 {
			continue
		}
		if err := s.processCommand(cmd); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			return fmt.Errorf("%s: %w", cmd[0], err)
		}
		cmd = nil
	}
	return nil
}

// processCommand handles a single command, either from args or interactive mode.
func (s *shell) processCommand(args []string) error {
	command := strings.ToLower(args[0])
	rest := args[1:]

	switch command {
	case "open":
		if err := s.db.Open(); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Opened %s\n", s.db.Path())
	case "close":
		if err := s.db.Close(); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Closed %s\n", s.db.Path())
	case "paths":
		for _, p := range s.db.Paths(rest...) {
			fmt.Fprintln(s.out, p)
		}
	case "size":
		size, err := s.db.FilesSize(rest...)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%d bytes\n", size)
	case "move":
		if len(rest) < 1 {
			return errors.New("move requires <dir> [extra files...]")
		}
		err := s.db.MoveFilesToDirectory(rest[0], rest[1:]...)
		var moveErr *relocator.MoveError
		if errors.As(err, &moveErr) && moveErr.DataAtDestination() {
			fmt.Fprintf(s.out, "Database now at %s, some companion files did not follow\n", s.db.Path())
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Moved to %s\n", s.db.Path())
	case "remove":
		if err := s.db.RemoveFiles(rest...); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "Removed database files")
	case "begin":
		if err := s.db.BeginTransaction(); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "Transaction started")
	case "commit":
		if err := s.db.CommitTransaction(); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "Committed")
	case "rollback":
		if err := s.db.RollbackTransaction(); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "Rolled back")
	case "exec":
		if len(rest) < 1 {
			return errors.New("exec requires a SQL statement")
		}
		return s.execSQL(strings.Join(rest, " "))
	case "query":
		if len(rest) < 1 {
			return errors.New("query requires a SQL statement")
		}
		return s.querySQL(strings.Join(rest, " "))
	case "put":
		if len(rest) < 3 {
			return errors.New("put requires <bucket> <key> <value>")
		}
		return s.put(rest[0], rest[1], strings.Join(rest[2:], " "))
	case "get":
		if len(rest) < 2 {
			return errors.New("get requires <bucket> <key>")
		}
		return s.get(rest[0], rest[1])
	case "loglevel":
		if len(rest) < 1 {
			fmt.Fprintf(s.out, "log level %s\n", s.level)
			return nil
		}
		if err := logger.SetLevel(s.level, rest[0]); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "log level %s\n", s.level)
	case "status":
		s.status()
	case "help":
		printHelp(s.out)
	case "exit", "quit":
		return errExit
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", command)
	}
	return nil
}

func (s *shell) status() {
	w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "path\t%s\n", s.db.Path())
	fmt.Fprintf(w, "engine\t%s\n", s.cfg.Database.Engine)
	fmt.Fprintf(w, "open\t%t\n", s.db.IsOpen())
	if tx := s.db.Current(); tx != nil {
		fmt.Fprintf(w, "transaction\t%s (%s)\n", tx.ID, tx.State())
	} else {
		fmt.Fprintf(w, "transaction\tnone\n")
	}
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  open | close")
	fmt.Fprintln(out, "  paths [extra files...]")
	fmt.Fprintln(out, "  size [extra files...]")
	fmt.Fprintln(out, "  move <dir> [extra files...]")
	fmt.Fprintln(out, "  remove [extra files...]")
	fmt.Fprintln(out, "  begin | commit | rollback")
	fmt.Fprintln(out, "  exec <sql>          (sqlite)")
	fmt.Fprintln(out, "  query <sql>         (sqlite)")
	fmt.Fprintln(out, "  put <bucket> <key> <value>  (bolt)")
	fmt.Fprintln(out, "  get <bucket> <key>          (bolt)")
	fmt.Fprintln(out, "  loglevel [debug|info|warn|error]")
	fmt.Fprintln(out, "  status")
	fmt.Fprintln(out, "  help")
	fmt.Fprintln(out, "  exit / quit")
}
