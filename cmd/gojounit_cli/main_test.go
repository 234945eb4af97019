package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojounit/config"
	"github.com/sushant-115/gojounit/core/transaction"
	"github.com/sushant-115/gojounit/pkg/telemetry"
)

func newTestShell(t *testing.T, engine config.Engine) (*shell, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Engine = engine
	cfg.Database.Path = filepath.Join(t.TempDir(), "cli.db")

	tel, _, err := telemetry.New(telemetry.Config{})
	require.NoError(t, err)
	out := &bytes.Buffer{}
	sh, err := newShell(cfg, zaptest.NewLogger(t), tel, out)
	require.NoError(t, err)
	t.Cleanup(sh.shutdown)
	return sh, out
}

func runLine(t *testing.T, sh *shell, line string) {
	t.Helper()
	require.NoError(t, sh.processCommand(strings.Fields(line)), line)
}

func TestShell_SQLiteSession(t *testing.T) {
	sh, out := newTestShell(t, config.EngineSQLite)

	runLine(t, sh, "open")
	runLine(t, sh, "exec CREATE TABLE kv (k TEXT, v TEXT)")
	runLine(t, sh, "begin")
	runLine(t, sh, "exec INSERT INTO kv VALUES ('a', 'kept')")
	runLine(t, sh, "commit")
	runLine(t, sh, "begin")
	runLine(t, sh, "exec INSERT INTO kv VALUES ('b', 'dropped')")
	runLine(t, sh, "rollback")

	out.Reset()
	runLine(t, sh, "query SELECT k, v FROM kv")
	assert.Contains(t, out.String(), "kept")
	assert.NotContains(t, out.String(), "dropped")
	assert.Contains(t, out.String(), "(1 rows)")

	runLine(t, sh, "close")
	dest := filepath.Join(t.TempDir(), "moved")
	runLine(t, sh, "move "+dest)
	assert.Equal(t, filepath.Join(dest, "cli.db"), sh.db.Path())

	out.Reset()
	runLine(t, sh, "status")
	assert.Contains(t, out.String(), dest)
	assert.Contains(t, out.String(), "false")
}

func TestShell_BoltSession(t *testing.T) {
	sh, out := newTestShell(t, config.EngineBolt)

	runLine(t, sh, "open")
	runLine(t, sh, "put users alice admin")
	out.Reset()
	runLine(t, sh, "get users alice")
	assert.Equal(t, "admin\n", out.String())

	require.ErrorIs(t, sh.processCommand([]string{"exec", "SELECT 1"}), errNeedSQLite)
}

func TestShell_Errors(t *testing.T) {
	sh, _ := newTestShell(t, config.EngineSQLite)

	require.Error(t, sh.processCommand([]string{"frobnicate"}))
	require.Error(t, sh.processCommand([]string{"move"}))
	require.ErrorIs(t, sh.processCommand([]string{"commit"}), transaction.ErrInvalidState)
	require.ErrorIs(t, sh.processCommand([]string{"begin"}), transaction.ErrEngineFailure, "begin needs an open database")
	require.ErrorIs(t, sh.processCommand([]string{"exit"}), errExit)
}

func TestRun_BatchReleasesDatabaseOnEveryExit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.db")
	base := []string{"-db", path, "-engine", "bolt"}

	out := &bytes.Buffer{}
	require.NoError(t, run(append(base, "open", ";", "put", "users", "alice", "admin"), out))

	// A failing command must still close the handle, or the next open
	// would time out on the file lock.
	err := run(append(base, "open", ";", "frobnicate"), out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frobnicate")

	out.Reset()
	require.NoError(t, run(append(base, "open", ";", "get", "users", "alice"), out))
	assert.Contains(t, out.String(), "admin\n")
}

func TestRun_RejectsMissingPath(t *testing.T) {
	require.Error(t, run([]string{"status"}, &bytes.Buffer{}))
	require.Error(t, run([]string{"-engine", "postgres", "-db", "x.db"}, &bytes.Buffer{}))
}

func TestProcessBatch_StopsAtFirstFailure(t *testing.T) {
	sh, out := newTestShell(t, config.EngineSQLite)
	err := sh.processBatch([]string{"open", ";", "commit", ";", "close"})
	require.ErrorIs(t, err, transaction.ErrInvalidState)
	assert.True(t, sh.db.IsOpen(), "close after the failure must not run")
	assert.Contains(t, out.String(), "Opened")
}

func TestShell_LogLevel(t *testing.T) {
	sh, out := newTestShell(t, config.EngineSQLite)
	runLine(t, sh, "loglevel debug")
	assert.Contains(t, out.String(), "log level debug")
	require.Error(t, sh.processCommand([]string{"loglevel", "loud"}))
}
