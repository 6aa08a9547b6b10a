//go:build unix

package tether_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/CZERTAINLY/Tether/internal/sidecar"
	"github.com/stretchr/testify/require"
)

var (
	tetherPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("tether-ci") {
		slog.Error("cannot locate tether-ci binary: run go build -race -cover -covermode=atomic -o tether-ci ./cmd/tether/ first")
		os.Exit(1)
	}

	var err error
	tetherPath, err = filepath.Abs("tether-ci")
	if err != nil {
		slog.Error("can't get abspath for tether-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for tether-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for tether-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

const sidecarScript = `#!/bin/sh
(trap '' TERM; exec sleep 60) &
echo $! > "$PIDFILE.worker"
echo $$ > "$PIDFILE"
echo ready
echo warming up 1>&2
exec sleep 60
`

type record struct {
	Msg    string `json:"msg"`
	Stream string `json:"stream"`
	Line   string `json:"line"`
}

func TestTether(t *testing.T) {
	dir := tmpDir(t)
	binDir := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	creat(t, filepath.Join(binDir, "server-"+sidecar.TargetTriple()), []byte(sidecarScript), 0o755)
	pidFile := filepath.Join(dir, "server.pid")

	config := fmt.Sprintf(`
version: 0
sidecar:
    name: server
    dir: %s
    env:
        PIDFILE: %s
shutdown:
    grace: 5s
log:
    level: info
    format: json
    output: stdout
`, binDir, pidFile)
	configPath := filepath.Join(dir, "tether.yaml")
	creat(t, configPath, []byte(config), 0o644)

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	cmd := exec.CommandContext(ctx, tetherPath, "run", "--config", configPath)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	lines := make(chan record)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			var r record
			if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
				continue
			}
			lines <- r
		}
	}()

	var got []record
	for r := range lines {
		if r.Msg != "sidecar output" {
			continue
		}
		got = append(got, r)
		if len(got) == 2 {
			break
		}
	}
	require.ElementsMatch(t, []record{
		{Msg: "sidecar output", Stream: "stdout", Line: "ready"},
		{Msg: "sidecar output", Stream: "stderr", Line: "warming up"},
	}, got)

	pid := readPid(t, pidFile)
	worker := readPid(t, pidFile+".worker")
	t.Cleanup(func() {
		_ = syscall.Kill(worker, syscall.SIGKILL)
	})

	require.NoError(t, cmd.Process.Signal(syscall.SIGTERM))
	for range lines {
	}
	require.NoError(t, cmd.Wait())

	require.Eventually(t, func() bool {
		return gone(pid)
	}, 10*time.Second, 50*time.Millisecond, "sidecar %d survived tether", pid)
	require.Eventually(t, func() bool {
		return gone(worker)
	}, 10*time.Second, 50*time.Millisecond, "sidecar worker %d survived tether", worker)
}

func readPid(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	require.NoError(t, err)
	return pid
}

// gone reports whether pid has exited. An orphaned zombie counts as gone.
func gone(pid int) bool {
	if errors.Is(syscall.Kill(pid, 0), syscall.ESRCH) {
		return true
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	// the state follows the parenthesised command name
	i := bytes.LastIndexByte(b, ')')
	return i > 0 && i+2 < len(b) && b[i+2] == 'Z'
}

func TestTether_Resolve(t *testing.T) {
	dir := tmpDir(t)
	creat(t, filepath.Join(dir, "server-"+sidecar.TargetTriple()), []byte(sidecarScript), 0o755)
	config := fmt.Sprintf(`
version: 0
sidecar:
    name: server
    dir: %s
log:
    output: discard
`, dir)
	configPath := filepath.Join(dir, "tether.yaml")
	creat(t, configPath, []byte(config), 0o644)

	out, err := exec.CommandContext(t.Context(), tetherPath, "resolve", "--config", configPath).Output()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "server-"+sidecar.TargetTriple()), strings.TrimSpace(string(out)))
}

func TestTether_SidecarNotFound(t *testing.T) {
	dir := tmpDir(t)
	config := fmt.Sprintf(`
version: 0
sidecar:
    name: tether-missing-sidecar
    dir: %s
log:
    output: stdout
`, dir)
	configPath := filepath.Join(dir, "tether.yaml")
	creat(t, configPath, []byte(config), 0o644)

	cmd := exec.CommandContext(t.Context(), tetherPath, "run", "--config", configPath)
	cmd.Stdout = io.Discard
	err := cmd.Run()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 1, exitErr.ExitCode())
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func creat(t *testing.T, path string, content []byte, perm os.FileMode) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
