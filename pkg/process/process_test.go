//go:build !windows

package process

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/core-tools/hsu-podpilot/pkg/errors"
	"github.com/core-tools/hsu-podpilot/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shell(service, script string) ExecutionConfig {
	return ExecutionConfig{
		Service:        service,
		ExecutablePath: "/bin/sh",
		Args:           []string{"-c", script},
	}
}

func startShell(t *testing.T, script string, env ...string) *ManagedProcess {
	t.Helper()
	cfg := shell("test", script)
	cfg.Environment = env
	p, err := Start(cfg, logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.Terminate(context.Background(), 100*time.Millisecond)
		if p.Stdout() != nil {
			p.Stdout().Close()
			p.Stderr().Close()
		}
	})
	return p
}

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

// awaitLine blocks until the child has written its first stdout line, so a
// script's traps are installed before any signal is sent
func awaitLine(t *testing.T, p *ManagedProcess, want string) *bufio.Reader {
	t.Helper()
	r := bufio.NewReader(p.Stdout())
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, want+"\n", line)
	return r
}

func TestStartCapturesBothStreams(t *testing.T) {
	p := startShell(t, "echo out; echo err 1>&2")

	assert.Equal(t, "out\n", readAll(t, p.Stdout()))
	assert.Equal(t, "err\n", readAll(t, p.Stderr()))
	assert.Equal(t, 0, p.ExitCode())
	assert.NoError(t, p.Err())
	assert.Equal(t, "test", p.Service())
	assert.Greater(t, p.PID(), 0)
}

func TestStartAppendsEnvironment(t *testing.T) {
	p := startShell(t, `echo "$PODPILOT_TEST_VALUE"`, "PODPILOT_TEST_VALUE=from-supervisor")

	assert.Equal(t, "from-supervisor\n", readAll(t, p.Stdout()))
}

func TestExitCodePropagation(t *testing.T) {
	p := startShell(t, "exit 3")

	<-p.Done()
	assert.True(t, p.Exited())
	assert.Equal(t, 3, p.ExitCode())
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name  string
		cfg   ExecutionConfig
		check func(error) bool
	}{
		{"missing_executable", ExecutionConfig{Service: "app", ExecutablePath: "/nonexistent/python"}, errors.IsProcessError},
		{"missing_service", ExecutionConfig{ExecutablePath: "/bin/sh"}, errors.IsValidationError},
		{"empty_path", ExecutionConfig{Service: "app"}, errors.IsValidationError},
		{"missing_workdir", ExecutionConfig{Service: "app", ExecutablePath: "/bin/sh", WorkingDirectory: "/nonexistent/dir"}, errors.IsIOError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Start(tt.cfg, logging.NewNopLogger())
			assert.Nil(t, p)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error type: %v", err)
		})
	}
}

func TestTerminateGraceful(t *testing.T) {
	p := startShell(t, "exec sleep 30")

	start := time.Now()
	require.NoError(t, p.Terminate(context.Background(), 5*time.Second))
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.True(t, p.Terminating())
	assert.Equal(t, 128+15, p.ExitCode())
}

func TestTerminateEscalatesToKill(t *testing.T) {
	p := startShell(t, "trap '' TERM; echo ready; sleep 30; sleep 30")
	awaitLine(t, p, "ready")
	require.False(t, p.Exited())

	start := time.Now()
	require.NoError(t, p.Terminate(context.Background(), 200*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, 128+9, p.ExitCode())
}

func TestTerminateKillsProcessGroup(t *testing.T) {
	// the grandchild keeps stdout open; EOF proves it died with the group
	p := startShell(t, "sleep 30 & echo ready; wait")
	r := awaitLine(t, p, "ready")

	require.NoError(t, p.Terminate(context.Background(), time.Second))

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, r)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stdout still open after process group termination")
	}
}

func TestTerminateAlreadyExited(t *testing.T) {
	p := startShell(t, "exit 0")
	<-p.Done()

	assert.NoError(t, p.Terminate(context.Background(), time.Second))
}

func TestTerminateConcurrentCallsShareOutcome(t *testing.T) {
	p := startShell(t, "exec sleep 30")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Terminate(context.Background(), time.Second))
		}()
	}
	wg.Wait()
	assert.True(t, p.Exited())
}

func TestInheritOutputHasNoPipes(t *testing.T) {
	cfg := shell("agent", "true")
	cfg.InheritOutput = true
	p, err := Start(cfg, logging.NewNopLogger())
	require.NoError(t, err)

	assert.Nil(t, p.Stdout())
	assert.Nil(t, p.Stderr())
	assert.Equal(t, 0, p.ExitCode())
}

func TestEnsureExecutable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0644))

	require.NoError(t, EnsureExecutable(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0111)

	err = EnsureExecutable(filepath.Join(dir, "missing"))
	assert.True(t, errors.IsIOError(err))

	err = EnsureExecutable(dir)
	assert.True(t, errors.IsValidationError(err))
}

func TestCommandLine(t *testing.T) {
	cfg := ExecutionConfig{ExecutablePath: "/usr/sbin/sshd", Args: []string{"-D", "-e"}}
	assert.Equal(t, "sshd -D -e", commandLine(cfg))
	assert.False(t, strings.Contains(commandLine(cfg), "/usr/sbin"))
}
