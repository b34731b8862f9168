//go:build !windows

package logstream

import (
	"bytes"
	"sync"
	"testing"

	"github.com/core-tools/hsu-podpilot/pkg/logging"
	"github.com/core-tools/hsu-podpilot/pkg/process"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingRecorder) RecordLine(service string, level logging.Level) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[service+"/"+level.String()]++
}

func newTestMultiplexer(t *testing.T, level zapcore.Level) (*Multiplexer, *observer.ObservedLogs, *countingRecorder) {
	t.Helper()
	core, logs := observer.New(level)
	rec := &countingRecorder{}
	return NewMultiplexer(defaultRulesT(t), logging.FromZap(zap.New(core)), rec), logs, rec
}

func TestProcessEmitsFlatFields(t *testing.T) {
	m, logs, rec := newTestMultiplexer(t, zapcore.DebugLevel)

	m.Process("comfyui", Stderr, 4242, "Total VRAM 24217 MB")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Total VRAM 24217 MB", entries[0].Message)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "comfyui", fields["service"])
	assert.Equal(t, "stderr", fields["stream"])
	assert.Equal(t, int64(4242), fields["pid"])
	assert.Equal(t, 1, rec.counts["comfyui/info"])
}

func TestProcessRespectsThreshold(t *testing.T) {
	m, logs, rec := newTestMultiplexer(t, zapcore.WarnLevel)

	m.Process("comfyui", Stdout, 1, "plain info line")
	m.Process("comfyui", Stderr, 1, "odd stderr line")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)
	assert.Zero(t, rec.counts["comfyui/info"])
}

func TestTracebackStateIsPerService(t *testing.T) {
	m, logs, _ := newTestMultiplexer(t, zapcore.DebugLevel)

	m.Process("comfyui", Stderr, 1, "Traceback (most recent call last):")
	assert.True(t, m.InTraceback("comfyui"))
	assert.False(t, m.InTraceback("a1111"))

	// an unrelated service is unaffected by the open traceback
	m.Process("a1111", Stdout, 2, "Model loaded in 3.1s")
	m.Process("comfyui", Stdout, 1, `  File "main.py", line 1`)
	m.Process("comfyui", Stderr, 1, "")
	m.Process("comfyui", Stdout, 1, "Prompt executed in 1.2 seconds")

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level, "stdout line joins the stderr traceback")
	assert.Equal(t, zapcore.InfoLevel, entries[3].Level)
	assert.False(t, m.InTraceback("comfyui"))
}

func TestAttachReadsBothStreamsAndFlushesPartialLine(t *testing.T) {
	m, logs, _ := newTestMultiplexer(t, zapcore.DebugLevel)

	p, err := process.Start(process.ExecutionConfig{
		Service:        "comfyui",
		ExecutablePath: "/bin/sh",
		Args: []string{"-c", `printf 'got prompt\n'; printf ' 45%%|####      | 9/20\n'; ` +
			`printf 'Traceback (most recent call last):\n  File "x.py"\n    boom()\nNameError: boom\n\n' 1>&2; ` +
			`printf 'no trailing newline'`},
	}, logging.NewNopLogger())
	require.NoError(t, err)

	var tee bytes.Buffer
	var teeMu sync.Mutex
	m.Attach(p, writerFunc(func(b []byte) (int, error) {
		teeMu.Lock()
		defer teeMu.Unlock()
		return tee.Write(b)
	}))
	m.Wait()
	assert.Equal(t, 0, p.ExitCode())

	stdout := logs.FilterField(zap.String("stream", "stdout")).All()
	require.Len(t, stdout, 2)
	assert.Equal(t, "got prompt", stdout[0].Message)
	assert.Equal(t, "no trailing newline", stdout[1].Message)

	stderr := logs.FilterField(zap.String("stream", "stderr")).All()
	require.Len(t, stderr, 4)
	for _, e := range stderr {
		assert.Equal(t, zapcore.ErrorLevel, e.Level)
		assert.Equal(t, int64(p.PID()), e.ContextMap()["pid"])
	}

	teeMu.Lock()
	defer teeMu.Unlock()
	assert.Contains(t, tee.String(), "45%|")
	assert.Contains(t, tee.String(), "NameError: boom")
}

func TestAttachIgnoresInheritedOutput(t *testing.T) {
	m, logs, _ := newTestMultiplexer(t, zapcore.DebugLevel)

	p, err := process.Start(process.ExecutionConfig{
		Service:        "agent",
		ExecutablePath: "/bin/sh",
		Args:           []string{"-c", "true"},
		InheritOutput:  true,
	}, logging.NewNopLogger())
	require.NoError(t, err)

	m.Attach(p, nil)
	m.Wait()
	<-p.Done()
	assert.Zero(t, logs.Len())
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) { return f(b) }
