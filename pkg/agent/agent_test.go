//go:build !windows

package agent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/core-tools/hsu-podpilot/pkg/config"
	"github.com/core-tools/hsu-podpilot/pkg/errors"
	"github.com/core-tools/hsu-podpilot/pkg/logging"
	"github.com/core-tools/hsu-podpilot/pkg/process"
	"github.com/core-tools/hsu-podpilot/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const agentBody = "#!/bin/sh\necho agent\n"

type immediateTimer struct {
	c      chan time.Time
	delays []time.Duration
}

func (t *immediateTimer) Start(d time.Duration) {
	t.delays = append(t.delays, d)
	t.c <- time.Now()
}
func (t *immediateTimer) Stop()               {}
func (t *immediateTimer) C() <-chan time.Time { return t.c }

// agentServer fails the first failures requests with status, then serves the body
func agentServer(t *testing.T, failures int32, status int) (*httptest.Server, *atomic.Int32) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= failures {
			w.WriteHeader(status)
			return
		}
		_, _ = io.WriteString(w, agentBody)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func downloadOptions(t *testing.T, url string) (AcquireOptions, *immediateTimer) {
	timer := &immediateTimer{c: make(chan time.Time, 1)}
	policy := retry.DefaultPolicy()
	policy.Timer = timer
	return AcquireOptions{
		Mode:           config.AgentModeDownload,
		Path:           filepath.Join(t.TempDir(), "bin", "podpilot-agent"),
		URL:            url,
		Download:       policy,
		AttemptTimeout: 5 * time.Second,
	}, timer
}

func TestAcquireLocalModes(t *testing.T) {
	for _, mode := range []config.AgentMode{config.AgentModeEmbedded, config.AgentModeLocal} {
		t.Run(string(mode), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "podpilot-agent")
			require.NoError(t, os.WriteFile(path, []byte(agentBody), 0644))

			got, err := Acquire(context.Background(), AcquireOptions{Mode: mode, Path: path}, logging.NewNopLogger())
			require.NoError(t, err)
			assert.Equal(t, path, got)

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.NotZero(t, info.Mode()&0111, "execute bits set")
		})
	}
}

func TestAcquireMissingIsFatal(t *testing.T) {
	for _, mode := range []config.AgentMode{config.AgentModeEmbedded, config.AgentModeLocal} {
		t.Run(string(mode), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "missing")
			_, err := Acquire(context.Background(), AcquireOptions{Mode: mode, Path: path}, logging.NewNopLogger())

			require.Error(t, err)
			assert.True(t, errors.IsAgentError(err))
			assert.Contains(t, err.Error(), string(mode)+" mode")
		})
	}
}

func TestAcquireDownloadSkipsExisting(t *testing.T) {
	srv, hits := agentServer(t, 0, 0)
	opts, _ := downloadOptions(t, srv.URL)
	require.NoError(t, os.MkdirAll(filepath.Dir(opts.Path), 0755))
	require.NoError(t, os.WriteFile(opts.Path, []byte("prebaked"), 0755))

	_, err := Acquire(context.Background(), opts, logging.NewNopLogger())
	require.NoError(t, err)
	assert.Zero(t, hits.Load(), "no network request")

	data, err := os.ReadFile(opts.Path)
	require.NoError(t, err)
	assert.Equal(t, "prebaked", string(data))
}

func TestAcquireDownload(t *testing.T) {
	srv, hits := agentServer(t, 0, 0)
	opts, _ := downloadOptions(t, srv.URL)

	got, err := Acquire(context.Background(), opts, logging.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, opts.Path, got)
	assert.Equal(t, int32(1), hits.Load())

	data, err := os.ReadFile(opts.Path)
	require.NoError(t, err)
	assert.Equal(t, agentBody, string(data))

	info, err := os.Stat(opts.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(opts.Path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary file left behind")
}

func TestAcquireDownloadRetriesServerErrors(t *testing.T) {
	srv, hits := agentServer(t, 2, http.StatusServiceUnavailable)
	opts, timer := downloadOptions(t, srv.URL)

	_, err := Acquire(context.Background(), opts, logging.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, timer.delays)
}

func TestAcquireDownloadExhausted(t *testing.T) {
	srv, hits := agentServer(t, 100, http.StatusNotFound)
	opts, timer := downloadOptions(t, srv.URL)

	_, err := Acquire(context.Background(), opts, logging.NewNopLogger())
	require.Error(t, err)
	assert.True(t, errors.IsAgentError(err))
	assert.Equal(t, int32(5), hits.Load())
	assert.Len(t, timer.delays, 5, "the final failure still backs off before giving up")

	code, ok := errors.ContextValue(err, contextKeyStatusCode)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, err.Error(), "404")
	assert.NoFileExists(t, opts.Path)
}

func TestAcquireDownloadWithoutURL(t *testing.T) {
	opts, _ := downloadOptions(t, "")
	_, err := Acquire(context.Background(), opts, logging.NewNopLogger())
	require.Error(t, err)
	assert.True(t, errors.IsAgentError(err))
}

func TestLaunchEnvironment(t *testing.T) {
	opts := LaunchOptions{
		Path:       "/usr/local/bin/podpilot-agent",
		ProxyAddr:  "localhost:1055",
		Address:    "100.64.0.7",
		App:        "comfyui",
		Hostname:   "podpilot-abc",
		LogLevel:   logging.DebugLevel,
		Provider:   config.ProviderVastAI,
		InstanceID: "12345",
	}
	env := opts.Environment()

	for _, want := range []string{
		"ALL_PROXY=socks5://localhost:1055",
		"HTTP_PROXY=http://localhost:1055",
		"https_proxy=http://localhost:1055",
		"NO_PROXY=localhost,127.0.0.1",
		"TAILSCALE_IP=100.64.0.7",
		"PODPILOT_APP=comfyui",
		"PROVIDER_TYPE=vastai",
		"PROVIDER_INSTANCE_ID=12345",
		"HOSTNAME=podpilot-abc",
		"LOG_LEVEL=debug",
	} {
		assert.Contains(t, env, want)
	}

	opts.InstanceID = ""
	for _, e := range opts.Environment() {
		assert.False(t, strings.HasPrefix(e, EnvProviderInstanceID+"="))
	}
}

type recordingAttacher struct {
	attached []string
}

func (a *recordingAttacher) Attach(p *process.ManagedProcess, _ io.Writer) {
	a.attached = append(a.attached, p.Service())
}

func TestLaunchPassthrough(t *testing.T) {
	tests := []struct {
		name        string
		passthrough bool
		attached    int
	}{
		{"classified", false, 1},
		{"passthrough", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen process.ExecutionConfig
			spawn := func(cfg process.ExecutionConfig, logger logging.Logger) (*process.ManagedProcess, error) {
				seen = cfg
				return process.Start(process.ExecutionConfig{
					Service:        cfg.Service,
					ExecutablePath: "/bin/sh",
					Args:           []string{"-c", "exit 0"},
					InheritOutput:  cfg.InheritOutput,
				}, logger)
			}
			attacher := &recordingAttacher{}

			p, err := Launch(LaunchOptions{Path: "/opt/agent", Address: "100.64.0.7", Passthrough: tt.passthrough},
				spawn, attacher, logging.NewNopLogger())
			require.NoError(t, err)
			<-p.Done()

			assert.Equal(t, ServiceName, seen.Service)
			assert.Equal(t, "/opt/agent", seen.ExecutablePath)
			assert.Equal(t, tt.passthrough, seen.InheritOutput)
			assert.Contains(t, seen.Environment, "TAILSCALE_IP=100.64.0.7")
			assert.Len(t, attacher.attached, tt.attached)
		})
	}
}

func TestLaunchSpawnFailure(t *testing.T) {
	_, err := Launch(LaunchOptions{Path: filepath.Join(t.TempDir(), "missing")}, nil, nil, logging.NewNopLogger())
	require.Error(t, err)
	assert.True(t, errors.IsAgentError(err))
}
