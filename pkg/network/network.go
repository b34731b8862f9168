package network

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/core-tools/hsu-podpilot/pkg/errors"
	"github.com/core-tools/hsu-podpilot/pkg/logging"
	"github.com/core-tools/hsu-podpilot/pkg/monitoring"
	"github.com/core-tools/hsu-podpilot/pkg/process"
	"github.com/core-tools/hsu-podpilot/pkg/retry"
)

const (
	ServiceName = "tailscaled"

	DefaultDaemonPath = "tailscaled"
	DefaultCLIPath    = "tailscale"
	DefaultSocketPath = "/var/run/tailscale/tailscaled.sock"
	DefaultStatePath  = "mem:"

	DefaultReadyInterval    = 200 * time.Millisecond
	DefaultReadyAttempts    = 50
	DefaultConnectInterval  = 500 * time.Millisecond
	DefaultConnectAttempts  = 60
	DefaultStatusTimeout    = 2 * time.Second
	DefaultJoinTimeout      = 60 * time.Second
	DefaultCommandTimeout   = 10 * time.Second
	ContextKeyDaemonOutput  = "daemon_output"
	ContextKeyBackendState  = "backend_state"
	contextKeyHostname      = "hostname"
	contextKeyDaemonExit    = "daemon_exit_code"
	contextKeyStatusCommand = "status_command"
)

// Options configures the overlay bootstrap
type Options struct {
	DaemonPath string
	CLIPath    string
	SocketPath string
	StatePath  string
	ProxyAddr  string

	AuthKey  string
	Hostname string
	Tags     []string

	// ReuseExistingDaemon skips spawning when the socket already exists,
	// for local development against a host daemon
	ReuseExistingDaemon bool

	Ready       monitoring.PollOptions
	Connect     monitoring.PollOptions
	Join        retry.Policy
	JoinTimeout time.Duration
	TailSize    int
}

// DefaultOptions fills every knob with the production values
func DefaultOptions() Options {
	return Options{
		DaemonPath:  DefaultDaemonPath,
		CLIPath:     DefaultCLIPath,
		SocketPath:  DefaultSocketPath,
		StatePath:   DefaultStatePath,
		ProxyAddr:   DefaultProxyAddr,
		Ready: monitoring.PollOptions{
			Interval:       DefaultReadyInterval,
			MaxAttempts:    DefaultReadyAttempts,
			AttemptTimeout: DefaultStatusTimeout,
		},
		Connect: monitoring.PollOptions{
			Interval:       DefaultConnectInterval,
			MaxAttempts:    DefaultConnectAttempts,
			AttemptTimeout: DefaultStatusTimeout,
		},
		Join:        retry.DefaultPolicy(),
		JoinTimeout: DefaultJoinTimeout,
		TailSize:    DefaultTailSize,
	}
}

// Result summarizes a completed bootstrap
type Result struct {
	Joined  bool
	Address string
}

// Bootstrap brings the overlay network up: daemon, readiness, join, address
type Bootstrap struct {
	opts   Options
	runner CommandRunner
	spawn  process.SpawnFunc
	output process.OutputAttacher
	logger logging.Logger

	daemon *process.ManagedProcess
	tail   *TailBuffer
}

func NewBootstrap(opts Options, runner CommandRunner, spawn process.SpawnFunc, output process.OutputAttacher, logger logging.Logger) *Bootstrap {
	if runner == nil {
		runner = ExecRunner{}
	}
	if spawn == nil {
		spawn = process.Start
	}
	return &Bootstrap{
		opts:   opts,
		runner: runner,
		spawn:  spawn,
		output: output,
		logger: logger.WithComponent("network"),
		tail:   NewTailBuffer(opts.TailSize),
	}
}

// Daemon returns the spawned daemon, nil if none was spawned
func (b *Bootstrap) Daemon() *process.ManagedProcess { return b.daemon }

// DaemonOutput returns the retained tail of the daemon's output
func (b *Bootstrap) DaemonOutput() string { return b.tail.String() }

// Up runs every bootstrap step in order
func (b *Bootstrap) Up(ctx context.Context) (Result, error) {
	if err := b.StartDaemon(); err != nil {
		return Result{}, err
	}
	if err := b.AwaitReady(ctx); err != nil {
		return Result{}, err
	}

	var result Result
	if b.opts.AuthKey == "" {
		b.logger.LogWithFields(logging.WarnLevel, "no auth key configured, skipping network join",
			logging.String(contextKeyHostname, b.opts.Hostname))
	} else {
		if err := b.Join(ctx); err != nil {
			return Result{}, err
		}
		if err := b.AwaitConnected(ctx); err != nil {
			return Result{}, err
		}
		result.Joined = true
	}

	addr, err := b.ResolveAddress(ctx, result.Joined)
	if err != nil {
		return Result{}, err
	}
	result.Address = addr
	return result, nil
}

func (b *Bootstrap) cli(args ...string) []string {
	return append([]string{"--socket=" + b.opts.SocketPath}, args...)
}

// StartDaemon spawns tailscaled in userspace-networking mode
func (b *Bootstrap) StartDaemon() error {
	if b.opts.ReuseExistingDaemon {
		if _, err := os.Stat(b.opts.SocketPath); err == nil {
			b.logger.Infof("Using existing daemon at %s", b.opts.SocketPath)
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(b.opts.SocketPath), 0755); err != nil {
		b.logger.Warnf("Failed to create socket directory %s: %v", filepath.Dir(b.opts.SocketPath), err)
	}

	config := process.ExecutionConfig{
		Service:        ServiceName,
		ExecutablePath: b.opts.DaemonPath,
		Args: []string{
			"--tun=userspace-networking",
			"--socks5-server=" + b.opts.ProxyAddr,
			"--outbound-http-proxy-listen=" + b.opts.ProxyAddr,
			"--state=" + b.opts.StatePath,
			"--socket=" + b.opts.SocketPath,
		},
	}
	daemon, err := b.spawn(config, b.logger)
	if err != nil {
		return errors.NewNetworkError("failed to spawn network daemon", err)
	}
	b.daemon = daemon
	if b.output != nil {
		b.output.Attach(daemon, b.tail)
	}
	return nil
}

// AwaitReady polls the daemon until it answers status queries
func (b *Bootstrap) AwaitReady(ctx context.Context) error {
	opts := b.opts.Ready
	if b.daemon != nil {
		opts.Abort = b.daemon.Done()
	}

	result, err := monitoring.Poll(ctx, ServiceName, opts, func(ctx context.Context) error {
		_, err := b.runner.Run(ctx, b.opts.CLIPath, b.cli("status", "--json")...)
		return err
	}, b.logger)
	if err == nil {
		b.logger.LogWithFields(logging.InfoLevel, "network daemon ready",
			logging.Int(monitoring.ContextKeyAttempts, result.Attempts),
			logging.Int64(monitoring.ContextKeyElapsedMs, result.Elapsed.Milliseconds()))
		return nil
	}

	if result.Aborted && b.daemon != nil && b.daemon.Exited() {
		return errors.NewNetworkError("network daemon exited before becoming ready", result.LastErr).
			WithContext(contextKeyDaemonExit, b.daemon.ExitCode()).
			WithContext(monitoring.ContextKeyAttempts, result.Attempts).
			WithContext(ContextKeyDaemonOutput, b.tail.String())
	}
	if de, ok := err.(*errors.DomainError); ok {
		return de.WithContext(ContextKeyDaemonOutput, b.tail.String()).
			WithContext(contextKeyStatusCommand, renderCommand(b.opts.CLIPath, b.cli("status", "--json")))
	}
	return err
}

// Join authenticates the node, retrying with exponential backoff
func (b *Bootstrap) Join(ctx context.Context) error {
	args := b.cli("up",
		"--authkey="+b.opts.AuthKey,
		"--hostname="+b.opts.Hostname,
		"--advertise-tags="+strings.Join(b.opts.Tags, ","),
		"--accept-dns=false",
	)
	b.logger.LogWithFields(logging.InfoLevel, "joining network",
		logging.String(contextKeyHostname, b.opts.Hostname),
		logging.Strings("tags", b.opts.Tags))

	timeout := b.opts.JoinTimeout
	if timeout <= 0 {
		timeout = DefaultJoinTimeout
	}

	start := time.Now()
	attempts, err := b.opts.Join.Do(ctx, "network_join", func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		_, err := b.runner.Run(attemptCtx, b.opts.CLIPath, args...)
		return err
	}, b.logger)
	if err != nil {
		return errors.NewNetworkError("failed to join network", err).
			WithContext(monitoring.ContextKeyAttempts, attempts).
			WithContext(contextKeyHostname, b.opts.Hostname)
	}

	b.logger.LogWithFields(logging.InfoLevel, "joined network",
		logging.Int(monitoring.ContextKeyAttempts, attempts),
		logging.Duration("elapsed", time.Since(start)))
	return nil
}

// AwaitConnected waits until the backend reports Running with an address
func (b *Bootstrap) AwaitConnected(ctx context.Context) error {
	var lastState string
	_, err := monitoring.Poll(ctx, ServiceName+"_connect", b.opts.Connect, func(ctx context.Context) error {
		res, err := b.runner.Run(ctx, b.opts.CLIPath, b.cli("status", "--json")...)
		if err != nil {
			return err
		}
		st, err := parseStatus(res.Stdout)
		if err != nil {
			return err
		}
		lastState = st.BackendState
		if !st.Connected() {
			return fmt.Errorf("backend state %s", st.BackendState)
		}
		return nil
	}, b.logger)
	if err != nil {
		if de, ok := err.(*errors.DomainError); ok {
			return de.WithContext(ContextKeyBackendState, lastState)
		}
		return err
	}
	return nil
}

// ResolveAddress asks the daemon for the node's IPv4 overlay address. After a
// join an empty answer is an error; without a join it is only a warning.
func (b *Bootstrap) ResolveAddress(ctx context.Context, joined bool) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, DefaultCommandTimeout)
	defer cancel()

	res, err := b.runner.Run(cmdCtx, b.opts.CLIPath, b.cli("ip", "-4")...)
	addr := firstLine(res.Stdout)

	switch {
	case err != nil && joined:
		return "", errors.NewNetworkError("failed to resolve overlay address", err)
	case addr == "" && joined:
		return "", errors.NewNetworkError("no address assigned", nil).
			WithContext(contextKeyHostname, b.opts.Hostname)
	case err != nil || addr == "":
		b.logger.LogWithFields(logging.WarnLevel, "overlay address unavailable", logging.Error(err))
		return "", nil
	}

	b.logger.LogWithFields(logging.InfoLevel, "overlay address resolved", logging.String("address", addr))
	return addr, nil
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
