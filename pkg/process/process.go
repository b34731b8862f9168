package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-podpilot/pkg/errors"
	"github.com/core-tools/hsu-podpilot/pkg/logging"
)

// DefaultGracePeriod is how long a child gets between SIGTERM and SIGKILL
const DefaultGracePeriod = 5 * time.Second

// SpawnFunc starts a managed child; Start in production
type SpawnFunc func(config ExecutionConfig, logger logging.Logger) (*ManagedProcess, error)

// OutputAttacher forwards a child's output into the log pipeline, copying the
// raw bytes to tee as well when it is non-nil
type OutputAttacher interface {
	Attach(p *ManagedProcess, tee io.Writer)
}

// ExecutionConfig describes a child process to spawn
type ExecutionConfig struct {
	Service          string   `yaml:"service"`
	ExecutablePath   string   `yaml:"executable_path"`
	Args             []string `yaml:"args,omitempty"`
	Environment      []string `yaml:"environment,omitempty"`
	WorkingDirectory string   `yaml:"working_directory,omitempty"`

	// InheritOutput connects the child's stdout/stderr to the supervisor's own
	// instead of pipes; Stdout and Stderr then return nil.
	InheritOutput bool `yaml:"inherit_output,omitempty"`
}

// ManagedProcess is a spawned child owned by the supervisor
type ManagedProcess struct {
	service   string
	cmd       *exec.Cmd
	startedAt time.Time
	logger    logging.Logger

	stdout io.ReadCloser
	stderr io.ReadCloser

	done     chan struct{}
	exitCode int
	waitErr  error

	terminating atomic.Bool
	termOnce    sync.Once
	termErr     error
}

// Start spawns the child in its own process group. The supervisor's
// environment is inherited and config.Environment is appended to it.
func Start(config ExecutionConfig, logger logging.Logger) (*ManagedProcess, error) {
	if err := ValidateExecutionConfig(config); err != nil {
		return nil, err
	}
	logger = logger.WithFields(logging.Service(config.Service))

	cmd := exec.Command(config.ExecutablePath, config.Args...)
	cmd.Dir = config.WorkingDirectory
	cmd.Env = append(os.Environ(), config.Environment...)
	setupProcessAttributes(cmd)

	p := &ManagedProcess{
		service: config.Service,
		cmd:     cmd,
		logger:  logger,
		done:    make(chan struct{}),
	}

	// Pipes are created by hand so the read ends belong to the log consumers
	// and Wait never closes them before the last line has been read.
	var writeEnds []*os.File
	if config.InheritOutput {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		outR, outW, err := os.Pipe()
		if err != nil {
			return nil, errors.NewProcessError("failed to create stdout pipe", err).WithContext("service", config.Service)
		}
		errR, errW, err := os.Pipe()
		if err != nil {
			outR.Close()
			outW.Close()
			return nil, errors.NewProcessError("failed to create stderr pipe", err).WithContext("service", config.Service)
		}
		cmd.Stdout = outW
		cmd.Stderr = errW
		p.stdout = outR
		p.stderr = errR
		writeEnds = []*os.File{outW, errW}
	}

	logger.Debugf("Spawning %s, args: %v, dir: '%s'", config.ExecutablePath, config.Args, config.WorkingDirectory)

	if err := cmd.Start(); err != nil {
		for _, f := range writeEnds {
			f.Close()
		}
		if p.stdout != nil {
			p.stdout.Close()
			p.stderr.Close()
		}
		return nil, errors.NewProcessError("failed to start the process", err).
			WithContext("service", config.Service).
			WithContext(errors.ContextKeyCommand, commandLine(config))
	}
	for _, f := range writeEnds {
		f.Close()
	}

	p.startedAt = time.Now()
	go p.wait()

	logger.LogWithFields(logging.InfoLevel, "process started",
		logging.PID(p.PID()),
		logging.String(errors.ContextKeyCommand, commandLine(config)))

	return p, nil
}

func (p *ManagedProcess) wait() {
	err := p.cmd.Wait()
	p.exitCode = exitCodeOf(p.cmd.ProcessState)
	if _, isExit := err.(*exec.ExitError); !isExit {
		p.waitErr = err
	}
	close(p.done)
}

// Service is the role name attached to every record of this child
func (p *ManagedProcess) Service() string { return p.service }

func (p *ManagedProcess) PID() int { return p.cmd.Process.Pid }

// Stdout returns the read end of the child's stdout, nil when inherited
func (p *ManagedProcess) Stdout() io.ReadCloser { return p.stdout }

// Stderr returns the read end of the child's stderr, nil when inherited
func (p *ManagedProcess) Stderr() io.ReadCloser { return p.stderr }

// Done is closed once the child has been reaped
func (p *ManagedProcess) Done() <-chan struct{} { return p.done }

// Exited reports whether the child has been reaped
func (p *ManagedProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode is valid after Done is closed. A child killed by a signal reports
// 128 plus the signal number.
func (p *ManagedProcess) ExitCode() int {
	<-p.done
	return p.exitCode
}

// Err reports a wait failure other than a non-zero exit
func (p *ManagedProcess) Err() error {
	<-p.done
	return p.waitErr
}

// Terminating reports whether Terminate has been called
func (p *ManagedProcess) Terminating() bool { return p.terminating.Load() }

func (p *ManagedProcess) Uptime() time.Duration { return time.Since(p.startedAt) }

// Terminate sends SIGTERM to the child's process group, waits up to grace for
// it to exit, then sends SIGKILL and waits for the reap unconditionally.
// Concurrent and repeated calls share the first call's outcome.
func (p *ManagedProcess) Terminate(ctx context.Context, grace time.Duration) error {
	p.termOnce.Do(func() {
		p.terminating.Store(true)
		p.termErr = p.terminate(ctx, grace)
	})
	return p.termErr
}

func (p *ManagedProcess) terminate(ctx context.Context, grace time.Duration) error {
	pid := p.PID()
	if p.Exited() {
		p.logger.Debugf("Process PID %d already exited with code %d", pid, p.exitCode)
		return nil
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	p.logger.Infof("Sending termination signal to PID %d, grace: %v", pid, grace)
	if err := sendTerminationSignal(p.cmd.Process); err != nil {
		p.logger.Warnf("Failed to send termination signal to PID %d: %v", pid, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		p.logger.Infof("Process PID %d terminated gracefully", pid)
		return nil
	case <-timer.C:
		p.logger.Warnf("Process PID %d did not terminate within %v, forcing termination", pid, grace)
	case <-ctx.Done():
		p.logger.Warnf("Context cancelled during graceful termination of PID %d, forcing termination", pid)
	}

	if err := sendKillSignal(p.cmd.Process); err != nil && !p.Exited() {
		p.logger.Errorf("Failed to kill PID %d: %v", pid, err)
	}

	// SIGKILL cannot be ignored, so the reap is awaited without a deadline.
	<-p.done
	p.logger.Infof("Process PID %d force terminated", pid)
	return nil
}

// ValidateExecutionConfig rejects configs that could never be spawned
func ValidateExecutionConfig(config ExecutionConfig) error {
	if config.Service == "" {
		return errors.NewValidationError("service name is required", nil)
	}
	if strings.TrimSpace(config.ExecutablePath) == "" {
		return errors.NewValidationError("executable path is required", nil).WithContext("service", config.Service)
	}
	if config.WorkingDirectory != "" {
		info, err := os.Stat(config.WorkingDirectory)
		if err != nil {
			return errors.NewIOError("working directory not accessible", err).
				WithContext("service", config.Service).
				WithContext("working_directory", config.WorkingDirectory)
		}
		if !info.IsDir() {
			return errors.NewValidationError("working directory is not a directory", nil).
				WithContext("service", config.Service).
				WithContext("working_directory", config.WorkingDirectory)
		}
	}
	return nil
}

// EnsureExecutable checks that path exists and sets the execute bits if none are set
func EnsureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewIOError("file does not exist", err).WithContext("path", path)
	}
	if info.IsDir() {
		return errors.NewValidationError("path is a directory", nil).WithContext("path", path)
	}

	if runtime.GOOS == "windows" {
		return nil
	}

	mode := info.Mode()
	if mode&0111 != 0 {
		return nil
	}
	if err := os.Chmod(path, mode|0111); err != nil {
		return errors.NewIOError("failed to make file executable", err).WithContext("path", path)
	}
	return nil
}

func commandLine(config ExecutionConfig) string {
	return strings.Join(append([]string{filepath.Base(config.ExecutablePath)}, config.Args...), " ")
}
