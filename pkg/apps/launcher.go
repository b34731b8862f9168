package apps

import (
	"context"
	"time"

	"github.com/core-tools/hsu-podpilot/pkg/errors"
	"github.com/core-tools/hsu-podpilot/pkg/logging"
	"github.com/core-tools/hsu-podpilot/pkg/monitoring"
	"github.com/core-tools/hsu-podpilot/pkg/process"
)

const (
	DefaultReadyInterval = time.Second
	DefaultReadyAttempts = 120

	contextKeyApp  = "app"
	contextKeyPort = "port"
)

// Launcher spawns an application and waits for its port to accept connections
type Launcher struct {
	spawn  process.SpawnFunc
	output process.OutputAttacher
	logger logging.Logger

	// Ready bounds the port wait
	Ready monitoring.PollOptions
	// Check builds the readiness probe for a port
	Check func(port int) monitoring.Check
}

func NewLauncher(spawn process.SpawnFunc, output process.OutputAttacher, logger logging.Logger) *Launcher {
	if spawn == nil {
		spawn = process.Start
	}
	return &Launcher{
		spawn:  spawn,
		output: output,
		logger: logger.WithComponent("apps"),
		Ready: monitoring.PollOptions{
			Interval:    DefaultReadyInterval,
			MaxAttempts: DefaultReadyAttempts,
		},
		Check: monitoring.LocalPortCheck,
	}
}

// Launch spawns the application and waits for it. When readiness fails the
// spawned process is still returned so the caller can tear it down.
func (l *Launcher) Launch(ctx context.Context, app App) (*process.ManagedProcess, error) {
	spec, err := LaunchSpecFor(app)
	if err != nil {
		return nil, err
	}
	p, err := l.Start(spec)
	if err != nil {
		return nil, err
	}
	return p, l.AwaitReady(ctx, p, spec)
}

// Start spawns the application described by spec with its output attached
func (l *Launcher) Start(spec LaunchSpec) (*process.ManagedProcess, error) {
	l.logger.LogWithFields(logging.InfoLevel, "launching application",
		logging.String(contextKeyApp, string(spec.App)),
		logging.String(errors.ContextKeyCommand, spec.String()))

	p, err := l.spawn(process.ExecutionConfig{
		Service:          string(spec.App),
		ExecutablePath:   spec.Command,
		Args:             spec.Args,
		WorkingDirectory: spec.WorkingDir,
	}, l.logger)
	if err != nil {
		return nil, errors.NewApplicationError("failed to spawn application", err).
			WithContext(contextKeyApp, string(spec.App)).
			WithContext(contextKeyPort, spec.Port)
	}
	if l.output != nil {
		l.output.Attach(p, nil)
	}
	return p, nil
}

// AwaitReady polls the application port. It ends early with an application
// error if p exits while it waits.
func (l *Launcher) AwaitReady(ctx context.Context, p *process.ManagedProcess, spec LaunchSpec) error {
	opts := l.Ready
	opts.Abort = p.Done()

	result, err := monitoring.Poll(ctx, string(spec.App), opts, l.Check(spec.Port), l.logger)
	if err == nil {
		l.logger.LogWithFields(logging.InfoLevel, "application ready",
			logging.String(contextKeyApp, string(spec.App)),
			logging.Int(contextKeyPort, spec.Port),
			logging.Int(monitoring.ContextKeyAttempts, result.Attempts),
			logging.Int64(monitoring.ContextKeyElapsedMs, result.Elapsed.Milliseconds()))
		return nil
	}

	switch {
	case result.Aborted && p.Exited():
		return errors.NewApplicationError("application exited before becoming ready", p.Err()).
			WithContext(contextKeyApp, string(spec.App)).
			WithContext(contextKeyPort, spec.Port).
			WithContext(errors.ContextKeyExitCode, p.ExitCode()).
			WithContext(monitoring.ContextKeyAttempts, result.Attempts)
	case errors.IsTimeoutError(err):
		return errors.NewTimeoutError("application spawned but never became ready", err).
			WithContext(contextKeyApp, string(spec.App)).
			WithContext(contextKeyPort, spec.Port).
			WithContext(monitoring.ContextKeyAttempts, result.Attempts).
			WithContext(monitoring.ContextKeyBudgetMs, opts.Budget().Milliseconds())
	default:
		if de, ok := err.(*errors.DomainError); ok {
			return de.WithContext(contextKeyApp, string(spec.App)).WithContext(contextKeyPort, spec.Port)
		}
		return err
	}
}
