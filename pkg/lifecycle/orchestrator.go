package lifecycle

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/core-tools/hsu-podpilot/pkg/apps"
	"github.com/core-tools/hsu-podpilot/pkg/errors"
	"github.com/core-tools/hsu-podpilot/pkg/logging"
	"github.com/core-tools/hsu-podpilot/pkg/monitoring"
	"github.com/core-tools/hsu-podpilot/pkg/network"
	"github.com/core-tools/hsu-podpilot/pkg/process"
)

// Phase names a step of the boot sequence
type Phase string

const (
	PhaseConfig       Phase = "config"
	PhaseNetwork      Phase = "network"
	PhaseRemoteAccess Phase = "remote_access"
	PhaseApplication  Phase = "application"
	PhaseAgent        Phase = "agent"
	PhaseSteadyState  Phase = "steady_state"
	PhaseShutdown     Phase = "shutdown"
)

const (
	DefaultAppHealthInterval = 30 * time.Second
	DefaultOutputDrain       = 2 * time.Second
)

// NetworkBootstrapper brings up the overlay network
type NetworkBootstrapper interface {
	Up(ctx context.Context) (network.Result, error)
	Daemon() *process.ManagedProcess
}

type RemoteAccessStarter interface {
	Start(ctx context.Context) (*process.ManagedProcess, error)
}

type AppLauncher interface {
	Launch(ctx context.Context, app apps.App) (*process.ManagedProcess, error)
}

// AgentStarter obtains the agent and launches it with the resolved overlay address
type AgentStarter interface {
	Acquire(ctx context.Context) (string, error)
	Launch(path, address string) (*process.ManagedProcess, error)
}

// HealthReporter publishes whether the supervisor has reached steady state
type HealthReporter interface {
	SetServing(serving bool)
}

// Observer receives lifecycle measurements; metrics.Collector in production
type Observer interface {
	SetPhase(phase string)
	ObserveTeardown(service string, d time.Duration)
	RecordExit(service string, code int)
	SetAppHealth(app string, status monitoring.HealthCheckStatus)
}

// OutputDrainer waits for every attached output stream to reach end of file
type OutputDrainer interface {
	Wait()
}

// Dependencies are the collaborators of one boot. Health, Observer and
// Output are optional.
type Dependencies struct {
	Network      NetworkBootstrapper
	RemoteAccess RemoteAccessStarter
	Apps         AppLauncher
	Agent        AgentStarter

	Health   HealthReporter
	Observer Observer
	Output   OutputDrainer
}

// Options tunes timings; the zero value uses the production defaults
type Options struct {
	App               apps.App
	GracePeriod       time.Duration
	AppHealthInterval time.Duration
	OutputDrain       time.Duration
	// AppHealthCheck builds the steady-state probe of the application port
	AppHealthCheck func(port int) monitoring.Check
}

// Orchestrator runs the boot phases, supervises the steady state and tears
// everything down in reverse dependency order
type Orchestrator struct {
	opts   Options
	deps   Dependencies
	guard  *ShutdownGuard
	logger logging.Logger

	mutex    sync.Mutex
	phase    Phase
	daemon   *process.ManagedProcess
	sshd     *process.ManagedProcess
	app      *process.ManagedProcess
	agent    *process.ManagedProcess
	address  string
	appWatch *monitoring.HealthMonitor

	teardownOnce sync.Once
}

func New(opts Options, deps Dependencies, guard *ShutdownGuard, logger logging.Logger) *Orchestrator {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = process.DefaultGracePeriod
	}
	if opts.AppHealthInterval <= 0 {
		opts.AppHealthInterval = DefaultAppHealthInterval
	}
	if opts.OutputDrain <= 0 {
		opts.OutputDrain = DefaultOutputDrain
	}
	if opts.AppHealthCheck == nil {
		opts.AppHealthCheck = monitoring.LocalPortCheck
	}
	if guard == nil {
		guard = NewShutdownGuard()
	}
	return &Orchestrator{
		opts:   opts,
		deps:   deps,
		guard:  guard,
		logger: logger.WithComponent("lifecycle"),
		phase:  PhaseConfig,
	}
}

func (o *Orchestrator) Guard() *ShutdownGuard { return o.guard }

func (o *Orchestrator) Phase() Phase {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.phase
}

// Address is the overlay address resolved during the network phase
func (o *Orchestrator) Address() string {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.address
}

func (o *Orchestrator) setPhase(phase Phase) {
	o.mutex.Lock()
	o.phase = phase
	o.mutex.Unlock()

	o.logger.LogWithFields(logging.InfoLevel, "phase started", logging.String("phase", string(phase)))
	if o.deps.Observer != nil {
		o.deps.Observer.SetPhase(string(phase))
	}
}

// Run executes every phase and returns once the supervisor should exit.
// A nil result means graceful shutdown. Teardown has always completed when
// Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	err := o.boot(ctx)
	if err == nil && !o.guard.Requested() {
		err = o.steadyState(ctx)
	}
	if err != nil && o.guard.Requested() && errors.IsCancelledError(err) {
		err = nil
	}
	o.Teardown()
	return err
}

// boot runs the phases up to the launched agent, checking for a shutdown
// request before each of them
func (o *Orchestrator) boot(ctx context.Context) error {
	steps := []struct {
		phase Phase
		run   func(context.Context) error
	}{
		{PhaseNetwork, o.startNetwork},
		{PhaseRemoteAccess, o.startRemoteAccess},
		{PhaseApplication, o.startApplication},
		{PhaseAgent, o.startAgent},
	}

	for _, step := range steps {
		if o.guard.Requested() {
			o.logger.LogWithFields(logging.InfoLevel, "shutdown requested, skipping remaining phases",
				logging.String("phase", string(step.phase)),
				logging.String("reason", o.guard.Reason()))
			return nil
		}
		o.setPhase(step.phase)
		if err := step.run(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) startNetwork(ctx context.Context) error {
	result, err := o.deps.Network.Up(ctx)
	o.mutex.Lock()
	o.daemon = o.deps.Network.Daemon()
	o.address = result.Address
	o.mutex.Unlock()
	if err != nil {
		return err
	}
	o.logger.LogWithFields(logging.InfoLevel, "network ready",
		logging.Bool("joined", result.Joined),
		logging.String("address", result.Address))
	return nil
}

// startRemoteAccess never fails the boot
func (o *Orchestrator) startRemoteAccess(ctx context.Context) error {
	if o.deps.RemoteAccess == nil {
		return nil
	}
	p, err := o.deps.RemoteAccess.Start(ctx)
	if err != nil {
		o.logger.LogWithFields(logging.WarnLevel, "remote access unavailable", errorFields(err)...)
		return nil
	}
	o.mutex.Lock()
	o.sshd = p
	o.mutex.Unlock()
	return nil
}

func (o *Orchestrator) startApplication(ctx context.Context) error {
	p, err := o.deps.Apps.Launch(ctx, o.opts.App)
	if p != nil {
		o.mutex.Lock()
		o.app = p
		o.mutex.Unlock()
	}
	return err
}

func (o *Orchestrator) startAgent(ctx context.Context) error {
	path, err := o.deps.Agent.Acquire(ctx)
	if err != nil {
		return err
	}
	p, err := o.deps.Agent.Launch(path, o.Address())
	if err != nil {
		return err
	}
	o.mutex.Lock()
	o.agent = p
	o.mutex.Unlock()
	return nil
}

// steadyState waits for the agent to exit or for a shutdown request. An
// application exit is reported but does not end the wait.
func (o *Orchestrator) steadyState(ctx context.Context) error {
	o.setPhase(PhaseSteadyState)
	if o.deps.Health != nil {
		o.deps.Health.SetServing(true)
	}
	o.watchApplication(ctx)

	var appDone <-chan struct{}
	if o.app != nil {
		appDone = o.app.Done()
	}

	for {
		select {
		case <-o.agent.Done():
			if o.guard.Requested() {
				return nil
			}
			code := o.agent.ExitCode()
			o.logger.LogWithFields(logging.ErrorLevel, "agent exited",
				logging.Service(o.agent.Service()),
				logging.PID(o.agent.PID()),
				logging.Int(errors.ContextKeyExitCode, code))
			return errors.NewAgentExitedError(code, o.agent.Err())
		case <-appDone:
			appDone = nil
			if !o.guard.Requested() {
				o.logger.LogWithFields(logging.ErrorLevel, "application exited",
					logging.Service(o.app.Service()),
					logging.PID(o.app.PID()),
					logging.Int(errors.ContextKeyExitCode, o.app.ExitCode()))
			}
		case <-o.guard.Done():
			o.logger.LogWithFields(logging.InfoLevel, "leaving steady state",
				logging.String("reason", o.guard.Reason()))
			return nil
		}
	}
}

func (o *Orchestrator) watchApplication(ctx context.Context) {
	spec, err := apps.LaunchSpecFor(o.opts.App)
	if err != nil || o.app == nil {
		return
	}
	app := string(o.opts.App)
	monitor := monitoring.NewHealthMonitor(app, o.opts.AppHealthCheck(spec.Port), o.opts.AppHealthInterval, 0,
		func(previous, current monitoring.HealthCheckStatus) {
			if o.deps.Observer != nil {
				o.deps.Observer.SetAppHealth(app, current)
			}
		}, o.logger)
	if err := monitor.Start(ctx); err != nil {
		o.logger.LogWithFields(logging.WarnLevel, "application health monitor not started", logging.Error(err))
		return
	}
	o.mutex.Lock()
	o.appWatch = monitor
	o.mutex.Unlock()
}

func errorFields(err error) []logging.Field {
	fields := []logging.Field{logging.Error(err)}
	var de *errors.DomainError
	if stderrors.As(err, &de) {
		fields = append(fields, logging.String("error_type", string(de.Type)))
		if len(de.Context) > 0 {
			fields = append(fields, logging.Object("context", de.Context))
		}
	}
	return fields
}
