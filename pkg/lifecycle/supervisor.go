package lifecycle

import (
	"context"

	"github.com/core-tools/hsu-podpilot/pkg/agent"
	"github.com/core-tools/hsu-podpilot/pkg/apps"
	"github.com/core-tools/hsu-podpilot/pkg/config"
	"github.com/core-tools/hsu-podpilot/pkg/control"
	"github.com/core-tools/hsu-podpilot/pkg/logging"
	"github.com/core-tools/hsu-podpilot/pkg/logstream"
	"github.com/core-tools/hsu-podpilot/pkg/metrics"
	"github.com/core-tools/hsu-podpilot/pkg/network"
	"github.com/core-tools/hsu-podpilot/pkg/process"
	"github.com/core-tools/hsu-podpilot/pkg/remoteaccess"
)

const joinOperation = "network_join"

// agentStarter adapts the agent package to AgentStarter
type agentStarter struct {
	cfg     *config.Config
	acquire agent.AcquireOptions
	output  process.OutputAttacher
	logger  logging.Logger
}

func (a *agentStarter) Acquire(ctx context.Context) (string, error) {
	return agent.Acquire(ctx, a.acquire, a.logger)
}

func (a *agentStarter) Launch(path, address string) (*process.ManagedProcess, error) {
	return agent.Launch(agent.LaunchOptionsFor(a.cfg, path, address), nil, a.output, a.logger)
}

// Supervisor is the production assembly: log pipeline, metrics, health
// endpoint and the orchestrator wired to the real collaborators
type Supervisor struct {
	Orchestrator *Orchestrator
	Multiplexer  *logstream.Multiplexer
	Collector    *metrics.Collector

	cfg           *config.Config
	health        *control.HealthServer
	metricsServer *metrics.Server
	logger        logging.Logger
}

// NewSupervisor builds every component from cfg. Child output records go to
// sink; supervisor records go to logger.
func NewSupervisor(cfg *config.Config, sink, logger logging.Logger) (*Supervisor, error) {
	rules, err := logstream.DefaultRules()
	if err != nil {
		return nil, err
	}
	collector := metrics.NewCollector(metrics.DefaultNamespace)
	mux := logstream.NewMultiplexer(rules, sink, collector)

	netOpts := network.DefaultOptions()
	netOpts.AuthKey = cfg.AuthKey
	netOpts.Hostname = cfg.Hostname
	netOpts.Tags = cfg.Tags
	netOpts.ReuseExistingDaemon = cfg.ReuseDaemon
	netOpts.Join.Observer = collector.RetryObserver(joinOperation)

	sshOpts := remoteaccess.DefaultOptions()
	sshOpts.PublicKey = cfg.PublicKey

	acquire := agent.DefaultAcquireOptions(cfg)
	acquire.Download.Observer = collector.RetryObserver(agent.DownloadOperation)

	s := &Supervisor{
		Multiplexer: mux,
		Collector:   collector,
		cfg:         cfg,
		logger:      logger,
	}

	deps := Dependencies{
		Network:      network.NewBootstrap(netOpts, nil, nil, mux, logger),
		RemoteAccess: remoteaccess.NewDaemon(sshOpts, nil, nil, mux, logger),
		Apps:         apps.NewLauncher(nil, mux, logger),
		Agent:        &agentStarter{cfg: cfg, acquire: acquire, output: mux, logger: logger},
		Observer:     collector,
		Output:       mux,
	}
	if cfg.HealthPort > 0 {
		s.health = control.NewHealthServer(cfg.HealthPort, logger)
		deps.Health = s.health
	}
	if cfg.MetricsAddr != "" {
		s.metricsServer = metrics.NewServer(cfg.MetricsAddr, collector, logger)
	}

	s.Orchestrator = New(Options{App: cfg.App}, deps, nil, logger)
	return s, nil
}

// Run serves the optional endpoints, listens for termination signals and runs
// the orchestrator to completion
func (s *Supervisor) Run(ctx context.Context) error {
	if s.metricsServer != nil {
		if err := s.metricsServer.Start(); err != nil {
			s.logger.LogWithFields(logging.WarnLevel, "metrics endpoint disabled", logging.Error(err))
			s.metricsServer = nil
		}
	}
	if s.health != nil {
		if err := s.health.Start(ctx); err != nil {
			s.logger.LogWithFields(logging.WarnLevel, "health endpoint disabled", logging.Error(err))
		}
	}

	stopSignals := ListenForSignals(s.Orchestrator.Guard(), s.logger)
	defer stopSignals()

	s.logger.LogWithFields(logging.InfoLevel, "supervisor starting", s.cfg.LogFields()...)
	err := s.Orchestrator.Run(ctx)

	if s.health != nil {
		s.health.Stop()
	}
	if s.metricsServer != nil {
		s.metricsServer.Stop()
	}
	return err
}
