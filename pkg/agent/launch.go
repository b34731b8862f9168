package agent

import (
	"github.com/core-tools/hsu-podpilot/pkg/config"
	"github.com/core-tools/hsu-podpilot/pkg/errors"
	"github.com/core-tools/hsu-podpilot/pkg/logging"
	"github.com/core-tools/hsu-podpilot/pkg/network"
	"github.com/core-tools/hsu-podpilot/pkg/process"
)

const ServiceName = "agent"

// Environment read by the agent
const (
	EnvTailscaleIP        = "TAILSCALE_IP"
	EnvProviderType       = "PROVIDER_TYPE"
	EnvProviderInstanceID = "PROVIDER_INSTANCE_ID"
	EnvHostname           = "HOSTNAME"
	EnvLogLevel           = "LOG_LEVEL"
)

// LaunchOptions is everything the agent is told at startup
type LaunchOptions struct {
	Path       string
	ProxyAddr  string
	Address    string
	App        string
	Hostname   string
	LogLevel   logging.Level
	Provider   config.Provider
	InstanceID string

	// Passthrough hands the agent's streams to the supervisor's own stdout
	// and stderr instead of classifying them
	Passthrough bool
}

func LaunchOptionsFor(cfg *config.Config, path, address string) LaunchOptions {
	return LaunchOptions{
		Path:        path,
		ProxyAddr:   network.DefaultProxyAddr,
		Address:     address,
		App:         string(cfg.App),
		Hostname:    cfg.Hostname,
		LogLevel:    cfg.LogLevel,
		Provider:    cfg.Provider,
		InstanceID:  cfg.ProviderInstanceID,
		Passthrough: cfg.PassthroughAgentLogs,
	}
}

// Environment lists the entries appended to the supervisor's environment
func (o LaunchOptions) Environment() []string {
	env := network.ProxyEnv(o.ProxyAddr)
	env = append(env,
		EnvTailscaleIP+"="+o.Address,
		config.EnvApp+"="+o.App,
		EnvProviderType+"="+string(o.Provider),
		EnvLogLevel+"="+o.LogLevel.String(),
	)
	if o.Hostname != "" {
		env = append(env, EnvHostname+"="+o.Hostname)
	}
	if o.InstanceID != "" {
		env = append(env, EnvProviderInstanceID+"="+o.InstanceID)
	}
	return env
}

// Launch spawns the agent
func Launch(opts LaunchOptions, spawn process.SpawnFunc, output process.OutputAttacher, logger logging.Logger) (*process.ManagedProcess, error) {
	if spawn == nil {
		spawn = process.Start
	}
	logger = logger.WithComponent("agent")

	p, err := spawn(process.ExecutionConfig{
		Service:        ServiceName,
		ExecutablePath: opts.Path,
		Environment:    opts.Environment(),
		InheritOutput:  opts.Passthrough,
	}, logger)
	if err != nil {
		return nil, errors.NewAgentError("failed to spawn agent", err).WithContext(contextKeyPath, opts.Path)
	}
	if output != nil && !opts.Passthrough {
		output.Attach(p, nil)
	}

	logger.LogWithFields(logging.InfoLevel, "agent started",
		logging.PID(p.PID()),
		logging.String("tailscale_ip", opts.Address),
		logging.Bool("passthrough", opts.Passthrough))
	return p, nil
}
