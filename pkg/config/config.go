package config

import (
	stderrors "errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-podpilot/pkg/apps"
	"github.com/core-tools/hsu-podpilot/pkg/errors"
	"github.com/core-tools/hsu-podpilot/pkg/logging"

	flags "github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

// Environment variable names
const (
	EnvApp                  = "PODPILOT_APP"
	EnvAuthKey              = "TAILSCALE_AUTHKEY"
	EnvHostname             = "TAILSCALE_HOSTNAME"
	EnvTags                 = "TAILSCALE_TAGS"
	EnvAgentMode            = "PODPILOT_AGENT_MODE"
	EnvAgentPath            = "PODPILOT_AGENT_PATH"
	EnvAgentURL             = "PODPILOT_AGENT_URL"
	EnvLogLevel             = "PODPILOT_LOG_LEVEL"
	EnvPassthroughAgentLogs = "PODPILOT_PASSTHROUGH_AGENT_LOGS"
	EnvPublicKey            = "PUBLIC_KEY"
	EnvMetricsAddr          = "PODPILOT_METRICS_ADDR"
	EnvHealthPort           = "PODPILOT_HEALTH_PORT"
	EnvProvider             = "PODPILOT_PROVIDER"
	EnvProviderInstanceID   = "PODPILOT_PROVIDER_INSTANCE_ID"
	EnvReuseDaemon          = "PODPILOT_REUSE_TAILSCALED"
)

const (
	DefaultTags      = "tag:podpilot-agent"
	DefaultAgentPath = "/usr/local/bin/podpilot-agent"
	hostnamePrefix   = "podpilot-"
	redacted         = "[REDACTED]"
)

// AgentMode selects how the agent executable is obtained
type AgentMode string

const (
	AgentModeEmbedded AgentMode = "embedded"
	AgentModeDownload AgentMode = "download"
	AgentModeLocal    AgentMode = "local"
)

// Provider identifies the GPU rental marketplace hosting the instance
type Provider string

const (
	ProviderLocal  Provider = "local"
	ProviderVastAI Provider = "vastai"
	ProviderRunPod Provider = "runpod"
)

// Options is the raw go-flags view of the environment. Every option can also be
// given on the command line, which takes precedence over the environment.
type Options struct {
	App                  string        `long:"app" env:"PODPILOT_APP" description:"application to launch (comfyui, a1111, forge, fooocus)"`
	AuthKey              string        `long:"tailscale-authkey" env:"TAILSCALE_AUTHKEY" description:"overlay network auth key"`
	Hostname             string        `long:"tailscale-hostname" env:"TAILSCALE_HOSTNAME" description:"overlay network hostname"`
	Tags                 string        `long:"tailscale-tags" env:"TAILSCALE_TAGS" default:"tag:podpilot-agent" description:"comma separated overlay tags"`
	AgentMode            string        `long:"agent-mode" env:"PODPILOT_AGENT_MODE" default:"embedded" description:"agent acquisition mode (embedded, download, local)"`
	AgentPath            string        `long:"agent-path" env:"PODPILOT_AGENT_PATH" default:"/usr/local/bin/podpilot-agent" description:"agent executable path"`
	AgentURL             string        `long:"agent-url" env:"PODPILOT_AGENT_URL" description:"agent download URL"`
	LogLevel             string        `long:"log-level" env:"PODPILOT_LOG_LEVEL" default:"info" description:"minimum log level"`
	PassthroughAgentLogs string        `long:"passthrough-agent-logs" env:"PODPILOT_PASSTHROUGH_AGENT_LOGS" description:"forward agent output unchanged"`
	PublicKey            string        `long:"public-key" env:"PUBLIC_KEY" description:"SSH public key for remote access"`
	MetricsAddr          string        `long:"metrics-addr" env:"PODPILOT_METRICS_ADDR" description:"Prometheus listen address"`
	HealthPort           string        `long:"health-port" env:"PODPILOT_HEALTH_PORT" description:"gRPC health port"`
	Provider             string        `long:"provider" env:"PODPILOT_PROVIDER" default:"local" description:"hosting provider (local, vastai, runpod)"`
	ProviderInstanceID   string        `long:"provider-instance-id" env:"PODPILOT_PROVIDER_INSTANCE_ID" description:"provider instance id"`
	ReuseDaemon          string        `long:"reuse-tailscaled" env:"PODPILOT_REUSE_TAILSCALED" description:"use an already running overlay daemon when its socket exists (development hosts)"`

	DumpConfig  bool `long:"dump-config" description:"print the resolved configuration as YAML and exit"`
	CheckConfig bool `long:"check-config" description:"validate the configuration and exit"`
	ListApps    bool `long:"list-apps" description:"print the supported applications and exit"`
	Probe       bool `long:"probe" description:"query the local gRPC health endpoint and exit 0 when serving"`
}

// Config is the validated, immutable startup configuration
type Config struct {
	App                  apps.App      `yaml:"app"`
	AuthKey              string        `yaml:"tailscale_authkey,omitempty"`
	Hostname             string        `yaml:"tailscale_hostname"`
	Tags                 []string      `yaml:"tailscale_tags"`
	AgentMode            AgentMode     `yaml:"agent_mode"`
	AgentPath            string        `yaml:"agent_path"`
	AgentURL             string        `yaml:"agent_url,omitempty"`
	LogLevel             logging.Level `yaml:"log_level"`
	PassthroughAgentLogs bool          `yaml:"passthrough_agent_logs"`
	PublicKey            string        `yaml:"public_key,omitempty"`
	MetricsAddr          string        `yaml:"metrics_addr,omitempty"`
	HealthPort           int           `yaml:"health_port,omitempty"`
	Provider             Provider      `yaml:"provider"`
	ProviderInstanceID   string        `yaml:"provider_instance_id,omitempty"`
	ReuseDaemon          bool          `yaml:"reuse_tailscaled"`
}

var (
	authKeyPattern  = regexp.MustCompile(`^[A-Za-z0-9:_-]+$`)
	hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)
	tagPattern      = regexp.MustCompile(`^tag:[A-Za-z0-9-]+$`)
	hostnameInvalid = regexp.MustCompile(`[^A-Za-z0-9-]+`)
)

// osHostname is replaced in tests
var osHostname = os.Hostname

// ParseOptions parses command-line arguments with environment fallbacks
func ParseOptions(args []string) (*Options, error) {
	var opts Options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "podpilot-entrypoint"
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	return &opts, nil
}

// Load reads the environment (and args) and validates the result
func Load(args []string) (*Config, *Options, error) {
	opts, err := ParseOptions(args)
	if err != nil {
		var flagsErr *flags.Error
		if stderrors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, nil, err
		}
		return nil, nil, errors.NewConfigurationError("arguments", "failed to parse options", err)
	}
	cfg, err := FromOptions(opts)
	if err != nil {
		return nil, opts, err
	}
	return cfg, opts, nil
}

// FromOptions validates raw options into a Config. Nothing here touches the
// network or the filesystem.
func FromOptions(opts *Options) (*Config, error) {
	cfg := &Config{
		AuthKey:            strings.TrimSpace(opts.AuthKey),
		AgentPath:          strings.TrimSpace(opts.AgentPath),
		AgentURL:           strings.TrimSpace(opts.AgentURL),
		PublicKey:          strings.TrimSpace(opts.PublicKey),
		MetricsAddr:        strings.TrimSpace(opts.MetricsAddr),
		ProviderInstanceID: strings.TrimSpace(opts.ProviderInstanceID),
	}

	rawApp := strings.TrimSpace(opts.App)
	if rawApp == "" {
		return nil, errors.NewConfigurationError(EnvApp, "application identifier is required", nil)
	}
	app, err := apps.Parse(rawApp)
	if err != nil {
		return nil, errors.NewConfigurationError(EnvApp, "unknown application identifier", err).
			WithContext("value", rawApp).
			WithContext("supported", apps.Names())
	}
	cfg.App = app

	if cfg.AuthKey != "" && !authKeyPattern.MatchString(cfg.AuthKey) {
		return nil, errors.NewConfigurationError(EnvAuthKey, "auth key contains invalid characters", nil)
	}

	cfg.Hostname = strings.TrimSpace(opts.Hostname)
	if cfg.Hostname == "" {
		cfg.Hostname = defaultHostname(cfg.ProviderInstanceID)
	} else if !hostnamePattern.MatchString(cfg.Hostname) {
		return nil, errors.NewConfigurationError(EnvHostname, "hostname must contain only alphanumerics and '-'", nil).
			WithContext("value", cfg.Hostname)
	}

	tags, err := parseTags(opts.Tags)
	if err != nil {
		return nil, err
	}
	cfg.Tags = tags

	mode := AgentMode(strings.ToLower(strings.TrimSpace(opts.AgentMode)))
	switch mode {
	case "":
		mode = AgentModeEmbedded
	case AgentModeEmbedded, AgentModeDownload, AgentModeLocal:
	default:
		return nil, errors.NewConfigurationError(EnvAgentMode, "unknown agent mode", nil).
			WithContext("value", opts.AgentMode)
	}
	cfg.AgentMode = mode

	if cfg.AgentPath == "" {
		cfg.AgentPath = DefaultAgentPath
	}

	if mode == AgentModeDownload {
		if cfg.AgentURL == "" {
			return nil, errors.NewConfigurationError(EnvAgentURL, "download URL is required in download mode", nil)
		}
		if err := validateURL(cfg.AgentURL); err != nil {
			return nil, errors.NewConfigurationError(EnvAgentURL, "download URL must be an absolute http(s) URL", err)
		}
	}

	level, err := logging.ParseLevel(opts.LogLevel)
	if err != nil {
		return nil, errors.NewConfigurationError(EnvLogLevel, "unknown log level", err).
			WithContext("value", opts.LogLevel)
	}
	cfg.LogLevel = level

	passthrough, err := parseBool(opts.PassthroughAgentLogs)
	if err != nil {
		return nil, errors.NewConfigurationError(EnvPassthroughAgentLogs, "expected a boolean", err).
			WithContext("value", opts.PassthroughAgentLogs)
	}
	cfg.PassthroughAgentLogs = passthrough

	if raw := strings.TrimSpace(opts.HealthPort); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 0 || port > 65535 {
			return nil, errors.NewConfigurationError(EnvHealthPort, "port must be an integer in 0..65535", err).
				WithContext("value", raw)
		}
		cfg.HealthPort = port
	}

	provider := Provider(strings.ToLower(strings.TrimSpace(opts.Provider)))
	switch provider {
	case "":
		provider = ProviderLocal
	case ProviderLocal, ProviderVastAI, ProviderRunPod:
	default:
		return nil, errors.NewConfigurationError(EnvProvider, "unknown provider", nil).
			WithContext("value", opts.Provider)
	}
	cfg.Provider = provider

	reuse, err := parseBool(opts.ReuseDaemon)
	if err != nil {
		return nil, errors.NewConfigurationError(EnvReuseDaemon, "expected a boolean", err).
			WithContext("value", opts.ReuseDaemon)
	}
	cfg.ReuseDaemon = reuse

	return cfg, nil
}

// JoinEnabled reports whether an auth key was supplied
func (c *Config) JoinEnabled() bool {
	return c.AuthKey != ""
}

// TagsArg renders the tags as the CLI expects them
func (c *Config) TagsArg() string {
	return strings.Join(c.Tags, ",")
}

// Redacted returns a copy safe to log or print
func (c *Config) Redacted() Config {
	out := *c
	out.Tags = append([]string(nil), c.Tags...)
	if out.AuthKey != "" {
		out.AuthKey = redacted
	}
	return out
}

// YAML renders the redacted configuration
func (c *Config) YAML() ([]byte, error) {
	r := c.Redacted()
	return yaml.Marshal(&r)
}

// LogFields summarizes the configuration for the startup record
func (c *Config) LogFields() []logging.Field {
	return []logging.Field{
		logging.String("app", string(c.App)),
		logging.String("hostname", c.Hostname),
		logging.Strings("tags", c.Tags),
		logging.Bool("join_enabled", c.JoinEnabled()),
		logging.String("agent_mode", string(c.AgentMode)),
		logging.String("agent_path", c.AgentPath),
		logging.String("log_level", c.LogLevel.String()),
		logging.Bool("passthrough_agent_logs", c.PassthroughAgentLogs),
		logging.Bool("ssh_key_present", c.PublicKey != ""),
		logging.String("provider", string(c.Provider)),
		logging.Bool("reuse_tailscaled", c.ReuseDaemon),
	}
}

func parseTags(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = DefaultTags
	}
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !tagPattern.MatchString(t) {
			return nil, errors.NewConfigurationError(EnvTags, "tags must look like tag:<name> using alphanumerics and '-'", nil).
				WithContext("value", t)
		}
		tags = append(tags, t)
	}
	if len(tags) == 0 {
		return nil, errors.NewConfigurationError(EnvTags, "at least one tag is required", nil)
	}
	return tags, nil
}

func defaultHostname(instanceID string) string {
	base := instanceID
	if base == "" {
		if h, err := osHostname(); err == nil {
			base = h
		}
	}
	base = strings.Trim(hostnameInvalid.ReplaceAllString(base, "-"), "-")
	if base == "" {
		base = "unknown"
	}
	return hostnamePrefix + strings.ToLower(base)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("unsupported URL %q", raw)
	}
	return nil
}

func parseBool(raw string) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}
