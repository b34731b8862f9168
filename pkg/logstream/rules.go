package logstream

import (
	_ "embed"
	"fmt"
	"regexp"
	"sync"

	"github.com/core-tools/hsu-podpilot/pkg/errors"
	"github.com/core-tools/hsu-podpilot/pkg/logging"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// RulesConfig is the YAML shape of a rule table
type RulesConfig struct {
	TracebackStart []string                `yaml:"traceback_start"`
	ProgressBar    []string                `yaml:"progress_bar"`
	Services       map[string][]RuleConfig `yaml:"services"`
}

type RuleConfig struct {
	Level   string `yaml:"level"`
	Pattern string `yaml:"pattern"`
}

type rule struct {
	level   logging.Level
	pattern *regexp.Regexp
}

// Rules is a compiled, read-only rule table safe for concurrent use
type Rules struct {
	traceback []*regexp.Regexp
	progress  []*regexp.Regexp
	services  map[string][]rule
}

var (
	defaultRules     *Rules
	defaultRulesErr  error
	defaultRulesOnce sync.Once
)

// DefaultRules returns the embedded rule table, compiled once
func DefaultRules() (*Rules, error) {
	defaultRulesOnce.Do(func() {
		defaultRules, defaultRulesErr = ParseRules(defaultRulesYAML)
	})
	return defaultRules, defaultRulesErr
}

// ParseRules decodes and compiles a YAML rule table
func ParseRules(data []byte) (*Rules, error) {
	var cfg RulesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.NewValidationError("failed to parse classifier rules", err)
	}
	return CompileRules(cfg)
}

func CompileRules(cfg RulesConfig) (*Rules, error) {
	r := &Rules{services: make(map[string][]rule, len(cfg.Services))}

	var err error
	if r.traceback, err = compileAll("traceback_start", cfg.TracebackStart); err != nil {
		return nil, err
	}
	if r.progress, err = compileAll("progress_bar", cfg.ProgressBar); err != nil {
		return nil, err
	}

	for service, specs := range cfg.Services {
		compiled := make([]rule, 0, len(specs))
		for i, spec := range specs {
			level, err := logging.ParseLevel(spec.Level)
			if err != nil || spec.Level == "" {
				return nil, errors.NewValidationError("invalid rule level", err).
					WithContext("service", service).WithContext("index", i).WithContext("level", spec.Level)
			}
			re, err := regexp.Compile(spec.Pattern)
			if err != nil {
				return nil, errors.NewValidationError("invalid rule pattern", err).
					WithContext("service", service).WithContext("index", i)
			}
			compiled = append(compiled, rule{level: level, pattern: re})
		}
		r.services[service] = compiled
	}
	return r, nil
}

func compileAll(section string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.NewValidationError(fmt.Sprintf("invalid %s pattern", section), err).WithContext("index", i)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(patterns []*regexp.Regexp, line string) bool {
	for _, re := range patterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// IsTracebackStart reports whether line opens a traceback block
func (r *Rules) IsTracebackStart(line string) bool { return matchAny(r.traceback, line) }

// IsProgressBar reports whether line is a redrawn progress meter
func (r *Rules) IsProgressBar(line string) bool { return matchAny(r.progress, line) }

// ServiceLevel returns the pinned level of line for service, if any
func (r *Rules) ServiceLevel(service, line string) (logging.Level, bool) {
	for _, rl := range r.services[service] {
		if rl.pattern.MatchString(line) {
			return rl.level, true
		}
	}
	return logging.InfoLevel, false
}
