package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/core-tools/hsu-podpilot/pkg/apps"
	"github.com/core-tools/hsu-podpilot/pkg/config"
	"github.com/core-tools/hsu-podpilot/pkg/control"
	"github.com/core-tools/hsu-podpilot/pkg/errors"
	"github.com/core-tools/hsu-podpilot/pkg/lifecycle"
	"github.com/core-tools/hsu-podpilot/pkg/logging"

	"github.com/google/uuid"
	flags "github.com/jessevdk/go-flags"
)

const probeTimeout = 3 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run returns the process exit code; records and command output go to stdout
func run(args []string, stdout io.Writer) int {
	bootID := uuid.NewString()
	zapConfig := logging.DefaultZapConfig()
	zapConfig.Output = stdout
	zapConfig.Fields = []logging.Field{logging.String("boot_id", bootID)}

	opts, err := config.ParseOptions(args)
	if err != nil {
		var flagsErr *flags.Error
		if stderrors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(stdout, err)
			return 0
		}
		return fatal(logging.NewZapAdapter(zapConfig),
			errors.NewConfigurationError("arguments", "failed to parse options", err))
	}

	if opts.ListApps {
		for _, app := range apps.All {
			spec, _ := apps.LaunchSpecFor(app)
			fmt.Fprintln(stdout, spec.String())
		}
		return 0
	}
	if opts.Probe {
		return probe(opts, stdout, logging.NewNopLogger())
	}

	cfg, err := config.FromOptions(opts)
	if err != nil {
		return fatal(logging.NewZapAdapter(zapConfig), err)
	}
	zapConfig.Level = cfg.LogLevel
	logger := logging.NewZapAdapter(zapConfig)
	defer logger.Sync()

	if err := apps.ValidateRegistry(); err != nil {
		return fatal(logger, errors.NewInternalError("application registry is inconsistent", err))
	}

	if opts.DumpConfig {
		out, err := cfg.YAML()
		if err != nil {
			return fatal(logger, errors.NewInternalError("failed to render configuration", err))
		}
		fmt.Fprint(stdout, string(out))
		return 0
	}
	if opts.CheckConfig {
		logger.LogWithFields(logging.InfoLevel, "configuration is valid", cfg.LogFields()...)
		return 0
	}

	supervisor, err := lifecycle.NewSupervisor(cfg, logger, logger)
	if err != nil {
		return fatal(logger, err)
	}

	if err := supervisor.Run(context.Background()); err != nil {
		return fatal(logger, err)
	}
	logger.LogWithFields(logging.InfoLevel, "supervisor stopped")
	return 0
}

// probe asks a running supervisor whether it has reached steady state
func probe(opts *config.Options, stdout io.Writer, logger logging.Logger) int {
	port, err := strconv.Atoi(opts.HealthPort)
	if err != nil || port <= 0 {
		fmt.Fprintf(os.Stderr, "probe requires --health-port or %s\n", config.EnvHealthPort)
		return 1
	}
	gw, err := control.NewHealthGateway(port, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer gw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	status, err := gw.Status(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Fprintln(stdout, status)
	if status != "SERVING" {
		return 1
	}
	return 0
}

// fatal logs err with its full context and returns the process exit code
func fatal(logger logging.Logger, err error) int {
	fields := []logging.Field{logging.Error(err)}
	var de *errors.DomainError
	if stderrors.As(err, &de) {
		fields = append(fields, logging.String("error_type", string(de.Type)))
		for k, v := range de.Context {
			fields = append(fields, logging.Object(k, v))
		}
	}
	code := errors.ExitCode(err)
	fields = append(fields, logging.Int("exit_code", code))
	logger.LogWithFields(logging.ErrorLevel, "fatal error", fields...)
	_ = logger.Sync()
	return code
}
