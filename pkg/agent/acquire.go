// Package agent obtains the management agent executable and launches it with
// the overlay proxy environment.
package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/core-tools/hsu-podpilot/pkg/config"
	"github.com/core-tools/hsu-podpilot/pkg/errors"
	"github.com/core-tools/hsu-podpilot/pkg/logging"
	"github.com/core-tools/hsu-podpilot/pkg/process"
	"github.com/core-tools/hsu-podpilot/pkg/retry"
)

const (
	DefaultDownloadTimeout = 60 * time.Second
	DownloadOperation      = "agent_download"

	executableMode       = 0755
	contextKeyMode       = "mode"
	contextKeyPath       = "path"
	contextKeyURL        = "url"
	contextKeyStatusCode = "status_code"
	contextKeyBytes      = "bytes"
)

// AcquireOptions selects where the agent executable comes from
type AcquireOptions struct {
	Mode config.AgentMode
	Path string
	URL  string

	Download       retry.Policy
	AttemptTimeout time.Duration
	Client         *http.Client
}

func DefaultAcquireOptions(cfg *config.Config) AcquireOptions {
	return AcquireOptions{
		Mode:           cfg.AgentMode,
		Path:           cfg.AgentPath,
		URL:            cfg.AgentURL,
		Download:       retry.DefaultPolicy(),
		AttemptTimeout: DefaultDownloadTimeout,
	}
}

// Acquire makes sure an executable agent exists at opts.Path and returns it
func Acquire(ctx context.Context, opts AcquireOptions, logger logging.Logger) (string, error) {
	logger = logger.WithComponent("agent")

	switch opts.Mode {
	case config.AgentModeEmbedded, config.AgentModeLocal:
		if _, err := os.Stat(opts.Path); err != nil {
			return "", errors.NewAgentError(fmt.Sprintf("agent executable not found (%s mode)", opts.Mode), err).
				WithContext(contextKeyMode, string(opts.Mode)).
				WithContext(contextKeyPath, opts.Path)
		}
	case config.AgentModeDownload:
		if _, err := os.Stat(opts.Path); err == nil {
			logger.LogWithFields(logging.InfoLevel, "agent already present, skipping download",
				logging.String(contextKeyPath, opts.Path))
		} else if err := download(ctx, opts, logger); err != nil {
			return "", err
		}
	default:
		return "", errors.NewAgentError("unknown agent mode", nil).WithContext(contextKeyMode, string(opts.Mode))
	}

	if err := process.EnsureExecutable(opts.Path); err != nil {
		return "", errors.NewAgentError("agent is not executable", err).
			WithContext(contextKeyMode, string(opts.Mode)).
			WithContext(contextKeyPath, opts.Path)
	}
	return opts.Path, nil
}

func download(ctx context.Context, opts AcquireOptions, logger logging.Logger) error {
	if opts.URL == "" {
		return errors.NewAgentError("download mode requires an agent URL", nil).WithContext(contextKeyPath, opts.Path)
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := opts.AttemptTimeout
	if timeout <= 0 {
		timeout = DefaultDownloadTimeout
	}

	dir := filepath.Dir(opts.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.NewIOError("failed to create agent directory", err).WithContext(contextKeyPath, dir)
	}

	logger.LogWithFields(logging.InfoLevel, "downloading agent",
		logging.String(contextKeyURL, opts.URL),
		logging.String(contextKeyPath, opts.Path))

	var written int64
	attempts, err := opts.Download.Do(ctx, DownloadOperation, func(ctx context.Context, attempt int) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		n, err := fetch(ctx, client, opts.URL, opts.Path)
		written = n
		return err
	}, logger)
	if err != nil {
		return errors.NewAgentError("failed to download agent", err).
			WithContext(contextKeyURL, opts.URL).
			WithContext(contextKeyPath, opts.Path).
			WithContext("attempts", attempts)
	}

	logger.LogWithFields(logging.InfoLevel, "agent downloaded",
		logging.String(contextKeyPath, opts.Path),
		logging.Int64(contextKeyBytes, written),
		logging.Int("attempts", attempts))
	return nil
}

// fetch writes url to a temp file next to target and renames it into place,
// so target is either absent or complete
func fetch(ctx context.Context, client *http.Client, url, target string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, retry.Permanent(errors.NewValidationError("invalid agent URL", err).WithContext(contextKeyURL, url))
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, errors.NewNetworkError("agent download request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, errors.NewNetworkError(fmt.Sprintf("agent download returned status %d", resp.StatusCode), nil).
			WithContext(contextKeyStatusCode, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return 0, errors.NewIOError("failed to create temporary file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, errors.NewIOError("failed to write agent", err).WithContext(contextKeyBytes, n)
	}
	if err := os.Chmod(tmpName, executableMode); err != nil {
		return n, errors.NewIOError("failed to make agent executable", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return n, errors.NewIOError("failed to move agent into place", err).WithContext(contextKeyPath, target)
	}
	return n, nil
}
