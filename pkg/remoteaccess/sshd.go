// Package remoteaccess runs a best-effort SSH daemon so an operator can log
// into the instance over the overlay network. Nothing here is fatal to the
// supervisor; the caller only logs what goes wrong.
package remoteaccess

import (
	"bytes"
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/core-tools/hsu-podpilot/pkg/errors"
	"github.com/core-tools/hsu-podpilot/pkg/logging"
	"github.com/core-tools/hsu-podpilot/pkg/network"
	"github.com/core-tools/hsu-podpilot/pkg/process"
)

const (
	ServiceName = "sshd"

	DefaultDaemonPath     = "/usr/sbin/sshd"
	DefaultKeygenPath     = "/usr/bin/ssh-keygen"
	DefaultPrivSepDir     = "/run/sshd"
	defaultKeygenTimeout  = 30 * time.Second
	authorizedKeysFile    = "authorized_keys"
	sshDirMode            = 0700
	authorizedKeysMode    = 0600
	privSepDirMode        = 0755
	contextKeyPath        = "path"
	contextKeyKeygenError = "keygen_stderr"
)

type Options struct {
	// HomeDir holds .ssh; empty uses the current user's home
	HomeDir    string
	PublicKey  string
	DaemonPath string
	KeygenPath string
	PrivSepDir string
}

func DefaultOptions() Options {
	return Options{
		DaemonPath: DefaultDaemonPath,
		KeygenPath: DefaultKeygenPath,
		PrivSepDir: DefaultPrivSepDir,
	}
}

// Daemon prepares and spawns sshd
type Daemon struct {
	opts   Options
	runner network.CommandRunner
	spawn  process.SpawnFunc
	output process.OutputAttacher
	logger logging.Logger
}

func NewDaemon(opts Options, runner network.CommandRunner, spawn process.SpawnFunc, output process.OutputAttacher, logger logging.Logger) *Daemon {
	if runner == nil {
		runner = network.ExecRunner{}
	}
	if spawn == nil {
		spawn = process.Start
	}
	return &Daemon{
		opts:   opts,
		runner: runner,
		spawn:  spawn,
		output: output,
		logger: logger.WithComponent("remoteaccess"),
	}
}

// Start prepares the key material and spawns sshd in the foreground with its
// log on stderr
func (d *Daemon) Start(ctx context.Context) (*process.ManagedProcess, error) {
	if err := d.PrepareAuthorizedKeys(); err != nil {
		return nil, err
	}
	if err := d.GenerateHostKeys(ctx); err != nil {
		return nil, err
	}
	if d.opts.PrivSepDir != "" {
		if err := os.MkdirAll(d.opts.PrivSepDir, privSepDirMode); err != nil {
			return nil, errors.NewIOError("failed to create privilege separation directory", err).
				WithContext(contextKeyPath, d.opts.PrivSepDir)
		}
	}

	p, err := d.spawn(process.ExecutionConfig{
		Service:        ServiceName,
		ExecutablePath: d.opts.DaemonPath,
		Args:           []string{"-D", "-e"},
	}, d.logger)
	if err != nil {
		return nil, err
	}
	if d.output != nil {
		d.output.Attach(p, nil)
	}
	d.logger.LogWithFields(logging.InfoLevel, "ssh daemon started", logging.PID(p.PID()))
	return p, nil
}

func (d *Daemon) sshDir() (string, error) {
	home := d.opts.HomeDir
	if home == "" {
		var err error
		if home, err = os.UserHomeDir(); err != nil {
			return "", errors.NewIOError("failed to resolve home directory", err)
		}
	}
	return filepath.Join(home, ".ssh"), nil
}

// PrepareAuthorizedKeys creates ~/.ssh and appends the configured public key
// to authorized_keys unless it is already listed
func (d *Daemon) PrepareAuthorizedKeys() error {
	dir, err := d.sshDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, sshDirMode); err != nil {
		return errors.NewIOError("failed to create ssh directory", err).WithContext(contextKeyPath, dir)
	}
	if err := os.Chmod(dir, sshDirMode); err != nil {
		return errors.NewIOError("failed to restrict ssh directory", err).WithContext(contextKeyPath, dir)
	}

	key := strings.TrimSpace(d.opts.PublicKey)
	if key == "" {
		d.logger.LogWithFields(logging.WarnLevel, "no public key configured, key login disabled")
		return nil
	}

	path := filepath.Join(dir, authorizedKeysFile)
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to read authorized keys", err).WithContext(contextKeyPath, path)
	}
	if containsLine(existing, key) {
		d.logger.Debugf("public key already authorized")
		return os.Chmod(path, authorizedKeysMode)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, authorizedKeysMode)
	if err != nil {
		return errors.NewIOError("failed to open authorized keys", err).WithContext(contextKeyPath, path)
	}
	defer f.Close()

	entry := key + "\n"
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		entry = "\n" + entry
	}
	if _, err := f.WriteString(entry); err != nil {
		return errors.NewIOError("failed to write authorized keys", err).WithContext(contextKeyPath, path)
	}
	if err := f.Chmod(authorizedKeysMode); err != nil {
		return errors.NewIOError("failed to restrict authorized keys", err).WithContext(contextKeyPath, path)
	}
	return nil
}

// GenerateHostKeys creates any missing host key
func (d *Daemon) GenerateHostKeys(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultKeygenTimeout)
	defer cancel()

	if _, err := d.runner.Run(ctx, d.opts.KeygenPath, "-A"); err != nil {
		domainErr := errors.NewProcessError("failed to generate host keys", err)
		var cmdErr *network.CommandError
		if stderrors.As(err, &cmdErr) && cmdErr.Stderr != "" {
			domainErr = domainErr.WithContext(contextKeyKeygenError, cmdErr.Stderr)
		}
		return domainErr
	}
	return nil
}

func containsLine(data []byte, line string) bool {
	for _, l := range bytes.Split(data, []byte("\n")) {
		if string(bytes.TrimSpace(l)) == line {
			return true
		}
	}
	return false
}
