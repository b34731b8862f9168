package lifecycle

import (
	"context"
	"time"

	"github.com/core-tools/hsu-podpilot/pkg/errors"
	"github.com/core-tools/hsu-podpilot/pkg/logging"
	"github.com/core-tools/hsu-podpilot/pkg/metrics"
	"github.com/core-tools/hsu-podpilot/pkg/process"
)

// Teardown stops every spawned child, agent first and network daemon last.
// It runs once; later calls wait for nothing and return immediately.
func (o *Orchestrator) Teardown() {
	o.teardownOnce.Do(o.teardown)
}

func (o *Orchestrator) teardown() {
	o.guard.Request("teardown")
	o.setPhase(PhaseShutdown)
	if o.deps.Health != nil {
		o.deps.Health.SetServing(false)
	}

	o.mutex.Lock()
	monitor := o.appWatch
	children := []*process.ManagedProcess{o.agent, o.app, o.sshd, o.daemon}
	o.mutex.Unlock()

	if monitor != nil {
		monitor.Stop()
	}

	start := time.Now()
	errs := errors.NewErrorCollection()
	stopped := 0
	for _, p := range children {
		if p == nil {
			continue
		}
		if err := o.stop(p); err != nil {
			errs.Add(err)
		}
		stopped++
	}
	o.drainOutput()

	total := time.Since(start)
	if o.deps.Observer != nil {
		o.deps.Observer.ObserveTeardown(metrics.TeardownTotal, total)
	}
	fields := []logging.Field{
		logging.Int("processes", stopped),
		logging.Int64("duration_ms", total.Milliseconds()),
	}
	if errs.HasErrors() {
		fields = append(fields, logging.Error(errs.ToError()))
		o.logger.LogWithFields(logging.WarnLevel, "teardown complete with errors", fields...)
		return
	}
	o.logger.LogWithFields(logging.InfoLevel, "teardown complete", fields...)
}

func (o *Orchestrator) stop(p *process.ManagedProcess) error {
	start := time.Now()
	alreadyExited := p.Exited()
	err := p.Terminate(context.Background(), o.opts.GracePeriod)
	elapsed := time.Since(start)

	if o.deps.Observer != nil {
		o.deps.Observer.ObserveTeardown(p.Service(), elapsed)
		o.deps.Observer.RecordExit(p.Service(), p.ExitCode())
	}

	fields := []logging.Field{
		logging.Service(p.Service()),
		logging.PID(p.PID()),
		logging.Int(errors.ContextKeyExitCode, p.ExitCode()),
		logging.Int64("duration_ms", elapsed.Milliseconds()),
		logging.Bool("already_exited", alreadyExited),
	}
	if err != nil {
		o.logger.LogWithFields(logging.WarnLevel, "process stop failed", append(fields, logging.Error(err))...)
		return err
	}
	o.logger.LogWithFields(logging.InfoLevel, "process stopped", fields...)
	return nil
}

// drainOutput gives the readers a bounded time to flush the last lines; a
// grandchild that escaped its process group can hold a pipe open forever
func (o *Orchestrator) drainOutput() {
	if o.deps.Output == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		o.deps.Output.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.opts.OutputDrain):
		o.logger.LogWithFields(logging.WarnLevel, "output streams still open after teardown",
			logging.Int64("waited_ms", o.opts.OutputDrain.Milliseconds()))
	}
}
