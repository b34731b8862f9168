package logstream

import (
	stderrors "errors"
	"io"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-podpilot/pkg/logging"
	"github.com/core-tools/hsu-podpilot/pkg/process"
)

const readBufferSize = 32 * 1024

// Recorder observes emitted records, e.g. to count them per service and level
type Recorder interface {
	RecordLine(service string, level logging.Level)
}

// Multiplexer reads every attached child's output, classifies each line and
// writes it to the sink as a structured record. It owns the per-service
// traceback state.
type Multiplexer struct {
	rules    *Rules
	sink     logging.Logger
	logger   logging.Logger
	recorder Recorder
	maxLine  int

	mu        sync.Mutex
	traceback map[string]bool

	wg sync.WaitGroup
}

func NewMultiplexer(rules *Rules, sink logging.Logger, recorder Recorder) *Multiplexer {
	return &Multiplexer{
		rules:     rules,
		sink:      sink,
		logger:    sink.WithComponent("logstream"),
		recorder:  recorder,
		maxLine:   DefaultMaxLineLength,
		traceback: make(map[string]bool),
	}
}

// Attach starts one reader per stream of p. Raw bytes are also copied to tee
// when it is non-nil. Children started with inherited output are ignored.
func (m *Multiplexer) Attach(p *process.ManagedProcess, tee io.Writer) {
	if p.Stdout() == nil || p.Stderr() == nil {
		return
	}
	service, pid := p.Service(), p.PID()

	var g errgroup.Group
	g.Go(func() error { return m.read(p.Stdout(), service, Stdout, pid, tee) })
	g.Go(func() error { return m.read(p.Stderr(), service, Stderr, pid, tee) })

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := g.Wait(); err != nil {
			m.logger.LogWithFields(logging.WarnLevel, "output reader stopped with error",
				logging.Service(service), logging.PID(pid), logging.Error(err))
		}
		m.endService(service)
	}()
}

// Wait blocks until every attached stream has reached end of file
func (m *Multiplexer) Wait() {
	m.wg.Wait()
}

func (m *Multiplexer) read(r io.ReadCloser, service string, stream Stream, pid int, tee io.Writer) error {
	defer r.Close()

	splitter := NewLineSplitter(m.maxLine)
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if tee != nil {
				_, _ = tee.Write(chunk)
			}
			for _, line := range splitter.Feed(chunk) {
				m.Process(service, stream, pid, line)
			}
		}
		if err != nil {
			if line, ok := splitter.Flush(); ok {
				m.Process(service, stream, pid, line)
			}
			if err == io.EOF || stderrors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// Process classifies one complete line and emits it if required
func (m *Multiplexer) Process(service string, stream Stream, pid int, line string) {
	m.mu.Lock()
	decision := m.rules.Classify(service, stream, line, m.traceback[service])
	m.traceback[service] = decision.InTraceback
	m.mu.Unlock()

	if !decision.Emit || !m.sink.Enabled(decision.Level) {
		return
	}
	m.sink.LogWithFields(decision.Level, decision.Text,
		logging.Service(service),
		logging.Stream(string(stream)),
		logging.PID(pid))
	if m.recorder != nil {
		m.recorder.RecordLine(service, decision.Level)
	}
}

// InTraceback reports the current traceback state of service
func (m *Multiplexer) InTraceback(service string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.traceback[service]
}

func (m *Multiplexer) endService(service string) {
	m.mu.Lock()
	delete(m.traceback, service)
	m.mu.Unlock()
}
