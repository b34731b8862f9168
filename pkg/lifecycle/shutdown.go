package lifecycle

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/core-tools/hsu-podpilot/pkg/logging"
)

// ShutdownGuard records the first shutdown request. Every later request is
// absorbed, so any number of signals leads to a single teardown.
type ShutdownGuard struct {
	once      sync.Once
	requested atomic.Bool
	reason    atomic.Value
	done      chan struct{}
}

func NewShutdownGuard() *ShutdownGuard {
	return &ShutdownGuard{done: make(chan struct{})}
}

// Request asks for shutdown and reports whether this call was the first
func (g *ShutdownGuard) Request(reason string) bool {
	first := false
	g.once.Do(func() {
		g.reason.Store(reason)
		g.requested.Store(true)
		close(g.done)
		first = true
	})
	return first
}

func (g *ShutdownGuard) Requested() bool {
	return g.requested.Load()
}

// Done is closed by the first Request
func (g *ShutdownGuard) Done() <-chan struct{} {
	return g.done
}

func (g *ShutdownGuard) Reason() string {
	if v, ok := g.reason.Load().(string); ok {
		return v
	}
	return ""
}

// ListenForSignals turns SIGINT and SIGTERM into shutdown requests until the
// returned stop function is called
func ListenForSignals(guard *ShutdownGuard, logger logging.Logger) (stop func()) {
	sig := make(chan os.Signal, 4)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case s := <-sig:
				if guard.Request(s.String()) {
					logger.LogWithFields(logging.InfoLevel, "shutdown requested", logging.String("signal", s.String()))
				} else {
					logger.LogWithFields(logging.DebugLevel, "shutdown already in progress", logging.String("signal", s.String()))
				}
			case <-quit:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sig)
			close(quit)
			wg.Wait()
		})
	}
}
