package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-podpilot/pkg/errors"
	"github.com/core-tools/hsu-podpilot/pkg/logging"
)

type HealthCheckStatus string

const (
	HealthCheckStatusUnknown   HealthCheckStatus = "unknown"
	HealthCheckStatusHealthy   HealthCheckStatus = "healthy"
	HealthCheckStatusDegraded  HealthCheckStatus = "degraded"
	HealthCheckStatusUnhealthy HealthCheckStatus = "unhealthy"
)

type HealthCheckState struct {
	Status               HealthCheckStatus
	LastCheck            time.Time
	Message              string
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
}

// HealthStatusCallback is invoked on every status transition
type HealthStatusCallback func(previous, current HealthCheckStatus)

// HealthMonitor keeps probing a service after readiness and tracks its status
type HealthMonitor struct {
	id       string
	check    Check
	interval time.Duration
	timeout  time.Duration
	logger   logging.Logger
	onChange HealthStatusCallback

	mutex    sync.Mutex
	state    HealthCheckState
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewHealthMonitor(id string, check Check, interval, timeout time.Duration, onChange HealthStatusCallback, logger logging.Logger) *HealthMonitor {
	return &HealthMonitor{
		id:       id,
		check:    check,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		onChange: onChange,
		state:    HealthCheckState{Status: HealthCheckStatusUnknown},
		stopChan: make(chan struct{}),
	}
}

func (h *HealthMonitor) Start(ctx context.Context) error {
	if h.interval <= 0 {
		return errors.NewValidationError("health check interval must be positive", nil).WithContext("id", h.id)
	}
	if h.timeout <= 0 {
		h.timeout = h.interval
	}
	h.logger.Debugf("Starting health monitor, id: %s, interval: %v", h.id, h.interval)

	h.wg.Add(1)
	go h.loop(ctx)
	return nil
}

// Stop is safe to call more than once
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
	h.wg.Wait()
}

func (h *HealthMonitor) State() HealthCheckState {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.state
}

func (h *HealthMonitor) loop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.performCheck(ctx)
	for {
		select {
		case <-ticker.C:
			h.performCheck(ctx)
		case <-h.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *HealthMonitor) performCheck(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.check(checkCtx)
	cancel()
	h.updateState(err)
}

func (h *HealthMonitor) updateState(err error) {
	h.mutex.Lock()
	previous := h.state.Status
	h.state.LastCheck = time.Now()

	if err == nil {
		h.state.ConsecutiveSuccesses++
		h.state.ConsecutiveFailures = 0
		h.state.Status = HealthCheckStatusHealthy
		h.state.Message = ""
	} else {
		h.state.ConsecutiveFailures++
		h.state.ConsecutiveSuccesses = 0
		h.state.Message = err.Error()
		if h.state.ConsecutiveFailures == 1 {
			h.state.Status = HealthCheckStatusDegraded
		} else {
			h.state.Status = HealthCheckStatusUnhealthy
		}
	}
	current := h.state.Status
	failures := h.state.ConsecutiveFailures
	h.mutex.Unlock()

	if previous == current {
		return
	}
	if current == HealthCheckStatusHealthy {
		h.logger.Infof("Health check recovered, id: %s, previous: %s", h.id, previous)
	} else {
		h.logger.Warnf("Health check status changed, id: %s, status: %s->%s, consecutive_failures: %d, error: %v",
			h.id, previous, current, failures, err)
	}
	if h.onChange != nil {
		h.onChange(previous, current)
	}
}
