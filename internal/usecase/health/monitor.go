package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/callguard/internal/clock"
	"github.com/kailas-cloud/callguard/internal/domain/health"
	"github.com/kailas-cloud/callguard/internal/metrics"
)

// MonitorConfig tunes coordination store polling and mode switching.
type MonitorConfig struct {
	PollInterval time.Duration
	PingTimeout  time.Duration
	// Pings at or above YellowThreshold are Yellow, at or above RedThreshold Red.
	YellowThreshold time.Duration
	RedThreshold    time.Duration
	// Yellow pings at or above InnerYellowThreshold count toward SustainedYellowPolls.
	InnerYellowThreshold time.Duration
	RedPolls             int
	SustainedYellowPolls int
	RecoveryPolls        int
}

// DefaultMonitorConfig returns the stock thresholds.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval:         5 * time.Second,
		PingTimeout:          time.Second,
		YellowThreshold:      100 * time.Millisecond,
		RedThreshold:         500 * time.Millisecond,
		InnerYellowThreshold: 300 * time.Millisecond,
		RedPolls:             2,
		SustainedYellowPolls: 3,
		RecoveryPolls:        3,
	}
}

// Validate checks threshold ordering.
func (c MonitorConfig) Validate() error {
	var errs []error
	if c.PollInterval <= 0 || c.PingTimeout <= 0 {
		errs = append(errs, errors.New("poll_interval and ping_timeout must be > 0"))
	}
	if !(c.YellowThreshold > 0 && c.YellowThreshold <= c.InnerYellowThreshold && c.InnerYellowThreshold <= c.RedThreshold) {
		errs = append(errs, errors.New("thresholds must satisfy 0 < yellow <= inner_yellow <= red"))
	}
	if c.RedPolls < 1 || c.SustainedYellowPolls < 1 || c.RecoveryPolls < 1 {
		errs = append(errs, errors.New("poll counts must be >= 1"))
	}
	return errors.Join(errs...)
}

// Observer receives coordination health changes.
type Observer interface {
	OnHealthChanged(h health.Coordination)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(h health.Coordination)

// OnHealthChanged calls f.
func (f ObserverFunc) OnHealthChanged(h health.Coordination) { f(h) }

// Degrader switches a store between shared and local state.
type Degrader interface {
	SetDegraded(bool)
}

// DegradeWhileRed keeps d degraded while the coordination store is Red.
func DegradeWhileRed(d Degrader) Observer {
	return ObserverFunc(func(h health.Coordination) { d.SetDegraded(h.Degraded) })
}

// Monitor polls the coordination store and derives the limiter mode.
type Monitor struct {
	pinger DBPinger
	cfg    MonitorConfig
	clk    clock.Clock
	logger *zap.Logger

	mu           sync.Mutex
	state        health.Coordination
	redStreak    int
	yellowStreak int
	greenStreak  int
	observers    []Observer
}

// NewMonitor creates a monitor in Green/Normal.
func NewMonitor(pinger DBPinger, cfg MonitorConfig, clk clock.Clock, logger *zap.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		pinger: pinger,
		cfg:    cfg,
		clk:    clk,
		logger: logger,
		state:  health.Coordination{Status: health.Green, Mode: health.Normal, CheckedAt: clk.Now()},
	}, nil
}

// Subscribe registers an observer. Observers run synchronously on the polling goroutine.
func (m *Monitor) Subscribe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Current returns the last computed health.
func (m *Monitor) Current() health.Coordination {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run polls until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll pings once, reclassifies and notifies observers on any change.
func (m *Monitor) Poll(ctx context.Context) health.Coordination {
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	start := m.clk.Now()
	err := m.pinger.Ping(pingCtx)
	rtt := clock.Since(m.clk, start)
	cancel()

	if ctx.Err() != nil {
		return m.Current()
	}

	status := m.classify(rtt, err)
	metrics.CoordinationPingDuration.Observe(rtt.Seconds())
	metrics.CoordinationStatus.Set(status.Gauge())

	m.mu.Lock()
	prev := m.state
	next := m.step(prev, status, rtt, err)
	m.state = next
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	if err != nil {
		m.logger.Debug("coordination ping failed", zap.Error(err))
	}
	if next.Status != prev.Status {
		m.logger.Info("coordination status changed",
			zap.String("from", string(prev.Status)),
			zap.String("to", string(next.Status)),
			zap.Duration("ping", rtt),
		)
	}
	if next.Mode != prev.Mode {
		metrics.CoordinationModeTransitionsTotal.WithLabelValues(string(next.Mode)).Inc()
		if next.Mode == health.Strict {
			metrics.CoordinationMode.Set(1)
		} else {
			metrics.CoordinationMode.Set(0)
		}
		m.logger.Warn("limiter mode changed",
			zap.String("from", string(prev.Mode)),
			zap.String("to", string(next.Mode)),
			zap.String("status", string(next.Status)),
			zap.Int("consecutive_failures", next.ConsecutiveFailures),
		)
	}
	if next.Status != prev.Status || next.Mode != prev.Mode || next.Degraded != prev.Degraded {
		for _, o := range observers {
			o.OnHealthChanged(next)
		}
	}
	return next
}

func (m *Monitor) classify(rtt time.Duration, err error) health.Status {
	switch {
	case err != nil, rtt >= m.cfg.RedThreshold:
		return health.Red
	case rtt >= m.cfg.YellowThreshold:
		return health.Yellow
	default:
		return health.Green
	}
}

// step advances the streak counters. Callers hold mu.
func (m *Monitor) step(prev health.Coordination, status health.Status, rtt time.Duration, err error) health.Coordination {
	next := prev
	next.Status = status
	next.LastPing = rtt
	next.CheckedAt = m.clk.Now()
	next.Degraded = status == health.Red

	if err != nil {
		next.ConsecutiveFailures++
	} else {
		next.ConsecutiveFailures = 0
	}

	switch status {
	case health.Red:
		m.redStreak++
		m.yellowStreak, m.greenStreak = 0, 0
	case health.Yellow:
		m.redStreak, m.greenStreak = 0, 0
		if rtt >= m.cfg.InnerYellowThreshold {
			m.yellowStreak++
		} else {
			m.yellowStreak = 0
		}
	case health.Green:
		m.redStreak, m.yellowStreak = 0, 0
		m.greenStreak++
	}

	switch next.Mode {
	case health.Normal:
		if m.redStreak >= m.cfg.RedPolls || m.yellowStreak >= m.cfg.SustainedYellowPolls {
			next.Mode = health.Strict
			m.greenStreak = 0
		}
	case health.Strict:
		if m.greenStreak >= m.cfg.RecoveryPolls {
			next.Mode = health.Normal
		}
	}
	return next
}
