// Package connection owns the lifecycle of the connection to the billing
// backend.
//
// State machine:
//
//	Disconnected --Connect--> Connecting --ok--> Connected
//	Connecting --failure--> Disconnected
//	Connected --backend disconnect--> Disconnected (starts a retry cycle)
//	any --Disconnect--> Closed (terminal)
//
// A retry cycle makes at most Config.MaxRetries automatic attempts, each
// Config.RetryDelay after the previous failure. When the cap is reached the
// manager stays Disconnected, reports RetriesExhausted through the error
// handler and schedules nothing further. A manual Connect resets the count.
package connection

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/iapsync/internal/backend"
	"github.com/roach88/iapsync/internal/iap"
	"github.com/roach88/iapsync/internal/sched"
	"github.com/roach88/iapsync/internal/stream"
)

// Backend is the part of backend.Backend the manager drives.
type Backend interface {
	Initialize(l backend.Listener) error
	Connect(ctx context.Context) error
	Disconnect()
}

// Config controls automatic reconnection.
type Config struct {
	RetryDelay time.Duration `yaml:"retry_delay"`
	MaxRetries int           `yaml:"max_retries"`
}

// DefaultConfig returns a fixed 5s delay and at most 3 attempts.
func DefaultConfig() Config {
	return Config{RetryDelay: 5 * time.Second, MaxRetries: 3}
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig replaces the retry policy.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithScheduler replaces the timer source (tests use a manual scheduler).
func WithScheduler(s sched.Scheduler) Option {
	return func(m *Manager) { m.sched = s }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithErrorHandler registers the callback that receives connection errors
// the manager does not recover from on its own.
func WithErrorHandler(f func(error)) Option {
	return func(m *Manager) { m.onError = f }
}

// Manager tracks the connection status and runs bounded reconnection.
//
// Thread-safety: all methods are safe for concurrent use. The manager never
// holds its lock while calling into the backend.
type Manager struct {
	b       Backend
	cfg     Config
	sched   sched.Scheduler
	logger  *slog.Logger
	onError func(error)
	hub     *stream.Hub[iap.ConnectionStatus]

	mu          sync.Mutex
	status      iap.ConnectionStatus
	initialized bool
	retrying    bool
	attempts    int
	timer       sched.Timer
}

// New creates a Disconnected manager for b.
func New(b Backend, opts ...Option) *Manager {
	m := &Manager{
		b:      b,
		cfg:    DefaultConfig(),
		sched:  sched.Real{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		hub:    stream.NewHub[iap.ConnectionStatus](),
		status: iap.ConnectionDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize registers l with the backend. A failure leaves the manager
// uninitialized; Connect refuses to run until Initialize succeeds.
func (m *Manager) Initialize(l backend.Listener) error {
	m.mu.Lock()
	if m.status == iap.ConnectionClosed {
		m.mu.Unlock()
		return &iap.ConnectionError{Code: iap.CodeClosed}
	}
	m.mu.Unlock()

	if err := m.b.Initialize(l); err != nil {
		m.mu.Lock()
		m.initialized = false
		m.mu.Unlock()
		return &iap.ConnectionError{Code: iap.CodeInitFailed, Err: err}
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// Connect starts a manual connection attempt and resets the retry count.
// It is a no-op while Connecting or Connected.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.status == iap.ConnectionClosed:
		m.mu.Unlock()
		return &iap.ConnectionError{Code: iap.CodeClosed}
	case !m.initialized:
		m.mu.Unlock()
		return &iap.ConnectionError{Code: iap.CodeNotInitialized}
	case m.status == iap.ConnectionConnected, m.status == iap.ConnectionConnecting:
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()
	m.retrying = false
	m.attempts = 0
	m.setStatusLocked(iap.ConnectionConnecting)
	m.mu.Unlock()

	if err := m.b.Connect(ctx); err != nil {
		m.HandleResult(backend.ConnectionResult{Status: backend.StatusServiceUnavailable, Err: err})
	}
	return nil
}

// CheckConnection reports whether the manager is Connected. When it is
// Disconnected and initialized it starts a new Connect as a side effect.
func (m *Manager) CheckConnection(ctx context.Context) bool {
	m.mu.Lock()
	status, initialized := m.status, m.initialized
	m.mu.Unlock()

	switch status {
	case iap.ConnectionConnected:
		return true
	case iap.ConnectionDisconnected:
		if initialized {
			if err := m.Connect(ctx); err != nil {
				m.logger.Debug("check connection: connect refused", "error", err)
			}
		}
	case iap.ConnectionConnecting, iap.ConnectionClosed:
	}
	return false
}

// HandleResult applies a connection result reported by the backend.
// Returns true if the manager moved to Connected.
func (m *Manager) HandleResult(res backend.ConnectionResult) bool {
	m.mu.Lock()
	if m.status == iap.ConnectionClosed {
		m.mu.Unlock()
		return false
	}

	if res.Status == backend.StatusOK {
		changed := m.status != iap.ConnectionConnected
		m.stopTimerLocked()
		m.retrying = false
		m.attempts = 0
		m.setStatusLocked(iap.ConnectionConnected)
		m.mu.Unlock()
		if changed {
			m.logger.Info("billing connection established")
		}
		return changed
	}

	if res.Status == backend.StatusDisconnected && m.status == iap.ConnectionConnected {
		m.setStatusLocked(iap.ConnectionDisconnected)
		m.retrying = true
		m.attempts = 0
		m.scheduleRetryLocked()
		m.mu.Unlock()
		m.logger.Warn("billing connection lost, retrying", "delay", m.cfg.RetryDelay)
		return false
	}

	if m.status != iap.ConnectionConnecting {
		m.mu.Unlock()
		m.logger.Debug("ignoring connection result", "status", res.Status)
		return false
	}

	m.setStatusLocked(iap.ConnectionDisconnected)
	var report error
	switch {
	case !m.retrying:
		report = &iap.ConnectionError{Code: iap.CodeDisconnected, Err: backend.StatusError(res.Status, res.Err)}
	case m.attempts < m.cfg.MaxRetries:
		m.scheduleRetryLocked()
	default:
		m.retrying = false
		report = &iap.ConnectionError{Code: iap.CodeRetriesExhausted, Attempts: m.attempts, Err: backend.StatusError(res.Status, res.Err)}
	}
	attempts := m.attempts
	m.mu.Unlock()

	if report != nil {
		m.logger.Error("billing connection failed", "error", report, "attempts", attempts)
		m.reportError(report)
	} else {
		m.logger.Warn("reconnect attempt failed", "attempt", attempts, "max", m.cfg.MaxRetries)
	}
	return false
}

// Disconnect closes the connection for good. Pending retries are cancelled.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.status == iap.ConnectionClosed {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.retrying = false
	m.setStatusLocked(iap.ConnectionClosed)
	m.mu.Unlock()

	m.b.Disconnect()
}

// Status returns the current connection status.
func (m *Manager) Status() iap.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Watch returns a stream of status changes, starting with the current
// status. Intermediate values may be coalesced. Call cancel to stop.
func (m *Manager) Watch() (<-chan iap.ConnectionStatus, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hub.SubscribeLatestFrom(m.status)
}

// Attempts returns the number of automatic reconnects made in the current
// retry cycle.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Retrying reports whether a retry cycle is in progress.
func (m *Manager) Retrying() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retrying
}

func (m *Manager) retry() {
	m.mu.Lock()
	if m.status != iap.ConnectionDisconnected || !m.retrying {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.attempts++
	attempt := m.attempts
	m.setStatusLocked(iap.ConnectionConnecting)
	m.mu.Unlock()

	m.logger.Info("reconnecting to billing backend", "attempt", attempt)
	if err := m.b.Connect(context.Background()); err != nil {
		m.HandleResult(backend.ConnectionResult{Status: backend.StatusServiceUnavailable, Err: err})
	}
}

func (m *Manager) scheduleRetryLocked() {
	m.stopTimerLocked()
	m.timer = m.sched.AfterFunc(m.cfg.RetryDelay, m.retry)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) setStatusLocked(s iap.ConnectionStatus) {
	if m.status == s {
		return
	}
	m.status = s
	m.hub.Publish(s)
}

func (m *Manager) reportError(err error) {
	if m.onError != nil {
		m.onError(err)
	}
}
