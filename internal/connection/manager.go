// Package connection owns the terminal session lifecycle: connect,
// disconnect, bounded reconnect with exponential backoff, and a background
// health-check loop that adapts its cadence to consecutive failures.
package connection

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"terminal-core/internal/events"
	"terminal-core/pkg/terminal"
)

// State is the connection manager's externally visible state.
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "CONNECTED"
	}
	return "DISCONNECTED"
}

// Config holds the manager's timing knobs.
type Config struct {
	// HealthInterval is the base cadence of the health-check loop.
	HealthInterval time.Duration
	// BackoffMultiplier scales the health interval per consecutive failure,
	// with the exponent capped at 3.
	BackoffMultiplier float64
	// MaxConsecutiveFailures triggers an advisory critical alert once reached.
	MaxConsecutiveFailures int
	// ReconnectMaxAttempts bounds each reconnect cycle.
	ReconnectMaxAttempts int
	// RetryBaseDelay is the delay before reconnect attempt 1; attempt n waits
	// RetryBaseDelay * 2^(n-1).
	RetryBaseDelay time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		HealthInterval:         30 * time.Second,
		BackoffMultiplier:      2,
		MaxConsecutiveFailures: 5,
		ReconnectMaxAttempts:   3,
		RetryBaseDelay:         time.Second,
	}
}

// Manager drives a terminal.Gateway through its session lifecycle.
type Manager struct {
	gw       terminal.Gateway
	settings terminal.Settings
	cfg      Config
	bus      *events.Bus

	mu       sync.Mutex
	state    State
	failures int
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// sleep is swapped out by tests to assert delay sequences.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a disconnected manager. bus may be nil.
func NewManager(gw terminal.Gateway, settings terminal.Settings, cfg Config, bus *events.Bus) *Manager {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		cfg.ReconnectMaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	return &Manager{
		gw:       gw,
		settings: settings,
		cfg:      cfg,
		bus:      bus,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the manager considers the session live.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Connect initializes the backend session. A failed initialize leaves the
// manager disconnected and is not retried here; see Reconnect.
func (m *Manager) Connect(ctx context.Context) error {
	if err := m.gw.Initialize(ctx, m.settings); err != nil {
		log.Printf("connection: initialize failed: %v", err)
		return fmt.Errorf("%w: server %s login %d: %v",
			ErrConnectFailed, m.settings.Server, m.settings.Login, err)
	}
	m.setState(StateConnected, "connect")
	return nil
}

// Disconnect stops the health-check loop, shuts the backend down, and forces
// the disconnected state. Safe to call repeatedly and from any state.
func (m *Manager) Disconnect(ctx context.Context) {
	m.Stop()
	if err := m.gw.Shutdown(ctx); err != nil {
		log.Printf("connection: shutdown error: %v", err)
	}
	m.setState(StateDisconnected, "disconnect")
}

// Reconnect performs up to maxAttempts full shutdown/initialize cycles.
// Attempt n is preceded by a RetryBaseDelay * 2^(n-1) sleep. The first
// success wins; exhaustion returns a *ReconnectError and leaves the manager
// disconnected.
func (m *Manager) Reconnect(ctx context.Context, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = m.cfg.ReconnectMaxAttempts
	}

	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		delay := m.cfg.RetryBaseDelay * (1 << (attempt - 1))
		if err := m.sleep(ctx, delay); err != nil {
			return err
		}

		if err := m.gw.Shutdown(ctx); err != nil {
			log.Printf("connection: pre-reconnect shutdown error: %v", err)
		}
		if err := m.gw.Initialize(ctx, m.settings); err != nil {
			last = err
			log.Printf("connection: reconnect attempt %d/%d failed: %v", attempt, maxAttempts, err)
			continue
		}

		m.setState(StateConnected, "reconnect")
		log.Printf("connection: reconnected on attempt %d", attempt)
		return nil
	}

	m.setState(StateDisconnected, "reconnect exhausted")
	return &ReconnectError{
		Attempts: maxAttempts,
		Server:   m.settings.Server,
		Login:    m.settings.Login,
		Last:     last,
	}
}

// AccountInfo fetches the terminal account snapshot. It fails fast when
// disconnected rather than reconnecting implicitly.
func (m *Manager) AccountInfo(ctx context.Context) (*terminal.AccountInfo, error) {
	if !m.IsConnected() {
		return nil, fmt.Errorf("%w: account info unavailable", ErrNotConnected)
	}
	return m.gw.AccountInfo(ctx)
}

// Start launches the health-check loop. It is a no-op while already running
// and may be called again after Stop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go m.healthLoop(ctx, stopCh)
}

// Stop signals the health-check loop and waits for it to exit. Idempotent;
// every caller waits, so no loop work happens after any Stop returns.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.running {
		m.running = false
		close(m.stopCh)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) healthLoop(ctx context.Context, stopCh chan struct{}) {
	defer m.wg.Done()

	// Reconnect backoff sleeps must not outlive Stop: closing stopCh cancels
	// the context the reconnect path sleeps on.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		timer := time.NewTimer(m.nextInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		if m.gw.IsConnected(ctx) {
			m.resetFailures()
			continue
		}

		log.Printf("connection: health check found session down, reconnecting")
		if err := m.Reconnect(ctx, m.cfg.ReconnectMaxAttempts); err != nil {
			if ctx.Err() != nil {
				return
			}
			n := m.recordFailure()
			if n == m.cfg.MaxConsecutiveFailures {
				log.Printf("connection: CRITICAL %d consecutive health-check failures", n)
				if m.bus != nil {
					m.bus.Publish(events.TopicAlert, fmt.Sprintf(
						"connection to %s unhealthy: %d consecutive failures",
						m.settings.Server, n))
				}
			}
			continue
		}
		m.resetFailures()
	}
}

// nextInterval scales the base interval by multiplier^min(failures, 3) so a
// persistently broken backend is probed less aggressively.
func (m *Manager) nextInterval() time.Duration {
	m.mu.Lock()
	failures := m.failures
	m.mu.Unlock()

	exp := failures
	if exp > 3 {
		exp = 3
	}
	scale := math.Pow(m.cfg.BackoffMultiplier, float64(exp))
	return time.Duration(float64(m.cfg.HealthInterval) * scale)
}

func (m *Manager) recordFailure() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	return m.failures
}

func (m *Manager) resetFailures() {
	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()
}

func (m *Manager) setState(s State, reason string) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()

	if changed && m.bus != nil {
		m.bus.Publish(events.TopicConnection, events.ConnectionChange{
			Connected: s == StateConnected,
			Server:    m.settings.Server,
			Login:     m.settings.Login,
			Reason:    reason,
		})
	}
}
