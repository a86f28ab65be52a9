package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sessionward/internal/log"
)

type Status string

const (
	StatusStopped  Status = "stopped"
	StatusRunning  Status = "running"
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
	StatusFailed   Status = "failed"
)

var (
	ErrRestartCooldown = errors.New("restart refused: cooldown in effect")
	ErrRestartLimit    = errors.New("restart refused: restart limit reached")
)

const errorRingSize = 10

type Config struct {
	MaxRestartAttempts   int
	RestartCooldown      time.Duration
	MaxConsecutiveErrors int
	RetryDelay           time.Duration
	HealthInterval       time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRestartAttempts:   5,
		RestartCooldown:      30 * time.Second,
		MaxConsecutiveErrors: 5,
		RetryDelay:           5 * time.Second,
		HealthInterval:       10 * time.Second,
	}
}

type ErrorRecord struct {
	Time    time.Time `json:"timestamp"`
	Message string    `json:"error"`
}

type Health struct {
	Status            Status        `json:"status"`
	UptimeSeconds     float64       `json:"uptime"`
	FilesMonitored    int           `json:"files_monitored"`
	BytesProcessed    int64         `json:"bytes_processed"`
	Restarts          int           `json:"restarts"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	LastActivity      *time.Time    `json:"last_activity"`
	LastCheck         *time.Time    `json:"last_check"`
	Errors            []ErrorRecord `json:"errors"`
	Recommendation    string        `json:"recommendation,omitempty"`
}

// Manager supervises a Poller: it restarts the run loop after repeated
// failures, within a bounded number of attempts, and keeps a health
// snapshot.
type Manager struct {
	poller *Poller
	cfg    Config
	now    func() time.Time

	mu           sync.Mutex
	status       Status
	startedAt    time.Time
	lastCheck    time.Time
	restartCount int
	lastRestart  time.Time
	consecutive  int
	errs         []ErrorRecord

	lifeCancel context.CancelFunc
	lifeCtx    context.Context
	runCancel  context.CancelFunc
	runDone    chan struct{}
}

func NewManager(poller *Poller, cfg Config) *Manager {
	return &Manager{poller: poller, cfg: cfg, now: time.Now, status: StatusStopped}
}

func (m *Manager) Poller() *Poller {
	return m.poller
}

// Start launches the monitor. Starting a running monitor is a no-op; a
// failed monitor starts over with a fresh restart budget.
func (m *Manager) Start() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lifeCancel != nil && m.status != StatusFailed {
		return false
	}
	if m.lifeCancel == nil {
		m.lifeCtx, m.lifeCancel = context.WithCancel(context.Background())
		go m.healthLoop(m.lifeCtx)
	}
	if m.status == StatusFailed {
		m.restartCount = 0
		m.lastRestart = time.Time{}
	}
	m.startRunLocked()
	log.Info().Str("dir", m.poller.dir).Dur("interval", m.poller.interval).Msg("monitor started")
	return true
}

func (m *Manager) startRunLocked() {
	ctx, cancel := context.WithCancel(m.lifeCtx)
	done := make(chan struct{})
	m.runCancel, m.runDone = cancel, done
	m.consecutive = 0
	m.startedAt = m.now()
	m.status = StatusRunning
	go func() {
		defer close(done)
		err := m.poller.Run(ctx, m.afterTick)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("monitor stopped after repeated errors")
		}
	}()
}

// stopRun cancels the run loop and waits for it.
func (m *Manager) stopRun(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.runCancel, m.runDone
	m.runCancel, m.runDone = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop halts the monitor and its health checks.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	lifeCancel := m.lifeCancel
	m.lifeCancel, m.lifeCtx = nil, nil
	m.mu.Unlock()
	if lifeCancel == nil {
		return nil
	}
	err := m.stopRun(ctx)
	lifeCancel()

	m.mu.Lock()
	m.status = StatusStopped
	m.mu.Unlock()
	log.Info().Msg("monitor stopped")
	return err
}

// Restart stops and starts the run loop. It is refused inside the cooldown
// window and once the restart budget is spent; the latter leaves the
// monitor failed.
func (m *Manager) Restart(ctx context.Context) error {
	m.mu.Lock()
	if m.restartCount >= m.cfg.MaxRestartAttempts {
		m.status = StatusFailed
		m.mu.Unlock()
		_ = m.stopRun(ctx)
		log.Error().Int("restarts", m.cfg.MaxRestartAttempts).Msg("monitor restart limit reached")
		return ErrRestartLimit
	}
	now := m.now()
	if !m.lastRestart.IsZero() && now.Sub(m.lastRestart) < m.cfg.RestartCooldown {
		wait := m.cfg.RestartCooldown - now.Sub(m.lastRestart)
		m.mu.Unlock()
		return fmt.Errorf("%w: retry in %s", ErrRestartCooldown, wait.Round(time.Second))
	}
	m.restartCount++
	m.lastRestart = now
	attempt := m.restartCount
	m.mu.Unlock()

	log.Info().Int("attempt", attempt).Int("max", m.cfg.MaxRestartAttempts).Msg("restarting monitor")
	if err := m.stopRun(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lifeCancel == nil {
		m.lifeCtx, m.lifeCancel = context.WithCancel(context.Background())
		go m.healthLoop(m.lifeCtx)
	}
	m.startRunLocked()
	return nil
}

// afterTick is the run loop's error budget.
func (m *Manager) afterTick(err error) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.consecutive = 0
		if m.status == StatusError {
			m.status = StatusRunning
		}
		return m.poller.interval, true
	}

	m.consecutive++
	m.recordErrorLocked(err)
	m.status = StatusError
	log.Warn().Err(err).Int("consecutive", m.consecutive).Msg("monitor tick failed")
	if m.consecutive < m.cfg.MaxConsecutiveErrors {
		return m.cfg.RetryDelay, true
	}
	go m.autoRestart(m.lifeCtx)
	return 0, false
}

// autoRestart waits out the cooldown and restarts, until the budget is
// spent.
func (m *Manager) autoRestart(ctx context.Context) {
	if ctx == nil {
		return
	}
	for {
		err := m.Restart(ctx)
		if !errors.Is(err, ErrRestartCooldown) {
			return
		}
		m.mu.Lock()
		wait := m.cfg.RestartCooldown - m.now().Sub(m.lastRestart)
		m.mu.Unlock()
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) recordErrorLocked(err error) {
	m.errs = append(m.errs, ErrorRecord{Time: m.now(), Message: err.Error()})
	if len(m.errs) > errorRingSize {
		m.errs = m.errs[len(m.errs)-errorRingSize:]
	}
}

func (m *Manager) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth()
		}
	}
}

// CheckHealth refreshes the status from the state of the run loop.
func (m *Manager) CheckHealth() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCheck = m.now()
	switch m.status {
	case StatusStopped, StatusFailed, StatusError:
		return m.status
	}
	if m.runDone == nil {
		m.status = StatusDegraded
		return m.status
	}
	select {
	case <-m.runDone:
		m.status = StatusDegraded
	default:
		m.status = StatusHealthy
	}
	return m.status
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) Health() Health {
	stats := m.poller.Stats()
	m.mu.Lock()
	defer m.mu.Unlock()

	h := Health{
		Status:            m.status,
		FilesMonitored:    stats.FilesMonitored,
		BytesProcessed:    stats.BytesProcessed,
		Restarts:          m.restartCount,
		ConsecutiveErrors: m.consecutive,
		Errors:            append([]ErrorRecord{}, m.errs...),
	}
	if m.status != StatusStopped && m.status != StatusFailed && !m.startedAt.IsZero() {
		h.UptimeSeconds = m.now().Sub(m.startedAt).Seconds()
	}
	if !stats.LastActivity.IsZero() {
		last := stats.LastActivity
		h.LastActivity = &last
	}
	if !m.lastCheck.IsZero() {
		check := m.lastCheck
		h.LastCheck = &check
	}
	h.Recommendation = recommendation(h)
	return h
}

// Errors returns up to limit of the most recent errors, oldest first.
func (m *Manager) Errors(limit int) []ErrorRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	errs := m.errs
	if limit > 0 && len(errs) > limit {
		errs = errs[len(errs)-limit:]
	}
	return append([]ErrorRecord{}, errs...)
}

func recommendation(h Health) string {
	switch {
	case h.Status == StatusStopped:
		return "Monitor is stopped. Use POST /api/monitor/start to start it"
	case h.Status == StatusFailed:
		return "Monitor gave up after repeated restarts. Check the logs, then POST /api/monitor/start"
	case h.Status == StatusError:
		return "Monitor is failing. Check the logs or use POST /api/monitor/restart"
	case h.Status == StatusDegraded:
		return "Monitor is degraded. Consider restarting it"
	case h.Restarts > 3:
		return fmt.Sprintf("Monitor restarted %d times. Check its stability", h.Restarts)
	}
	return ""
}
