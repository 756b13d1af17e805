package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Lakakaku/brf-sub003/internal/core/domain"
	"github.com/Lakakaku/brf-sub003/internal/core/ports"
)

const monitorMaxBackoff = 5 * time.Minute

// Monitor runs a reduced critical verification suite on a fixed interval
// against two synthetic tenants and raises alerts on failure. Cycles are
// single-flight: whether started by the schedule or by a retry timer, a
// cycle that would overlap a running one is skipped. A cycle that exceeds
// its timeout is abandoned and logged as incomplete, and transient harness
// errors trigger an earlier retry with capped backoff instead of halting
// monitoring.
type Monitor struct {
	verifier     *Verifier
	notifier     ports.AlertNotifier
	logger       *slog.Logger
	interval     time.Duration
	cycleTimeout time.Duration
	tenantA      domain.TenantContext
	tenantB      domain.TenantContext

	cron *cron.Cron
	wg   sync.WaitGroup

	mu         sync.Mutex
	retry      *time.Timer
	failStreak int
	running    bool
	stopped    bool
}

func NewMonitor(verifier *Verifier, notifier ports.AlertNotifier, logger *slog.Logger, interval, cycleTimeout time.Duration, tenantA, tenantB domain.TenantContext) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if cycleTimeout <= 0 || cycleTimeout > interval {
		cycleTimeout = interval / 2
	}
	return &Monitor{
		verifier:     verifier,
		notifier:     notifier,
		logger:       logger,
		interval:     interval,
		cycleTimeout: cycleTimeout,
		tenantA:      tenantA,
		tenantB:      tenantB,
		cron:         cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start schedules the monitoring cycle.
func (m *Monitor) Start() error {
	spec := "@every " + m.interval.String()
	if _, err := m.cron.AddFunc(spec, func() {
		m.RunCycle(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule monitor: %w", err)
	}
	m.cron.Start()
	m.logger.Info("isolation monitor started", "interval", m.interval.String(), "cycle_timeout", m.cycleTimeout.String())
	return nil
}

// Stop halts scheduling and waits for a running cycle to finish, including
// one started by the retry timer.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.mu.Unlock()

	<-m.cron.Stop().Done()
	m.wg.Wait()
	m.logger.Info("isolation monitor stopped")
}

// RunCycle executes one bounded monitoring cycle. A call arriving while
// another cycle is in flight returns immediately, so a retry firing close to
// a scheduled tick never runs two verification transactions concurrently.
func (m *Monitor) RunCycle(parent context.Context) {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		m.wg.Done()
	}()

	ctx, cancel := context.WithTimeout(parent, m.cycleTimeout)
	defer cancel()

	suite := CriticalSubset(m.verifier.DefaultSuite())
	report, err := m.verifier.Run(ctx, suite, m.tenantA, m.tenantB)

	if ctx.Err() != nil {
		// An abandoned cycle is neither a pass nor a fail.
		m.logger.Warn("monitoring cycle incomplete", "timeout", m.cycleTimeout.String())
		return
	}
	if err != nil {
		m.scheduleRetry(err)
		return
	}

	m.mu.Lock()
	m.failStreak = 0
	m.mu.Unlock()

	if report.Overall == domain.ReportPassed {
		m.logger.Info("monitoring cycle passed", "run", report.RunID, "cases", len(report.Results))
		return
	}
	m.alert(parent, report)
}

func (m *Monitor) alert(ctx context.Context, report domain.VerificationReport) {
	critical := report.CriticalIssues()
	evidence := ""
	if len(critical) > 0 {
		evidence = critical[0].Evidence
	}

	alert := domain.Alert{
		TenantID: report.TenantA,
		Severity: domain.SeverityCritical,
		Message: fmt.Sprintf("isolation verification %s: run %s, %d critical issues",
			report.Overall, report.RunID, len(critical)),
		Evidence: evidence,
		RaisedAt: time.Now().UTC(),
	}
	if len(critical) == 0 {
		alert.Severity = domain.SeverityHigh
	}

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := m.notifier.Notify(notifyCtx, alert); err != nil {
		m.logger.Error("alert delivery failed", "run", report.RunID, "error", err)
	}
}

// scheduleRetry retries a transient harness failure sooner than the next
// regular cycle, with capped quadratic backoff.
func (m *Monitor) scheduleRetry(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	m.failStreak++
	delay := backoffDelay(m.failStreak)
	m.logger.Warn("monitoring cycle errored, retrying sooner",
		"attempt", m.failStreak, "delay", delay.String(), "error", cause)

	if m.retry != nil {
		m.retry.Stop()
	}
	m.retry = time.AfterFunc(delay, func() {
		m.RunCycle(context.Background())
	})
}

func backoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 10 * time.Second
	}
	d := time.Duration(attempt*attempt) * 10 * time.Second
	if d > monitorMaxBackoff {
		return monitorMaxBackoff
	}
	return d
}
