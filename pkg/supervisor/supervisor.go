// Package supervisor implements the Supervisor component (spec §4.12):
// lifecycle, health, and crash recovery for the long-running mailbox
// poll loop. It owns the processing graph's lifetime — constructing a
// fresh Pipeline (and, transitively, fresh catalog/embedding state) on
// reinitialization — and wraps every poll tick in the counters, backoff,
// heartbeat, and alerting behavior the teacher's graceful-shutdown and
// circuit-breaker tests describe for long-running controllers: finish
// the current unit of work, then stop; degrade loudly rather than spin
// silently.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/sds-orderproc/orderproc/pkg/logging"
	"github.com/sds-orderproc/orderproc/pkg/pipeline"
	"github.com/sds-orderproc/orderproc/pkg/ports"
	"github.com/sds-orderproc/orderproc/pkg/retry"
)

// Pipeline is the subset of *pipeline.Pipeline the Supervisor drives —
// declared as an interface so a test can drive the poll loop against a
// stub without constructing every real collaborator.
type Pipeline interface {
	ProcessAll(ctx context.Context) (pipeline.Stats, error)
}

// Config carries the tunables spec §4.12 and §6 name.
type Config struct {
	PollInterval           time.Duration
	HeartbeatInterval      time.Duration
	MaxConsecutiveFailures int
	AdminAlertAddress      string
	AlertCooldown          time.Duration
	HealthFilePath         string
}

// DefaultConfig matches spec §4.12's named defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:           60 * time.Second,
		HeartbeatInterval:      5 * time.Minute,
		MaxConsecutiveFailures: 3,
		AlertCooldown:          15 * time.Minute,
		HealthFilePath:         filepath.Join("health", "status.txt"),
	}
}

// Rebuilder tears down and reconstructs the entire processing graph —
// a new catalog load, new client sessions, a new Pipeline — used by
// Recovery after MaxConsecutiveFailures consecutive failures.
type Rebuilder func(ctx context.Context) (Pipeline, error)

// Health is the heartbeat snapshot persisted to disk and returned by
// the `health` CLI subcommand.
type Health struct {
	Processed           int       `json:"processed"`
	Failed               int       `json:"failed"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	LastSuccessAt        time.Time `json:"last_success_at,omitempty"`
	LastError            string    `json:"last_error,omitempty"`
	UptimeSeconds         float64   `json:"uptime_seconds"`
	StartedAt            time.Time `json:"started_at"`
}

var (
	processedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orderproc_processed_total",
		Help: "Messages successfully processed by the supervisor poll loop.",
	})
	failedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orderproc_failed_total",
		Help: "Messages that failed processing.",
	})
	consecutiveFailuresGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orderproc_consecutive_failures",
		Help: "Current consecutive poll-tick failure count.",
	})
	lastSuccessTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orderproc_last_success_timestamp",
		Help: "Unix timestamp of the last successful poll tick.",
	})
)

// Registry bundles the named Prometheus collectors spec §9 calls for,
// so cmd/orderproc can register them once against its own registerer.
func Registry() []prometheus.Collector {
	return []prometheus.Collector{processedTotal, failedTotal, consecutiveFailuresGauge, lastSuccessTimestamp}
}

// Supervisor drives the mailbox poll loop, tracks health counters, and
// recovers from repeated failure by rebuilding the processing graph.
type Supervisor struct {
	cfg      Config
	rebuild  Rebuilder
	notifier ports.MailNotifier
	logger   *logrus.Logger

	mu                  sync.Mutex
	pipeline            Pipeline
	processed           int
	failed              int
	consecutiveFailures int
	lastSuccessAt       time.Time
	lastError           string
	startedAt           time.Time
	lastAlertAt         time.Time
}

// New builds a Supervisor. initial is the already-constructed Pipeline
// to run before any recovery rebuild is needed.
func New(cfg Config, initial Pipeline, rebuild Rebuilder, notifier ports.MailNotifier, logger *logrus.Logger) *Supervisor {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Minute
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = 15 * time.Minute
	}
	return &Supervisor{
		cfg: cfg, pipeline: initial, rebuild: rebuild, notifier: notifier, logger: logger,
	}
}

// Run drives the poll loop until ctx is cancelled, finishing the
// current tick before returning (spec §4.12: "on signal, finish the
// current message, then exit cleanly"). It starts its own heartbeat
// ticker goroutine and stops it on return.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.alert(ctx, "supervisor starting", true)
	defer s.alert(context.Background(), "supervisor shut down", true)

	heartbeatDone := make(chan struct{})
	go s.heartbeatLoop(ctx, heartbeatDone)
	defer func() { <-heartbeatDone }()

	backoff := retry.NewRetrier(retry.SupervisorBackoffConfig(), s.logger)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.tick(ctx, backoff); err != nil {
				return err
			}
		}
	}
}

// tick runs exactly one poll-process-recover cycle.
func (s *Supervisor) tick(ctx context.Context, backoff *retry.Retrier) error {
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()

	stats, err := pipeline.ProcessAll(ctx)

	s.mu.Lock()
	if err != nil {
		s.consecutiveFailures++
		s.lastError = err.Error()
	} else {
		s.processed += stats.Processed
		s.failed += stats.Failed
		if stats.Failed == 0 {
			s.consecutiveFailures = 0
			s.lastSuccessAt = time.Now()
		} else {
			s.consecutiveFailures++
			s.lastError = fmt.Sprintf("%d of %d messages failed", stats.Failed, stats.Processed+stats.Failed)
		}
	}
	consecutiveFailures := s.consecutiveFailures
	s.mu.Unlock()

	processedTotal.Add(float64(stats.Processed))
	failedTotal.Add(float64(stats.Failed))
	consecutiveFailuresGauge.Set(float64(consecutiveFailures))
	if err == nil && stats.Failed == 0 {
		lastSuccessTimestamp.Set(float64(time.Now().Unix()))
	}

	s.logger.WithFields(logging.SupervisorFields("poll_tick", consecutiveFailures).
		Custom("processed", stats.Processed).Custom("failed", stats.Failed).ToLogrus()).
		Info("poll tick complete")

	if consecutiveFailures >= s.cfg.MaxConsecutiveFailures {
		return s.recover(ctx, backoff)
	}
	return nil
}

// recover tears down and rebuilds the processing graph after too many
// consecutive failures, retrying the rebuild itself with the capped
// exponential backoff spec §4.12 names until it succeeds or ctx ends.
func (s *Supervisor) recover(ctx context.Context, backoff *retry.Retrier) error {
	s.alert(ctx, fmt.Sprintf("consecutive_failures threshold crossed (%d), reinitializing", s.cfg.MaxConsecutiveFailures), false)

	result, err := backoff.ExecuteWithType(ctx, func(ctx context.Context, attempt int) (any, error) {
		pipeline, err := s.rebuild(ctx)
		if err != nil {
			s.logger.WithFields(logging.SupervisorFields("reinitialize", s.consecutiveFailureSnapshot()).ToLogrus()).
				WithField("attempt", attempt).WithError(err).Warn("reinitialization failed, retrying")
			return nil, retry.WrapRetryableError(err, true, "reinitialization failed")
		}
		return pipeline, nil
	})
	if err != nil {
		return fmt.Errorf("supervisor: reinitialization abandoned: %w", err)
	}

	s.mu.Lock()
	if rebuilt, ok := result.(Pipeline); ok && rebuilt != nil {
		s.pipeline = rebuilt
	}
	s.consecutiveFailures = 0
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) consecutiveFailureSnapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures
}

func (s *Supervisor) heartbeatLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.writeHealth()
			return
		case <-ticker.C:
			s.writeHealth()
		}
	}
}

// Snapshot returns the current Health, for the `health` CLI subcommand
// and ad hoc inspection.
func (s *Supervisor) Snapshot() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Health{
		Processed:          s.processed,
		Failed:              s.failed,
		ConsecutiveFailures: s.consecutiveFailures,
		LastSuccessAt:       s.lastSuccessAt,
		LastError:           s.lastError,
		UptimeSeconds:       time.Since(s.startedAt).Seconds(),
		StartedAt:           s.startedAt,
	}
}

func (s *Supervisor) writeHealth() {
	if s.cfg.HealthFilePath == "" {
		return
	}
	h := s.Snapshot()
	dir := filepath.Dir(s.cfg.HealthFilePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.logger.WithError(err).Warn("failed to create health directory")
		return
	}
	text := fmt.Sprintf("processed=%d failed=%d consecutive_failures=%d last_success_at=%s last_error=%q uptime_seconds=%.0f\n",
		h.Processed, h.Failed, h.ConsecutiveFailures, h.LastSuccessAt.Format(time.RFC3339), h.LastError, h.UptimeSeconds)

	tmp, err := os.CreateTemp(dir, "status_*.tmp")
	if err != nil {
		s.logger.WithError(err).Warn("failed to create temp health file")
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		s.logger.WithError(err).Warn("failed to write health file")
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return
	}
	if err := os.Rename(tmpPath, s.cfg.HealthFilePath); err != nil {
		os.Remove(tmpPath)
		s.logger.WithError(err).Warn("failed to rename health file into place")
	}
}

// alert sends an operator email when admin_alert_address is configured.
// Startup/shutdown alerts (force=true) always send; the repeated
// threshold-crossed alert is rate-limited by AlertCooldown so a crash
// loop cannot storm the inbox.
func (s *Supervisor) alert(ctx context.Context, message string, force bool) {
	if s.notifier == nil || s.cfg.AdminAlertAddress == "" {
		return
	}
	if !force {
		s.mu.Lock()
		if !s.lastAlertAt.IsZero() && time.Since(s.lastAlertAt) < s.cfg.AlertCooldown {
			s.mu.Unlock()
			return
		}
		s.lastAlertAt = time.Now()
		s.mu.Unlock()
	}

	if err := s.notifier.Send(ctx, s.cfg.AdminAlertAddress, "orderproc supervisor", message); err != nil {
		s.logger.WithError(err).Warn("failed to send operator alert")
	}
}
