// Package daemon runs the discovery pipeline on a cron schedule and keeps
// the snapshot store and journal within their retention limits.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tally/orchestrator"
	"github.com/yairfalse/tally/storage"
	"github.com/yairfalse/tally/wal"
)

// ErrRunInProgress is returned when a run is requested while one is active.
var ErrRunInProgress = errors.New("run already in progress")

// Runner executes one discovery run. *orchestrator.Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) (*orchestrator.RunResult, error)
}

// Config holds daemon configuration
type Config struct {
	// Schedule is a standard 5-field cron expression or descriptor.
	Schedule   string
	RunOnStart bool
	Request    orchestrator.Request
	Retention  storage.RetentionPolicy
	// JournalDir is cleaned of files older than JournalRetentionDays after
	// every run. Empty disables cleanup.
	JournalDir           string
	JournalRetentionDays int
}

// Daemon manages scheduled discovery runs
type Daemon struct {
	cfg      Config
	schedule cron.Schedule
	runner   Runner
	retainer storage.Retainer
	metrics  *DaemonMetrics

	startTime time.Time
	running   atomic.Bool
	runCount  atomic.Int64

	mu   sync.RWMutex
	last RunStatus
}

// RunStatus describes the most recent run.
type RunStatus struct {
	StartedAt  time.Time `json:"started_at"`
	Duration   string    `json:"duration"`
	SnapshotID string    `json:"snapshot_id,omitempty"`
	Changes    int       `json:"changes"`
	Error      string    `json:"error,omitempty"`
}

// New creates a new daemon instance. metrics may be nil.
func New(cfg Config, runner Runner, retainer storage.Retainer, metrics *DaemonMetrics) (*Daemon, error) {
	if runner == nil {
		return nil, errors.New("daemon requires a runner")
	}
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}
	return &Daemon{
		cfg:       cfg,
		schedule:  schedule,
		runner:    runner,
		retainer:  retainer,
		metrics:   metrics,
		startTime: time.Now(),
	}, nil
}

// Start schedules runs and blocks until ctx is done. In-flight runs finish
// before Start returns.
func (d *Daemon) Start(ctx context.Context) error {
	logger := cronLogger{}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))
	c.Schedule(d.schedule, cron.FuncJob(func() {
		_ = d.RunOnce(ctx)
	}))

	log.Info().
		Str("schedule", d.cfg.Schedule).
		Strs("regions", d.cfg.Request.Regions).
		Bool("run_on_start", d.cfg.RunOnStart).
		Msg("daemon started")

	if d.cfg.RunOnStart {
		_ = d.RunOnce(ctx)
	}

	c.Start()
	<-ctx.Done()

	stopped := c.Stop()
	<-stopped.Done()
	log.Info().Int64("runs", d.runCount.Load()).Msg("daemon stopped")
	return nil
}

// RunOnce runs the pipeline, then retention and journal cleanup.
func (d *Daemon) RunOnce(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	defer d.running.Store(false)
	d.runCount.Add(1)

	start := time.Now()
	result, err := d.runner.Run(ctx, d.cfg.Request)
	duration := time.Since(start)

	status := RunStatus{StartedAt: start, Duration: duration.String()}
	if err != nil {
		status.Error = err.Error()
		d.setLast(status)
		d.recordRun(ctx, "failure", duration)
		log.Error().Err(err).Dur("duration", duration).Msg("scheduled run failed")
		return err
	}

	status.SnapshotID = result.SnapshotID
	status.Changes = result.Report.Summary.TotalChanges
	d.setLast(status)
	d.recordRun(ctx, "success", duration)
	if d.metrics != nil {
		d.metrics.RecordResult(ctx, d.cfg.Request.Scope, result)
	}

	d.applyRetention(ctx)
	d.cleanupJournal(ctx)
	return nil
}

func (d *Daemon) applyRetention(ctx context.Context) {
	if d.retainer == nil || (d.cfg.Retention.MaxAge == 0 && d.cfg.Retention.MaxCount == 0) {
		return
	}
	res, err := d.retainer.ApplyRetention(ctx, d.cfg.Retention)
	if err != nil {
		d.recordStorage(ctx, "retention", "failure", errorType(err))
		log.Error().Err(err).Msg("retention failed")
		return
	}
	d.recordStorage(ctx, "retention", "success", "")
	if len(res.Deleted) > 0 || len(res.Deferred) > 0 {
		log.Info().
			Int("deleted", len(res.Deleted)).
			Strs("deferred", res.Deferred).
			Int("retained", res.Retained).
			Msg("retention applied")
	}
}

func (d *Daemon) cleanupJournal(ctx context.Context) {
	if d.cfg.JournalDir == "" || d.cfg.JournalRetentionDays <= 0 {
		return
	}
	stats, err := wal.CleanupWithStats(d.cfg.JournalDir, wal.Config{
		RetentionDays: d.cfg.JournalRetentionDays,
		FilePrefix:    wal.DefaultPrefix,
	})
	if err != nil {
		d.recordStorage(ctx, "journal_cleanup", "failure", "io")
		log.Warn().Err(err).Str("dir", d.cfg.JournalDir).Msg("journal cleanup failed")
		return
	}
	d.recordStorage(ctx, "journal_cleanup", "success", "")
	if stats.FilesRemoved > 0 {
		log.Info().
			Int("files", stats.FilesRemoved).
			Int64("bytes", stats.BytesFreed).
			Msg("journal files removed")
	}
}

func (d *Daemon) setLast(s RunStatus) {
	d.mu.Lock()
	d.last = s
	d.mu.Unlock()
}

func (d *Daemon) recordRun(ctx context.Context, status string, duration time.Duration) {
	if d.metrics == nil {
		return
	}
	d.metrics.RecordRun(ctx, status, d.cfg.Request.Scope)
	d.metrics.RecordRunDuration(ctx, duration.Seconds(), status)
}

func (d *Daemon) recordStorage(ctx context.Context, operation, status, errType string) {
	if d.metrics != nil {
		d.metrics.RecordStorageOperation(ctx, operation, status, errType)
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, storage.ErrRetentionAborted):
		return "aborted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	last := d.last
	d.mu.RUnlock()

	status := "healthy"
	if last.Error != "" {
		status = "degraded"
	}
	h := HealthStatus{
		Status:  status,
		Uptime:  int64(time.Since(d.startTime).Seconds()),
		Runs:    d.runCount.Load(),
		Running: d.running.Load(),
		Next:    d.schedule.Next(time.Now()),
	}
	if !last.StartedAt.IsZero() {
		h.LastRun = &last
	}
	return h
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status  string     `json:"status"`
	Uptime  int64      `json:"uptime_seconds"`
	Runs    int64      `json:"runs"`
	Running bool       `json:"running"`
	Next    time.Time  `json:"next_run"`
	LastRun *RunStatus `json:"last_run,omitempty"`
}

// HealthHandler serves Health as JSON.
func (d *Daemon) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.Health())
	})
}

// RunCount returns total runs started
func (d *Daemon) RunCount() int64 {
	return d.runCount.Load()
}

// cronLogger routes cron's own messages to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
