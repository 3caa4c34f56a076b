package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tally/orchestrator"
	"github.com/yairfalse/tally/pkg/resource"
	"github.com/yairfalse/tally/storage"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	err   error
	block chan struct{}
}

func (r *fakeRunner) Run(ctx context.Context, req orchestrator.Request) (*orchestrator.RunResult, error) {
	r.mu.Lock()
	r.calls++
	block := r.block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &orchestrator.RunResult{
		SnapshotID: "20240301T120000.000000000Z",
		Report: resource.DeltaReport{
			Summary: resource.Summary{TotalChanges: 2},
		},
	}, nil
}

func (r *fakeRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeRetainer struct {
	mu       sync.Mutex
	policies []storage.RetentionPolicy
	err      error
}

func (f *fakeRetainer) ApplyRetention(_ context.Context, p storage.RetentionPolicy) (storage.RetentionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policies = append(f.policies, p)
	return storage.RetentionResult{Deleted: []string{"old"}, Retained: 1}, f.err
}

func (f *fakeRetainer) Pin(string) func() { return func() {} }

func testConfig() Config {
	return Config{
		Schedule:  "@every 1h",
		Request:   orchestrator.Request{Scope: "prod", Regions: []string{"us-east-1"}},
		Retention: storage.RetentionPolicy{MaxCount: 5},
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Schedule: "not a schedule"}, &fakeRunner{}, nil, nil)
	assert.Error(t, err)

	_, err = New(testConfig(), nil, nil, nil)
	assert.Error(t, err)

	d, err := New(testConfig(), &fakeRunner{}, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestDaemon_RunOnceAppliesRetention(t *testing.T) {
	runner := &fakeRunner{}
	retainer := &fakeRetainer{}
	m, _ := newTestMetrics(t)

	d, err := New(testConfig(), runner, retainer, m)
	require.NoError(t, err)

	require.NoError(t, d.RunOnce(context.Background()))
	assert.Equal(t, 1, runner.Calls())
	require.Len(t, retainer.policies, 1)
	assert.Equal(t, 5, retainer.policies[0].MaxCount)

	health := d.Health()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, int64(1), health.Runs)
	require.NotNil(t, health.LastRun)
	assert.Equal(t, "20240301T120000.000000000Z", health.LastRun.SnapshotID)
	assert.Equal(t, 2, health.LastRun.Changes)
}

func TestDaemon_RunOnceFailureSkipsRetention(t *testing.T) {
	runner := &fakeRunner{err: errors.New("no sources")}
	retainer := &fakeRetainer{}

	d, err := New(testConfig(), runner, retainer, nil)
	require.NoError(t, err)

	assert.Error(t, d.RunOnce(context.Background()))
	assert.Empty(t, retainer.policies)

	health := d.Health()
	assert.Equal(t, "degraded", health.Status)
	require.NotNil(t, health.LastRun)
	assert.Equal(t, "no sources", health.LastRun.Error)
}

func TestDaemon_RetentionDisabledWhenUnbounded(t *testing.T) {
	retainer := &fakeRetainer{}
	cfg := testConfig()
	cfg.Retention = storage.RetentionPolicy{}

	d, err := New(cfg, &fakeRunner{}, retainer, nil)
	require.NoError(t, err)
	require.NoError(t, d.RunOnce(context.Background()))
	assert.Empty(t, retainer.policies)
}

func TestDaemon_RetentionErrorIsNotFatal(t *testing.T) {
	retainer := &fakeRetainer{err: storage.ErrRetentionAborted}
	m, _ := newTestMetrics(t)

	d, err := New(testConfig(), &fakeRunner{}, retainer, m)
	require.NoError(t, err)
	assert.NoError(t, d.RunOnce(context.Background()))
	assert.Equal(t, "aborted", errorType(retainer.err))
}

func TestDaemon_OverlappingRunsAreRejected(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	d, err := New(testConfig(), runner, nil, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.RunOnce(context.Background()) }()

	require.Eventually(t, func() bool { return runner.Calls() == 1 }, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, d.RunOnce(context.Background()), ErrRunInProgress)
	assert.True(t, d.Health().Running)

	close(runner.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, runner.Calls())
}

func TestDaemon_CleansOldJournalFiles(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "tally-20240101T000000.wal")
	fresh := filepath.Join(dir, "tally-20240301T000000.wal")
	require.NoError(t, os.WriteFile(old, []byte("{}\n"), 0644))
	require.NoError(t, os.WriteFile(fresh, []byte("{}\n"), 0644))
	past := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(old, past, past))

	cfg := testConfig()
	cfg.JournalDir = dir
	cfg.JournalRetentionDays = 7

	d, err := New(cfg, &fakeRunner{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.RunOnce(context.Background()))

	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
}

func TestDaemon_StartRunsOnStartAndStops(t *testing.T) {
	runner := &fakeRunner{}
	cfg := testConfig()
	cfg.RunOnStart = true

	d, err := New(cfg, runner, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	require.Eventually(t, func() bool { return runner.Calls() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not shut down")
	}
	assert.Equal(t, int64(1), d.RunCount())
}

func TestDaemon_ScheduledRuns(t *testing.T) {
	runner := &fakeRunner{}
	cfg := testConfig()
	cfg.Schedule = "@every 1s"

	d, err := New(cfg, runner, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Start(ctx) }()

	require.Eventually(t, func() bool { return runner.Calls() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestDaemon_HealthHandler(t *testing.T) {
	d, err := New(testConfig(), &fakeRunner{}, nil, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	d.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Nil(t, health.LastRun)
	assert.True(t, health.Next.After(time.Now()))
}
