package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tally/internal/daemon"
	"github.com/yairfalse/tally/internal/source"
	"github.com/yairfalse/tally/orchestrator"
	"github.com/yairfalse/tally/storage"
)

// workspace is a config file plus a source directory with one dump per method.
type workspace struct {
	dir    string
	config string
	dumps  string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	ws := &workspace{
		dir:    dir,
		config: filepath.Join(dir, "tally.toml"),
		dumps:  filepath.Join(dir, "dumps"),
	}
	content := fmt.Sprintf(`
[discovery]
regions = ["us-east-1"]
source_dir = %q
account = "prod"

[store]
path = %q

[log]
level = "error"
`, ws.dumps, filepath.Join(dir, "snapshots"))
	require.NoError(t, os.WriteFile(ws.config, []byte(content), 0644))

	ws.writeDump(t, "tag-api", `[{"ResourceARN": "arn:aws:ec2:us-east-1:123456789012:instance/i-1", "Tags": [{"Key": "env", "Value": "prod"}]}]`)
	ws.writeInstance(t, "t3.micro")
	return ws
}

func (ws *workspace) writeDump(t *testing.T, method, body string) {
	t.Helper()
	dir := filepath.Join(ws.dumps, method)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "us-east-1.json"), []byte(body), 0644))
}

func (ws *workspace) writeInstance(t *testing.T, instanceType string) {
	t.Helper()
	ws.writeDump(t, "service-api", fmt.Sprintf(
		`{"records": [{"InstanceId": "i-1", "type": "instance", "service": "ec2", "Tags": {"env": "prod"}, "InstanceType": %q}]}`,
		instanceType))
}

// execute runs the CLI with fresh flag values and returns its stdout.
func execute(t *testing.T, ws *workspace, args ...string) (string, error) {
	t.Helper()
	scanRegions, scanMethods, scanTags = nil, nil, nil
	scanOutput, scanReport, scanRetain = formatText, "", false
	diffOutput = formatText
	snapshotsOutput, snapshotsLimit, verifyRemove = formatText, 0, false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(append([]string{"--config", ws.config, "--json-logs"}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestScan_StoresSnapshotAndReportsBaseline(t *testing.T) {
	ws := newWorkspace(t)

	out, err := execute(t, ws, "scan", "--output", "json")
	require.NoError(t, err)

	var result orchestrator.RunResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.NotEmpty(t, result.RunID)
	assert.NotEmpty(t, result.SnapshotID)
	assert.Equal(t, 1, result.Inventory.Total)
	assert.Equal(t, 1, result.Inventory.MultiSource)
	assert.Empty(t, result.Report.OldSnapshotID)
	assert.Len(t, result.Report.Added, 1)
}

func TestScan_TextOutputAndReportFile(t *testing.T) {
	ws := newWorkspace(t)
	reportPath := filepath.Join(ws.dir, "reports", "runs.jsonl")

	out, err := execute(t, ws, "scan", "--report", reportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "stored snapshot")
	assert.Contains(t, out, "services: EC2=1")
	assert.Contains(t, out, "+ EC2/Instance i-1 (us-east-1)")

	_, err = execute(t, ws, "scan", "--report", reportPath)
	require.NoError(t, err)

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(data, []byte("\n")))
}

func TestScan_UnknownMethodFails(t *testing.T) {
	ws := newWorkspace(t)

	_, err := execute(t, ws, "scan", "--method", "config-api")
	require.Error(t, err)
	assert.ErrorIs(t, err, orchestrator.ErrNoSources)
}

func TestScan_InvalidOutputFormat(t *testing.T) {
	ws := newWorkspace(t)

	_, err := execute(t, ws, "scan", "--output", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestDiff_LatestTwoSnapshots(t *testing.T) {
	ws := newWorkspace(t)

	_, err := execute(t, ws, "scan")
	require.NoError(t, err)
	ws.writeInstance(t, "m5.large")
	_, err = execute(t, ws, "scan")
	require.NoError(t, err)

	out, err := execute(t, ws, "diff")
	require.NoError(t, err)
	assert.Contains(t, out, "modified 1")
	assert.Contains(t, out, "~ EC2/Instance i-1 (us-east-1)")
	assert.Contains(t, out, "attributes.InstanceType: t3.micro -> m5.large")
}

func TestDiff_NeedsTwoSnapshots(t *testing.T) {
	ws := newWorkspace(t)

	_, err := execute(t, ws, "scan")
	require.NoError(t, err)

	_, err = execute(t, ws, "diff")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need two snapshots")
}

func TestSnapshots_ListVerifyPruneDelete(t *testing.T) {
	ws := newWorkspace(t)
	for i := 0; i < 3; i++ {
		_, err := execute(t, ws, "scan")
		require.NoError(t, err)
	}

	out, err := execute(t, ws, "snapshots", "list", "--output", "json")
	require.NoError(t, err)
	var metas []storage.Metadata
	require.NoError(t, json.Unmarshal([]byte(out), &metas))
	require.Len(t, metas, 3)
	assert.Equal(t, "prod", metas[0].AccountScope)

	out, err = execute(t, ws, "snapshots", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "RESOURCES")
	assert.Contains(t, out, metas[0].ID)

	out, err = execute(t, ws, "snapshots", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "3 valid, 0 invalid")

	out, err = execute(t, ws, "snapshots", "show", metas[2].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Snapshot "+metas[2].ID)
	assert.Contains(t, out, "[tag-api,service-api]")

	out, err = execute(t, ws, "snapshots", "prune", "--max-count", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 1")

	_, err = execute(t, ws, "snapshots", "delete", metas[1].ID)
	require.NoError(t, err)

	_, err = execute(t, ws, "snapshots", "delete", "no-such-snapshot")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrSnapshotNotFound)

	out, err = execute(t, ws, "snapshots", "list", "--output", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &metas))
	require.Len(t, metas, 1)
}

func TestHandleReadyz_NoSources(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	readyzHandler(source.NewRegistry())(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "no discovery sources registered", w.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestHandleReadyz_WithSources(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	readyzHandler(source.NewRegistry(source.NewStatic("tag-api", nil)))(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

type noopRunner struct{}

func (noopRunner) Run(context.Context, orchestrator.Request) (*orchestrator.RunResult, error) {
	return &orchestrator.RunResult{}, nil
}

func TestServeMux_Endpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "tally_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	d, err := daemon.New(daemon.Config{Schedule: "@every 1h"}, noopRunner{}, nil, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(newServeMux(reg, d, source.NewRegistry()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body := new(bytes.Buffer)
	_, _ = body.ReadFrom(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body.String(), "tally_test_total 1")

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var health daemon.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	_ = resp.Body.Close()
	assert.Equal(t, "healthy", health.Status)

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
