package main

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/ttlmerge/internal/config"
	"github.com/dray-io/ttlmerge/internal/engine"
	"github.com/dray-io/ttlmerge/internal/logging"
	"github.com/dray-io/ttlmerge/internal/metadata/oxia"
)

func testConfig(t *testing.T, endpoint string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Metadata.OxiaEndpoint = endpoint
	cfg.Metadata.Namespace = "default"
	cfg.Merge.MergeWithTTLTimeoutMs = 0
	cfg.Merge.SelectIntervalMs = 20
	cfg.Merge.ForceOptimizeWaitMs = 20
	cfg.Merge.ForceOptimizeAttempts = 100
	cfg.Replication.PollIntervalMs = 20
	cfg.Observability.AdminAddr = "127.0.0.1:0"
	cfg.Observability.HealthAddr = "127.0.0.1:0"
	cfg.Observability.MetricsAddr = "127.0.0.1:0"
	require.NoError(t, cfg.Validate())
	return cfg
}

func startNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	n := NewNode(NodeOptions{Config: cfg, Logger: logging.Nop(), Registry: prometheus.NewRegistry(), Version: "test"})
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = n.Shutdown(ctx)
	})
	return n
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func admin(t *testing.T, n *Node, args ...string) (string, int) {
	t.Helper()
	var out, errOut bytes.Buffer
	full := append(args[:1:1], append([]string{"-addr", "http://" + n.AdminAddr()}, args[1:]...)...)
	code := runAdmin(full, &out, &errOut)
	return out.String() + errOut.String(), code
}

const tableYAML = `
table:
  name: events
  columns:
    - {name: date, type: DateTime}
    - {name: id, type: Int64}
    - {name: a, type: Int64}
  orderBy: [id]
rules:
  rules:
    - kind: delete
      expr: date + INTERVAL 1 DAY
`

const rowsYAML = `
rows:
  - ["2000-10-10T00:00:00Z", 1, 1]
  - ["2999-01-01T00:00:00Z", 2, 2]
`

const expiredRowYAML = `
rows:
  - ["2000-10-10T00:00:00Z", 1, 1]
`

const liveRowYAML = `
rows:
  - ["2999-01-01T00:00:00Z", 2, 2]
`

func TestNode_AdminWorkflow(t *testing.T) {
	n := startNode(t, testConfig(t, MemoryEndpoint))

	out, code := admin(t, n, "create", "-file", writeFile(t, "table.yaml", tableYAML))
	require.Zero(t, code, out)
	assert.Contains(t, out, "created table events")

	out, code = admin(t, n, "stop-merges", "-table", "events")
	require.Zero(t, code, out)
	assert.Contains(t, out, "merges stopped true")

	out, code = admin(t, n, "tables")
	require.Zero(t, code, out)
	assert.Contains(t, out, "events")

	out, code = admin(t, n, "insert", "-table", "events", "-file", writeFile(t, "expired.yaml", expiredRowYAML))
	require.Zero(t, code, out)
	assert.Contains(t, out, "all_0_0_0")
	out, code = admin(t, n, "insert", "-table", "events", "-file", writeFile(t, "live.yaml", liveRowYAML))
	require.Zero(t, code, out)
	assert.Contains(t, out, "all_1_1_0")

	// Stopped TTL merges still allow a forced merge, without TTL applied.
	out, code = admin(t, n, "optimize", "-table", "events", "-final")
	require.Zero(t, code, out)
	assert.Contains(t, out, "applied 1 merge")

	out, code = admin(t, n, "parts", "-table", "events")
	require.Zero(t, code, out)
	assert.Contains(t, out, "all_0_1_1")

	out, code = admin(t, n, "status", "-table", "events")
	require.Zero(t, code, out)
	assert.Regexp(t, `Active rows:\s+2\n`, out)
	assert.Regexp(t, `Leader:\s+true`, out)

	out, code = admin(t, n, "status", "-table", "events", "-json")
	require.Zero(t, code, out)
	assert.Contains(t, out, `"mergesStopped": true`)

	out, code = admin(t, n, "start-merges", "-table", "events")
	require.Zero(t, code, out)
	out, code = admin(t, n, "optimize", "-table", "events", "-final")
	require.Zero(t, code, out)

	oneRow := regexp.MustCompile(`Active rows:\s+1\n`)
	require.Eventually(t, func() bool {
		out, code := admin(t, n, "status", "-table", "events")
		return code == 0 && oneRow.MatchString(out)
	}, 10*time.Second, 50*time.Millisecond)

	out, code = admin(t, n, "queue", "-table", "events")
	require.Zero(t, code, out)
}

func TestNode_AdminErrors(t *testing.T) {
	n := startNode(t, testConfig(t, MemoryEndpoint))

	out, code := admin(t, n, "status", "-table", "missing")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "404")

	out, code = admin(t, n, "status")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "-table is required")

	out, code = admin(t, n, "ttl", "-table", "events")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "-file is required")

	var buf bytes.Buffer
	assert.Equal(t, 1, runAdmin([]string{"bogus"}, &buf, &buf))
	assert.Contains(t, buf.String(), "unknown admin command")
}

func TestNode_ProbesAndMetrics(t *testing.T) {
	n := startNode(t, testConfig(t, MemoryEndpoint))

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get("http://" + n.HealthAddr() + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, n.Shutdown(ctx))
	assert.ErrorIs(t, n.Replica().Ready(ctx), engine.ErrClosed)
}

func TestNode_ReplicasShareOxia(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded Oxia server")
	}
	srv := oxia.StartTestServer(t)

	cfg1 := testConfig(t, srv.Addr())
	cfg1.Replica.ID = "r1"
	leader := startNode(t, cfg1)
	out, code := admin(t, leader, "create", "-file", writeFile(t, "table.yaml", tableYAML))
	require.Zero(t, code, out)
	out, code = admin(t, leader, "insert", "-table", "events", "-file", writeFile(t, "rows.yaml", rowsYAML))
	require.Zero(t, code, out)

	cfg2 := testConfig(t, srv.Addr())
	cfg2.Replica.ID = "r2"
	cfg2.Replica.Tables = []string{"events"}
	follower := startNode(t, cfg2)

	rowsMerged := regexp.MustCompile(`Active rows:\s+1\n`)
	require.Eventually(t, func() bool {
		out, code := admin(t, follower, "status", "-table", "events")
		return code == 0 && rowsMerged.MatchString(out)
	}, 30*time.Second, 100*time.Millisecond)

	out, code = admin(t, follower, "sync", "-table", "events", "-timeout", "20s")
	require.Zero(t, code, out)
	out, code = admin(t, follower, "status", "-table", "events")
	require.Zero(t, code, out)
	assert.Regexp(t, `Active rows:\s+1\n`, out)
	assert.Regexp(t, `Leader:\s+false`, out)
}
