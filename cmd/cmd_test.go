package cmd

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/dispatcher/internal/config"
	"yqhp/dispatcher/internal/console"
	"yqhp/dispatcher/internal/master"
	"yqhp/dispatcher/internal/sink"
)

func newServeTestCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{Use: "serve"}
	addServeFlags(c)
	require.NoError(t, c.ParseFlags(args))
	return c
}

func testServeConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Listener.Host = "127.0.0.1"
	cfg.Listener.Port = 0
	cfg.Sink.Type = "memory"
	cfg.Logging.Output = "stderr"
	return cfg
}

func writeWorkload(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestGetRootCmd(t *testing.T) {
	root := GetRootCmd()
	assert.Equal(t, "dispatcher", root.Use)

	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "version")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	defer versionCmd.SetOut(nil)

	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), "dispatcher "+Version)
}

func TestLoadServeConfigFlags(t *testing.T) {
	c := newServeTestCmd(t, "--port", "9100", "--codec", "raw", "--sink", "memory", "--max-wait", "2s", "--control")

	cfg, err := loadServeConfig(c)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Listener.Port)
	assert.Equal(t, "raw", cfg.Protocol.Codec)
	assert.Equal(t, "memory", cfg.Sink.Type)
	assert.Equal(t, 2*time.Second, cfg.Collector.MaxWait)
	assert.True(t, cfg.Control.Enabled)
	assert.Equal(t, "0.0.0.0", cfg.Listener.Host, "unchanged flags keep config values")
}

func TestLoadServeConfigEnv(t *testing.T) {
	t.Setenv("DP_LISTENER_PORT", "9200")
	t.Setenv("DP_PROTOCOL_SEND_MODE", "parallel")

	cfg, err := loadServeConfig(newServeTestCmd(t))
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Listener.Port)
	assert.Equal(t, "parallel", cfg.Protocol.SendMode)

	// Flags win over the environment.
	cfg, err = loadServeConfig(newServeTestCmd(t, "--port", "9300"))
	require.NoError(t, err)
	assert.Equal(t, 9300, cfg.Listener.Port)
}

func TestLoadServeConfigInvalid(t *testing.T) {
	_, err := loadServeConfig(newServeTestCmd(t, "--codec", "protobuf"))
	assert.Error(t, err)

	_, err = loadServeConfig(newServeTestCmd(t, "--send-mode", "random"))
	assert.Error(t, err)
}

func TestMasterConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Protocol.SendMode = "parallel"
	cfg.Collector.MaxWait = 5 * time.Second

	mc := masterConfig(cfg)
	assert.Equal(t, "0.0.0.0", mc.Host)
	assert.Equal(t, 8000, mc.Port)
	assert.Equal(t, master.CodecFramed, mc.Codec)
	assert.Equal(t, master.SendModeParallel, mc.SendMode)
	assert.Equal(t, 5*time.Second, mc.Collector.MaxWait)
}

func TestServeRequiresTrigger(t *testing.T) {
	cfg := testServeConfig(t)
	opts := serveOptions{workload: writeWorkload(t, "x"), units: 1}

	err := serve(context.Background(), cfg, opts, strings.NewReader(""), &bytes.Buffer{}, zap.NewNop())
	assert.Error(t, err)
}

func TestServeMissingWorkload(t *testing.T) {
	cfg := testServeConfig(t)
	opts := serveOptions{workload: filepath.Join(t.TempDir(), "missing"), units: 1, minWorkers: 1}

	err := serve(context.Background(), cfg, opts, strings.NewReader(""), &bytes.Buffer{}, zap.NewNop())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestServeUnknownSink(t *testing.T) {
	cfg := testServeConfig(t)
	cfg.Sink.Type = "kafka"
	opts := serveOptions{workload: writeWorkload(t, "x"), units: 1, minWorkers: 1}

	err := serve(context.Background(), cfg, opts, strings.NewReader(""), &bytes.Buffer{}, zap.NewNop())
	assert.Error(t, err)
}

func TestServeTerminalQuit(t *testing.T) {
	cfg := testServeConfig(t)
	opts := serveOptions{workload: writeWorkload(t, "SCRIPT"), units: 10, terminal: true}

	var out bytes.Buffer
	err := serve(context.Background(), cfg, opts, strings.NewReader("q\n"), &out, zap.NewNop())
	require.NoError(t, err)
	assert.Contains(t, out.String(), "(6 字节)")
	assert.Contains(t, out.String(), "监听配置: 127.0.0.1:0")
	assert.Contains(t, out.String(), "127.0.0.1:")
}

func TestServeCanceledWhileWaiting(t *testing.T) {
	cfg := testServeConfig(t)
	opts := serveOptions{workload: writeWorkload(t, "SCRIPT"), units: 10, minWorkers: 2, quiet: true}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	err := serve(ctx, cfg, opts, strings.NewReader(""), &out, zap.NewNop())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, out.String())
}

func TestPrintReport(t *testing.T) {
	start := time.Now()
	r := &master.Report{
		RoundID:     "round-1",
		TotalUnits:  10,
		Distributed: 2,
		TotalBytes:  42,
		StartedAt:   start,
		FinishedAt:  start.Add(1500 * time.Millisecond),
		Workers: []master.WorkerResult{
			{ID: 1, Range: master.Range{Start: 0, End: 4}, Bytes: 42, Outcome: master.OutcomeClosed},
			{ID: 2, Range: master.Range{Start: 5, End: 9}, Outcome: master.OutcomeTimeout, Error: "collection timed out"},
		},
		DrainLatency: master.LatencySummary{Count: 2, P50: time.Millisecond, P95: 2 * time.Millisecond, Max: 3 * time.Millisecond},
	}

	var out bytes.Buffer
	printReport(&out, r)

	text := out.String()
	assert.Contains(t, text, "round-1")
	assert.Contains(t, text, "[0, 4]")
	assert.Contains(t, text, "collection timed out")
	assert.Contains(t, text, "1.5s")
	assert.Contains(t, text, "p95=2ms")
}

func TestPrintConfig(t *testing.T) {
	cfg, err := loadServeConfig(newServeTestCmd(t, "--port", "9400", "--codec", "raw"))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printConfig(&out, cfg))
	assert.Contains(t, out.String(), "port: 9400")
	assert.Contains(t, out.String(), "codec: raw")
}

// startTestMaster starts a raw-codec master on a loopback port with the
// workload already loaded.
func startTestMaster(t *testing.T) (*master.Master, *sink.MemorySink) {
	t.Helper()
	cfg := testServeConfig(t)
	cfg.Protocol.Codec = "raw"

	output := sink.NewMemory()
	m, err := master.NewMaster(masterConfig(cfg), output, nil, zap.NewNop())
	require.NoError(t, err)
	m.SetPayload([]byte("SCRIPT"))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m, output
}

func TestWaitAndRunRetriesWithoutWorkers(t *testing.T) {
	m, _ := startTestMaster(t)

	// The first Enter finds no workers; the round stays available until quit.
	term := console.NewTerminal(strings.NewReader("\nq\n"), io.Discard, nil)
	_, err := waitAndRun(context.Background(), m, term, serveOptions{units: 4, terminal: true}, nil)
	assert.ErrorIs(t, err, console.ErrQuit)
	assert.Equal(t, master.MasterStateAccepting, m.State())
	assert.False(t, m.Status().Distributed)
}

func TestWaitAndRunWaitsForRoundStartedElsewhere(t *testing.T) {
	m, output := startTestMaster(t)

	conn, err := net.DialTimeout("tcp", m.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = m.WaitForWorkers(ctx, 1)
	require.NoError(t, err)

	// The worker answers slowly, so collection is still running when the
	// operator presses Enter.
	go func() {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		buf := make([]byte, len("SCRIPT")+len("0 3"))
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		time.Sleep(300 * time.Millisecond)
		_, _ = conn.Write([]byte("out"))
		_ = conn.Close()
	}()

	// Same path as POST /api/v1/distribute without ?wait.
	_, err = m.Distribute(ctx, 4)
	require.NoError(t, err)
	go func() { _, _ = m.Collect(context.Background()) }()

	term := console.NewTerminal(strings.NewReader("\n"), io.Discard, nil)
	report, err := waitAndRun(ctx, m, term, serveOptions{units: 4, terminal: true}, nil)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, int64(3), report.TotalBytes)
	assert.Equal(t, "out", string(output.Bytes()))
	assert.Equal(t, master.MasterStateFinished, m.State())
}
