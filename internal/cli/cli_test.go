package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/falcon-scheduler/internal/node"
	"github.com/ChuLiYu/falcon-scheduler/internal/ratelimit"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "falcon", cmd.Use, "Root command should be 'falcon'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	// 檢查子命令
	commands := cmd.Commands()
	assert.Len(t, commands, 4, "Should have 4 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"run", "schedule", "cancel", "status"} {
		assert.True(t, commandNames[name], "Should have '%s' command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
}

func TestBuildScheduleCommand(t *testing.T) {
	cmd := buildScheduleCommand()

	assert.Equal(t, "schedule", cmd.Use)
	fileFlag := cmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag, "Should have --file flag")
	assert.Equal(t, "f", fileFlag.Shorthand, "Should have -f shorthand")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestCancelRequiresOneArgument(t *testing.T) {
	cmd := buildCancelCommand()
	assert.Error(t, cmd.Args(cmd, nil))
	assert.NoError(t, cmd.Args(cmd, []string{"job-1"}))
	assert.Error(t, cmd.Args(cmd, []string{"a", "b"}))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	configPath := writeFile(t, t.TempDir(), "test_config.yaml", `
node:
  name: falcon-test
  log_level: debug
  shutdown_timeout: 10s

store:
  driver: sqlite
  path: ./data/falcon.db
  poll_interval: 250ms

coordination:
  mode: static
  node_index: 1
  cluster_size: 3

scheduler:
  schedule_period: 90s
  schedule_batch: 200
  max_notice_period: 60s

processor:
  parallelism: 20
  queue_debounce: 50ms

worker_pool:
  max_size: 20
  timeout: 15s

rate_limit:
  enabled: true
  qps:
    tld: 5

watchdog:
  enabled: false

metrics:
  enabled: true
  port: 8080
`)

	cfg, err := loadConfig(configPath)
	require.NoError(t, err, "loadConfig should not return an error")

	assert.Equal(t, "falcon-test", cfg.Node.Name)
	assert.Equal(t, 10*time.Second, cfg.Node.ShutdownTimeout)
	assert.Equal(t, node.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 250*time.Millisecond, cfg.Store.PollInterval)
	assert.Equal(t, 1, cfg.Coordination.NodeIndex)
	assert.Equal(t, 3, cfg.Coordination.ClusterSize)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.SchedulePeriod)
	assert.Equal(t, 200, cfg.Scheduler.ScheduleBatch)
	assert.Equal(t, 50*time.Millisecond, cfg.Processor.QueueDebounce)
	assert.Equal(t, 15*time.Second, cfg.WorkerPool.Timeout)
	assert.Equal(t, 5.0, cfg.RateLimit.QPS["tld"])
	assert.False(t, cfg.Watchdog.Enabled)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 8080, cfg.Metrics.Port)

	// 未設定的欄位保留預設值
	assert.Equal(t, 50051, cfg.Health.Port)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(writeFile(t, t.TempDir(), "empty.yaml", "node:\n  name: x\n"))
	require.NoError(t, err)

	assert.Equal(t, node.DriverMemory, cfg.Store.Driver)
	assert.Equal(t, node.CoordinationNone, cfg.Coordination.Mode)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.True(t, cfg.Watchdog.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Node.ShutdownTimeout)
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "nope.yaml")},
		{"invalid yaml", writeFile(t, dir, "bad.yaml", "node: [unclosed")},
		{"bad duration", writeFile(t, dir, "dur.yaml", "scheduler:\n  schedule_period: soon\n")},
		{"notice period too long", writeFile(t, dir, "notice.yaml", "scheduler:\n  max_notice_period: 2h\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(tt.path)
			assert.Error(t, err)
		})
	}
}

func TestNodeConfigMapping(t *testing.T) {
	cfg := defaultConfig()
	cfg.Store.SnapshotPath = "data/snap.json"
	cfg.Store.SnapshotInterval = time.Minute
	cfg.Scheduler.SchedulePeriod = 2 * time.Minute
	cfg.Scheduler.TopologyDebounce = time.Second
	cfg.Processor.Parallelism = 10
	cfg.WorkerPool.MaxSize = 10
	cfg.Watchdog.MaxRunning = time.Hour
	cfg.RateLimit.QPS = map[string]float64{"project": 7}

	nc, err := cfg.nodeConfig()
	require.NoError(t, err)

	assert.Equal(t, "data/snap.json", nc.Store.SnapshotPath)
	assert.Equal(t, time.Minute, nc.Store.SnapshotInterval)
	assert.Equal(t, 2*time.Minute, nc.Scheduler.SchedulePeriod)
	assert.Equal(t, time.Second, nc.Processor.TopologyDebounce)
	assert.Equal(t, time.Second, nc.Watchdog.TopologyDebounce)
	assert.Equal(t, 10, nc.Processor.Parallelism)
	assert.Equal(t, 10, nc.Pool.MaxSize)
	assert.Equal(t, time.Hour, nc.Watchdog.MaxRunning)
	assert.False(t, nc.WatchdogDisabled)

	policy, ok := nc.Scheduler.Policy.(*ratelimit.HostPolicy)
	require.True(t, ok)
	assert.Equal(t, 7.0, policy.QPS("project:acme"))

	cfg.RateLimit.Enabled = false
	nc, err = cfg.nodeConfig()
	require.NoError(t, err)
	assert.IsType(t, ratelimit.NoLimits{}, nc.Scheduler.Policy)

	cfg.Processor.Parallelism = 101
	_, err = cfg.nodeConfig()
	assert.Error(t, err)
}

func TestParseJobs(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)

	jobs, err := parseJobs([]byte(`[
		{"id": "a", "scheduled_at": "2026-01-02T16:00:00Z", "request": {"url": "https://example.com/a"}},
		{"delay": "90s", "request": {"url": "https://example.com/b", "method": "PUT",
		 "headers": {"X-Falcon-Project": "acme"}, "body": "{\"k\":1}"}}
	]`), now)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, types.JobID("a"), jobs[0].ID)
	assert.Equal(t, now.Add(time.Hour), jobs[0].ScheduledAt)
	assert.Nil(t, jobs[0].Request.Body)

	assert.Empty(t, jobs[1].ID)
	assert.Equal(t, now.Add(90*time.Second), jobs[1].ScheduledAt)
	assert.Equal(t, "PUT", jobs[1].Request.Method)
	assert.Equal(t, "acme", jobs[1].Request.Headers["X-Falcon-Project"])
	assert.Equal(t, []byte(`{"k":1}`), jobs[1].Request.Body)
}

func TestParseJobs_Errors(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `{`},
		{"no time", `[{"request": {"url": "https://example.com"}}]`},
		{"both times", `[{"delay": "1s", "scheduled_at": "2026-01-02T16:00:00Z", "request": {"url": "https://example.com"}}]`},
		{"bad delay", `[{"delay": "soon", "request": {"url": "https://example.com"}}]`},
		{"no url", `[{"delay": "1s", "request": {}}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseJobs([]byte(tt.input), now)
			assert.Error(t, err)
		})
	}
}

func TestScheduleStatusCancel(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "config.yaml", "store:\n  driver: sqlite\n  path: "+filepath.Join(dir, "falcon.db")+"\n")
	jobsPath := writeFile(t, dir, "jobs.json", `[
		{"id": "first", "delay": "1h", "request": {"url": "https://example.com/1"}},
		{"id": "second", "delay": "2h", "request": {"url": "https://example.com/2"}}
	]`)

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		cmd := BuildCLI()
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(append([]string{"-c", configPath}, args...))
		require.NoError(t, cmd.Execute(), out.String())
		return out.String()
	}

	out := run("schedule", "-f", jobsPath)
	assert.Contains(t, out, "Scheduled 2/2 jobs")
	assert.Contains(t, out, "first\t")

	out = run("status")
	assert.Regexp(t, `registered\s+2`, out)
	assert.Regexp(t, `total\s+2`, out)

	out = run("cancel", "first")
	assert.Contains(t, out, "Cancelled first")

	out = run("status")
	assert.Regexp(t, `registered\s+1`, out)
}

func TestScheduleRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "config.yaml", "store:\n  driver: sqlite\n  path: "+filepath.Join(dir, "falcon.db")+"\n")
	jobsPath := writeFile(t, dir, "jobs.json", `[{"id": "dup", "delay": "1h", "request": {"url": "https://example.com"}}]`)

	cmd := BuildCLI()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"-c", configPath, "schedule", "-f", jobsPath})
	require.NoError(t, cmd.Execute())

	cmd = BuildCLI()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"-c", configPath, "schedule", "-f", jobsPath})
	assert.Error(t, cmd.Execute())
}
