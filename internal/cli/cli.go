// ============================================================================
// Falcon Scheduler CLI - 命令列介面
// ============================================================================
//
// Package: internal/cli
// 文件: cli.go
// 功能: 基於 Cobra 的入口，用來啟動節點與管理設定中 store 的任務
//
// 命令結構:
//   falcon                         # 根命令
//   ├── run                        # 啟動排程節點
//   ├── schedule                   # 註冊任務
//   │   └── --file, -f            # 任務 JSON 檔
//   ├── cancel <job-id>            # 取消 registered / rate-limited 任務
//   ├── status                     # 各狀態的任務數量
//   ├── --config, -c               # 配置文件（預設 configs/default.yaml）
//   └── --version
//
// 配置:
//   YAML，包含 node、store、coordination、scheduler、processor、
//   worker_pool、rate_limit、watchdog、metrics、health 區段。
//   時間長度用字串表示，例如 "60s"。
//
// run 命令:
//   1. 載入配置並建立節點
//   2. 啟動 metrics HTTP server 與 gRPC health server
//   3. 啟動節點；ready 後 health 變為 SERVING
//   4. 等待 SIGINT / SIGTERM
//   5. 回報 NOT_SERVING，在 shutdown_timeout 內關閉節點
//
// schedule 命令:
//   JSON 格式:
//   [
//     {
//       "id": "job-1",                        // 可省略
//       "scheduled_at": "2026-01-02T15:04:05Z", // 或 "delay": "30s"
//       "request": {"url": "https://...", "method": "POST",
//                   "headers": {"X-Falcon-Project": "acme"}, "body": "..."}
//     }
//   ]
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/falcon-scheduler/internal/datastore"
	"github.com/ChuLiYu/falcon-scheduler/internal/metrics"
	"github.com/ChuLiYu/falcon-scheduler/internal/node"
	"github.com/ChuLiYu/falcon-scheduler/internal/processor"
	"github.com/ChuLiYu/falcon-scheduler/internal/ratelimit"
	"github.com/ChuLiYu/falcon-scheduler/internal/scheduler"
	"github.com/ChuLiYu/falcon-scheduler/internal/server"
	"github.com/ChuLiYu/falcon-scheduler/internal/watchdog"
	"github.com/ChuLiYu/falcon-scheduler/internal/worker"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

// Config represents the complete node configuration.
// Maps config file fields through YAML tags.
type Config struct {
	Node struct {
		Name            string        `yaml:"name"`
		LogLevel        string        `yaml:"log_level"`
		LogFormat       string        `yaml:"log_format"` // text or json
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"node"`

	Store struct {
		Driver           string        `yaml:"driver"`
		Path             string        `yaml:"path"`
		PollInterval     time.Duration `yaml:"poll_interval"`
		SnapshotPath     string        `yaml:"snapshot_path"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	} `yaml:"store"`

	Coordination struct {
		Mode          string        `yaml:"mode"`
		NodeIndex     int           `yaml:"node_index"`
		ClusterSize   int           `yaml:"cluster_size"`
		LeaseTTL      time.Duration `yaml:"lease_ttl"`
		LeaseInterval time.Duration `yaml:"lease_interval"`
	} `yaml:"coordination"`

	Scheduler struct {
		SchedulePeriod   time.Duration `yaml:"schedule_period"`
		ScheduleBatch    int           `yaml:"schedule_batch"`
		MaxAttempts      int           `yaml:"max_attempts"`
		MaxNoticePeriod  time.Duration `yaml:"max_notice_period"`
		TopologyDebounce time.Duration `yaml:"topology_debounce"`
		ReadyTimeout     time.Duration `yaml:"ready_timeout"`
	} `yaml:"scheduler"`

	Processor struct {
		Batch         int           `yaml:"batch"`
		Parallelism   int           `yaml:"parallelism"`
		MaxAttempts   int           `yaml:"max_attempts"`
		QueueDebounce time.Duration `yaml:"queue_debounce"`
	} `yaml:"processor"`

	WorkerPool struct {
		MinSize   int           `yaml:"min_size"`
		MaxSize   int           `yaml:"max_size"`
		Timeout   time.Duration `yaml:"timeout"`
		UserAgent string        `yaml:"user_agent"`
	} `yaml:"worker_pool"`

	RateLimit struct {
		Enabled bool               `yaml:"enabled"`
		QPS     map[string]float64 `yaml:"qps"`
	} `yaml:"rate_limit"`

	Watchdog struct {
		Enabled    bool          `yaml:"enabled"`
		Interval   time.Duration `yaml:"interval"`
		MaxRunning time.Duration `yaml:"max_running"`
	} `yaml:"watchdog"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"health"`
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "falcon",
		Short: "Falcon: a distributed HTTP callback scheduler",
		Long: `Falcon runs HTTP callbacks at their scheduled time with:
- sharded ownership across a dynamic set of nodes
- per-domain / per-project rate limiting
- exactly-once state transitions per job
- Prometheus metrics and gRPC health checks`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildScheduleCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a Falcon scheduler node",
		Long:  "Start the scheduler, processor and watchdog of one node and serve metrics and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runNode(cmd.Context(), cfg)
		},
	}
}

func runNode(ctx context.Context, cfg *Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	nodeCfg, err := cfg.nodeConfig()
	if err != nil {
		return err
	}
	nodeCfg.Logger = logger
	nodeCfg.Registerer = reg

	n, err := node.New(ctx, nodeCfg)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	// Start Metrics
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("starting metrics server", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	// Start Health
	var health *server.Health
	if cfg.Health.Enabled {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Health.Port))
		if err != nil {
			_ = n.Close(context.Background())
			return fmt.Errorf("failed to listen on port %d: %w", cfg.Health.Port, err)
		}
		health = server.NewHealth(logger)
		health.Track(ctx, n.Ready())
		go func() {
			if err := health.Serve(lis); err != nil {
				logger.Error("health server error", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	startErr := make(chan error, 1)
	go func() { startErr <- n.Start(ctx) }()

	var runErr error
	select {
	case err := <-startErr:
		if err != nil {
			runErr = fmt.Errorf("failed to start node: %w", err)
			break
		}
		logger.Info("node started successfully", "name", cfg.Node.Name)
		select {
		case <-sigChan:
			logger.Info("received shutdown signal, stopping gracefully")
		case <-ctx.Done():
		}
	case <-sigChan:
		logger.Info("received shutdown signal before the node was ready")
	case <-ctx.Done():
	}

	if health != nil {
		health.SetServing(false)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Node.ShutdownTimeout)
	defer cancel()
	if err := n.Close(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("failed to close node: %w", err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if health != nil {
		health.Stop()
	}

	logger.Info("node stopped")
	return runErr
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Node.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.Node.LogFormat, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(h)
	if cfg.Node.Name != "" {
		logger = logger.With("node", cfg.Node.Name)
	}
	return logger
}

// nodeConfig maps the file layout onto node.Config.
func (c *Config) nodeConfig() (node.Config, error) {
	var policy ratelimit.Policy = ratelimit.NoLimits{}
	if c.RateLimit.Enabled {
		policy = ratelimit.NewHostPolicy(ratelimit.QPSTable(c.RateLimit.QPS))
	}

	cfg := node.Config{
		Store: node.StoreConfig{
			Driver:           c.Store.Driver,
			Path:             c.Store.Path,
			PollInterval:     c.Store.PollInterval,
			SnapshotPath:     c.Store.SnapshotPath,
			SnapshotInterval: c.Store.SnapshotInterval,
		},
		Coordination: node.CoordinationConfig{
			Mode:          c.Coordination.Mode,
			NodeIndex:     c.Coordination.NodeIndex,
			ClusterSize:   c.Coordination.ClusterSize,
			LeaseTTL:      c.Coordination.LeaseTTL,
			LeaseInterval: c.Coordination.LeaseInterval,
		},
		Scheduler: scheduler.Config{
			Policy:           policy,
			SchedulePeriod:   c.Scheduler.SchedulePeriod,
			ScheduleBatch:    c.Scheduler.ScheduleBatch,
			MaxAttempts:      c.Scheduler.MaxAttempts,
			MaxNoticePeriod:  c.Scheduler.MaxNoticePeriod,
			TopologyDebounce: c.Scheduler.TopologyDebounce,
			ReadyTimeout:     c.Scheduler.ReadyTimeout,
		},
		Processor: processor.Config{
			Batch:            c.Processor.Batch,
			Parallelism:      c.Processor.Parallelism,
			MaxAttempts:      c.Processor.MaxAttempts,
			QueueDebounce:    c.Processor.QueueDebounce,
			TopologyDebounce: c.Scheduler.TopologyDebounce,
			ReadyTimeout:     c.Scheduler.ReadyTimeout,
		},
		Pool: worker.Config{
			MinSize:   c.WorkerPool.MinSize,
			MaxSize:   c.WorkerPool.MaxSize,
			Timeout:   c.WorkerPool.Timeout,
			UserAgent: c.WorkerPool.UserAgent,
		},
		Watchdog: watchdog.Config{
			Interval:         c.Watchdog.Interval,
			MaxRunning:       c.Watchdog.MaxRunning,
			TopologyDebounce: c.Scheduler.TopologyDebounce,
			ReadyTimeout:     c.Scheduler.ReadyTimeout,
		},
		WatchdogDisabled: !c.Watchdog.Enabled,
	}
	if cfg.Processor.Parallelism > processor.MaxParallelism {
		return cfg, fmt.Errorf("processor.parallelism %d exceeds %d", cfg.Processor.Parallelism, processor.MaxParallelism)
	}
	return cfg, nil
}

// ============================================================================
// schedule / cancel / status
// ============================================================================

// jobInput is one entry of the schedule file. Body is plain text.
type jobInput struct {
	ID          string       `json:"id"`
	ScheduledAt *time.Time   `json:"scheduled_at"`
	Delay       string       `json:"delay"`
	Request     requestInput `json:"request"`
}

type requestInput struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

func (j jobInput) args(now time.Time) (datastore.ScheduleArgs, error) {
	args := datastore.ScheduleArgs{
		ID: types.JobID(j.ID),
		Request: types.HTTPRequestSpec{
			URL:     j.Request.URL,
			Method:  j.Request.Method,
			Headers: j.Request.Headers,
		},
	}
	if j.Request.Body != "" {
		args.Request.Body = []byte(j.Request.Body)
	}
	switch {
	case j.ScheduledAt != nil && j.Delay != "":
		return args, errors.New("set either scheduled_at or delay, not both")
	case j.ScheduledAt != nil:
		args.ScheduledAt = *j.ScheduledAt
	case j.Delay != "":
		d, err := time.ParseDuration(j.Delay)
		if err != nil {
			return args, fmt.Errorf("invalid delay: %w", err)
		}
		args.ScheduledAt = now.Add(d)
	default:
		return args, errors.New("scheduled_at or delay is required")
	}
	return args, args.Validate()
}

func parseJobs(data []byte, now time.Time) ([]datastore.ScheduleArgs, error) {
	var inputs []jobInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	out := make([]datastore.ScheduleArgs, 0, len(inputs))
	for i, in := range inputs {
		args, err := in.args(now)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		out = append(out, args)
	}
	return out, nil
}

func buildScheduleCommand() *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Register jobs from a JSON file",
		Long:  "Read job definitions from a JSON file and register them in the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return fmt.Errorf("job file is required (use --file or -f)")
			}
			return scheduleJobs(cmd.Context(), cmd.OutOrStdout(), jobFile)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func scheduleJobs(ctx context.Context, out io.Writer, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read job file: %w", err)
	}
	jobs, err := parseJobs(data, time.Now())
	if err != nil {
		return err
	}

	return withStore(ctx, func(ctx context.Context, store node.Store) error {
		scheduled := 0
		var errs []error
		for _, args := range jobs {
			id, err := store.Schedule(ctx, args, nil)
			if err != nil {
				errs = append(errs, fmt.Errorf("schedule %q: %w", args.ID, err))
				continue
			}
			scheduled++
			fmt.Fprintf(out, "%s\t%s\n", id, args.ScheduledAt.UTC().Format(time.RFC3339))
		}
		fmt.Fprintf(out, "Scheduled %d/%d jobs from %s\n", scheduled, len(jobs), filePath)
		return errors.Join(errs...)
	})
}

func buildCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not been queued yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store node.Store) error {
				if err := store.Cancel(ctx, types.JobID(args[0])); err != nil {
					return fmt.Errorf("failed to cancel %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
				return nil
			})
		},
	}
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job status counts",
		Long:  "Display the number of jobs per status in the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store node.Store) error {
				return showStatus(ctx, cmd.OutOrStdout(), store)
			})
		},
	}
}

var statusOrder = []types.StatusValue{
	types.StatusRegistered,
	types.StatusRateLimited,
	types.StatusQueued,
	types.StatusRunning,
	types.StatusCompleted,
	types.StatusDead,
}

func showStatus(ctx context.Context, out io.Writer, store datastore.Datastore) error {
	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to count jobs: %w", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}

	fmt.Fprintln(out, "Falcon job status")
	fmt.Fprintf(out, "  config: %s\n", configFile)
	for _, s := range statusOrder {
		fmt.Fprintf(out, "  %-13s %d\n", s, counts[s])
	}
	fmt.Fprintf(out, "  %-13s %d\n", "total", total)
	return nil
}

// withStore opens the configured store for a one-shot command.
func withStore(ctx context.Context, fn func(context.Context, node.Store) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg, os.Stderr)
	if (cfg.Store.Driver == "" || cfg.Store.Driver == node.DriverMemory) && cfg.Store.SnapshotPath == "" {
		logger.Warn("memory store without snapshot_path, changes are discarded on exit")
	}
	store, err := node.OpenStore(ctx, node.StoreConfig{
		Driver:       cfg.Store.Driver,
		Path:         cfg.Store.Path,
		PollInterval: cfg.Store.PollInterval,
		SnapshotPath: cfg.Store.SnapshotPath,
	}, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	err = fn(ctx, store)
	if cerr := store.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("failed to close store: %w", cerr))
	}
	return err
}

// ============================================================================
// config
// ============================================================================

func defaultConfig() *Config {
	var cfg Config
	cfg.Node.Name = "falcon"
	cfg.Node.LogLevel = "info"
	cfg.Node.ShutdownTimeout = 30 * time.Second
	cfg.Store.Driver = node.DriverMemory
	cfg.Coordination.Mode = node.CoordinationNone
	cfg.RateLimit.Enabled = true
	cfg.Watchdog.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.Health.Port = 50051
	return &cfg
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if cfg.Node.ShutdownTimeout <= 0 {
		cfg.Node.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Scheduler.MaxNoticePeriod > scheduler.MaxAllowedNoticePeriod {
		return nil, fmt.Errorf("scheduler.max_notice_period %s exceeds %s",
			cfg.Scheduler.MaxNoticePeriod, scheduler.MaxAllowedNoticePeriod)
	}

	return cfg, nil
}
