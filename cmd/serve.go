package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/dispatcher/api/rest"
	"yqhp/dispatcher/internal/config"
	"yqhp/dispatcher/internal/console"
	"yqhp/dispatcher/internal/logger"
	"yqhp/dispatcher/internal/master"
	"yqhp/dispatcher/internal/sink"
)

var (
	// serve 命令的 flags
	serveUnits       int64
	serveMinWorkers  int
	serveNoTerminal  bool
	servePrintConfig bool
)

// flagOverrides 把命令行 flag 映射到配置路径
var flagOverrides = map[string]string{
	"host":            "listener.host",
	"port":            "listener.port",
	"max-workers":     "listener.max_workers",
	"codec":           "protocol.codec",
	"send-mode":       "protocol.send_mode",
	"sink":            "sink.type",
	"output":          "sink.path",
	"redis-addr":      "sink.redis_addr",
	"redis-key":       "sink.redis_key",
	"max-wait":        "collector.max_wait",
	"control":         "control.enabled",
	"control-address": "control.address",
}

// serveCmd 是 serve 子命令
var serveCmd = &cobra.Command{
	Use:   "serve <workload>",
	Short: "启动主节点并分发工作负载",
	Long: `启动主节点：读取工作负载文件，监听 worker 连接，
触发后把区间 [0, units-1] 按注册顺序切分给所有存活的 worker，再依次收集输出。

触发方式：
  - 终端：按回车使用 --units，或输入新的单元数
  - --workers N：注册满 N 个 worker 后自动触发
  - --control：通过 POST /api/v1/distribute 触发`,
	Example: `  # 交互式启动，回车分发 100 个单元
  dispatcher serve job.py --units 100

  # 等待 3 个 worker 后自动分发，使用原始协议
  dispatcher serve job.py --units 10 --workers 3 --codec raw --no-terminal

  # 输出追加到 Redis，并开启 HTTP 控制面
  dispatcher serve job.py --sink redis --redis-addr localhost:6379 --control

  # 打印合并后的配置
  dispatcher serve --config dispatcher.yaml --port 9000 --print-config`,
	Args: cobra.RangeArgs(0, 1),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addServeFlags(serveCmd)
}

// addServeFlags 注册 serve 的 flags
func addServeFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("host", "0.0.0.0", "worker 监听地址")
	flags.Int("port", 8000, "worker 监听端口")
	flags.Int("max-workers", 0, "同时打开的 worker 连接上限（0 表示不限）")
	flags.String("codec", master.CodecFramed, "线路编码: raw, framed")
	flags.String("send-mode", string(master.SendModeSequential), "发送模式: sequential, parallel")
	flags.String("sink", "file", "输出汇类型: file, redis, memory")
	flags.StringP("output", "o", "output.bin", "输出文件路径")
	flags.String("redis-addr", "", "Redis 地址")
	flags.String("redis-key", "dispatcher:output", "Redis 追加写入的键")
	flags.Duration("max-wait", 30*time.Second, "单个 worker 无输出时的最长等待")
	flags.Bool("control", false, "启用 HTTP 控制面")
	flags.String("control-address", ":8080", "HTTP 控制面地址")

	flags.Int64VarP(&serveUnits, "units", "n", 100, "总单元数")
	flags.IntVar(&serveMinWorkers, "workers", 0, "注册满 N 个 worker 后自动分发（0 表示等待手动触发）")
	flags.BoolVar(&serveNoTerminal, "no-terminal", false, "不从标准输入读取触发命令")
	flags.BoolVar(&servePrintConfig, "print-config", false, "打印合并后的配置并退出")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}
	if servePrintConfig {
		return printConfig(cmd.OutOrStdout(), cfg)
	}
	if len(args) != 1 {
		return fmt.Errorf("需要指定工作负载文件")
	}

	log := logger.New(loggerConfig(cfg))
	logger.Replace(log)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := serveOptions{
		workload:   args[0],
		units:      serveUnits,
		minWorkers: serveMinWorkers,
		terminal:   !serveNoTerminal,
		quiet:      quiet,
	}
	return serve(ctx, cfg, opts, cmd.InOrStdin(), cmd.OutOrStdout(), log)
}

// loadServeConfig 按 默认值 < 配置文件 < 环境变量 < 命令行 的顺序加载配置
func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	overrides := make(map[string]string)
	for name, path := range flagOverrides {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			overrides[path] = f.Value.String()
		}
	}
	if debug {
		overrides["logging.level"] = "debug"
	} else if quiet {
		overrides["logging.level"] = "warn"
	}

	loader := config.NewLoader().WithCmdArgs(overrides)
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// printConfig 以 YAML 打印生效的配置
func printConfig(out io.Writer, cfg *config.Config) error {
	data, err := cfg.Serialize()
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func loggerConfig(cfg *config.Config) *logger.Config {
	return &logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
	}
}

// masterConfig 把配置文件结构转换为主节点配置
func masterConfig(cfg *config.Config) *master.Config {
	return &master.Config{
		Host:         cfg.Listener.Host,
		Port:         cfg.Listener.Port,
		MaxWorkers:   cfg.Listener.MaxWorkers,
		Codec:        cfg.Protocol.Codec,
		SendMode:     master.SendMode(cfg.Protocol.SendMode),
		WriteTimeout: cfg.Protocol.WriteTimeout,
		Collector: master.CollectorConfig{
			BufferSize:   cfg.Collector.BufferSize,
			PollInterval: cfg.Collector.PollInterval,
			Backoff:      cfg.Collector.Backoff,
			MaxWait:      cfg.Collector.MaxWait,
		},
	}
}

// serveOptions 是 serve 的运行参数
type serveOptions struct {
	workload   string
	units      int64
	minWorkers int
	terminal   bool
	quiet      bool
}

// serve 组装并运行主节点，直到一轮分发收集完成、操作员退出或 ctx 结束
func serve(ctx context.Context, cfg *config.Config, opts serveOptions, in io.Reader, out io.Writer, log *zap.Logger) error {
	if !opts.terminal && opts.minWorkers <= 0 && !cfg.Control.Enabled {
		return fmt.Errorf("没有可用的触发方式: 请使用终端、--workers 或 --control")
	}

	output, err := sink.Create(cfg.Sink.Type, sink.Params{
		Path:          cfg.Sink.Path,
		RedisAddr:     cfg.Sink.RedisAddr,
		RedisPassword: cfg.Sink.RedisPassword,
		RedisDB:       cfg.Sink.RedisDB,
		RedisKey:      cfg.Sink.RedisKey,
		Logger:        log.Named("sink"),
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := output.Close(); cerr != nil {
			log.Warn("关闭输出汇失败", zap.Error(cerr))
		}
	}()

	// 组装控制台
	var m *master.Master
	consoles := console.Multi{console.NewLogConsole(log.Named("console"))}
	var history *console.StatusLog
	if cfg.Control.Enabled {
		history = console.NewStatusLog(cfg.Control.StatusLines)
		consoles = append(consoles, history)
	}
	var term *console.Terminal
	if opts.terminal {
		term = console.NewTerminal(in, out, func() []master.ConnectionInfo { return m.Workers() })
		consoles = append(consoles, term)
	}

	m, err = master.NewMaster(masterConfig(cfg), output, consoles, log.Named("master"))
	if err != nil {
		return err
	}
	if err := m.LoadWorkload(opts.workload); err != nil {
		return err
	}

	if !opts.quiet {
		fmt.Fprintf(out, Banner, Version)
		fmt.Fprintln(out)
		fmt.Fprintf(out, "  工作负载: %s (%d 字节)\n", opts.workload, len(m.Payload()))
		fmt.Fprintf(out, "  监听配置: %s\n", cfg.ListenAddress())
		fmt.Fprintf(out, "  线路编码: %s, 发送模式: %s\n", cfg.Protocol.Codec, cfg.Protocol.SendMode)
		fmt.Fprintf(out, "  输出汇: %s\n", output.Name())
		fmt.Fprintln(out)
	}

	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("启动主节点失败: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.Stop(shutdownCtx); err != nil {
			log.Warn("停止主节点失败", zap.Error(err))
		}
	}()

	if !opts.quiet {
		fmt.Fprintf(out, "正在监听 worker 连接: %s\n", m.Addr())
	}

	// HTTP 控制面
	var serverDone chan struct{}
	if cfg.Control.Enabled {
		server := rest.NewServer(m, history, &rest.Config{
			Address:      cfg.Control.Address,
			ReadTimeout:  cfg.Control.ReadTimeout,
			WriteTimeout: cfg.Control.WriteTimeout,
			StatusLines:  cfg.Control.StatusLines,
		}, log.Named("rest"))

		serverCtx, cancelServer := context.WithCancel(ctx)
		defer cancelServer()
		var serverErr error
		serverDone = make(chan struct{})
		go func() {
			serverErr = server.StartWithContext(serverCtx)
			close(serverDone)
		}()
		defer func() {
			cancelServer()
			<-serverDone
			if serverErr != nil {
				log.Warn("控制面退出", zap.Error(serverErr))
			}
		}()
	}

	report, err := waitAndRun(ctx, m, term, opts, serverDone)
	if err != nil {
		if errors.Is(err, console.ErrQuit) || errors.Is(err, context.Canceled) {
			log.Info("主节点退出", zap.Error(err))
			return nil
		}
		return err
	}

	if report != nil && !opts.quiet {
		printReport(out, report)
	}
	if report != nil && len(report.Failed()) > 0 {
		log.Warn("部分 worker 收集失败", zap.Int("failed", len(report.Failed())))
	}
	return nil
}

// waitAndRun 按触发方式等待并执行一轮分发和收集
func waitAndRun(ctx context.Context, m *master.Master, term *console.Terminal, opts serveOptions, serverDone <-chan struct{}) (*master.Report, error) {
	switch {
	case opts.minWorkers > 0:
		if _, err := m.WaitForWorkers(ctx, opts.minWorkers); err != nil {
			return nil, err
		}
		report, err := m.TriggerDistribution(ctx, opts.units)
		if errors.Is(err, master.ErrAlreadyDistributed) {
			// 控制面抢先触发了本轮
			return waitForRound(ctx, m, serverDone)
		}
		return report, err

	case term != nil:
		defer term.Close()
		for {
			units, err := term.WaitForTrigger(ctx, opts.units)
			if err != nil {
				return nil, err
			}
			report, err := m.TriggerDistribution(ctx, units)
			switch {
			case errors.Is(err, master.ErrNoConnections):
				// 还没有 worker，本轮未消耗，继续等待
				continue
			case errors.Is(err, master.ErrAlreadyDistributed):
				term.OnStatus("本轮已由控制面触发，等待收集完成")
				return waitForRound(ctx, m, serverDone)
			}
			return report, err
		}

	default:
		return waitForRound(ctx, m, serverDone)
	}
}

// waitForRound 等待由其他入口触发的一轮结束，期间不关闭 worker 连接
func waitForRound(ctx context.Context, m *master.Master, serverDone <-chan struct{}) (*master.Report, error) {
	select {
	case <-ctx.Done():
		return m.Report(), ctx.Err()
	case <-m.Finished():
		if m.State() == master.MasterStateFailed {
			return m.Report(), errors.New("本轮收集失败")
		}
		return m.Report(), nil
	case <-serverDone:
		return m.Report(), errors.New("控制面已停止")
	}
}

// printReport 打印一轮的汇总
func printReport(out io.Writer, r *master.Report) {
	fmt.Fprintln(out)
	fmt.Fprintf(out, "轮次 %s 完成\n", r.RoundID)
	fmt.Fprintf(out, "  单元总数: %d, worker 数: %d, 收集字节: %d\n", r.TotalUnits, r.Distributed, r.TotalBytes)
	fmt.Fprintf(out, "  耗时: %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	for _, w := range r.Workers {
		line := fmt.Sprintf("  worker %3d  [%d, %d]  %8d 字节  %-8s %s",
			w.ID, w.Range.Start, w.Range.End, w.Bytes, w.Outcome, w.Duration.Round(time.Millisecond))
		if w.Error != "" {
			line += "  " + w.Error
		}
		fmt.Fprintln(out, line)
	}
	if r.DrainLatency.Count > 0 {
		fmt.Fprintf(out, "  收集耗时 p50=%s p95=%s max=%s\n",
			r.DrainLatency.P50, r.DrainLatency.P95, r.DrainLatency.Max)
	}
}
