package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"signal-engine-go/internal/config"
	"signal-engine-go/internal/exchange"
	"signal-engine-go/internal/feed"
	"signal-engine-go/internal/httpapi"
	"signal-engine-go/internal/instrumentation"
	"signal-engine-go/internal/logger"
	"signal-engine-go/internal/models"
	"signal-engine-go/internal/monitor"
	"signal-engine-go/internal/notify"
	"signal-engine-go/internal/orchestrator"
	"signal-engine-go/internal/persistence"
	"signal-engine-go/internal/reporter"
	"signal-engine-go/internal/risk"
	"signal-engine-go/internal/statemanager"
	"signal-engine-go/internal/warmup"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

// engine 一次运行所需的全部组件
type engine struct {
	cfg     *models.Config
	metrics *instrumentation.Metrics
	guard   *risk.Guard
	venue   exchange.Venue
	orch    *orchestrator.Orchestrator
	monitor *monitor.Monitor
	state   *statemanager.StateManager
	closers []func()
}

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live or replay")
	dataPaths := flag.String("data", "", "comma-separated kline CSV files for replay mode")
	flag.Parse()

	// 在加载.env和配置之前先用默认配置初始化日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	switch *mode {
	case "live":
		runLiveMode(cfg)
	case "replay":
		if *dataPaths == "" {
			logger.S().Fatal("回放模式需要通过 --data 指定K线CSV文件")
		}
		runReplayMode(cfg, strings.Split(*dataPaths, ","))
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live' 或 'replay'。", *mode)
	}
}

// buildEngine 组装风控、场所、编排器、监控和持久化
func buildEngine(cfg *models.Config) *engine {
	log := logger.L()
	e := &engine{cfg: cfg, metrics: instrumentation.NewMetrics()}
	e.guard = risk.NewGuard(cfg.Risk, log.Named("risk"), e.metrics)

	// --- 恢复并持久化风控状态 ---
	if cfg.DBPath != "" {
		repo, err := persistence.NewBadgerRepository(cfg.DBPath)
		if err != nil {
			logger.S().Fatalf("无法打开状态数据库: %v", err)
		}
		e.closers = append(e.closers, func() {
			if err := repo.Close(); err != nil {
				logger.S().Errorf("关闭状态数据库失败: %v", err)
			}
		})

		saved, err := repo.LoadState()
		if err != nil {
			logger.S().Warnf("无法加载风控状态: %v，将以全新状态启动。", err)
		} else if saved != nil {
			e.guard.Restore(*saved)
		}

		snap := e.guard.Snapshot()
		e.state = statemanager.NewStateManager(&snap, repo, log.Named("state"))
		e.guard.SetChangeListener(e.state.OnRiskStateChange)
		e.state.Start()
		// 先停止状态管理器 (最终写入), 再关闭数据库
		e.closers = append([]func(){e.state.Stop}, e.closers...)
	}

	// --- 下单场所 ---
	switch cfg.Venue.Mode {
	case "binance":
		v, err := exchange.NewBinanceVenue(cfg.Venue, log.Named("venue"))
		if err != nil {
			logger.S().Fatalf("初始化交易所失败: %v", err)
		}
		e.venue = v
	default:
		e.venue = exchange.NewPaperVenue(cfg.Venue.Name, cfg.Venue.PaperSlippage, log.Named("venue"))
	}

	e.orch = orchestrator.New(e.guard, e.venue, log.Named("orchestrator"), e.metrics)
	if paper, ok := e.venue.(*exchange.PaperVenue); ok {
		paper.OnFill(func(f exchange.Fill) {
			e.orch.ReportFill(f.ClientOrderID, f.Symbol, f.Side, f.Size)
		})
	}
	for _, sc := range cfg.Strategies {
		if _, err := e.orch.AddStrategy(sc); err != nil {
			logger.S().Fatalf("添加策略 %s 失败: %v", sc.ID, err)
		}
	}

	// --- 告警通知与组合监控 ---
	notifiers := notify.Multi{notify.NewLogNotifier(log.Named("alerts"))}
	if cfg.Redis.URL != "" {
		client, err := notify.DialRedis(cfg.Redis)
		if err != nil {
			logger.S().Warnf("Redis不可用, 告警只写日志: %v", err)
		} else {
			notifiers = append(notifiers, notify.NewRedisNotifier(client, cfg.Redis.Stream, cfg.Redis.MaxLength, log.Named("redis")))
			e.closers = append(e.closers, func() { _ = client.Close() })
		}
	}
	mon, err := monitor.New(cfg.Monitor, monitor.DefaultRules(cfg.Risk), e.orch, notifiers, log.Named("monitor"), e.metrics)
	if err != nil {
		logger.S().Fatalf("初始化组合监控失败: %v", err)
	}
	e.monitor = mon
	return e
}

func (e *engine) close() {
	for _, c := range e.closers {
		c()
	}
}

func (e *engine) report(title string, start, end time.Time, curve []float64) {
	reporter.Render(os.Stdout, reporter.Report{
		Title:         title,
		InitialEquity: e.cfg.Risk.InitialEquity,
		Start:         start,
		End:           end,
		Risk:          e.guard.Snapshot(),
		Metrics:       e.orch.CollectMetrics(),
		Strategies:    e.orch.Status(),
		Alerts:        e.monitor.Alerts(),
		EquityCurve:   curve,
	})
}

func allSymbols(cfg *models.Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, sc := range cfg.Strategies {
		for _, s := range sc.AllSymbols() {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// runLiveMode 连接实时行情并运行所有策略, 直到收到退出信号
func runLiveMode(cfg *models.Config) {
	logger.S().Info("--- 启动实时模式 ---")
	if cfg.Feed.URL == "" {
		logger.S().Fatal("实时模式需要配置 feed.url 或 FEED_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e := buildEngine(cfg)
	defer e.close()
	started := time.Now()

	// --- 用最近的K线预热指标 ---
	if cfg.Warmup.Enabled {
		loader := warmup.NewKlineLoader(cfg.Warmup, cfg.Venue.Name, cfg.Venue.IsTestnet, logger.L().Named("warmup"))
		ticks := loader.Load(ctx, allSymbols(cfg), time.Now())
		logger.S().Infof("指标预热完成, 使用了 %d 个历史tick", e.orch.Warmup(ticks))
	}

	tickFeed := feed.NewWebSocketFeed(cfg.Feed, func(ctx context.Context, tick models.PriceTick) {
		e.orch.Dispatch(ctx, tick)
	}, logger.L().Named("feed"), e.metrics)
	e.orch.SetConnectivity(tickFeed.Connected)
	e.orch.Start()

	go tickFeed.Run(ctx)
	go e.monitor.Run(ctx)

	if cfg.HTTPAddr != "" {
		api := httpapi.NewServer(e.orch, e.guard, e.monitor, e.metrics.Handler(), logger.L().Named("http"))
		go func() {
			if err := api.ListenAndServe(ctx, cfg.HTTPAddr); err != nil {
				logger.S().Errorf("运维HTTP接口异常退出: %v", err)
			}
		}()
	}

	<-ctx.Done()
	logger.S().Info("收到退出信号, 正在停止...")

	// 停止策略但不平仓, 持仓和风控状态会被保存
	e.orch.Stop()
	e.report("运行报告", started, time.Now(), nil)
	logger.S().Info("信号引擎已停止，状态已保存。")
}

// runReplayMode 用纸面场所按时间顺序回放历史K线
func runReplayMode(cfg *models.Config, paths []string) {
	logger.S().Info("--- 启动回放模式 ---")
	// 回放不读写实时运行的风控状态
	cfg.Venue.Mode = "paper"
	cfg.DBPath = ""

	ticks, err := warmup.LoadCSVFiles(paths, cfg.Venue.Name)
	if err != nil {
		logger.S().Fatalf("无法读取历史数据: %v", err)
	}
	if len(ticks) == 0 {
		logger.S().Fatal("历史数据文件为空或只有表头。")
	}

	e := buildEngine(cfg)
	defer e.close()
	e.orch.Start()

	ctx := context.Background()
	interval := time.Duration(cfg.Monitor.MonitoringIntervalMs) * time.Millisecond
	nextCycle := ticks[0].Timestamp.Add(interval)
	curve := []float64{cfg.Risk.InitialEquity}

	logger.S().Infof("开始回放 %d 个tick...", len(ticks))
	for _, tick := range ticks {
		e.orch.Dispatch(ctx, tick)

		// 监控周期按行情时间推进
		if !tick.Timestamp.Before(nextCycle) {
			e.monitor.RunCycle(ctx)
			curve = append(curve, e.orch.CollectMetrics().PortfolioValue)
			nextCycle = tick.Timestamp.Add(interval)
		}
	}
	curve = append(curve, e.orch.CollectMetrics().PortfolioValue)
	logger.S().Infow("回放结束。", "dropped", e.orch.DroppedTicks())

	e.orch.Stop()
	e.report("回放报告", ticks[0].Timestamp, ticks[len(ticks)-1].Timestamp, curve)
}
