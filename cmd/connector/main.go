package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goconnect/internal/connector"
	"github.com/betbot/goconnect/internal/exchange/paperx"
	"github.com/betbot/goconnect/internal/exchange/rest"
	"github.com/betbot/goconnect/internal/infrastructure/websocket"
	"github.com/betbot/goconnect/internal/metrics"
	"github.com/betbot/goconnect/internal/opsapi"
	"github.com/betbot/goconnect/internal/reconcile"
	"github.com/betbot/goconnect/internal/recorder"
	"github.com/betbot/goconnect/internal/stream"
	"github.com/betbot/goconnect/internal/tracker"
	"github.com/betbot/goconnect/pkg/config"
	"github.com/betbot/goconnect/pkg/logger"
	"github.com/betbot/goconnect/pkg/persistence"
	"github.com/betbot/goconnect/pkg/ratelimit"
	"github.com/betbot/goconnect/pkg/secretstore"
	"github.com/betbot/goconnect/pkg/shutdown"
)

func main() {
	configPath := flag.String("config", "yml/connector.yaml", "配置文件路径")
	envFile := flag.String("env", ".env", "环境变量文件（可选）")
	flag.Parse()

	// .env 不存在不是错误：生产环境直接用真实环境变量
	if err := godotenv.Load(*envFile); err == nil {
		fmt.Printf("已加载环境变量文件: %s\n", *envFile)
	}

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Logging.Level,
		OutputFile: cfg.Logging.OutputFile,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	log := logrus.WithField("component", "main")
	log.Infof("🚀 连接器启动: exchange=%s pairs=%v", cfg.Exchange.Name, cfg.Exchange.TradingPairs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sd := shutdown.NewManager()

	apiKey := resolveAPIKey(cfg, log)

	// 核心：追踪器
	trk := tracker.New(tracker.Config{
		NotFoundThreshold:  cfg.Tracker.NotFoundThreshold,
		CachedOrderTTL:     time.Duration(cfg.Tracker.CachedOrderTTLSeconds) * time.Second,
		CachedOrderMaxSize: cfg.Tracker.CachedOrderMaxSize,
	})

	// 成交流水库
	rec, err := recorder.Open(cfg.Recorder.DBPath)
	if err != nil {
		log.Fatalf("打开成交流水库失败: %v", err)
	}
	trk.SetFillRecorder(rec)
	sd.OnShutdown(func(ctx context.Context) {
		if err := rec.Close(); err != nil {
			log.Errorf("关闭成交流水库失败: %v", err)
		}
	})

	// 轮询侧：REST 客户端 + 适配器 + 对账循环
	limiter := ratelimit.NewTokenBucket(10, 10)
	restClient := rest.NewClient(cfg.Exchange.RestURL,
		rest.WithRateLimiter(limiter),
		rest.WithTimeout(cfg.Reconcile.RequestTimeout()))
	adapter := paperx.New(restClient, trk)

	loop := reconcile.NewLoop(reconcile.Config{
		ShortInterval:  cfg.Reconcile.ShortInterval(),
		LongInterval:   cfg.Reconcile.LongInterval(),
		RequestTimeout: cfg.Reconcile.RequestTimeout(),
		Pairs:          cfg.Exchange.TradingPairs,
	}, adapter, trk)

	// 推送侧：WebSocket 会话 + 监听器；丢消息就催对账循环补一轮
	session := websocket.NewSession(websocket.SessionConfig{
		URL: cfg.Exchange.WsURL,
		Subscribe: []any{
			map[string]any{
				"type":     "subscribe",
				"channels": []string{"orders", "trades", "balances"},
				"auth":     map[string]string{"api_key": apiKey},
			},
		},
		OnDrop: loop.Nudge,
	})
	if err := session.Connect(ctx); err != nil {
		// 推送连不上不致命：对账循环单独也能保证最终一致
		log.Warnf("⚠️ 推送会话连接失败，仅靠轮询运行: %v", err)
	}
	sd.OnShutdown(func(ctx context.Context) {
		_ = session.Close()
	})
	listener := stream.NewListener(session, adapter, trk)

	// 快照：重启后恢复在途订单
	store := persistence.NewJSONFileService(cfg.Snapshot.Dir).
		NewStore("connector", cfg.Exchange.Name, "tracking")
	snapshotter := connector.NewSnapshotter(store, trk)

	// 运维接口 + metrics
	if cfg.Ops.ListenAddr != "" {
		if err := opsapi.NewServer(trk).StartAsync(ctx, cfg.Ops.ListenAddr); err != nil {
			log.Errorf("启动运维接口失败: %v", err)
		}
	}
	if cfg.Ops.MetricsAddr != "" {
		if _, err := metrics.StartAsync(ctx, cfg.Ops.MetricsAddr); err != nil {
			log.Errorf("启动 metrics 服务失败: %v", err)
		}
	}

	conn := connector.New(connector.Options{
		Tracker:          trk,
		Gateway:          adapter,
		Loop:             loop,
		Listener:         listener,
		Snapshotter:      snapshotter,
		SnapshotInterval: time.Duration(cfg.Snapshot.IntervalSeconds) * time.Second,
		IDPrefix:         cfg.Exchange.Name,
	})

	// 信号处理
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Infof("收到信号 %s，开始优雅退出", sig)
		cancel()
	}()

	if err := conn.Run(ctx); err != nil {
		log.Errorf("连接器运行失败: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	sd.Shutdown(shutdownCtx)
	log.Info("连接器已退出")
}

// resolveAPIKey 先查凭证库，再退回环境变量
func resolveAPIKey(cfg *config.Config, log *logrus.Entry) string {
	if cfg.Secrets.Path != "" {
		store, err := secretstore.Open(secretstore.OpenOptions{Path: cfg.Secrets.Path, ReadOnly: true})
		if err != nil {
			log.Warnf("打开凭证库失败: %v，退回环境变量", err)
		} else {
			defer store.Close()
			key := fmt.Sprintf("%s.api_key", cfg.Exchange.Name)
			if v, found, err := store.GetString(key); err == nil && found {
				return v
			}
		}
	}
	return os.Getenv("EXCHANGE_API_KEY")
}
