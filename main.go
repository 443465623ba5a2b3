package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coinsync/config"
	"coinsync/database"
	"coinsync/job"
	"coinsync/lock"
	"coinsync/logger"
	"coinsync/metrics"
	"coinsync/notify"
	"coinsync/reconcile"
	"coinsync/vault"
	"coinsync/web"
)

// Version 版本号
var Version = "1.2.0"

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	setupLogger(cfg)
	logger.Info("🚀 coinsync v%s 启动", Version)

	// 凭证保险库
	v, err := vault.New(cfg.Vault.MasterKey, cfg.Vault.Salt)
	if err != nil {
		logger.Fatal("初始化凭证保险库失败: %v", err)
	}

	// 数据库
	db, err := database.NewDatabase(&database.Config{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		LogLevel:        cfg.Database.LogLevel,
	})
	if err != nil {
		logger.Fatal("初始化数据库失败: %v", err)
	}
	defer db.Close()
	logger.Info("✅ 数据库已连接 (%s)", cfg.Database.Type)

	// 分布式账户锁
	locks, err := lock.NewDistributedLock(&lock.Config{
		Enabled: cfg.Lock.Enabled,
		Type:    cfg.Lock.Type,
		Prefix:  cfg.Lock.Prefix,
		Redis: lock.RedisConfig{
			Addr:     cfg.Lock.Redis.Addr,
			Password: cfg.Lock.Redis.Password,
			DB:       cfg.Lock.Redis.DB,
			PoolSize: cfg.Lock.Redis.PoolSize,
		},
	})
	if err != nil {
		logger.Fatal("初始化分布式锁失败: %v", err)
	}
	defer locks.Close()

	// 任务终态通知
	var notifier reconcile.Notifier
	if cfg.Notifications.Webhook.Enabled {
		wn, err := notify.NewWebhookNotifier(&cfg.Notifications.Webhook)
		if err != nil {
			logger.Fatal("初始化 Webhook 通知失败: %v", err)
		}
		notifier = wn
		logger.Info("🔔 Webhook 通知已启用: %s", cfg.Notifications.Webhook.URL)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 任务跟踪 + 过期任务清理
	tracker := job.NewTracker(db)
	tracker.StartPurgeLoop(ctx, cfg.Sync.JobRetention(), cfg.Sync.JobPurgeInterval())

	// 对账编排
	orch := reconcile.NewOrchestrator(cfg, db, tracker, v, locks, notifier)

	// 系统指标采集
	collector := metrics.NewSystemMetricsCollector(30 * time.Second)
	collector.Start()
	defer collector.Stop()

	// HTTP 服务
	server := web.NewWebServer(cfg, db, orch, tracker)
	server.Start(ctx)

	// 配置热更新：日志级别与同步策略
	watcher, err := config.NewConfigWatcher(*configPath, func(newCfg *config.Config) {
		logger.SetLevel(logger.ParseLogLevel(newCfg.System.LogLevel))
		cfg.Sync = newCfg.Sync
		logger.Info("✅ 同步策略已热更新 (批次大小=%d, 延迟=%v)", cfg.Sync.SymbolBatchSize, cfg.Sync.BatchDelay())
	})
	if err != nil {
		logger.Warn("⚠️ 配置热更新不可用: %v", err)
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("⚠️ 配置热更新不可用: %v", err)
	} else {
		defer watcher.Stop()
	}

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("📴 收到信号 %v，开始优雅关闭", sig)

	cancel()
	// 给 HTTP 服务与后台任务留出收尾时间
	time.Sleep(2 * time.Second)
	logger.Info("👋 coinsync 已退出")
}

// setupLogger 按配置初始化日志级别与时区
func setupLogger(cfg *config.Config) {
	logger.SetLevel(logger.ParseLogLevel(cfg.System.LogLevel))
	if cfg.System.Timezone != "" {
		loc, err := time.LoadLocation(cfg.System.Timezone)
		if err != nil {
			logger.Warn("⚠️ 时区 %s 无效，使用本地时区", cfg.System.Timezone)
		} else {
			logger.SetLocation(loc)
		}
	}
}
