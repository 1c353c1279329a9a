package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"order-ledger/internal/container"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "configs/ledger.yaml", "配置文件路径")
	envFile := flag.String("env", "", "额外加载的 .env 文件（可选）")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Printf("加载 env 文件失败: %v", err)
			return 1
		}
	}

	c, err := container.New(*cfgPath)
	if err != nil {
		log.Printf("加载配置失败: %v", err)
		return 1
	}
	// 先 Build 以便在 Start 之前拿到 logger；Start 内部的 Build 此时为空操作。
	if err := c.Build(); err != nil {
		log.Printf("初始化失败: %v", err)
		return 1
	}
	logger := c.Logger().Logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		logger.Error("start failed", zap.Error(err))
		_ = c.Stop()
		return 1
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify ready failed", zap.Error(err))
	} else if ok {
		logger.Info("systemd notified ready")
	}
	go watchdog(ctx, c, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", zap.String("signal", sig.String()))

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()
	if err := c.Stop(); err != nil {
		log.Printf("stop: %v", err)
		return 1
	}
	return 0
}

// watchdog 在 systemd 开启 WatchdogSec 时按一半周期上报存活，组件不健康时停止上报。
func watchdog(ctx context.Context, c *container.Container, logger *zap.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.HealthCheck(); err != nil {
				logger.Warn("health check failed, skipping watchdog ping", zap.Error(err))
				continue
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
