package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"wisefido-guardian/internal/app"
	"wisefido-guardian/internal/config"
	"wisefido-guardian/owl-common/logger"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-guardian")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. 创建服务
	guardian, err := app.NewGuardianService(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to create guardian service", zap.Error(err))
	}
	defer guardian.Stop()

	// 5. 启动服务（在 goroutine 中）
	serviceErrChan := make(chan error, 1)
	go func() {
		serviceErrChan <- guardian.Start(ctx)
	}()

	// 6. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
		cancel()
		<-serviceErrChan
	case err := <-serviceErrChan:
		if err != nil {
			log.Error("Service error", zap.Error(err))
		}
	}

	log.Info("Guardian service stopped")
}
