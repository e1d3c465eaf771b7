package main

import (
	"go.uber.org/zap"

	"github.com/ecotrade-exchange/ecotrade-market/internal/app"
	"github.com/ecotrade-exchange/ecotrade-market/internal/config"
	"github.com/ecotrade-exchange/ecotrade-market/pkg/logger"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	// 初始化日志
	if err := logger.Init(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: cfg.Service.Name,
	}); err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	// 启动应用
	if err := app.New(cfg).Run(); err != nil {
		logger.Fatal("application error", zap.Error(err))
	}
}
