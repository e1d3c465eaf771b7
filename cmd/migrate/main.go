// 独立的建表命令, 部署流水线在服务启动前执行。
package main

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ecotrade-exchange/ecotrade-market/internal/app"
	"github.com/ecotrade-exchange/ecotrade-market/internal/config"
	"github.com/ecotrade-exchange/ecotrade-market/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	if err := logger.Init(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      "console",
		ServiceName: cfg.Service.Name,
	}); err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Database,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		logger.Fatal("open database failed", zap.Error(err))
	}

	start := time.Now()
	if err := app.AutoMigrate(db); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migration completed",
		zap.String("database", cfg.Database.Database),
		zap.Duration("duration", time.Since(start)))
}
