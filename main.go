package main

import (
	"context"
	"log"
	"os"

	"discord-automod/bot"
	"discord-automod/config"
	"discord-automod/handlers"
	"discord-automod/state"
	"discord-automod/utils"
	"discord-automod/utils/database"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	logger, err := utils.InitLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Error initializing logger: %v", err)
	}

	if cfg.DatabaseDriver == database.DriverSQLite {
		if err := os.MkdirAll("./data", os.ModePerm); err != nil {
			logger.Fatal("Failed to create data directory", zap.Error(err))
		}
	}

	ctx := context.Background()
	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Error opening database", zap.Error(err))
	}
	if err := database.Migrate(ctx, db); err != nil {
		logger.Fatal("Error migrating database", zap.Error(err))
	}

	rdb, err := state.Connect(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("Error connecting to redis", zap.Error(err))
	}

	b, err := bot.New(cfg, db, rdb, logger)
	if err != nil {
		logger.Fatal("Error creating bot", zap.Error(err))
	}
	defer b.Close()

	handlers.Register(b)

	if err := b.Run(); err != nil {
		logger.Error("Error running bot", zap.Error(err))
	}
}
