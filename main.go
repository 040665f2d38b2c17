package main

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatgrid/internal/api"
	"chatgrid/internal/auth"
	"chatgrid/internal/config"
	"chatgrid/internal/conversation"
	"chatgrid/internal/llm"
	"chatgrid/internal/redis"
	"chatgrid/internal/registry"
	"chatgrid/internal/retrieval"
	"chatgrid/internal/service/account"
	"chatgrid/internal/service/admin"
	"chatgrid/internal/service/chat"
	"chatgrid/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(os.Getenv("CHATGRID_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	driver := cfg.BasicConfig.Driver
	db, err := storage.Open(driver, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", driver).Msg("open database")
	}
	defer db.Close()
	if err := storage.Migrate(db, driver); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("connect redis")
		}
		defer rdb.Close()
	} else {
		log.Info().Msg("redis disabled, running without cache")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accounts := account.NewService(db)
	if cfg.Admin.Username != "" && cfg.Admin.Password != "" {
		if _, err := accounts.EnsureAdmin(ctx, cfg.Admin.Username, cfg.Admin.Email, cfg.Admin.Password); err != nil {
			log.Fatal().Err(err).Msg("seed admin account")
		}
	}

	authService := auth.NewService(db, rdb, cfg.TokenTTL())
	authService.StartSweeper(ctx, time.Hour)

	embedder := retrieval.NewHTTPEmbedder(cfg.Retrieval.EmbedBaseURL, cfg.Retrieval.EmbedModel, cfg.Retrieval.EmbedAPIKey)
	indexes := retrieval.NewBuilder(db, embedder, retrieval.Options{
		ChunkSize:    cfg.Retrieval.ChunkSize,
		ChunkOverlap: cfg.Retrieval.ChunkOverlap,
		TopK:         cfg.Retrieval.TopK,
		MinScore:     cfg.Retrieval.MinScore,
		EmbedWorkers: cfg.Retrieval.EmbedWorkers,
	})

	reg := registry.NewService(db, indexes, cfg.IndexBuildTimeout())
	convs := conversation.NewStore(db)
	completer := llm.NewCompleter(cfg)
	orchestrator := chat.NewService(accounts, reg, convs, indexes, completer, rdb,
		cfg.BackendTimeout(), cfg.BasicConfig.DefaultChatLimit)
	adminService := admin.NewService(db, convs, rdb)

	handlers := api.NewHandler(accounts, reg, convs, orchestrator, adminService, authService)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	log.Info().Str("addr", addr).Str("driver", driver).Msg("starting server")
	if err := router.Run(addr); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
