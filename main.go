package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"llm-chat-relay/api"
	"llm-chat-relay/db"
	"llm-chat-relay/llm"
	"llm-chat-relay/service"
	"llm-chat-relay/utils"
)

var (
	version = "0.1.0"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("LLM Chat Relay v%s\n", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "llm-chat-relay: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if configPath == "" {
		path, err := utils.EnsureDefaultConfig(utils.GetConfigPath())
		if err != nil {
			return fmt.Errorf("failed to create default config: %w", err)
		}
		configPath = path
	}

	config, err := utils.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := utils.NewLogger(utils.LoggerOptions{
		Path:  filepath.Join(config.Logging.Dir, filepath.Base(utils.GetLogPath())),
		Level: config.Logging.Level,
		JSON:  config.Logging.Format == "json",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Close()

	logger.Info("starting LLM Chat Relay", "version", version, "config", configPath, "env", config.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers := llm.NewRegistry(config.LLMProviders, logger, llm.NewMetrics(prometheus.DefaultRegisterer))

	chatOpts := service.ChatOptions{
		Redactor:     utils.NewRedactor(config.Privacy),
		HistoryLimit: config.Data.MaxHistory,
	}
	deps := api.Deps{
		Providers:      providers,
		Logger:         logger,
		RetentionDays:  config.Data.RetentionDays,
		AllowedOrigins: config.Server.AllowedOrigins,
		TrustedProxies: config.Server.TrustedProxies,
		RateLimit: api.RateLimiterOptions{
			Limit: rate.Limit(config.Server.RateLimit),
			Burst: config.Server.RateLimitBurst,
		},
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
	}

	if config.Data.PersistenceEnabled {
		database, err := db.Open(config.Data.DBPath)
		if err != nil {
			logger.LogError(err, "failed to open database", "path", config.Data.DBPath)
			return err
		}
		defer database.Close()
		logger.Info("database initialized", "path", config.Data.DBPath)

		conversations := service.NewConversationService(db.NewStore(database), logger)
		chatOpts.Conversations = conversations
		deps.Conversations = conversations
		deps.Database = database

		service.NewRetention(conversations, config.Data.RetentionDays, config.Data.CleanupInterval.Duration, logger).Start(ctx)
	} else {
		logger.Warn("conversation persistence disabled")
	}

	deps.Chat = service.NewChatService(providers, logger, chatOpts)

	if config.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(deps)

	if err := server.Run(ctx, ":"+config.Server.Port, config.Server); err != nil {
		logger.LogError(err, "server failed")
		return err
	}
	logger.Info("server stopped")
	return nil
}
