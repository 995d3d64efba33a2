package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"ds-assistant-bot/internal/adapters/discord"
	"ds-assistant-bot/internal/adapters/repo"
	"ds-assistant-bot/internal/adapters/scraper"
	"ds-assistant-bot/internal/adapters/summarizer"
	"ds-assistant-bot/internal/domain"
	"ds-assistant-bot/internal/infra/cache"
	"ds-assistant-bot/internal/infra/config"
	"ds-assistant-bot/internal/infra/db"
	httpinfra "ds-assistant-bot/internal/infra/http"
	"ds-assistant-bot/internal/infra/log"
	"ds-assistant-bot/internal/infra/metrics"
	"ds-assistant-bot/internal/infra/openai"
	"ds-assistant-bot/internal/infra/queue"
	"ds-assistant-bot/internal/usecase/ask"
	"ds-assistant-bot/internal/usecase/assemble"
	"ds-assistant-bot/internal/usecase/enrich"
	"ds-assistant-bot/internal/usecase/ratelimit"
	"ds-assistant-bot/internal/usecase/resolve"
	"ds-assistant-bot/internal/usecase/summary"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	redisCache := cache.NewRedis(redisClient)

	repoAdapter := repo.NewPostgres(pool)
	llmClient := openai.NewClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, 2*time.Minute)

	// Очередь обогащения ссылок: Redis по умолчанию, AMQP по конфигу.
	var enrichQueue domain.EnrichQueue
	switch cfg.Queues.Backend {
	case "amqp":
		amqpQueue, err := queue.NewAMQPEnrichQueue(cfg.Queues.AMQPURL, cfg.Queues.Key)
		if err != nil {
			logger.Fatal().Err(err).Msg("не удалось подключиться к AMQP")
		}
		defer amqpQueue.Close()
		enrichQueue = amqpQueue
	default:
		enrichQueue = queue.NewRedisEnrichQueue(redisClient, cfg.Queues.Key)
	}

	apify := scraper.NewApify(scraper.ApifyConfig{Token: cfg.Scrape.ApifyToken})
	firecrawl := scraper.NewFirecrawl(scraper.FirecrawlConfig{APIKey: cfg.Scrape.FirecrawlAPIKey})
	enrichService := enrich.NewService(apify, firecrawl, llmClient, cfg.LLM.Model, repoAdapter, redisCache,
		logger.With().Str("component", "enrich").Logger())
	go enrichService.Run(ctx, enrichQueue)

	session, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать сессию Discord")
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	if err := session.Open(); err != nil {
		logger.Fatal().Err(err).Msg("не удалось открыть гейтвей Discord")
	}
	defer session.Close()

	platform := discord.NewClient(session, logger.With().Str("component", "discord").Logger())

	limiter := ratelimit.NewLimiter(time.Duration(cfg.RateLimit.IntervalSeconds)*time.Second, cfg.RateLimit.PerMinute)
	resolver := resolve.NewResolver(platform, logger.With().Str("component", "resolve").Logger(), resolve.Config{
		MaxImageBytes: cfg.Images.MaxBytes,
		MaxImages:     cfg.Images.MaxPerRequest,
	})
	askService := ask.NewService(limiter, resolver, assemble.NewAssembler(), repoAdapter, repoAdapter,
		llmClient, cfg.LLM.Model, session.State.User.ID, logger.With().Str("component", "ask").Logger())

	summarizerAdapter := summarizer.NewOpenAI(llmClient, cfg.LLM.Model, 2*time.Minute)
	summaryService := summary.NewService(repoAdapter, repoAdapter, summarizerAdapter, platform, repoAdapter,
		cfg.Discord.ReportsChannelID, logger.With().Str("component", "summary").Logger())

	handler := discord.NewHandler(platform, logger.With().Str("component", "handler").Logger(),
		askService, summaryService, repoAdapter, enrichQueue, cfg.Discord.AllowedChannelIDs)
	session.AddHandler(handler.OnMessageCreate)

	logger.Info().Str("bot", session.State.User.Username).Msg("бот-гейтвей запущен")

	srv := httpinfra.NewServer(logger)
	go func() {
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("остановка бота")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
