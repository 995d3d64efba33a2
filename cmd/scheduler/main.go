package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"ds-assistant-bot/internal/adapters/discord"
	"ds-assistant-bot/internal/adapters/repo"
	"ds-assistant-bot/internal/adapters/summarizer"
	"ds-assistant-bot/internal/infra/config"
	"ds-assistant-bot/internal/infra/db"
	"ds-assistant-bot/internal/infra/log"
	"ds-assistant-bot/internal/infra/metrics"
	"ds-assistant-bot/internal/infra/openai"
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

	// Шедулеру хватает REST: гейтвей не открывается.
	session, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать сессию Discord")
	}
	platform := discord.NewClient(session, logger.With().Str("component", "discord").Logger())

	repoAdapter := repo.NewPostgres(pool)
	llmClient := openai.NewClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, 2*time.Minute)
	summarizerAdapter := summarizer.NewOpenAI(llmClient, cfg.LLM.Model, 2*time.Minute)
	summaryService := summary.NewService(repoAdapter, repoAdapter, summarizerAdapter, platform, repoAdapter,
		cfg.Discord.ReportsChannelID, logger.With().Str("component", "summary").Logger())

	metrics.StartServer(ctx, logger, fmt.Sprintf(":%d", cfg.Port))

	c := cron.New()
	spec := fmt.Sprintf("%d %d * * *", cfg.Summary.Minute, cfg.Summary.Hour)
	if _, err := c.AddFunc(spec, func() {
		runCtx, cancel := context.WithTimeout(ctx, 30*time.Minute)
		defer cancel()
		if err := summaryService.RunDaily(runCtx); err != nil {
			logger.Error().Err(err).Msg("суточный цикл суммаризации не удался")
		}
	}); err != nil {
		logger.Fatal().Err(err).Str("spec", spec).Msg("не удалось запланировать суточный цикл")
	}
	c.Start()
	logger.Info().Str("spec", spec).Msg("шедулер запущен")

	<-ctx.Done()
	logger.Info().Msg("остановка шедулера")
	<-c.Stop().Done()
}
