package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`

	Discord struct {
		Token            string `envconfig:"DISCORD_BOT_TOKEN"`
		ReportsChannelID string `envconfig:"DISCORD_REPORTS_CHANNEL_ID"`
		// AllowedChannelIDs ограничивает каналы, где бот отвечает;
		// пустой список — отвечаем везде.
		AllowedChannelIDs []string `envconfig:"DISCORD_ALLOWED_CHANNEL_IDS"`
	} `envconfig:""`

	RateLimit struct {
		IntervalSeconds int `envconfig:"RATE_LIMIT_SECONDS" default:"10"`
		PerMinute       int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"6"`
	} `envconfig:""`

	Summary struct {
		Hour   int `envconfig:"SUMMARY_HOUR" default:"0"`
		Minute int `envconfig:"SUMMARY_MINUTE" default:"0"`
	} `envconfig:""`

	Images struct {
		MaxBytes      int64 `envconfig:"IMAGE_MAX_BYTES" default:"5242880"`
		MaxPerRequest int   `envconfig:"IMAGES_PER_REQUEST" default:"4"`
	} `envconfig:""`

	LLM struct {
		APIKey  string `envconfig:"LLM_API_KEY"`
		BaseURL string `envconfig:"LLM_BASE_URL"`
		Model   string `envconfig:"LLM_MODEL" default:"gpt-4.1-mini"`
	} `envconfig:""`

	Scrape struct {
		ApifyToken      string `envconfig:"APIFY_API_TOKEN"`
		FirecrawlAPIKey string `envconfig:"FIRECRAWL_API_KEY"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	Queues struct {
		Backend string `envconfig:"ENRICH_QUEUE_BACKEND" default:"redis"`
		Key     string `envconfig:"ENRICH_QUEUE_KEY" default:"enrich_jobs"`
		AMQPURL string `envconfig:"AMQP_URL"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
