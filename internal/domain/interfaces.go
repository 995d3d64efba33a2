package domain

import (
	"context"
	"errors"
	"time"
)

// ErrMessageNotFound возвращается платформой, если сообщение не существует.
var ErrMessageNotFound = errors.New("сообщение не найдено")

// ErrForbidden возвращается платформой при отсутствии доступа к сообщению.
var ErrForbidden = errors.New("нет доступа к сообщению")

// Platform — шлюз чат-платформы: получение сообщений, отправка ответов,
// создание тредов. Реализация отвечает за соблюдение лимитов длины.
type Platform interface {
	FetchMessage(ctx context.Context, channelID, messageID string) (MessageRef, error)
	Send(ctx context.Context, channelID, text string) (string, error)
	CreateThread(ctx context.Context, channelID, messageID, name string) (string, error)
}

// MessageStore управляет сохранёнными сообщениями каналов.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg StoredMessage) error
	MessagesInRange(ctx context.Context, channelID string, from, to time.Time) ([]StoredMessage, error)
	ActiveChannels(ctx context.Context, from, to time.Time) ([]ChannelActivity, error)
	DeleteMessagesInRange(ctx context.Context, channelID string, from, to time.Time) (int64, error)
}

// SummaryRepo сохраняет и возвращает результаты суммаризации.
type SummaryRepo interface {
	InsertSummary(ctx context.Context, record SummaryRecord) error
	SummariesByChannel(ctx context.Context, channelID string, from, to time.Time) ([]SummaryRecord, error)
}

// ContentRepo хранит результаты обогащения ссылок.
type ContentRepo interface {
	SaveScrapedContent(ctx context.Context, messageID string, summary ContentSummary) error
	ScrapedContentByURL(ctx context.Context, url string) (*ContentSummary, error)
}

// Scraper извлекает содержимое внешней ссылки.
type Scraper interface {
	Scrape(ctx context.Context, url string) (ScrapedContent, error)
}

// TranscriptSummarizer строит текстовую сводку окна активности канала.
type TranscriptSummarizer interface {
	Summarize(ctx context.Context, window ChannelActivityWindow) (string, error)
}

// ScheduleTaskRepo отвечает за идемпотентный запуск плановых циклов.
type ScheduleTaskRepo interface {
	// Acquire помечает выполнение цикла по ключу и возвращает true, если
	// запись была создана. При конфликте возвращает false без ошибки.
	Acquire(ctx context.Context, key string, scheduledFor time.Time) (bool, error)
}

// Cache — TTL-кэш перед БД для сводок ссылок.
type Cache interface {
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
