package domain

import (
	"context"
	"time"
)

// EnrichJob — задача обогащения ссылки из сообщения. Обрабатывается
// асинхронно относительно пути упоминания.
type EnrichJob struct {
	ID          string    `json:"job_id"`
	URL         string    `json:"url"`
	MessageID   string    `json:"message_id"`
	ChannelID   string    `json:"channel_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// EnrichQueue описывает очередь задач обогащения.
type EnrichQueue interface {
	Enqueue(ctx context.Context, job EnrichJob) error
	// Pop блокирующе читает следующую задачу.
	Pop(ctx context.Context) (EnrichJob, error)
}
