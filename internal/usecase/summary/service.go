package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ds-assistant-bot/internal/domain"
	"ds-assistant-bot/internal/infra/metrics"
)

// CycleState — фаза цикла суммаризации одного канала.
type CycleState string

const (
	StateIdle        CycleState = "idle"
	StateCollecting  CycleState = "collecting"
	StateSummarizing CycleState = "summarizing"
	StatePublishing  CycleState = "publishing"
	StatePruning     CycleState = "pruning"
)

// ErrNoMessages возвращается для окна без подходящих сообщений.
var ErrNoMessages = errors.New("в окне нет сообщений для суммаризации")

// ChannelCycle — состояние цикла одного канала. Явная машина состояний:
// частичные сбои проверяются на каждом канале независимо.
type ChannelCycle struct {
	State     CycleState
	Window    domain.ChannelActivityWindow
	Record    *domain.SummaryRecord
	Persisted bool
	Delivered bool
	Pruned    int64
	Err       error
}

// OnDemandRequest описывает ручную суммаризацию канала.
type OnDemandRequest struct {
	ChannelID   string
	ChannelName string
	GuildID     string
	GuildName   string
	From        time.Time
	To          time.Time
	// Destination — канал или тред для доставки результата.
	Destination string
}

// Service управляет циклами суммаризации: плановым ежедневным и ручными.
type Service struct {
	store      domain.MessageStore
	summaries  domain.SummaryRepo
	summarizer domain.TranscriptSummarizer
	platform   domain.Platform
	tasks      domain.ScheduleTaskRepo

	reportsChannelID string
	log              zerolog.Logger
	now              func() time.Time
}

// NewService создаёт сервис суммаризации.
func NewService(store domain.MessageStore, summaries domain.SummaryRepo, summarizer domain.TranscriptSummarizer, platform domain.Platform, tasks domain.ScheduleTaskRepo, reportsChannelID string, logger zerolog.Logger) *Service {
	return &Service{
		store:            store,
		summaries:        summaries,
		summarizer:       summarizer,
		platform:         platform,
		tasks:            tasks,
		reportsChannelID: reportsChannelID,
		log:              logger,
		now:              time.Now,
	}
}

// RunDaily выполняет плановый суточный цикл по всем активным каналам.
// Запуск идемпотентен: повторный вызов за ту же дату (после рестарта
// процесса) не делает работу дважды.
func (s *Service) RunDaily(ctx context.Context) error {
	now := s.now().UTC()
	from := now.Add(-24 * time.Hour)

	key := "daily_summary:" + now.Format("2006-01-02")
	acquired, err := s.tasks.Acquire(ctx, key, now)
	if err != nil {
		return fmt.Errorf("захват планового цикла: %w", err)
	}
	if !acquired {
		s.log.Info().Str("key", key).Msg("summary: суточный цикл уже выполнен, пропускаем")
		return nil
	}

	channels, err := s.store.ActiveChannels(ctx, from, now)
	if err != nil {
		return fmt.Errorf("выборка активных каналов: %w", err)
	}
	if len(channels) == 0 {
		s.log.Info().Msg("summary: активных каналов за сутки нет")
		return nil
	}

	succeeded := 0
	for _, activity := range channels {
		cycle := s.runChannelCycle(ctx, activity, from, now, domain.SummaryKindScheduled, s.reportsChannelID, true)
		switch {
		case cycle.Err != nil:
			// Сбой одного канала не прерывает цикл остальных.
			s.log.Error().Err(cycle.Err).
				Str("channel", activity.ChannelName).
				Str("state", string(cycle.State)).
				Msg("summary: канал пропущен")
		case cycle.Record != nil:
			succeeded++
		}
	}

	s.log.Info().Int("channels", len(channels)).Int("summarized", succeeded).Msg("summary: суточный цикл завершён")
	return nil
}

// OnDemand суммирует один канал за произвольное окно. Исходные сообщения
// не удаляются.
func (s *Service) OnDemand(ctx context.Context, req OnDemandRequest) (domain.SummaryRecord, error) {
	activity := domain.ChannelActivity{
		ChannelID:   req.ChannelID,
		ChannelName: req.ChannelName,
		GuildID:     req.GuildID,
		GuildName:   req.GuildName,
	}
	cycle := s.runChannelCycle(ctx, activity, req.From, req.To, domain.SummaryKindOnDemand, req.Destination, false)
	if cycle.Err != nil {
		return domain.SummaryRecord{}, cycle.Err
	}
	if cycle.Record == nil {
		return domain.SummaryRecord{}, ErrNoMessages
	}
	return *cycle.Record, nil
}

// runChannelCycle прогоняет машину состояний одного канала:
// Collecting -> Summarizing -> Publishing -> Pruning. Удаление исходных
// сообщений возможно только после успешных суммаризации и сохранения
// и только в плановом цикле.
func (s *Service) runChannelCycle(ctx context.Context, activity domain.ChannelActivity, from, to time.Time, kind domain.SummaryKind, destination string, prune bool) ChannelCycle {
	cycle := ChannelCycle{State: StateCollecting}

	messages, err := s.store.MessagesInRange(ctx, activity.ChannelID, from, to)
	if err != nil {
		cycle.Err = fmt.Errorf("выборка сообщений: %w", err)
		metrics.IncSummaryCycle(string(kind), "collect_failed")
		return cycle
	}

	// Команды в сводку не попадают; ответы бота — попадают.
	qualifying := messages[:0]
	for _, msg := range messages {
		if msg.IsCommand {
			continue
		}
		qualifying = append(qualifying, msg)
	}
	if len(qualifying) == 0 {
		metrics.IncSummaryCycle(string(kind), "empty")
		return cycle
	}

	cycle.Window = domain.ChannelActivityWindow{
		ChannelID:   activity.ChannelID,
		ChannelName: activity.ChannelName,
		GuildID:     activity.GuildID,
		GuildName:   activity.GuildName,
		From:        from,
		To:          to,
		Messages:    qualifying,
	}

	cycle.State = StateSummarizing
	text, err := s.summarizer.Summarize(ctx, cycle.Window)
	if err != nil {
		cycle.Err = fmt.Errorf("суммаризация канала %s: %w", activity.ChannelName, err)
		metrics.IncSummaryCycle(string(kind), "summarize_failed")
		return cycle
	}
	if strings.TrimSpace(text) == "" {
		cycle.Err = fmt.Errorf("суммаризация канала %s: пустая сводка", activity.ChannelName)
		metrics.IncSummaryCycle(string(kind), "summarize_failed")
		return cycle
	}

	cycle.State = StatePublishing
	record := domain.SummaryRecord{
		ID:           uuid.NewString(),
		ChannelID:    activity.ChannelID,
		ChannelName:  activity.ChannelName,
		GuildID:      activity.GuildID,
		GuildName:    activity.GuildName,
		Date:         from,
		WindowFrom:   from,
		WindowTo:     to,
		Text:         text,
		MessageCount: cycle.Window.MessageCount(),
		ActiveUsers:  cycle.Window.ActiveUsers(),
		Kind:         kind,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.summaries.InsertSummary(ctx, record); err != nil {
		cycle.Err = fmt.Errorf("сохранение сводки канала %s: %w", activity.ChannelName, err)
		metrics.IncSummaryCycle(string(kind), "persist_failed")
		return cycle
	}
	cycle.Record = &record
	cycle.Persisted = true

	// Доставка best-effort: сводка уже сохранена, сбой доставки цикл
	// не останавливает и удалению сообщений не мешает.
	if destination != "" {
		if _, err := s.platform.Send(ctx, destination, text); err != nil {
			s.log.Warn().Err(err).Str("channel", activity.ChannelName).Str("destination", destination).Msg("summary: доставка сводки не удалась")
		} else {
			cycle.Delivered = true
		}
	}

	if prune {
		cycle.State = StatePruning
		deleted, err := s.store.DeleteMessagesInRange(ctx, activity.ChannelID, from, to)
		if err != nil {
			// Сводка сохранена, сообщения остались — потери данных нет.
			s.log.Error().Err(err).Str("channel", activity.ChannelName).Msg("summary: удаление исходных сообщений не удалось")
			metrics.IncSummaryCycle(string(kind), "prune_failed")
			return cycle
		}
		cycle.Pruned = deleted
		metrics.MessagesPrunedTotal.Add(float64(deleted))
	}

	metrics.IncSummaryCycle(string(kind), "success")
	return cycle
}
