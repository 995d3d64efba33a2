package discord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"ds-assistant-bot/internal/domain"
	"ds-assistant-bot/internal/usecase/ask"
	"ds-assistant-bot/internal/usecase/enrich"
	"ds-assistant-bot/internal/usecase/summary"
)

const (
	cmdSumDay = "/sum-day"
	cmdSumHr  = "/sum-hr"

	maxOnDemandHours = 168

	handleTimeout = 3 * time.Minute
)

// Handler обслуживает события гейтвея: записывает сообщения в историю,
// ставит ссылки в очередь обогащения, обрабатывает команды и упоминания.
type Handler struct {
	client    *Client
	log       zerolog.Logger
	askUC     *ask.Service
	summaryUC *summary.Service
	store     domain.MessageStore
	queue     domain.EnrichQueue
	allowed   map[string]struct{}
}

// NewHandler создаёт обработчик событий. Пустой allowedChannels означает,
// что бот отвечает во всех каналах; история пишется в любом случае.
func NewHandler(client *Client, log zerolog.Logger, askUC *ask.Service, summaryUC *summary.Service, store domain.MessageStore, queue domain.EnrichQueue, allowedChannels []string) *Handler {
	var allowed map[string]struct{}
	if len(allowedChannels) > 0 {
		allowed = make(map[string]struct{}, len(allowedChannels))
		for _, id := range allowedChannels {
			allowed[id] = struct{}{}
		}
	}
	return &Handler{
		client:    client,
		log:       log,
		askUC:     askUC,
		summaryUC: summaryUC,
		store:     store,
		queue:     queue,
		allowed:   allowed,
	}
}

func (h *Handler) channelAllowed(channelID string) bool {
	if h.allowed == nil {
		return true
	}
	_, ok := h.allowed[channelID]
	return ok
}

// OnMessageCreate — обработчик события MessageCreate для discordgo.
func (h *Handler) OnMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || s.State.User == nil {
		return
	}
	// Собственные сообщения бот сохраняет сам при ответе.
	if m.Author.ID == s.State.User.ID {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	text := strings.TrimSpace(m.Content)
	isCommand := strings.HasPrefix(text, cmdSumDay) || strings.HasPrefix(text, cmdSumHr)

	h.record(ctx, s, m, isCommand)
	h.enqueueURLs(ctx, m)

	if !h.channelAllowed(m.ChannelID) {
		return
	}
	switch {
	case isCommand:
		h.handleCommand(ctx, s, m, text)
	case h.mentionsBot(s, m):
		h.handleMention(ctx, s, m)
	}
}

// record сохраняет сообщение в истории канала для будущей сводки.
func (h *Handler) record(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, isCommand bool) {
	channelName, guildName := h.names(s, m.ChannelID, m.GuildID)
	msg := domain.StoredMessage{
		ID:          m.ID,
		ChannelID:   m.ChannelID,
		ChannelName: channelName,
		GuildID:     m.GuildID,
		GuildName:   guildName,
		AuthorID:    m.Author.ID,
		AuthorName:  m.Author.Username,
		IsBot:       m.Author.Bot,
		IsCommand:   isCommand,
		Content:     m.Content,
		CreatedAt:   m.Timestamp.UTC(),
	}
	if err := h.store.InsertMessage(ctx, msg); err != nil {
		h.log.Warn().Err(err).Str("message_id", m.ID).Msg("discord: запись сообщения не удалась")
	}
}

// enqueueURLs ставит ссылки из сообщения в очередь обогащения.
func (h *Handler) enqueueURLs(ctx context.Context, m *discordgo.MessageCreate) {
	for _, url := range enrich.ExtractURLs(m.Content) {
		job := domain.EnrichJob{
			ID:          m.ID + ":" + url,
			URL:         url,
			MessageID:   m.ID,
			ChannelID:   m.ChannelID,
			RequestedAt: time.Now().UTC(),
		}
		if err := h.queue.Enqueue(ctx, job); err != nil {
			h.log.Warn().Err(err).Str("url", url).Msg("discord: постановка ссылки в очередь не удалась")
		}
	}
}

func (h *Handler) handleCommand(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, text string) {
	now := time.Now().UTC()
	var from time.Time
	var title string

	switch {
	case strings.HasPrefix(text, cmdSumDay):
		from = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		title = "Сводка за сегодня"
	case strings.HasPrefix(text, cmdSumHr):
		hours, err := parseHours(text)
		if err != nil {
			h.reply(ctx, m.ChannelID, fmt.Sprintf("Использование: `%s N`, где N — количество часов от 1 до %d.", cmdSumHr, maxOnDemandHours))
			return
		}
		from = now.Add(-time.Duration(hours) * time.Hour)
		title = fmt.Sprintf("Сводка за %d ч", hours)
	default:
		return
	}

	// Результат уходит в тред от команды, чтобы не шуметь в канале.
	destination, err := h.client.CreateThread(ctx, m.ChannelID, m.ID, title)
	if err != nil {
		h.log.Warn().Err(err).Str("channel_id", m.ChannelID).Msg("discord: создание треда не удалось, отвечаем в канал")
		destination = m.ChannelID
	}

	channelName, guildName := h.names(s, m.ChannelID, m.GuildID)
	_, err = h.summaryUC.OnDemand(ctx, summary.OnDemandRequest{
		ChannelID:   m.ChannelID,
		ChannelName: channelName,
		GuildID:     m.GuildID,
		GuildName:   guildName,
		From:        from,
		To:          now,
		Destination: destination,
	})
	switch {
	case errors.Is(err, summary.ErrNoMessages):
		h.reply(ctx, destination, "За выбранный период сообщений нет.")
	case err != nil:
		h.log.Error().Err(err).Str("channel_id", m.ChannelID).Msg("discord: ручная сводка не удалась")
		h.reply(ctx, destination, "Не получилось собрать сводку, попробуйте позже.")
	}
}

func (h *Handler) handleMention(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	if err := s.ChannelTyping(m.ChannelID, discordgo.WithContext(ctx)); err != nil {
		h.log.Debug().Err(err).Str("channel_id", m.ChannelID).Msg("discord: индикатор набора не отправился")
	}

	query := stripMention(m.Content, s.State.User.ID)
	resp, err := h.askUC.Handle(ctx, ask.Request{
		Message: toMessageRef(m.Message),
		Query:   query,
	})
	if err != nil {
		h.log.Error().Err(err).Str("message_id", m.ID).Msg("discord: обработка упоминания не удалась")
	}
	if resp.Text == "" {
		return
	}
	h.reply(ctx, m.ChannelID, resp.Text)
}

func (h *Handler) reply(ctx context.Context, channelID, text string) {
	if _, err := h.client.Send(ctx, channelID, text); err != nil {
		h.log.Warn().Err(err).Str("channel_id", channelID).Msg("discord: отправка ответа не удалась")
	}
}

func (h *Handler) mentionsBot(s *discordgo.Session, m *discordgo.MessageCreate) bool {
	for _, user := range m.Mentions {
		if user != nil && user.ID == s.State.User.ID {
			return true
		}
	}
	return false
}

// names возвращает имена канала и гильдии из кэша гейтвея; кэш может быть
// неполным, тогда имена остаются пустыми.
func (h *Handler) names(s *discordgo.Session, channelID, guildID string) (string, string) {
	var channelName, guildName string
	if ch, err := s.State.Channel(channelID); err == nil {
		channelName = ch.Name
	}
	if guildID != "" {
		if g, err := s.State.Guild(guildID); err == nil {
			guildName = g.Name
		}
	}
	return channelName, guildName
}

// parseHours разбирает аргумент команды /sum-hr.
func parseHours(text string) (int, error) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return 0, fmt.Errorf("нет аргумента")
	}
	hours, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, err
	}
	if hours < 1 || hours > maxOnDemandHours {
		return 0, fmt.Errorf("часы вне диапазона: %d", hours)
	}
	return hours, nil
}

// stripMention вырезает упоминания бота из текста запроса.
func stripMention(text, botID string) string {
	text = strings.ReplaceAll(text, "<@"+botID+">", "")
	text = strings.ReplaceAll(text, "<@!"+botID+">", "")
	return strings.TrimSpace(text)
}
