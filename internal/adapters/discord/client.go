package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"ds-assistant-bot/internal/domain"
	"ds-assistant-bot/internal/infra/metrics"
)

// Client реализует доменный шлюз платформы поверх discordgo.
type Client struct {
	session *discordgo.Session
	log     zerolog.Logger
}

var _ domain.Platform = (*Client)(nil)

// NewClient оборачивает открытую сессию discordgo.
func NewClient(session *discordgo.Session, logger zerolog.Logger) *Client {
	return &Client{session: session, log: logger}
}

// FetchMessage получает сообщение по REST и переводит его в доменный вид.
func (c *Client) FetchMessage(ctx context.Context, channelID, messageID string) (domain.MessageRef, error) {
	start := time.Now()
	msg, err := c.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	metrics.ObserveNetworkRequest("discord", "channel_message", "messages", start, err)
	if err != nil {
		return domain.MessageRef{}, mapRESTError(err)
	}
	return toMessageRef(msg), nil
}

// Send отправляет текст в канал, при необходимости разбивая его на части.
// Возвращает идентификатор первого отправленного сообщения.
func (c *Client) Send(ctx context.Context, channelID, text string) (string, error) {
	parts := SplitMessage(text)
	if len(parts) == 0 {
		return "", fmt.Errorf("пустое сообщение")
	}

	firstID := ""
	for i, part := range parts {
		start := time.Now()
		sent, err := c.session.ChannelMessageSend(channelID, part, discordgo.WithContext(ctx))
		metrics.ObserveNetworkRequest("discord", "channel_message_send", "messages", start, err)
		if err != nil {
			if firstID != "" {
				// Часть сообщения уже ушла; получатель увидит обрыв.
				c.log.Warn().Err(err).Str("channel_id", channelID).Int("part", i+1).Int("parts", len(parts)).Msg("discord: отправка части сообщения не удалась")
			}
			return firstID, mapRESTError(err)
		}
		if firstID == "" {
			firstID = sent.ID
		}
	}
	return firstID, nil
}

// CreateThread открывает тред от сообщения и возвращает его идентификатор.
func (c *Client) CreateThread(ctx context.Context, channelID, messageID, name string) (string, error) {
	start := time.Now()
	thread, err := c.session.MessageThreadStartComplex(channelID, messageID, &discordgo.ThreadStart{
		Name:                name,
		AutoArchiveDuration: 1440,
	}, discordgo.WithContext(ctx))
	metrics.ObserveNetworkRequest("discord", "thread_start", "threads", start, err)
	if err != nil {
		return "", mapRESTError(err)
	}
	return thread.ID, nil
}

// toMessageRef переводит сообщение discordgo в доменный вид.
func toMessageRef(msg *discordgo.Message) domain.MessageRef {
	ref := domain.MessageRef{
		ID:        msg.ID,
		ChannelID: msg.ChannelID,
		GuildID:   msg.GuildID,
		Timestamp: msg.Timestamp,
		Text:      msg.Content,
	}
	if msg.Author != nil {
		ref.AuthorID = msg.Author.ID
		ref.AuthorName = msg.Author.Username
		ref.IsBot = msg.Author.Bot
	}
	for _, att := range msg.Attachments {
		if att == nil {
			continue
		}
		ref.Attachments = append(ref.Attachments, domain.Attachment{
			URL:         att.URL,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        int64(att.Size),
		})
	}
	if mr := msg.MessageReference; mr != nil && mr.MessageID != "" {
		ref.ReplyChannelID = mr.ChannelID
		if ref.ReplyChannelID == "" {
			ref.ReplyChannelID = msg.ChannelID
		}
		ref.ReplyMessageID = mr.MessageID
	}
	return ref
}

// mapRESTError переводит ошибки discordgo в доменные: недоступные и
// удалённые сообщения — штатная деградация контекста.
func mapRESTError(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusNotFound:
			return domain.ErrMessageNotFound
		case http.StatusForbidden:
			return domain.ErrForbidden
		}
	}
	return err
}
