package summarizer

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "ds-assistant-bot/internal/infra/openai"

	"ds-assistant-bot/internal/domain"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// chunkRunes — порог, после которого транскрипт суммируется иерархически:
// сначала куски, затем сводка сводок.
const chunkRunes = 60000

// OpenAI реализует суммаризацию окна активности канала через
// OpenAI Chat Completions.
type OpenAI struct {
	client  chatClient
	model   string
	timeout time.Duration
}

// NewOpenAI создаёт провайдер суммаризации.
func NewOpenAI(client chatClient, model string, timeout time.Duration) *OpenAI {
	if model == "" {
		model = "gpt-4.1-mini"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAI{client: client, model: model, timeout: timeout}
}

const summarySystemPrompt = "Ты редактор сводок чат-сообщества. Сохраняй факты из переписки и не выдумывай ничего нового. Упоминай участников по именам. Ссылки вида [Перейти](url) из транскрипта переноси в сводку рядом с темой, к которой они относятся."

// Summarize строит сводку окна. Короткие транскрипты суммируются одним
// запросом; длинные — по кускам с финальной склейкой.
func (s *OpenAI) Summarize(ctx context.Context, window domain.ChannelActivityWindow) (string, error) {
	transcript := Transcript(window)
	if strings.TrimSpace(transcript) == "" {
		return "", fmt.Errorf("пустой транскрипт канала %s", window.ChannelName)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	chunks := splitRunes(transcript, chunkRunes)
	if len(chunks) == 1 {
		return s.summarizeChunk(ctx, window, chunks[0], false)
	}

	parts := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		part, err := s.summarizeChunk(ctx, window, chunk, false)
		if err != nil {
			return "", fmt.Errorf("сводка куска %d/%d: %w", i+1, len(chunks), err)
		}
		parts = append(parts, part)
	}
	return s.summarizeChunk(ctx, window, strings.Join(parts, "\n\n"), true)
}

func (s *OpenAI) summarizeChunk(ctx context.Context, window domain.ChannelActivityWindow, text string, merge bool) (string, error) {
	var userPrompt string
	if merge {
		userPrompt = fmt.Sprintf(`Ниже несколько частичных сводок переписки канала #%s за период с %s по %s.
Объедини их в одну связную сводку в markdown: основные темы обсуждения, принятые решения, открытые вопросы.
Частичные сводки:
%s`, window.ChannelName, window.From.Format("02.01 15:04"), window.To.Format("02.01 15:04"), text)
	} else {
		userPrompt = fmt.Sprintf(`Подготовь сводку переписки канала #%s за период с %s по %s.
Формат — markdown: основные темы обсуждения, принятые решения, открытые вопросы. Пиши на языке переписки.
Транскрипт:
%s`, window.ChannelName, window.From.Format("02.01 15:04"), window.To.Format("02.01 15:04"), text)
	}

	req := openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: 0.3,
		Messages: []openai.ChatMessage{
			{Role: openai.RoleSystem, Content: summarySystemPrompt},
			{Role: openai.RoleUser, Content: userPrompt},
		},
	}

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai completion: пустой ответ")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Transcript форматирует окно в текстовый транскрипт: каждая строка содержит
// время, автора, текст и ссылку на исходное сообщение. Сводки внешних ссылок
// добавляются строкой ниже.
func Transcript(window domain.ChannelActivityWindow) string {
	var b strings.Builder
	for _, msg := range window.Messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" && msg.ScrapedSummary == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s: %s [Перейти](%s)\n",
			msg.CreatedAt.Format("15:04:05"), msg.AuthorName, content, MessageLink(msg))
		if msg.ScrapedSummary != "" {
			fmt.Fprintf(&b, "  (содержимое ссылки %s: %s)\n", msg.ScrapedURL, msg.ScrapedSummary)
			for _, point := range msg.ScrapedKeyPoints {
				fmt.Fprintf(&b, "  - %s\n", point)
			}
		}
	}
	return b.String()
}

// MessageLink строит постоянную ссылку на сообщение.
func MessageLink(msg domain.StoredMessage) string {
	guild := msg.GuildID
	if guild == "" {
		guild = "@me"
	}
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", guild, msg.ChannelID, msg.ID)
}

// splitRunes режет текст на куски не длиннее limit рун, предпочитая
// границы строк.
func splitRunes(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}
