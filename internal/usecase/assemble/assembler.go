package assemble

import (
	"fmt"
	"strings"

	"ds-assistant-bot/internal/domain"
	"ds-assistant-bot/internal/infra/openai"
)

const timeLayout = "2006-01-02 15:04:05 UTC"

// Assembler собирает из контекста запроса единый пользовательский ход для
// модели. Текстовый и мультимодальный запросы — две формы одного конверта:
// форма выбирается по наличию изображений, частично собранный
// мультимодальный запрос наружу не выходит.
type Assembler struct{}

// NewAssembler создаёт сборщик запросов.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Assemble строит пользовательское сообщение: текст запроса с метаданными
// упомянутых сообщений и, если изображения есть, по одной части на каждое
// изображение в порядке резолва.
func (a *Assembler) Assemble(rc domain.RequestContext, query string, scraped []domain.ContentSummary) openai.ChatMessage {
	text := buildText(rc, query, scraped)

	if !rc.HasImages() {
		return openai.ChatMessage{Role: openai.RoleUser, Content: text}
	}

	parts := make([]openai.ChatMessagePart, 0, len(rc.Images)+1)
	parts = append(parts, openai.TextPart(text))
	for _, img := range rc.Images {
		parts = append(parts, openai.ImagePart(img.DataURL))
	}
	return openai.ChatMessage{Role: openai.RoleUser, MultiContent: parts}
}

func buildText(rc domain.RequestContext, query string, scraped []domain.ContentSummary) string {
	var sections []string

	for _, content := range scraped {
		var b strings.Builder
		fmt.Fprintf(&b, "**Scraped Content for %s:**\n", content.URL)
		fmt.Fprintf(&b, "Summary: %s", content.Summary)
		if len(content.KeyPoints) > 0 {
			fmt.Fprintf(&b, "\nKey Points: %s", strings.Join(content.KeyPoints, ", "))
		}
		sections = append(sections, b.String())
	}

	if rc.Reply != nil {
		sections = append(sections, describeMessage("Referenced Message (Reply)", *rc.Reply))
	}
	for i, linked := range rc.Linked {
		sections = append(sections, describeMessage(fmt.Sprintf("Linked Message %d", i+1), linked))
	}

	if len(sections) == 0 {
		// Без контекста запрос уходит без изменений.
		return query
	}

	sections = append(sections, "**User's Question/Request:**\n"+query)
	return strings.Join(sections, "\n\n")
}

func describeMessage(label string, msg domain.MessageRef) string {
	author := msg.AuthorName
	if author == "" {
		author = "Unknown"
	}
	ts := "Unknown time"
	if !msg.Timestamp.IsZero() {
		ts = msg.Timestamp.UTC().Format(timeLayout)
	}
	return fmt.Sprintf("**%s:**\nAuthor: %s\nTime: %s\nContent: %s", label, author, ts, msg.Text)
}
