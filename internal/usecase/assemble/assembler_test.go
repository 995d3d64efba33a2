package assemble

import (
	"strings"
	"testing"
	"time"

	"ds-assistant-bot/internal/domain"
	"ds-assistant-bot/internal/infra/openai"
)

func TestAssemblePlainTextUnchanged(t *testing.T) {
	a := NewAssembler()
	rc := domain.RequestContext{Current: domain.MessageRef{ID: "m1"}}

	msg := a.Assemble(rc, "what is Go?", nil)
	if msg.Role != openai.RoleUser {
		t.Fatalf("ожидали роль user, получили %s", msg.Role)
	}
	if len(msg.MultiContent) != 0 {
		t.Fatalf("без изображений частей быть не должно")
	}
	if msg.Content != "what is Go?" {
		t.Fatalf("запрос без контекста должен уйти без изменений, получили %q", msg.Content)
	}
}

func TestAssembleMultimodalShape(t *testing.T) {
	a := NewAssembler()
	ts := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	rc := domain.RequestContext{
		Current: domain.MessageRef{ID: "m1"},
		Reply:   &domain.MessageRef{ID: "m0", AuthorName: "alice", Timestamp: ts, Text: "look at this"},
		Images: []domain.ImagePayload{
			{SourceMessageID: "m1", MIME: "image/png", DataURL: "data:image/png;base64,AAAA"},
			{SourceMessageID: "m0", MIME: "image/gif", DataURL: "data:image/gif;base64,BBBB"},
		},
	}

	msg := a.Assemble(rc, "describe", nil)
	if msg.Content != "" {
		t.Fatalf("мультимодальный запрос не должен дублировать текстовый content")
	}
	if len(msg.MultiContent) != 3 {
		t.Fatalf("ожидали текст + 2 изображения, получили %d частей", len(msg.MultiContent))
	}
	if msg.MultiContent[0].Type != openai.PartTypeText {
		t.Fatalf("первая часть должна быть текстовой")
	}
	if !strings.Contains(msg.MultiContent[0].Text, "alice") {
		t.Fatalf("метаданные реплая должны попасть в текстовую часть")
	}
	if msg.MultiContent[1].ImageURL.URL != "data:image/png;base64,AAAA" {
		t.Fatalf("порядок изображений должен совпадать с порядком резолва")
	}
	if msg.MultiContent[2].ImageURL.URL != "data:image/gif;base64,BBBB" {
		t.Fatalf("порядок изображений должен совпадать с порядком резолва")
	}
}

func TestAssembleIncludesLinkedAndScraped(t *testing.T) {
	a := NewAssembler()
	rc := domain.RequestContext{
		Current: domain.MessageRef{ID: "m1"},
		Linked: []domain.MessageRef{
			{ID: "l1", AuthorName: "bob", Text: "first"},
			{ID: "l2", AuthorName: "eve", Text: "second"},
		},
	}
	scraped := []domain.ContentSummary{{URL: "https://example.com", Summary: "о статье", KeyPoints: []string{"a", "b"}}}

	msg := a.Assemble(rc, "tell me", scraped)
	text := msg.Content
	if !strings.Contains(text, "Linked Message 1") || !strings.Contains(text, "Linked Message 2") {
		t.Fatalf("ожидали обе ссылки в контексте: %q", text)
	}
	if strings.Index(text, "first") > strings.Index(text, "second") {
		t.Fatalf("ссылки должны идти в исходном порядке")
	}
	if !strings.Contains(text, "Scraped Content for https://example.com") {
		t.Fatalf("обогащённый контент должен попасть в запрос")
	}
	if !strings.Contains(text, "**User's Question/Request:**\ntell me") {
		t.Fatalf("вопрос пользователя должен завершать контекст: %q", text)
	}
}
