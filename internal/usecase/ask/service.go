package ask

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ds-assistant-bot/internal/domain"
	"ds-assistant-bot/internal/infra/metrics"
	"ds-assistant-bot/internal/infra/openai"
	"ds-assistant-bot/internal/usecase/assemble"
	"ds-assistant-bot/internal/usecase/enrich"
	"ds-assistant-bot/internal/usecase/ratelimit"
	"ds-assistant-bot/internal/usecase/resolve"
)

// systemPrompt — роль ассистента сообщества. Ответы короткие, по делу,
// с уважением к контексту переписки.
const systemPrompt = `Ты — ассистент сообщества на сервере Discord. Отвечай кратко и по существу на языке вопроса. Если к вопросу приложен контекст (процитированные сообщения, ссылки, изображения) — опирайся на него. Если ответа в контексте нет, честно скажи об этом. Не выдумывай факты.`

// fallbackAnswer отправляется пользователю при сбое модели.
const fallbackAnswer = "Не получилось обработать запрос, попробуйте ещё раз чуть позже."

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Request — входящий запрос по упоминанию бота.
type Request struct {
	Message domain.MessageRef
	// Query — текст запроса с вырезанным упоминанием бота.
	Query string
}

// Response — ответ ассистента.
type Response struct {
	Text string
	// Denied заполнен, если запрос отклонён рейт-лимитером.
	Denied *ratelimit.Decision
}

// Service обрабатывает упоминания бота: допуск, сбор контекста, генерация
// ответа модели и его сохранение в истории канала.
type Service struct {
	limiter   *ratelimit.Limiter
	resolver  *resolve.Resolver
	assembler *assemble.Assembler
	content   domain.ContentRepo
	store     domain.MessageStore
	llm       chatClient
	model     string
	botUserID string
	log       zerolog.Logger
	now       func() time.Time
}

// NewService создаёт обработчик упоминаний.
func NewService(limiter *ratelimit.Limiter, resolver *resolve.Resolver, assembler *assemble.Assembler, content domain.ContentRepo, store domain.MessageStore, llm chatClient, model, botUserID string, logger zerolog.Logger) *Service {
	return &Service{
		limiter:   limiter,
		resolver:  resolver,
		assembler: assembler,
		content:   content,
		store:     store,
		llm:       llm,
		model:     model,
		botUserID: botUserID,
		log:       logger,
		now:       time.Now,
	}
}

// Handle обрабатывает один запрос. Ошибку возвращает только при сбое
// генерации; отказ лимитера — штатный исход с заполненным Denied.
func (s *Service) Handle(ctx context.Context, req Request) (Response, error) {
	metrics.MentionRequestsTotal.Inc()

	identity := ratelimit.Identity(req.Message.GuildID, req.Message.AuthorID)
	decision := s.limiter.Admit(identity)
	if !decision.Allowed {
		s.log.Info().
			Str("identity", identity).
			Str("reason", decision.Reason).
			Dur("retry_after", decision.RetryAfter).
			Msg("ask: запрос отклонён лимитером")
		return Response{
			Text:   denialText(decision),
			Denied: &decision,
		}, nil
	}

	rc := s.resolver.Resolve(ctx, req.Message)
	scraped := s.lookupScraped(ctx, rc)

	userMsg := s.assembler.Assemble(rc, req.Query, scraped)
	messages := []openai.ChatMessage{
		{Role: openai.RoleSystem, Content: systemPrompt},
		userMsg,
	}

	resp, err := s.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: messages,
	})
	if err != nil {
		s.log.Error().Err(err).Str("identity", identity).Msg("ask: генерация ответа не удалась")
		return Response{Text: fallbackAnswer}, fmt.Errorf("генерация ответа: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		s.log.Error().Str("identity", identity).Msg("ask: модель вернула пустой ответ")
		return Response{Text: fallbackAnswer}, fmt.Errorf("генерация ответа: пустой ответ модели")
	}
	answer := resp.Choices[0].Message.Content

	s.recordAnswer(ctx, req.Message, answer)

	return Response{Text: answer}, nil
}

// lookupScraped подтягивает уже готовые сводки ссылок из запроса и вложенных
// сообщений. Обогащение работает асинхронно; если сводки ещё нет — ссылка
// уходит в модель как есть.
func (s *Service) lookupScraped(ctx context.Context, rc domain.RequestContext) []domain.ContentSummary {
	urls := enrich.ExtractURLs(rc.Current.Text)
	if rc.Reply != nil {
		urls = append(urls, enrich.ExtractURLs(rc.Reply.Text)...)
	}
	for _, linked := range rc.Linked {
		urls = append(urls, enrich.ExtractURLs(linked.Text)...)
	}

	seen := make(map[string]struct{}, len(urls))
	var summaries []domain.ContentSummary
	for _, url := range urls {
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}

		summary, err := s.content.ScrapedContentByURL(ctx, url)
		if err != nil {
			s.log.Warn().Err(err).Str("url", url).Msg("ask: чтение сводки ссылки не удалось")
			continue
		}
		if summary == nil {
			continue
		}
		summaries = append(summaries, *summary)
	}
	return summaries
}

// recordAnswer сохраняет ответ бота в истории канала, чтобы он попал в
// суточную сводку. Сбой записи на ответ пользователю не влияет.
func (s *Service) recordAnswer(ctx context.Context, origin domain.MessageRef, answer string) {
	msg := domain.StoredMessage{
		ID:         fmt.Sprintf("bot-%s-%d", origin.ID, s.now().UnixNano()),
		ChannelID:  origin.ChannelID,
		GuildID:    origin.GuildID,
		AuthorID:   s.botUserID,
		AuthorName: "assistant",
		Content:    answer,
		IsBot:      true,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("channel_id", origin.ChannelID).Msg("ask: сохранение ответа бота не удалось")
	}
}

func denialText(decision ratelimit.Decision) string {
	retry := int(decision.RetryAfter.Round(time.Second).Seconds())
	if retry < 1 {
		retry = 1
	}
	return fmt.Sprintf("Слишком много запросов. Попробуйте снова через %d сек.", retry)
}
