package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ds-assistant-bot/internal/domain"
	"ds-assistant-bot/internal/infra/metrics"
	"ds-assistant-bot/internal/infra/openai"
)

var urlRe = regexp.MustCompile(`https?://(?:[-\w.]|(?:%[\da-fA-F]{2}))+(?:/[^\s]*)?`)

var socialHosts = []string{"twitter.com", "www.twitter.com", "x.com", "www.x.com", "mobile.twitter.com"}

// ErrNoContent возвращается, когда ни один провайдер не дал содержимого.
var ErrNoContent = errors.New("контент по ссылке не получен")

const (
	// cacheTTL — срок жизни сводки ссылки в кэше перед БД.
	cacheTTL = 24 * time.Hour
	// popRetryDelay — пауза перед повтором после ошибки чтения очереди.
	popRetryDelay = time.Second
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ExtractURLs возвращает все ссылки из текста в порядке появления.
func ExtractURLs(text string) []string {
	return urlRe.FindAllString(text, -1)
}

// IsSocialURL определяет, ведёт ли ссылка на пост Twitter/X.
func IsSocialURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, host := range socialHosts {
		if strings.HasPrefix(lower, "https://"+host+"/") || strings.HasPrefix(lower, "http://"+host+"/") {
			return true
		}
	}
	return false
}

// Service обогащает ссылки: скрейпит контент, суммирует его через модель
// и сохраняет рядом с исходным сообщением. Любой сбой не влияет на обработку
// самого сообщения.
type Service struct {
	primary domain.Scraper // провайдер соцпостов, может отсутствовать
	generic domain.Scraper
	llm     chatClient
	model   string
	repo    domain.ContentRepo
	cache   domain.Cache
	log     zerolog.Logger
	timeout time.Duration
}

// NewService создаёт пайплайн обогащения. primary может быть nil — тогда все
// ссылки идут через generic-провайдера.
func NewService(primary, generic domain.Scraper, llm chatClient, model string, repo domain.ContentRepo, cache domain.Cache, logger zerolog.Logger) *Service {
	return &Service{
		primary: primary,
		generic: generic,
		llm:     llm,
		model:   model,
		repo:    repo,
		cache:   cache,
		log:     logger,
		timeout: 30 * time.Second,
	}
}

// Run обрабатывает задачи очереди до отмены контекста.
func (s *Service) Run(ctx context.Context, queue domain.EnrichQueue) {
	for {
		job, err := queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			// Устойчивая ошибка брокера без паузы даёт горячий цикл.
			s.log.Error().Err(err).Msg("enrich: ошибка чтения очереди")
			select {
			case <-ctx.Done():
				return
			case <-time.After(popRetryDelay):
			}
			continue
		}
		if _, err := s.Process(ctx, job); err != nil {
			s.log.Warn().Err(err).Str("url", job.URL).Msg("enrich: ссылка не обогащена")
		}
	}
}

// Process обогащает одну ссылку. Повторная обработка уже известного URL
// возвращает сохранённый результат без походов в сеть: сначала кэш,
// затем БД.
func (s *Service) Process(ctx context.Context, job domain.EnrichJob) (domain.ContentSummary, error) {
	if cached, ok := s.fromCache(job.URL); ok {
		return cached, nil
	}
	if existing, err := s.repo.ScrapedContentByURL(ctx, job.URL); err == nil && existing != nil {
		s.toCache(*existing)
		return *existing, nil
	}

	content, provider, err := s.scrape(ctx, job.URL)
	if err != nil {
		metrics.IncEnrichJob(provider, "scrape_failed")
		return domain.ContentSummary{}, fmt.Errorf("скрейпинг %s: %w", job.URL, err)
	}

	summary, err := s.summarize(ctx, job.URL, content)
	if err != nil {
		metrics.IncEnrichJob(provider, "summarize_failed")
		return domain.ContentSummary{}, fmt.Errorf("суммаризация %s: %w", job.URL, err)
	}

	if err := s.repo.SaveScrapedContent(ctx, job.MessageID, summary); err != nil {
		metrics.IncEnrichJob(provider, "store_failed")
		return domain.ContentSummary{}, fmt.Errorf("сохранение контента %s: %w", job.URL, err)
	}
	s.toCache(summary)

	metrics.IncEnrichJob(provider, "success")
	return summary, nil
}

func cacheKey(url string) string {
	return "scraped:" + url
}

// fromCache читает готовую сводку ссылки из кэша. Промах или битая запись —
// не ошибка, идём в БД.
func (s *Service) fromCache(url string) (domain.ContentSummary, bool) {
	if s.cache == nil {
		return domain.ContentSummary{}, false
	}
	payload, err := s.cache.Get(cacheKey(url))
	if err != nil || len(payload) == 0 {
		return domain.ContentSummary{}, false
	}
	var summary domain.ContentSummary
	if err := json.Unmarshal(payload, &summary); err != nil {
		s.log.Warn().Err(err).Str("url", url).Msg("enrich: битая запись в кэше")
		return domain.ContentSummary{}, false
	}
	return summary, true
}

func (s *Service) toCache(summary domain.ContentSummary) {
	if s.cache == nil {
		return
	}
	if payload, err := json.Marshal(summary); err == nil {
		_ = s.cache.Set(cacheKey(summary.URL), payload, cacheTTL)
	}
}

// scrape пробует провайдеров в фиксированном порядке: для соцпостов сначала
// основной, затем общий; первый успех выигрывает.
func (s *Service) scrape(ctx context.Context, url string) (domain.ScrapedContent, string, error) {
	if IsSocialURL(url) && s.primary != nil {
		content, err := s.primary.Scrape(ctx, url)
		if err == nil && content.Markdown != "" {
			return content, "primary", nil
		}
		if err != nil {
			s.log.Warn().Err(err).Str("url", url).Msg("enrich: основной провайдер не справился, переключаемся на общий")
		}
	}

	content, err := s.generic.Scrape(ctx, url)
	if err != nil {
		return domain.ScrapedContent{}, "generic", err
	}
	if content.Markdown == "" {
		return domain.ScrapedContent{}, "generic", ErrNoContent
	}
	return content, "generic", nil
}

type summaryPayload struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
}

func (s *Service) summarize(ctx context.Context, url string, content domain.ScrapedContent) (domain.ContentSummary, error) {
	llmCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	text := clipRunes(content.Markdown, 8000)
	userPrompt := fmt.Sprintf(`Summarize the following web content in 2-3 sentences and extract up to 5 key points.
Return JSON of the form {"summary": "...", "key_points": ["..."]} with no extra commentary.
Content from %s:
%s`, url, text)

	req := openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: 0.2,
		MaxTokens:   400,
		Messages: []openai.ChatMessage{
			{Role: openai.RoleSystem, Content: "You summarize web pages factually. Never invent details that are not in the content."},
			{Role: openai.RoleUser, Content: userPrompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ResponseFormatTypeJSONObject},
	}

	resp, err := s.llm.CreateChatCompletion(llmCtx, req)
	if err != nil {
		return domain.ContentSummary{}, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.ContentSummary{}, fmt.Errorf("openai completion: пустой ответ")
	}

	var parsed summaryPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Choices[0].Message.Content)), &parsed); err != nil {
		return domain.ContentSummary{}, fmt.Errorf("распаковка ответа LLM: %w", err)
	}

	out := domain.ContentSummary{URL: url, Summary: strings.TrimSpace(parsed.Summary)}
	for _, point := range parsed.KeyPoints {
		if trimmed := strings.TrimSpace(point); trimmed != "" {
			out.KeyPoints = append(out.KeyPoints, trimmed)
		}
	}
	if content.VideoURL != "" {
		out.KeyPoints = append(out.KeyPoints, "Video: "+content.VideoURL)
	}
	return out, nil
}

func clipRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
