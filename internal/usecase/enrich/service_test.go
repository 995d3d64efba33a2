package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ds-assistant-bot/internal/domain"
	"ds-assistant-bot/internal/infra/openai"
)

type stubScraper struct {
	content domain.ScrapedContent
	err     error
	calls   int
}

func (s *stubScraper) Scrape(context.Context, string) (domain.ScrapedContent, error) {
	s.calls++
	return s.content, s.err
}

type stubChat struct {
	reply string
	err   error
}

func (s *stubChat) CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if s.err != nil {
		return openai.ChatCompletionResponse{}, s.err
	}
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{Message: openai.ChatMessage{Content: s.reply}}}}, nil
}

type stubContentRepo struct {
	saved    map[string]domain.ContentSummary
	existing map[string]domain.ContentSummary
	lookups  int
}

func newStubContentRepo() *stubContentRepo {
	return &stubContentRepo{saved: map[string]domain.ContentSummary{}, existing: map[string]domain.ContentSummary{}}
}

func (r *stubContentRepo) SaveScrapedContent(_ context.Context, messageID string, summary domain.ContentSummary) error {
	r.saved[messageID] = summary
	return nil
}

func (r *stubContentRepo) ScrapedContentByURL(_ context.Context, url string) (*domain.ContentSummary, error) {
	r.lookups++
	if s, ok := r.existing[url]; ok {
		return &s, nil
	}
	return nil, nil
}

type stubCache struct {
	data map[string][]byte
	sets int
}

func newStubCache() *stubCache {
	return &stubCache{data: map[string][]byte{}}
}

func (c *stubCache) Set(key string, value []byte, _ time.Duration) error {
	c.sets++
	c.data[key] = value
	return nil
}

func (c *stubCache) Get(key string) ([]byte, error) {
	if v, ok := c.data[key]; ok {
		return v, nil
	}
	return nil, errors.New("нет ключа")
}

func TestProcessSocialURLUsesPrimary(t *testing.T) {
	primary := &stubScraper{content: domain.ScrapedContent{Markdown: "post text"}}
	generic := &stubScraper{content: domain.ScrapedContent{Markdown: "page text"}}
	chat := &stubChat{reply: `{"summary": "a post", "key_points": ["one"]}`}
	repo := newStubContentRepo()

	svc := NewService(primary, generic, chat, "m", repo, nil, zerolog.Nop())
	job := domain.EnrichJob{URL: "https://x.com/user/status/1", MessageID: "m1"}

	summary, err := svc.Process(context.Background(), job)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if primary.calls != 1 || generic.calls != 0 {
		t.Fatalf("соцссылка должна идти через основной провайдер (primary=%d generic=%d)", primary.calls, generic.calls)
	}
	if summary.Summary != "a post" {
		t.Fatalf("неожиданная сводка: %q", summary.Summary)
	}
	if _, ok := repo.saved["m1"]; !ok {
		t.Fatalf("результат должен быть сохранён рядом с сообщением")
	}
}

func TestProcessFallsBackToGeneric(t *testing.T) {
	primary := &stubScraper{err: errors.New("provider down")}
	generic := &stubScraper{content: domain.ScrapedContent{Markdown: "fallback text"}}
	chat := &stubChat{reply: `{"summary": "ok", "key_points": []}`}

	svc := NewService(primary, generic, chat, "m", newStubContentRepo(), nil, zerolog.Nop())
	job := domain.EnrichJob{URL: "https://twitter.com/user/status/2", MessageID: "m2"}

	if _, err := svc.Process(context.Background(), job); err != nil {
		t.Fatalf("фолбэк должен спасти задачу: %v", err)
	}
	if primary.calls != 1 || generic.calls != 1 {
		t.Fatalf("ожидали основной провайдер, затем общий (primary=%d generic=%d)", primary.calls, generic.calls)
	}
}

func TestProcessNonSocialSkipsPrimary(t *testing.T) {
	primary := &stubScraper{content: domain.ScrapedContent{Markdown: "never"}}
	generic := &stubScraper{content: domain.ScrapedContent{Markdown: "article"}}
	chat := &stubChat{reply: `{"summary": "ok", "key_points": []}`}

	svc := NewService(primary, generic, chat, "m", newStubContentRepo(), nil, zerolog.Nop())
	job := domain.EnrichJob{URL: "https://blog.example.com/post", MessageID: "m3"}

	if _, err := svc.Process(context.Background(), job); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if primary.calls != 0 {
		t.Fatalf("обычная ссылка не должна трогать основной провайдер")
	}
}

func TestProcessBothProvidersFail(t *testing.T) {
	primary := &stubScraper{err: errors.New("down")}
	generic := &stubScraper{err: errors.New("also down")}
	chat := &stubChat{reply: `{}`}

	svc := NewService(primary, generic, chat, "m", newStubContentRepo(), nil, zerolog.Nop())
	job := domain.EnrichJob{URL: "https://x.com/user/status/3", MessageID: "m4"}

	if _, err := svc.Process(context.Background(), job); err == nil {
		t.Fatalf("при отказе обоих провайдеров ожидали ошибку")
	}
}

func TestProcessKnownURLSkipsNetwork(t *testing.T) {
	primary := &stubScraper{}
	generic := &stubScraper{}
	repo := newStubContentRepo()
	repo.existing["https://example.com/a"] = domain.ContentSummary{URL: "https://example.com/a", Summary: "cached"}

	svc := NewService(primary, generic, &stubChat{}, "m", repo, nil, zerolog.Nop())
	summary, err := svc.Process(context.Background(), domain.EnrichJob{URL: "https://example.com/a"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if summary.Summary != "cached" {
		t.Fatalf("ожидали сохранённый результат, получили %q", summary.Summary)
	}
	if primary.calls != 0 || generic.calls != 0 {
		t.Fatalf("известный URL не должен вызывать провайдеров")
	}
}

func TestProcessCacheHitSkipsRepoAndNetwork(t *testing.T) {
	primary := &stubScraper{}
	generic := &stubScraper{}
	repo := newStubContentRepo()
	cache := newStubCache()
	payload, _ := json.Marshal(domain.ContentSummary{URL: "https://example.com/hot", Summary: "from cache"})
	cache.data["scraped:https://example.com/hot"] = payload

	svc := NewService(primary, generic, &stubChat{}, "m", repo, cache, zerolog.Nop())
	summary, err := svc.Process(context.Background(), domain.EnrichJob{URL: "https://example.com/hot"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if summary.Summary != "from cache" {
		t.Fatalf("ожидали сводку из кэша, получили %q", summary.Summary)
	}
	if repo.lookups != 0 {
		t.Fatalf("попадание в кэш не должно ходить в БД (lookups=%d)", repo.lookups)
	}
	if primary.calls != 0 || generic.calls != 0 {
		t.Fatalf("попадание в кэш не должно вызывать провайдеров")
	}
}

func TestProcessRepoHitBackfillsCache(t *testing.T) {
	repo := newStubContentRepo()
	repo.existing["https://example.com/a"] = domain.ContentSummary{URL: "https://example.com/a", Summary: "stored"}
	cache := newStubCache()

	svc := NewService(&stubScraper{}, &stubScraper{}, &stubChat{}, "m", repo, cache, zerolog.Nop())
	if _, err := svc.Process(context.Background(), domain.EnrichJob{URL: "https://example.com/a"}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if _, ok := cache.data["scraped:https://example.com/a"]; !ok {
		t.Fatalf("найденная в БД сводка должна попадать в кэш")
	}

	repo.lookups = 0
	summary, err := svc.Process(context.Background(), domain.EnrichJob{URL: "https://example.com/a"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if summary.Summary != "stored" || repo.lookups != 0 {
		t.Fatalf("повторная обработка должна идти через кэш (summary=%q lookups=%d)", summary.Summary, repo.lookups)
	}
}

func TestProcessNewURLWritesCache(t *testing.T) {
	generic := &stubScraper{content: domain.ScrapedContent{Markdown: "article"}}
	chat := &stubChat{reply: `{"summary": "fresh", "key_points": []}`}
	cache := newStubCache()

	svc := NewService(nil, generic, chat, "m", newStubContentRepo(), cache, zerolog.Nop())
	if _, err := svc.Process(context.Background(), domain.EnrichJob{URL: "https://example.com/new", MessageID: "m5"}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if cache.sets != 1 {
		t.Fatalf("свежая сводка должна записываться в кэш (sets=%d)", cache.sets)
	}
}

type failingQueue struct {
	mu   sync.Mutex
	pops int
}

func (q *failingQueue) Enqueue(context.Context, domain.EnrichJob) error { return nil }

func (q *failingQueue) Pop(context.Context) (domain.EnrichJob, error) {
	q.mu.Lock()
	q.pops++
	q.mu.Unlock()
	return domain.EnrichJob{}, errors.New("broker down")
}

func TestRunBacksOffOnQueueError(t *testing.T) {
	queue := &failingQueue{}
	svc := NewService(nil, &stubScraper{}, &stubChat{}, "m", newStubContentRepo(), nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		svc.Run(ctx, queue)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run должен завершиться по отмене контекста")
	}

	queue.mu.Lock()
	pops := queue.pops
	queue.mu.Unlock()
	// Без паузы между повторами за 50мс набежали бы тысячи попыток.
	if pops > 2 {
		t.Fatalf("ожидали паузу между повторами, получили %d чтений очереди", pops)
	}
}

func TestExtractURLs(t *testing.T) {
	text := "see https://example.com/a and http://x.com/u/status/5 plus plain text"
	urls := ExtractURLs(text)
	if len(urls) != 2 {
		t.Fatalf("ожидали 2 ссылки, получили %d: %v", len(urls), urls)
	}
	if urls[0] != "https://example.com/a" {
		t.Fatalf("неожиданная первая ссылка: %q", urls[0])
	}
}

func TestIsSocialURL(t *testing.T) {
	if !IsSocialURL("https://x.com/user/status/1") {
		t.Fatalf("x.com должен распознаваться как соцссылка")
	}
	if !IsSocialURL("https://twitter.com/user/status/1") {
		t.Fatalf("twitter.com должен распознаваться как соцссылка")
	}
	if IsSocialURL("https://example.com/twitter.com") {
		t.Fatalf("посторонний хост не должен распознаваться")
	}
}
