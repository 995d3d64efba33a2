package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ds-assistant-bot/internal/domain"
	"ds-assistant-bot/internal/infra/metrics"
)

// FirecrawlConfig настраивает клиент Firecrawl.
type FirecrawlConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Firecrawl извлекает произвольные страницы в markdown. Используется как
// общий провайдер для нетвиттерных ссылок и как запасной для твиттерных.
type Firecrawl struct {
	cfg        FirecrawlConfig
	httpClient *http.Client
}

var _ domain.Scraper = (*Firecrawl)(nil)

// NewFirecrawl создаёт клиент Firecrawl.
func NewFirecrawl(cfg FirecrawlConfig) *Firecrawl {
	client := &Firecrawl{cfg: cfg}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client.httpClient = &http.Client{Timeout: timeout}
	if cfg.BaseURL == "" {
		client.cfg.BaseURL = "https://api.firecrawl.dev"
	}
	return client
}

// SetHTTPClient подменяет транспорт (для тестов).
func (f *Firecrawl) SetHTTPClient(httpClient *http.Client) {
	if httpClient != nil {
		f.httpClient = httpClient
	}
}

type firecrawlResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Markdown string `json:"markdown"`
	} `json:"data"`
	Error string `json:"error,omitempty"`
}

// Scrape запрашивает markdown-представление страницы.
func (f *Firecrawl) Scrape(ctx context.Context, url string) (domain.ScrapedContent, error) {
	if f.cfg.APIKey == "" {
		return domain.ScrapedContent{}, fmt.Errorf("firecrawl: ключ API не настроен")
	}

	body, err := json.Marshal(map[string]any{
		"url":     url,
		"formats": []string{"markdown"},
	})
	if err != nil {
		return domain.ScrapedContent{}, fmt.Errorf("firecrawl: сериализация входа: %w", err)
	}

	endpoint := strings.TrimRight(f.cfg.BaseURL, "/") + "/v1/scrape"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.ScrapedContent{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.cfg.APIKey)

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	metrics.ObserveNetworkRequest("firecrawl", "scrape", "v1", start, err)
	if err != nil {
		return domain.ScrapedContent{}, fmt.Errorf("firecrawl: запрос: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return domain.ScrapedContent{}, fmt.Errorf("firecrawl: чтение ответа: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.ScrapedContent{}, fmt.Errorf("firecrawl: статус %d: %s", resp.StatusCode, truncateBody(payload))
	}

	var parsed firecrawlResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return domain.ScrapedContent{}, fmt.Errorf("firecrawl: распаковка ответа: %w", err)
	}
	if !parsed.Success {
		return domain.ScrapedContent{}, fmt.Errorf("firecrawl: отказ сервиса: %s", parsed.Error)
	}
	if strings.TrimSpace(parsed.Data.Markdown) == "" {
		return domain.ScrapedContent{}, fmt.Errorf("firecrawl: пустой markdown для %s", url)
	}

	return domain.ScrapedContent{Markdown: parsed.Data.Markdown}, nil
}
