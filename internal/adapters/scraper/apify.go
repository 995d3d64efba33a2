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

const defaultTweetActor = "apidojo~tweet-scraper"

// ApifyConfig настраивает клиент Apify.
type ApifyConfig struct {
	BaseURL string
	Token   string
	ActorID string
	Timeout time.Duration
}

// Apify извлекает посты X/Twitter через актор Apify: синхронный запуск
// с возвратом элементов датасета одним запросом.
type Apify struct {
	cfg        ApifyConfig
	httpClient *http.Client
}

var _ domain.Scraper = (*Apify)(nil)

// NewApify создаёт клиент Apify.
func NewApify(cfg ApifyConfig) *Apify {
	client := &Apify{cfg: cfg}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client.httpClient = &http.Client{Timeout: timeout}
	if cfg.BaseURL == "" {
		client.cfg.BaseURL = "https://api.apify.com"
	}
	if cfg.ActorID == "" {
		client.cfg.ActorID = defaultTweetActor
	}
	return client
}

// SetHTTPClient подменяет транспорт (для тестов).
func (a *Apify) SetHTTPClient(httpClient *http.Client) {
	if httpClient != nil {
		a.httpClient = httpClient
	}
}

type apifyTweet struct {
	Text   string `json:"text"`
	URL    string `json:"url"`
	Author struct {
		Name     string `json:"name"`
		UserName string `json:"userName"`
	} `json:"author"`
	ExtendedEntities struct {
		Media []struct {
			VideoInfo struct {
				Variants []struct {
					ContentType string `json:"content_type"`
					URL         string `json:"url"`
				} `json:"variants"`
			} `json:"video_info"`
		} `json:"media"`
	} `json:"extendedEntities"`
}

// Scrape запускает актор для одной ссылки и переводит первый элемент
// датасета в доменный вид.
func (a *Apify) Scrape(ctx context.Context, url string) (domain.ScrapedContent, error) {
	if a.cfg.Token == "" {
		return domain.ScrapedContent{}, fmt.Errorf("apify: токен не настроен")
	}

	input := map[string]any{
		"startUrls": []string{url},
		"maxItems":  1,
	}
	body, err := json.Marshal(input)
	if err != nil {
		return domain.ScrapedContent{}, fmt.Errorf("apify: сериализация входа: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v2/acts/%s/run-sync-get-dataset-items?token=%s",
		strings.TrimRight(a.cfg.BaseURL, "/"), a.cfg.ActorID, a.cfg.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.ScrapedContent{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	metrics.ObserveNetworkRequest("apify", "run_sync", a.cfg.ActorID, start, err)
	if err != nil {
		return domain.ScrapedContent{}, fmt.Errorf("apify: запрос актора: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return domain.ScrapedContent{}, fmt.Errorf("apify: чтение ответа: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.ScrapedContent{}, fmt.Errorf("apify: статус %d: %s", resp.StatusCode, truncateBody(payload))
	}

	var items []apifyTweet
	if err := json.Unmarshal(payload, &items); err != nil {
		return domain.ScrapedContent{}, fmt.Errorf("apify: распаковка датасета: %w", err)
	}
	if len(items) == 0 || strings.TrimSpace(items[0].Text) == "" {
		return domain.ScrapedContent{}, fmt.Errorf("apify: датасет пуст для %s", url)
	}

	tweet := items[0]
	var b strings.Builder
	if tweet.Author.UserName != "" {
		fmt.Fprintf(&b, "Автор: %s (@%s)\n\n", tweet.Author.Name, tweet.Author.UserName)
	}
	b.WriteString(tweet.Text)

	return domain.ScrapedContent{
		Markdown: b.String(),
		VideoURL: bestVideoVariant(tweet),
	}, nil
}

// bestVideoVariant выбирает первый mp4-вариант вложенного видео.
func bestVideoVariant(tweet apifyTweet) string {
	for _, media := range tweet.ExtendedEntities.Media {
		for _, variant := range media.VideoInfo.Variants {
			if variant.ContentType == "video/mp4" && variant.URL != "" {
				return variant.URL
			}
		}
	}
	return ""
}

func truncateBody(body []byte) string {
	const limit = 200
	s := string(body)
	if len(s) > limit {
		return s[:limit] + "…"
	}
	return s
}
