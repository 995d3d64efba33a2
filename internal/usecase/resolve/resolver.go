package resolve

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ds-assistant-bot/internal/domain"
	"ds-assistant-bot/internal/infra/metrics"
)

// messageFetcher — часть платформы, нужная резолверу.
type messageFetcher interface {
	FetchMessage(ctx context.Context, channelID, messageID string) (domain.MessageRef, error)
}

// Поддерживаемые форматы изображений.
var supportedMIME = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
	"image/bmp":  {},
	"image/tiff": {},
}

var extensionMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
}

var messageLinkRe = regexp.MustCompile(`https://discord\.com/channels/(@me|\d+)/(\d+)/(\d+)`)

// Config задаёт ограничения резолвера.
type Config struct {
	MaxImageBytes int64
	MaxImages     int
	FetchTimeout  time.Duration
	Parallelism   int
}

// Resolver собирает контекст запроса: цель реплая, сообщения из ссылок
// и изображения всех трёх источников. Любой отдельный сбой деградирует
// контекст, но не прерывает запрос.
type Resolver struct {
	platform messageFetcher
	http     *http.Client
	log      zerolog.Logger
	cfg      Config
}

// NewResolver создаёт резолвер контекста.
func NewResolver(platform messageFetcher, logger zerolog.Logger, cfg Config) *Resolver {
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 5 << 20
	}
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = 4
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Resolver{
		platform: platform,
		http:     &http.Client{Timeout: cfg.FetchTimeout},
		log:      logger,
		cfg:      cfg,
	}
}

// Resolve строит RequestContext для триггерного сообщения. Ошибки отдельных
// источников проглатываются: при нулевом результате запрос продолжается
// в текстовом режиме.
func (r *Resolver) Resolve(ctx context.Context, msg domain.MessageRef) domain.RequestContext {
	rc := domain.RequestContext{Current: msg}

	reply, linked := r.fetchReferences(ctx, msg)
	rc.Reply = reply
	rc.Linked = linked

	// Кандидаты в порядке приоритета источников: текущее сообщение,
	// цель реплая, сообщения из ссылок в порядке текста.
	candidates := imageCandidates(msg)
	if reply != nil {
		candidates = append(candidates, imageCandidates(*reply)...)
	}
	for _, lm := range linked {
		candidates = append(candidates, imageCandidates(lm)...)
	}

	rc.Images = r.downloadImages(ctx, candidates)
	return rc
}

// fetchReferences параллельно получает цель реплая и сообщения из ссылок.
func (r *Resolver) fetchReferences(ctx context.Context, msg domain.MessageRef) (*domain.MessageRef, []domain.MessageRef) {
	type linkRef struct {
		channelID string
		messageID string
	}

	// Дедупликация id до запросов, чтобы не ходить в сеть повторно.
	seen := map[string]struct{}{msg.ID: {}}
	if msg.IsReply() {
		seen[msg.ReplyMessageID] = struct{}{}
	}
	var links []linkRef
	for _, match := range messageLinkRe.FindAllStringSubmatch(msg.Text, -1) {
		channelID, messageID := match[2], match[3]
		if _, ok := seen[messageID]; ok {
			continue
		}
		seen[messageID] = struct{}{}
		links = append(links, linkRef{channelID: channelID, messageID: messageID})
	}

	var (
		wg     sync.WaitGroup
		reply  *domain.MessageRef
		linked = make([]*domain.MessageRef, len(links))
		sem    = make(chan struct{}, r.cfg.Parallelism)
	)

	if msg.IsReply() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			fetched, err := r.fetchMessage(ctx, msg.ReplyChannelID, msg.ReplyMessageID)
			if err != nil {
				r.log.Warn().Err(err).Str("message_id", msg.ReplyMessageID).Msg("resolve: цель реплая недоступна")
				return
			}
			reply = &fetched
		}()
	}

	for i, link := range links {
		wg.Add(1)
		go func(i int, link linkRef) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			fetched, err := r.fetchMessage(ctx, link.channelID, link.messageID)
			if err != nil {
				r.log.Warn().Err(err).Str("message_id", link.messageID).Msg("resolve: сообщение из ссылки недоступно")
				return
			}
			linked[i] = &fetched
		}(i, link)
	}
	wg.Wait()

	// Порядок ссылок в тексте сохраняется независимо от порядка завершения.
	result := make([]domain.MessageRef, 0, len(linked))
	for _, lm := range linked {
		if lm != nil {
			result = append(result, *lm)
		}
	}
	return reply, result
}

func (r *Resolver) fetchMessage(ctx context.Context, channelID, messageID string) (domain.MessageRef, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()
	return r.platform.FetchMessage(fetchCtx, channelID, messageID)
}

type imageCandidate struct {
	sourceMessageID string
	url             string
	declaredMIME    string
}

// imageCandidates отбирает вложения с поддерживаемым заявленным типом либо,
// при его отсутствии, с подходящим расширением URL.
func imageCandidates(msg domain.MessageRef) []imageCandidate {
	var out []imageCandidate
	for _, att := range msg.Attachments {
		mime := normalizeMIME(att.ContentType)
		if mime == "" && att.ContentType == "" {
			mime = mimeFromExtension(att.URL)
		}
		if mime == "" {
			continue
		}
		out = append(out, imageCandidate{
			sourceMessageID: msg.ID,
			url:             att.URL,
			declaredMIME:    mime,
		})
	}
	return out
}

func normalizeMIME(contentType string) string {
	mime := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = strings.TrimSpace(mime[:idx])
	}
	if _, ok := supportedMIME[mime]; ok {
		return mime
	}
	return ""
}

func mimeFromExtension(rawURL string) string {
	trimmed := rawURL
	if idx := strings.IndexAny(trimmed, "?#"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return extensionMIME[strings.ToLower(path.Ext(trimmed))]
}

// downloadImages скачивает кандидатов волнами в порядке приоритета: размер
// волны равен числу недостающих до максимума изображений, так что после
// заполнения лимита новые загрузки не стартуют. Сбой кандидата освобождает
// место для следующего по приоритету в очередной волне.
func (r *Resolver) downloadImages(ctx context.Context, candidates []imageCandidate) []domain.ImagePayload {
	if len(candidates) == 0 {
		return nil
	}

	images := make([]domain.ImagePayload, 0, r.cfg.MaxImages)
	sem := make(chan struct{}, r.cfg.Parallelism)
	next := 0
	for next < len(candidates) && len(images) < r.cfg.MaxImages {
		batch := candidates[next:min(next+r.cfg.MaxImages-len(images), len(candidates))]
		next += len(batch)

		results := make([]*domain.ImagePayload, len(batch))
		var wg sync.WaitGroup
		for i, cand := range batch {
			wg.Add(1)
			go func(i int, cand imageCandidate) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				payload, err := r.downloadImage(ctx, cand)
				if err != nil {
					r.log.Warn().Err(err).Str("url", cand.url).Msg("resolve: изображение пропущено")
					return
				}
				results[i] = payload
			}(i, cand)
		}
		wg.Wait()

		// Порядок внутри волны фиксирован за кандидатами, а не за временем завершения.
		for _, payload := range results {
			if payload == nil {
				continue
			}
			images = append(images, *payload)
			metrics.ImagesResolvedTotal.Inc()
		}
	}
	return images
}

// downloadImage скачивает одно изображение с собственным таймаутом и проверкой
// размера и типа. Превышение размера отбрасывает изображение целиком.
func (r *Resolver) downloadImage(ctx context.Context, cand imageCandidate) (*domain.ImagePayload, error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, cand.url, nil)
	if err != nil {
		metrics.IncImageRejected("fetch_failed")
		return nil, fmt.Errorf("build request: %w", err)
	}

	start := time.Now()
	resp, err := r.http.Do(req)
	metrics.ObserveNetworkRequest("resolver", "image_download", "cdn", start, err)
	if err != nil {
		metrics.IncImageRejected("fetch_failed")
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.IncImageRejected("fetch_failed")
		return nil, fmt.Errorf("download: status %d", resp.StatusCode)
	}
	if resp.ContentLength > r.cfg.MaxImageBytes {
		metrics.IncImageRejected("oversize")
		return nil, fmt.Errorf("oversize: content-length %d", resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxImageBytes+1))
	if err != nil {
		metrics.IncImageRejected("fetch_failed")
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > r.cfg.MaxImageBytes {
		metrics.IncImageRejected("oversize")
		return nil, fmt.Errorf("oversize: body exceeds %d bytes", r.cfg.MaxImageBytes)
	}

	mime := normalizeMIME(resp.Header.Get("Content-Type"))
	if mime == "" {
		mime = normalizeMIME(http.DetectContentType(data))
	}
	if mime == "" {
		mime = cand.declaredMIME
	}
	if _, ok := supportedMIME[mime]; !ok {
		metrics.IncImageRejected("unsupported_type")
		return nil, fmt.Errorf("unsupported type %q", mime)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	return &domain.ImagePayload{
		SourceMessageID: cand.sourceMessageID,
		MIME:            mime,
		Data:            data,
		DataURL:         fmt.Sprintf("data:%s;base64,%s", mime, encoded),
	}, nil
}
