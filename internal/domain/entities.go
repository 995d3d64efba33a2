package domain

import (
	"sort"
	"strings"
	"time"
)

// Attachment описывает вложение сообщения Discord.
type Attachment struct {
	URL         string
	Filename    string
	ContentType string
	Size        int64
}

// MessageRef — ссылка на сообщение платформы со всеми метаданными.
// Неизменяема после получения.
type MessageRef struct {
	ID          string
	ChannelID   string
	GuildID     string
	AuthorID    string
	AuthorName  string
	IsBot       bool
	Timestamp   time.Time
	Text        string
	Attachments []Attachment

	// Ссылка на сообщение, на которое отвечает данное (реплай), если есть.
	ReplyChannelID string
	ReplyMessageID string
}

// IsReply сообщает, является ли сообщение ответом на другое.
func (m *MessageRef) IsReply() bool {
	return m.ReplyMessageID != ""
}

// ImagePayload — скачанное и закодированное изображение, привязанное
// к сообщению-источнику. Размер Data всегда не превышает настроенный максимум:
// слишком большие изображения отбрасываются целиком, не обрезаются.
type ImagePayload struct {
	SourceMessageID string
	MIME            string
	Data            []byte
	DataURL         string
}

// RequestContext — собранный контекст одного запроса к модели: триггерное
// сообщение, цель реплая, сообщения из ссылок (дедуплицированные по id)
// и изображения в детерминированном порядке источников.
// Живёт только на время запроса и нигде не сохраняется.
type RequestContext struct {
	Current MessageRef
	Reply   *MessageRef
	Linked  []MessageRef
	Images  []ImagePayload
}

// HasImages сообщает, удалось ли получить хотя бы одно изображение.
func (rc *RequestContext) HasImages() bool {
	return len(rc.Images) > 0
}

// StoredMessage — сообщение, сохранённое в БД для последующей суммаризации.
type StoredMessage struct {
	ID          string
	ChannelID   string
	ChannelName string
	GuildID     string
	GuildName   string
	AuthorID    string
	AuthorName  string
	IsBot       bool
	IsCommand   bool
	Content     string
	CreatedAt   time.Time

	// Результат обогащения, если в сообщении была ссылка.
	ScrapedURL       string
	ScrapedSummary   string
	ScrapedKeyPoints []string
}

// ChannelActivity описывает канал с активностью за окно времени.
type ChannelActivity struct {
	ChannelID   string
	ChannelName string
	GuildID     string
	GuildName   string
	Messages    int
}

// ChannelActivityWindow — набор сообщений одного канала за отрезок времени.
// Строится шедулером, потребляется один раз; после успешного цикла исходные
// сообщения подлежат удалению.
type ChannelActivityWindow struct {
	ChannelID   string
	ChannelName string
	GuildID     string
	GuildName   string
	From        time.Time
	To          time.Time
	Messages    []StoredMessage
}

// MessageCount возвращает количество сообщений в окне.
func (w *ChannelActivityWindow) MessageCount() int {
	return len(w.Messages)
}

// ActiveUsers возвращает отсортированный список уникальных авторов окна.
func (w *ChannelActivityWindow) ActiveUsers() []string {
	seen := make(map[string]struct{}, len(w.Messages))
	users := make([]string, 0, len(w.Messages))
	for _, msg := range w.Messages {
		name := strings.TrimSpace(msg.AuthorName)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		users = append(users, name)
	}
	sort.Strings(users)
	return users
}

// SummaryKind различает плановую и ручную суммаризацию.
type SummaryKind string

const (
	// SummaryKindScheduled — ежедневный плановый цикл.
	SummaryKindScheduled SummaryKind = "scheduled"
	// SummaryKindOnDemand — суммаризация по команде пользователя.
	SummaryKindOnDemand SummaryKind = "on_demand"
)

// SummaryRecord — сохранённый результат одного цикла суммаризации канала.
// После создания не изменяется.
type SummaryRecord struct {
	ID           string
	ChannelID    string
	ChannelName  string
	GuildID      string
	GuildName    string
	Date         time.Time
	WindowFrom   time.Time
	WindowTo     time.Time
	Text         string
	MessageCount int
	ActiveUsers  []string
	Kind         SummaryKind
	CreatedAt    time.Time
}

// ContentSummary — результат обогащения внешней ссылки.
type ContentSummary struct {
	URL       string
	Summary   string
	KeyPoints []string
}

// ScrapedContent — сырой результат скрейпинг-провайдера.
type ScrapedContent struct {
	Markdown string
	VideoURL string
}
