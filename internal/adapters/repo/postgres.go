package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ds-assistant-bot/internal/domain"
	"ds-assistant-bot/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.MessageStore     = (*Postgres)(nil)
	_ domain.SummaryRepo      = (*Postgres)(nil)
	_ domain.ContentRepo      = (*Postgres)(nil)
	_ domain.ScheduleTaskRepo = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), 5*time.Second)
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// InsertMessage сохраняет сообщение канала. Повторная доставка того же
// сообщения перезаписывает запись.
func (p *Postgres) InsertMessage(ctx context.Context, msg domain.StoredMessage) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO messages (message_id, channel_id, channel_name, guild_id, guild_name,
        author_id, author_name, is_bot, is_command, content, created_at,
        scraped_url, scraped_summary, scraped_key_points)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (message_id) DO UPDATE SET
        content = EXCLUDED.content,
        scraped_url = EXCLUDED.scraped_url,
        scraped_summary = EXCLUDED.scraped_summary,
        scraped_key_points = EXCLUDED.scraped_key_points
`, msg.ID, msg.ChannelID, msg.ChannelName, msg.GuildID, msg.GuildName,
		msg.AuthorID, msg.AuthorName, msg.IsBot, msg.IsCommand, msg.Content, msg.CreatedAt,
		msg.ScrapedURL, msg.ScrapedSummary, msg.ScrapedKeyPoints)
	metrics.ObserveNetworkRequest("postgres", "messages_insert", "messages", start, err)
	return err
}

// MessagesInRange возвращает сообщения канала за окно в хронологическом
// порядке.
func (p *Postgres) MessagesInRange(ctx context.Context, channelID string, from, to time.Time) ([]domain.StoredMessage, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT message_id, channel_id, channel_name, guild_id, guild_name,
       author_id, author_name, is_bot, is_command, content, created_at,
       scraped_url, scraped_summary, scraped_key_points
FROM messages
WHERE channel_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at
`, channelID, from, to)
	metrics.ObserveNetworkRequest("postgres", "messages_in_range", "messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StoredMessage
	for rows.Next() {
		var msg domain.StoredMessage
		if err := rows.Scan(&msg.ID, &msg.ChannelID, &msg.ChannelName, &msg.GuildID, &msg.GuildName,
			&msg.AuthorID, &msg.AuthorName, &msg.IsBot, &msg.IsCommand, &msg.Content, &msg.CreatedAt,
			&msg.ScrapedURL, &msg.ScrapedSummary, &msg.ScrapedKeyPoints); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// ActiveChannels возвращает каналы, в которых за окно были сообщения.
func (p *Postgres) ActiveChannels(ctx context.Context, from, to time.Time) ([]domain.ChannelActivity, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT channel_id, max(channel_name), max(guild_id), max(guild_name), count(*)
FROM messages
WHERE created_at >= $1 AND created_at < $2
GROUP BY channel_id
ORDER BY channel_id
`, from, to)
	metrics.ObserveNetworkRequest("postgres", "active_channels", "messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChannelActivity
	for rows.Next() {
		var ch domain.ChannelActivity
		if err := rows.Scan(&ch.ChannelID, &ch.ChannelName, &ch.GuildID, &ch.GuildName, &ch.Messages); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// DeleteMessagesInRange удаляет суммированные сообщения канала.
func (p *Postgres) DeleteMessagesInRange(ctx context.Context, channelID string, from, to time.Time) (int64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
DELETE FROM messages
WHERE channel_id = $1 AND created_at >= $2 AND created_at < $3
`, channelID, from, to)
	metrics.ObserveNetworkRequest("postgres", "messages_delete_range", "messages", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// InsertSummary сохраняет готовую сводку канала.
func (p *Postgres) InsertSummary(ctx context.Context, record domain.SummaryRecord) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO channel_summaries (id, channel_id, channel_name, guild_id, guild_name,
        summary_date, window_from, window_to, summary_text, message_count, active_users, kind, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
`, record.ID, record.ChannelID, record.ChannelName, record.GuildID, record.GuildName,
		record.Date, record.WindowFrom, record.WindowTo, record.Text, record.MessageCount,
		record.ActiveUsers, string(record.Kind), record.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "summaries_insert", "channel_summaries", start, err)
	return err
}

// SummariesByChannel возвращает сводки канала за отрезок времени, новые
// первыми.
func (p *Postgres) SummariesByChannel(ctx context.Context, channelID string, from, to time.Time) ([]domain.SummaryRecord, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, channel_id, channel_name, guild_id, guild_name,
       summary_date, window_from, window_to, summary_text, message_count, active_users, kind, created_at
FROM channel_summaries
WHERE channel_id = $1 AND window_from >= $2 AND window_to <= $3
ORDER BY created_at DESC
`, channelID, from, to)
	metrics.ObserveNetworkRequest("postgres", "summaries_by_channel", "channel_summaries", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SummaryRecord
	for rows.Next() {
		var rec domain.SummaryRecord
		var kind string
		if err := rows.Scan(&rec.ID, &rec.ChannelID, &rec.ChannelName, &rec.GuildID, &rec.GuildName,
			&rec.Date, &rec.WindowFrom, &rec.WindowTo, &rec.Text, &rec.MessageCount,
			&rec.ActiveUsers, &kind, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Kind = domain.SummaryKind(kind)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveScrapedContent сохраняет сводку внешней ссылки и привязывает её
// к сообщению, в котором ссылка встретилась.
func (p *Postgres) SaveScrapedContent(ctx context.Context, messageID string, summary domain.ContentSummary) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO scraped_content (url, summary, key_points, created_at)
VALUES ($1,$2,$3,now())
ON CONFLICT (url) DO UPDATE SET
        summary = EXCLUDED.summary,
        key_points = EXCLUDED.key_points
`, summary.URL, summary.Summary, summary.KeyPoints)
	metrics.ObserveNetworkRequest("postgres", "scraped_content_save", "scraped_content", start, err)
	if err != nil {
		return err
	}

	if messageID == "" {
		return nil
	}

	start = time.Now()
	_, err = p.pool.Exec(ctx, `
UPDATE messages
SET scraped_url = $2, scraped_summary = $3, scraped_key_points = $4
WHERE message_id = $1
`, messageID, summary.URL, summary.Summary, summary.KeyPoints)
	metrics.ObserveNetworkRequest("postgres", "messages_attach_scraped", "messages", start, err)
	return err
}

// ScrapedContentByURL возвращает сохранённую сводку ссылки либо nil.
func (p *Postgres) ScrapedContentByURL(ctx context.Context, url string) (*domain.ContentSummary, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var summary domain.ContentSummary
	err := p.pool.QueryRow(ctx, `
SELECT url, summary, key_points
FROM scraped_content
WHERE url = $1
`, url).Scan(&summary.URL, &summary.Summary, &summary.KeyPoints)
	metrics.ObserveNetworkRequest("postgres", "scraped_content_by_url", "scraped_content", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// Acquire помечает плановый цикл выполненным. Возвращает false, если запись
// по ключу уже существует: цикл выполнил другой процесс.
func (p *Postgres) Acquire(ctx context.Context, key string, scheduledFor time.Time) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO summary_tasks (task_key, scheduled_for, created_at)
VALUES ($1,$2,now())
ON CONFLICT (task_key) DO NOTHING
`, key, scheduledFor)
	metrics.ObserveNetworkRequest("postgres", "summary_tasks_acquire", "summary_tasks", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
