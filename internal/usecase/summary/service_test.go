package summary

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ds-assistant-bot/internal/domain"
)

type stubStore struct {
	channels []domain.ChannelActivity
	messages map[string][]domain.StoredMessage

	messagesErr error
	deleteErr   error

	deleteCalls []string
	deleted     int64
}

func (s *stubStore) InsertMessage(ctx context.Context, msg domain.StoredMessage) error { return nil }

func (s *stubStore) ActiveChannels(ctx context.Context, from, to time.Time) ([]domain.ChannelActivity, error) {
	return s.channels, nil
}

func (s *stubStore) MessagesInRange(ctx context.Context, channelID string, from, to time.Time) ([]domain.StoredMessage, error) {
	if s.messagesErr != nil {
		return nil, s.messagesErr
	}
	return s.messages[channelID], nil
}

func (s *stubStore) DeleteMessagesInRange(ctx context.Context, channelID string, from, to time.Time) (int64, error) {
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	s.deleteCalls = append(s.deleteCalls, channelID)
	n := int64(len(s.messages[channelID]))
	s.deleted += n
	return n, nil
}

type stubSummaryRepo struct {
	insertErr error
	records   []domain.SummaryRecord
}

func (r *stubSummaryRepo) InsertSummary(ctx context.Context, record domain.SummaryRecord) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	r.records = append(r.records, record)
	return nil
}

func (r *stubSummaryRepo) SummariesByChannel(ctx context.Context, channelID string, from, to time.Time) ([]domain.SummaryRecord, error) {
	return nil, nil
}

type stubSummarizer struct {
	err     error
	windows []domain.ChannelActivityWindow
}

func (s *stubSummarizer) Summarize(ctx context.Context, window domain.ChannelActivityWindow) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.windows = append(s.windows, window)
	return fmt.Sprintf("сводка %s: %d сообщений", window.ChannelName, window.MessageCount()), nil
}

type stubPlatform struct {
	sendErr error
	sent    []string
	targets []string
}

func (p *stubPlatform) FetchMessage(ctx context.Context, channelID, messageID string) (domain.MessageRef, error) {
	return domain.MessageRef{}, domain.ErrMessageNotFound
}

func (p *stubPlatform) Send(ctx context.Context, channelID, text string) (string, error) {
	if p.sendErr != nil {
		return "", p.sendErr
	}
	p.targets = append(p.targets, channelID)
	p.sent = append(p.sent, text)
	return "msg-1", nil
}

func (p *stubPlatform) CreateThread(ctx context.Context, channelID, messageID, name string) (string, error) {
	return "thread-1", nil
}

type stubTasks struct {
	acquired bool
	err      error
	keys     []string
}

func (t *stubTasks) Acquire(ctx context.Context, key string, scheduledFor time.Time) (bool, error) {
	if t.err != nil {
		return false, t.err
	}
	if t.acquired {
		t.keys = append(t.keys, key)
	}
	return t.acquired, nil
}

func storedMessages(channelID string, n int) []domain.StoredMessage {
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	msgs := make([]domain.StoredMessage, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, domain.StoredMessage{
			ID:         fmt.Sprintf("%s-m%d", channelID, i),
			ChannelID:  channelID,
			AuthorID:   fmt.Sprintf("u%d", i%3),
			AuthorName: fmt.Sprintf("user%d", i%3),
			Content:    fmt.Sprintf("сообщение %d", i),
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		})
	}
	return msgs
}

func newTestService(store *stubStore, repo *stubSummaryRepo, summarizer *stubSummarizer, platform *stubPlatform, tasks *stubTasks) *Service {
	svc := NewService(store, repo, summarizer, platform, tasks, "reports-ch", zerolog.Nop())
	svc.now = func() time.Time { return time.Date(2025, 3, 11, 5, 0, 0, 0, time.UTC) }
	return svc
}

func TestRunDailyHappyPath(t *testing.T) {
	store := &stubStore{
		channels: []domain.ChannelActivity{
			{ChannelID: "c1", ChannelName: "general", GuildID: "g1"},
			{ChannelID: "c2", ChannelName: "dev", GuildID: "g1"},
		},
		messages: map[string][]domain.StoredMessage{
			"c1": storedMessages("c1", 5),
			"c2": storedMessages("c2", 3),
		},
	}
	repo := &stubSummaryRepo{}
	platform := &stubPlatform{}
	svc := newTestService(store, repo, &stubSummarizer{}, platform, &stubTasks{acquired: true})

	if err := svc.RunDaily(context.Background()); err != nil {
		t.Fatalf("RunDaily: %v", err)
	}

	if len(repo.records) != 2 {
		t.Fatalf("ожидали 2 сводки, получили %d", len(repo.records))
	}
	for _, rec := range repo.records {
		if rec.Kind != domain.SummaryKindScheduled {
			t.Errorf("kind = %q, ожидали scheduled", rec.Kind)
		}
	}
	if len(store.deleteCalls) != 2 {
		t.Errorf("удаление должно пройти по обоим каналам, получили %v", store.deleteCalls)
	}
	if len(platform.sent) != 2 {
		t.Errorf("ожидали 2 доставки в канал отчётов, получили %d", len(platform.sent))
	}
	for _, target := range platform.targets {
		if target != "reports-ch" {
			t.Errorf("доставка в %q вместо канала отчётов", target)
		}
	}
}

func TestRunDailyIdempotent(t *testing.T) {
	store := &stubStore{
		channels: []domain.ChannelActivity{{ChannelID: "c1", ChannelName: "general"}},
		messages: map[string][]domain.StoredMessage{"c1": storedMessages("c1", 4)},
	}
	repo := &stubSummaryRepo{}
	tasks := &stubTasks{acquired: false}
	svc := newTestService(store, repo, &stubSummarizer{}, &stubPlatform{}, tasks)

	if err := svc.RunDaily(context.Background()); err != nil {
		t.Fatalf("RunDaily: %v", err)
	}
	if len(repo.records) != 0 {
		t.Fatalf("повторный запуск за ту же дату не должен писать сводки")
	}
	if len(tasks.keys) != 0 {
		t.Fatalf("захват не состоялся, ключей быть не должно: %v", tasks.keys)
	}
	if len(store.deleteCalls) != 0 {
		t.Fatalf("без захвата цикла удаления быть не должно")
	}
}

func TestRunDailySummarizeFailureSkipsPruneAndPersist(t *testing.T) {
	store := &stubStore{
		channels: []domain.ChannelActivity{{ChannelID: "c1", ChannelName: "general"}},
		messages: map[string][]domain.StoredMessage{"c1": storedMessages("c1", 10)},
	}
	repo := &stubSummaryRepo{}
	svc := newTestService(store, repo, &stubSummarizer{err: errors.New("модель недоступна")}, &stubPlatform{}, &stubTasks{acquired: true})

	if err := svc.RunDaily(context.Background()); err != nil {
		t.Fatalf("сбой одного канала не должен ронять цикл: %v", err)
	}
	if len(repo.records) != 0 {
		t.Fatalf("при сбое суммаризации сводка не сохраняется")
	}
	if len(store.deleteCalls) != 0 {
		t.Fatalf("при сбое суммаризации исходные сообщения не удаляются")
	}
}

func TestRunDailyPersistFailureSkipsPrune(t *testing.T) {
	store := &stubStore{
		channels: []domain.ChannelActivity{{ChannelID: "c1", ChannelName: "general"}},
		messages: map[string][]domain.StoredMessage{"c1": storedMessages("c1", 10)},
	}
	repo := &stubSummaryRepo{insertErr: errors.New("pg down")}
	svc := newTestService(store, repo, &stubSummarizer{}, &stubPlatform{}, &stubTasks{acquired: true})

	if err := svc.RunDaily(context.Background()); err != nil {
		t.Fatalf("RunDaily: %v", err)
	}
	if len(store.deleteCalls) != 0 {
		t.Fatalf("без сохранённой сводки удаления быть не должно")
	}
}

func TestRunDailyDeliveryFailureStillPrunes(t *testing.T) {
	store := &stubStore{
		channels: []domain.ChannelActivity{{ChannelID: "c1", ChannelName: "general"}},
		messages: map[string][]domain.StoredMessage{"c1": storedMessages("c1", 6)},
	}
	repo := &stubSummaryRepo{}
	svc := newTestService(store, repo, &stubSummarizer{}, &stubPlatform{sendErr: errors.New("канал отчётов недоступен")}, &stubTasks{acquired: true})

	if err := svc.RunDaily(context.Background()); err != nil {
		t.Fatalf("RunDaily: %v", err)
	}
	if len(repo.records) != 1 {
		t.Fatalf("сводка должна быть сохранена, records = %d", len(repo.records))
	}
	if len(store.deleteCalls) != 1 {
		t.Fatalf("сводка сохранена, значит удаление выполняется даже при сбое доставки")
	}
}

func TestRunDailyEmptyChannelSkipped(t *testing.T) {
	store := &stubStore{
		channels: []domain.ChannelActivity{{ChannelID: "c1", ChannelName: "general"}},
		messages: map[string][]domain.StoredMessage{"c1": {
			{ID: "m1", ChannelID: "c1", Content: "/sum-day", IsCommand: true},
		}},
	}
	repo := &stubSummaryRepo{}
	svc := newTestService(store, repo, &stubSummarizer{}, &stubPlatform{}, &stubTasks{acquired: true})

	if err := svc.RunDaily(context.Background()); err != nil {
		t.Fatalf("RunDaily: %v", err)
	}
	if len(repo.records) != 0 {
		t.Fatalf("канал из одних команд суммировать нечего")
	}
	if len(store.deleteCalls) != 0 {
		t.Fatalf("пустой канал не должен попадать в фазу удаления")
	}
}

func TestRunDailyLargeChannelCountsAllMessages(t *testing.T) {
	store := &stubStore{
		channels: []domain.ChannelActivity{{ChannelID: "c1", ChannelName: "general"}},
		messages: map[string][]domain.StoredMessage{"c1": storedMessages("c1", 500)},
	}
	repo := &stubSummaryRepo{}
	svc := newTestService(store, repo, &stubSummarizer{}, &stubPlatform{}, &stubTasks{acquired: true})

	if err := svc.RunDaily(context.Background()); err != nil {
		t.Fatalf("RunDaily: %v", err)
	}
	if len(repo.records) != 1 {
		t.Fatalf("ожидали одну сводку, получили %d", len(repo.records))
	}
	if got := repo.records[0].MessageCount; got != 500 {
		t.Fatalf("MessageCount = %d, ожидали 500", got)
	}
}

func TestOnDemandDoesNotPrune(t *testing.T) {
	store := &stubStore{
		messages: map[string][]domain.StoredMessage{"c1": storedMessages("c1", 7)},
	}
	repo := &stubSummaryRepo{}
	platform := &stubPlatform{}
	svc := newTestService(store, repo, &stubSummarizer{}, platform, &stubTasks{})

	from := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)
	record, err := svc.OnDemand(context.Background(), OnDemandRequest{
		ChannelID:   "c1",
		ChannelName: "general",
		From:        from,
		To:          from.Add(24 * time.Hour),
		Destination: "thread-9",
	})
	if err != nil {
		t.Fatalf("OnDemand: %v", err)
	}
	if record.Kind != domain.SummaryKindOnDemand {
		t.Errorf("kind = %q, ожидали on_demand", record.Kind)
	}
	if record.MessageCount != 7 {
		t.Errorf("MessageCount = %d, ожидали 7", record.MessageCount)
	}
	if len(store.deleteCalls) != 0 {
		t.Errorf("ручная сводка не удаляет исходные сообщения")
	}
	if len(platform.targets) != 1 || platform.targets[0] != "thread-9" {
		t.Errorf("доставка должна идти в указанный тред, targets = %v", platform.targets)
	}
}

func TestOnDemandEmptyWindow(t *testing.T) {
	store := &stubStore{messages: map[string][]domain.StoredMessage{}}
	svc := newTestService(store, &stubSummaryRepo{}, &stubSummarizer{}, &stubPlatform{}, &stubTasks{})

	_, err := svc.OnDemand(context.Background(), OnDemandRequest{
		ChannelID: "c1",
		From:      time.Now().Add(-time.Hour),
		To:        time.Now(),
	})
	if !errors.Is(err, ErrNoMessages) {
		t.Fatalf("ожидали ErrNoMessages, получили %v", err)
	}
}
