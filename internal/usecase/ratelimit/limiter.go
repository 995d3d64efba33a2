package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"ds-assistant-bot/internal/infra/metrics"
)

const (
	rateWindow = time.Minute
	// idleThreshold — порог простоя, после которого состояние идентичности
	// удаляется при очередной уборке.
	idleThreshold = time.Hour
	sweepInterval = time.Hour
)

// Причины отказа.
const (
	ReasonCooldown  = "cooldown"
	ReasonPerMinute = "per_minute"
)

// Decision — результат проверки допуска.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string
}

// Identity строит ключ рейт-лимитера: пользователь в пределах гильдии.
func Identity(guildID, userID string) string {
	return fmt.Sprintf("%s:%s", guildID, userID)
}

// Limiter ограничивает поток запросов по идентичности: скользящее окно
// последних запросов за минуту плюс минимальный интервал между запросами.
// Состояние каждой идентичности защищено собственным мьютексом; общий
// мьютекс охраняет только карту.
type Limiter struct {
	interval  time.Duration
	perMinute int
	now       func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	lastSweep time.Time
}

type entry struct {
	mu sync.Mutex
	// last — время последнего допущенного запроса; времена в window
	// монотонно неубывающие.
	last   time.Time
	window []time.Time
}

// NewLimiter создаёт лимитер с заданным интервалом и лимитом в минуту.
func NewLimiter(interval time.Duration, perMinute int) *Limiter {
	if perMinute <= 0 {
		perMinute = 6
	}
	return &Limiter{
		interval:  interval,
		perMinute: perMinute,
		now:       time.Now,
		entries:   make(map[string]*entry),
	}
}

// Admit проверяет, допустим ли очередной запрос идентичности. При отказе
// возвращает время до следующего возможного допуска.
func (l *Limiter) Admit(identity string) Decision {
	now := l.now()
	e := l.entryFor(identity, now)

	e.mu.Lock()
	defer e.mu.Unlock()

	// Ленивая эвикция устаревших отметок.
	cutoff := now.Add(-rateWindow)
	kept := e.window[:0]
	for _, ts := range e.window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.window = kept

	if len(e.window) >= l.perMinute {
		oldest := e.window[0]
		retry := oldest.Add(rateWindow).Sub(now)
		if retry < 0 {
			retry = 0
		}
		metrics.IncAdmissionDenied(ReasonPerMinute)
		return Decision{RetryAfter: retry, Reason: ReasonPerMinute}
	}

	if !e.last.IsZero() {
		if since := now.Sub(e.last); since < l.interval {
			metrics.IncAdmissionDenied(ReasonCooldown)
			return Decision{RetryAfter: l.interval - since, Reason: ReasonCooldown}
		}
	}

	e.last = now
	e.window = append(e.window, now)
	return Decision{Allowed: true}
}

func (l *Limiter) entryFor(identity string, now time.Time) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lastSweep.IsZero() {
		l.lastSweep = now
	} else if now.Sub(l.lastSweep) > sweepInterval {
		l.sweep(now)
		l.lastSweep = now
	}

	e, ok := l.entries[identity]
	if !ok {
		e = &entry{}
		l.entries[identity] = e
	}
	return e
}

// sweep удаляет идентичности без активности дольше порога простоя.
// Вызывается под l.mu.
func (l *Limiter) sweep(now time.Time) {
	cutoff := now.Add(-idleThreshold)
	for identity, e := range l.entries {
		e.mu.Lock()
		idle := e.last.Before(cutoff)
		e.mu.Unlock()
		if idle {
			delete(l.entries, identity)
		}
	}
}
