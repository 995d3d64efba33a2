package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	MentionRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mention_requests_total",
		Help: "Количество запросов по упоминанию бота",
	})

	AdmissionDeniedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_denied_total",
		Help: "Отказы рейт-лимитера",
	}, []string{"reason"})

	ImagesResolvedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "images_resolved_total",
		Help: "Изображения, успешно включённые в контекст",
	})

	ImagesRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "images_rejected_total",
		Help: "Изображения, отброшенные при резолве",
	}, []string{"reason"})

	SummaryCyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "summary_cycles_total",
		Help: "Циклы суммаризации каналов по результату",
	}, []string{"kind", "status"})

	MessagesPrunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messages_pruned_total",
		Help: "Сообщения, удалённые после планового цикла",
	})

	EnrichJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrich_jobs_total",
		Help: "Задачи обогащения ссылок по результату",
	}, []string{"provider", "status"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 240, 300},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Длительность генерации ответа LLM",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		MentionRequestsTotal,
		AdmissionDeniedTotal,
		ImagesResolvedTotal,
		ImagesRejectedTotal,
		SummaryCyclesTotal,
		MessagesPrunedTotal,
		EnrichJobsTotal,
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveLLMGeneration записывает длительность и токены генерации LLM.
func ObserveLLMGeneration(model string, duration time.Duration, promptTokens, completionTokens, totalTokens int) {
	if model == "" {
		model = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}
	if totalTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "total").Add(float64(totalTokens))
	}
}

// IncAdmissionDenied увеличивает счётчик отказов по причине.
func IncAdmissionDenied(reason string) {
	AdmissionDeniedTotal.WithLabelValues(reason).Inc()
}

// IncImageRejected увеличивает счётчик отброшенных изображений.
func IncImageRejected(reason string) {
	ImagesRejectedTotal.WithLabelValues(reason).Inc()
}

// IncSummaryCycle фиксирует результат цикла суммаризации одного канала.
func IncSummaryCycle(kind, status string) {
	SummaryCyclesTotal.WithLabelValues(kind, status).Inc()
}

// IncEnrichJob фиксирует результат задачи обогащения.
func IncEnrichJob(provider, status string) {
	EnrichJobsTotal.WithLabelValues(provider, status).Inc()
}
