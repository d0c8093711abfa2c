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
	PostsSelected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forum_mail_posts_selected_total",
		Help: "Посты, захваченные проходом рассылки",
	})
	PostsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "forum_mail_posts_dropped_total",
		Help: "Посты, пропущенные из-за отсутствующих сущностей",
	}, []string{"reason"})
	NotificationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "forum_mail_notifications_sent_total",
		Help: "Отправленные мгновенные уведомления",
	}, []string{"transport"})
	NotificationsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "forum_mail_notifications_failed_total",
		Help: "Ошибки отправки мгновенных уведомлений",
	}, []string{"transport"})
	DigestQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forum_mail_digest_queued_total",
		Help: "Посты, поставленные в очередь дайджеста",
	})
	DigestsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "forum_mail_digests_sent_total",
		Help: "Отправленные дайджесты",
	}, []string{"mode"})
	DigestsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forum_mail_digests_failed_total",
		Help: "Ошибки сборки или отправки дайджеста",
	})
	RunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forum_mail_run_duration_seconds",
		Help:    "Длительность прохода рассылки",
		Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"status"})
	CircuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "forum_mail_transport_circuit_state",
		Help: "Состояние предохранителя транспорта: 0 closed, 1 half-open, 2 open",
	}, []string{"transport"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность обращений к Postgres, Redis, SMTP и прочим внешним системам",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Число обращений к внешним системам по статусу",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		PostsSelected,
		PostsDropped,
		NotificationsSent,
		NotificationsFailed,
		DigestQueued,
		DigestsSent,
		DigestsFailed,
		RunDuration,
		CircuitState,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer поднимает отдельный листенер /metrics и гасит его вместе с ctx.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	log := logger.With().Str("addr", addr).Logger()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		log.Info().Msg("metrics: listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics: listener failed")
		}
	}()
	go func() {
		select {
		case <-stopped:
			return
		case <-ctx.Done():
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("metrics: shutdown")
		}
	}()
}

// ObserveNetworkRequest учитывает обращение к внешней системе.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	labels := []string{orUnknown(component), orUnknown(operation), orUnknown(target), statusOf(err)}
	NetworkRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	NetworkRequestTotal.WithLabelValues(labels...).Inc()
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveRun записывает длительность прохода рассылки.
func ObserveRun(start time.Time, err error) {
	RunDuration.WithLabelValues(statusOf(err)).Observe(time.Since(start).Seconds())
}
