package mail

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"forum-digest/internal/domain"
	"forum-digest/internal/infra/metrics"
)

// ResilientOptions задаёт ограничения вокруг транспорта.
type ResilientOptions struct {
	// Name: метка транспорта в метриках.
	Name string
	// Attempts: число попыток отправки одного письма, минимум 1.
	Attempts uint
	// RetryDelay: пауза между попытками.
	RetryDelay time.Duration
	// RPS: ограничение отправок в секунду, 0 отключает лимит.
	RPS float64
	// FailureThreshold: число подряд неудачных отправок до размыкания.
	FailureThreshold uint32
	// OpenTimeout: время, через которое разомкнутый предохранитель пробует снова.
	OpenTimeout time.Duration
}

// Resilient добавляет к транспорту лимит скорости, повторы и предохранитель.
type Resilient struct {
	next    domain.MailTransport
	opts    ResilientOptions
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[struct{}]
	log     zerolog.Logger
}

var _ domain.MailTransport = (*Resilient)(nil)

// NewResilient оборачивает транспорт next.
func NewResilient(next domain.MailTransport, opts ResilientOptions, logger zerolog.Logger) *Resilient {
	if opts.Name == "" {
		opts.Name = "mail"
	}
	if opts.Attempts == 0 {
		opts.Attempts = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}

	r := &Resilient{next: next, opts: opts, log: logger.With().Str("transport", opts.Name).Logger()}
	if opts.RPS > 0 {
		burst := int(opts.RPS)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	r.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitState.WithLabelValues(name).Set(float64(to))
			r.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("mail: circuit state changed")
		},
	})
	metrics.CircuitState.WithLabelValues(opts.Name).Set(float64(gobreaker.StateClosed))
	return r
}

// Send отправляет письмо с учётом лимита, повторов и состояния предохранителя.
func (r *Resilient) Send(ctx context.Context, msg domain.Message) error {
	return retry.Do(
		func() error {
			if r.limiter != nil {
				if err := r.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			_, err := r.breaker.Execute(func() (struct{}, error) {
				return struct{}{}, r.next.Send(ctx, msg)
			})
			return err
		},
		retry.Context(ctx),
		retry.Attempts(r.opts.Attempts),
		retry.Delay(r.opts.RetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			r.log.Debug().Err(err).Uint("attempt", n+1).Str("message_id", msg.MessageID).Msg("mail: retry send")
		}),
	)
}

// State возвращает текущее состояние предохранителя.
func (r *Resilient) State() gobreaker.State {
	return r.breaker.State()
}

func retryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
