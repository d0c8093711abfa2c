// Package app собирает зависимости прохода рассылки из конфига.
package app

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"forum-digest/internal/adapters/inbound"
	"forum-digest/internal/adapters/mail"
	"forum-digest/internal/adapters/renderer"
	"forum-digest/internal/adapters/repo"
	"forum-digest/internal/adapters/telegram"
	"forum-digest/internal/domain"
	"forum-digest/internal/infra/cache"
	"forum-digest/internal/infra/config"
	"forum-digest/internal/infra/db"
	"forum-digest/internal/infra/queue"
	"forum-digest/internal/usecase/mailing"
)

const runLockKey = "forum_mail:run_lock"

// App хранит собранный пайплайн и ресурсы, которые нужно закрыть.
type App struct {
	Pipeline *mailing.Pipeline
	Pool     *pgxpool.Pool

	closers []func() error
}

// Build подключается к хранилищам и собирает пайплайн.
func Build(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) (*App, error) {
	settings, err := mailing.SettingsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{}
	pool, err := db.Connect(ctx, cfg.PGDSN, int32(cfg.Mail.Workers+2))
	if err != nil {
		return nil, fmt.Errorf("подключение к БД: %w", err)
	}
	a.Pool = pool
	a.closers = append(a.closers, func() error { pool.Close(); return nil })
	store := repo.NewPostgres(pool)

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("подключение к redis: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
	}

	var lock domain.RunLock = cache.NopLock{}
	if rdb != nil {
		lock = cache.NewRedisLock(rdb, runLockKey)
	} else {
		logger.Warn().Msg("app: REDIS_ADDR не задан, блокировка прохода отключена")
	}

	notifier, err := a.notifier(cfg, rdb, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	transport, err := buildTransport(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	var replies domain.ReplyAddressGenerator
	if cfg.Reply.Secret != "" && cfg.Reply.Domain != "" {
		replies = inbound.NewGenerator(cfg.Reply.Secret, cfg.Reply.Domain)
	}

	a.Pipeline = mailing.NewPipeline(mailing.Deps{
		Posts:         store,
		Discussions:   store,
		Forums:        store,
		Users:         store,
		Subscriptions: store,
		Queue:         store,
		Caps:          store,
		Groups:        store,
		Reads:         store,
		Renderer:      renderer.New(cfg.Site.URL),
		Transport:     transport,
		Replies:       replies,
		Notifier:      notifier,
		Lock:          lock,
		Clock:         domain.SystemClock{},
		TransportName: cfg.Mail.Transport,
	}, settings, logger)
	return a, nil
}

func (a *App) notifier(cfg config.AppConfig, rdb *redis.Client, logger zerolog.Logger) (domain.Notifier, error) {
	switch cfg.Events.Backend {
	case "", "log":
		return queue.NewLogNotifier(logger), nil
	case "redis":
		if rdb == nil {
			return nil, &domain.ConfigError{Field: "EVENTS_BACKEND", Reason: "redis backend requires REDIS_ADDR"}
		}
		return queue.NewRedisNotifier(rdb, cfg.Events.RedisKey), nil
	case "rabbitmq":
		n, err := queue.NewRabbitNotifier(cfg.RabbitURL, cfg.Events.Exchange)
		if err != nil {
			return nil, fmt.Errorf("подключение к rabbitmq: %w", err)
		}
		a.closers = append(a.closers, n.Close)
		return n, nil
	default:
		return nil, &domain.ConfigError{Field: "EVENTS_BACKEND", Reason: fmt.Sprintf("unknown backend %q", cfg.Events.Backend)}
	}
}

func buildTransport(cfg config.AppConfig, logger zerolog.Logger) (domain.MailTransport, error) {
	var next domain.MailTransport
	switch cfg.Mail.Transport {
	case "smtp":
		next = mail.NewSMTP(mail.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			User:     cfg.SMTP.User,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			FromName: cfg.SMTP.FromName,
			UseTLS:   cfg.SMTP.UseTLS,
			Timeout:  cfg.SMTP.Timeout,
		})
	case "telegram":
		if cfg.Telegram.Token == "" {
			return nil, &domain.ConfigError{Field: "TG_BOT_TOKEN", Reason: "required for telegram transport"}
		}
		bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			return nil, fmt.Errorf("инициализация бота: %w", err)
		}
		next = telegram.NewTransport(bot)
	default:
		return nil, &domain.ConfigError{Field: "MAIL_TRANSPORT", Reason: fmt.Sprintf("unknown transport %q", cfg.Mail.Transport)}
	}
	attempts := cfg.Mail.SendAttempts
	if attempts < 1 {
		attempts = 1
	}
	return mail.NewResilient(next, mail.ResilientOptions{
		Name:     cfg.Mail.Transport,
		Attempts: uint(attempts),
		RPS:      cfg.Mail.SendRPS,
	}, logger), nil
}

// Health проверяет доступность БД.
func (a *App) Health(ctx context.Context) error {
	if a.Pool == nil {
		return errors.New("postgres pool is not initialised")
	}
	return a.Pool.Ping(ctx)
}

// Close освобождает ресурсы в обратном порядке.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
