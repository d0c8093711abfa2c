package app

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"forum-digest/internal/adapters/mail"
	"forum-digest/internal/domain"
	"forum-digest/internal/infra/config"
	"forum-digest/internal/infra/queue"
)

func testConfig(t *testing.T) config.AppConfig {
	t.Helper()
	cfg, err := config.Parse()
	if err != nil {
		t.Fatalf("не удалось разобрать конфиг по умолчанию: %v", err)
	}
	return cfg
}

func TestBuildTransportSMTP(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mail.Transport = "smtp"
	cfg.Mail.SendAttempts = 0

	tr, err := buildTransport(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if _, ok := tr.(*mail.Resilient); !ok {
		t.Fatalf("транспорт должен быть обёрнут в Resilient, получили %T", tr)
	}
}

func TestBuildTransportErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mail.Transport = "pigeon"
	if _, err := buildTransport(cfg, zerolog.Nop()); !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("ожидали ошибку конфигурации, получили %v", err)
	}

	cfg.Mail.Transport = "telegram"
	cfg.Telegram.Token = ""
	if _, err := buildTransport(cfg, zerolog.Nop()); !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("ожидали ошибку без токена, получили %v", err)
	}
}

func TestNotifierBackends(t *testing.T) {
	cfg := testConfig(t)
	a := &App{}

	cfg.Events.Backend = "log"
	n, err := a.notifier(cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if _, ok := n.(*queue.LogNotifier); !ok {
		t.Fatalf("ожидали LogNotifier, получили %T", n)
	}

	cfg.Events.Backend = "redis"
	if _, err := a.notifier(cfg, nil, zerolog.Nop()); !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("redis без REDIS_ADDR должен давать ошибку конфигурации, получили %v", err)
	}

	cfg.Events.Backend = "kafka"
	if _, err := a.notifier(cfg, nil, zerolog.Nop()); !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("неизвестный backend должен давать ошибку конфигурации, получили %v", err)
	}
}

func TestCloseRunsInReverseOrder(t *testing.T) {
	var order []int
	a := &App{closers: []func() error{
		func() error { order = append(order, 1); return nil },
		func() error { order = append(order, 2); return errors.New("boom") },
	}}
	if err := a.Close(); err == nil {
		t.Fatalf("ожидали ошибку закрытия")
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("неверный порядок закрытия: %v", order)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("повторное закрытие не должно падать: %v", err)
	}
}
