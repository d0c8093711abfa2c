package config

import (
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("MAIL_DIGEST_HOUR", "")
	cfg, err := Parse()
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if cfg.Mail.LookbackWindowSeconds != 172800 {
		t.Fatalf("ожидали окно 48ч, получили %d", cfg.Mail.LookbackWindowSeconds)
	}
	if cfg.Mail.DigestQueueRetention != 7*24*time.Hour {
		t.Fatalf("ожидали хранение очереди 7 дней, получили %s", cfg.Mail.DigestQueueRetention)
	}
	if cfg.Mail.Transport != "smtp" {
		t.Fatalf("ожидали транспорт smtp, получили %s", cfg.Mail.Transport)
	}
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("MAIL_DIGEST_HOUR", "6")
	t.Setenv("MAIL_TIMED_POSTS_ENABLED", "true")
	t.Setenv("DIGEST_FORCE_MODE", "full")
	cfg, err := Parse()
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if cfg.Mail.DigestHour != 6 || !cfg.Mail.TimedPostsEnabled || cfg.Mail.DigestForceMode != "full" {
		t.Fatalf("переменные окружения не применились: %+v", cfg.Mail)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Setenv("MAIL_DIGEST_HOUR", "evening")
	if _, err := Parse(); err == nil {
		t.Fatalf("ожидали ошибку разбора")
	}
}
