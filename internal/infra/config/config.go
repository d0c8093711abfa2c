package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"Europe/Amsterdam"`
	Port   int    `envconfig:"PORT" default:"8080"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`
	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Site struct {
		Name       string `envconfig:"SITE_NAME" default:"Forum"`
		URL        string `envconfig:"SITE_URL" default:"http://localhost"`
		MailDomain string `envconfig:"MAIL_DOMAIN" default:"localhost"`
	} `envconfig:""`

	Mail struct {
		EditGracePeriodSeconds    int           `envconfig:"MAIL_EDIT_GRACE_PERIOD_SECONDS" default:"1800"`
		LookbackWindowSeconds     int           `envconfig:"MAIL_LOOKBACK_WINDOW_SECONDS" default:"172800"`
		OldPostCutoffDays         int           `envconfig:"MAIL_OLD_POST_CUTOFF_DAYS" default:"14"`
		DigestHour                int           `envconfig:"MAIL_DIGEST_HOUR" default:"17"`
		TimedPostsEnabled         bool          `envconfig:"MAIL_TIMED_POSTS_ENABLED" default:"false"`
		ForcedReadTrackingAllowed bool          `envconfig:"MAIL_FORCED_READ_TRACKING_ALLOWED" default:"false"`
		MarkReadOnNotification    bool          `envconfig:"MAIL_MARK_READ_ON_NOTIFICATION" default:"true"`
		DigestForceMode           string        `envconfig:"DIGEST_FORCE_MODE"`
		DigestQueueRetention      time.Duration `envconfig:"DIGEST_QUEUE_RETENTION" default:"168h"`
		UserCacheLimit            int           `envconfig:"MAIL_USER_CACHE_LIMIT" default:"1000"`
		Workers                   int           `envconfig:"MAIL_WORKERS" default:"8"`
		SendAttempts              int           `envconfig:"MAIL_SEND_ATTEMPTS" default:"1"`
		SendRPS                   float64       `envconfig:"MAIL_SEND_RPS" default:"20"`
		RunLockTTL                time.Duration `envconfig:"MAIL_RUN_LOCK_TTL" default:"5m"`
		Transport                 string        `envconfig:"MAIL_TRANSPORT" default:"smtp"`
	} `envconfig:""`

	SMTP struct {
		Host     string        `envconfig:"SMTP_HOST" default:"localhost"`
		Port     int           `envconfig:"SMTP_PORT" default:"25"`
		User     string        `envconfig:"SMTP_USER"`
		Password string        `envconfig:"SMTP_PASSWORD"`
		From     string        `envconfig:"SMTP_FROM" default:"noreply@localhost"`
		FromName string        `envconfig:"SMTP_FROM_NAME"`
		UseTLS   bool          `envconfig:"SMTP_TLS" default:"false"`
		Timeout  time.Duration `envconfig:"SMTP_TIMEOUT" default:"30s"`
	} `envconfig:""`

	Telegram struct {
		Token string `envconfig:"TG_BOT_TOKEN"`
	} `envconfig:""`

	Reply struct {
		Secret string `envconfig:"REPLY_SECRET"`
		Domain string `envconfig:"REPLY_DOMAIN"`
	} `envconfig:""`

	Events struct {
		Backend  string `envconfig:"EVENTS_BACKEND" default:"log"`
		Exchange string `envconfig:"EVENTS_EXCHANGE" default:"forum.mail"`
		RedisKey string `envconfig:"EVENTS_REDIS_KEY" default:"forum_mail_events"`
	} `envconfig:""`

	Scheduler struct {
		Cron        string `envconfig:"SCHEDULER_CRON" default:"* * * * *"`
		MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
		AdminToken  string `envconfig:"ADMIN_TOKEN"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	cfg, err := Parse()
	if err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// Parse разбирает окружение без завершения процесса.
func Parse() (AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}
