package mailing

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"forum-digest/internal/domain"
	"forum-digest/internal/infra/config"
	"forum-digest/internal/usecase/recipients"
	"forum-digest/internal/usecase/schedule"
)

// Settings: настройки одного прохода рассылки.
type Settings struct {
	EditGracePeriod           time.Duration `validate:"gte=0s"`
	LookbackWindow            time.Duration `validate:"gt=0s"`
	OldPostCutoff             time.Duration `validate:"gte=0s"`
	DigestHour                int           `validate:"gte=0,lte=23"`
	TimedPostsEnabled         bool
	ForcedReadTrackingAllowed bool
	MarkReadOnNotification    bool
	DigestForceMode           string        `validate:"omitempty,oneof=off none full subjects"`
	QueueRetention            time.Duration `validate:"gt=0s"`
	Workers                   int           `validate:"gte=1,lte=256"`
	UserCacheLimit            int           `validate:"gte=1"`
	RequireEmail              bool
	RunLockTTL                time.Duration  `validate:"gt=0s"`
	Location                  *time.Location `validate:"required"`

	SiteName   string `validate:"required"`
	SiteURL    string `validate:"required,url"`
	MailDomain string `validate:"required"`
	FromName   string
}

var validate = validator.New()

// Validate проверяет настройки. Любая ошибка имеет тип *domain.ConfigError.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &domain.ConfigError{Field: fe.Field(), Reason: fmt.Sprintf("failed %q (value %v)", fe.Tag(), fe.Value())}
		}
		return &domain.ConfigError{Field: "settings", Reason: err.Error()}
	}
	if _, err := recipients.ParseForceMode(s.DigestForceMode); err != nil {
		return &domain.ConfigError{Field: "DigestForceMode", Reason: err.Error()}
	}
	return nil
}

// forceMode возвращает политику принудительного дайджеста.
func (s Settings) forceMode() domain.DigestMode {
	mode, _ := recipients.ParseForceMode(s.DigestForceMode)
	return mode
}

// SettingsFromConfig собирает настройки прохода из конфига приложения.
// Некорректный часовой пояс возвращается как *domain.ConfigError.
func SettingsFromConfig(cfg config.AppConfig) (Settings, error) {
	loc, err := schedule.LoadLocation(cfg.TZ)
	if err != nil {
		return Settings{}, &domain.ConfigError{Field: "TZ", Reason: err.Error()}
	}
	return Settings{
		EditGracePeriod:           time.Duration(cfg.Mail.EditGracePeriodSeconds) * time.Second,
		LookbackWindow:            time.Duration(cfg.Mail.LookbackWindowSeconds) * time.Second,
		OldPostCutoff:             time.Duration(cfg.Mail.OldPostCutoffDays) * 24 * time.Hour,
		DigestHour:                cfg.Mail.DigestHour,
		TimedPostsEnabled:         cfg.Mail.TimedPostsEnabled,
		ForcedReadTrackingAllowed: cfg.Mail.ForcedReadTrackingAllowed,
		MarkReadOnNotification:    cfg.Mail.MarkReadOnNotification,
		DigestForceMode:           cfg.Mail.DigestForceMode,
		QueueRetention:            cfg.Mail.DigestQueueRetention,
		Workers:                   cfg.Mail.Workers,
		UserCacheLimit:            cfg.Mail.UserCacheLimit,
		RequireEmail:              cfg.Mail.Transport != "telegram",
		RunLockTTL:                cfg.Mail.RunLockTTL,
		Location:                  loc,
		SiteName:                  cfg.Site.Name,
		SiteURL:                   cfg.Site.URL,
		MailDomain:                cfg.Site.MailDomain,
		FromName:                  cfg.SMTP.FromName,
	}, nil
}
