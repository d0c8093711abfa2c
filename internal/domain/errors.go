package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound возвращается хранилищами, когда запись отсутствует.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyConsumed: записи очереди уже забрал другой проход, дайджест отправлять нельзя.
	ErrAlreadyConsumed = errors.New("digest entries already consumed")

	// ErrConfig объединяет ошибки конфигурации, прерывающие проход рассылки.
	ErrConfig = errors.New("invalid mail configuration")
)

// MissingEntityError: для выбранного поста не найдено обсуждение, форум, курс или активность.
type MissingEntityError struct {
	Kind string
	ID   int64
}

func (e *MissingEntityError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

// Is позволяет сравнивать с ErrNotFound.
func (e *MissingEntityError) Is(target error) bool {
	return target == ErrNotFound
}

// DeliveryError: транспорт не смог доставить мгновенное уведомление.
type DeliveryError struct {
	PostID int64
	UserID int64
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver post %d to user %d: %v", e.PostID, e.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// AggregationError: не удалось собрать или отправить дайджест пользователю.
type AggregationError struct {
	UserID  int64
	ForumID int64
	Err     error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("digest for user %d forum %d: %v", e.UserID, e.ForumID, e.Err)
}

func (e *AggregationError) Unwrap() error { return e.Err }

// ConfigError описывает некорректную настройку.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// Is позволяет сравнивать с ErrConfig.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}
