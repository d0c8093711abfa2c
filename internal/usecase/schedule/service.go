package schedule

import (
	"errors"
	"strings"
	"time"
	"unicode"
)

// ErrInvalidTimezone возвращается, если указан некорректный часовой пояс.
var ErrInvalidTimezone = errors.New("invalid timezone")

// ErrInvalidHour возвращается для часа дайджеста вне диапазона 0..23.
var ErrInvalidHour = errors.New("invalid digest hour")

// Cutoff возвращает момент ежедневного дайджеста для дня, в который попадает now:
// полночь по часовому поясу сайта плюс hour часов.
func Cutoff(now time.Time, loc *time.Location, hour int) (time.Time, error) {
	if hour < 0 || hour > 23 {
		return time.Time{}, ErrInvalidHour
	}
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc), nil
}

// Due сообщает, пора ли отправлять дайджест: lastRun < cutoff <= now.
// Так дайджест уходит не чаще раза в сутки, сколько бы раз ни запускался проход.
func Due(lastRun, cutoff, now time.Time) bool {
	return lastRun.Before(cutoff) && !cutoff.After(now)
}

// LoadLocation разбирает часовой пояс, допуская небрежное написание
// вроде "europe/moscow" или "America/New York".
func LoadLocation(raw string) (*time.Location, error) {
	name, err := normalizeTimezone(raw)
	if err != nil {
		return nil, err
	}
	return time.LoadLocation(name)
}

func normalizeTimezone(raw string) (string, error) {
	name := strings.ReplaceAll(strings.TrimSpace(raw), " ", "_")
	if name == "" {
		return "", ErrInvalidTimezone
	}
	for _, candidate := range []string{name, titleZone(name)} {
		if _, err := time.LoadLocation(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", ErrInvalidTimezone
}

// titleZone поднимает регистр первой буквы каждого слова: europe/moscow -> Europe/Moscow.
func titleZone(name string) string {
	out := []rune(strings.ToLower(name))
	upper := true
	for i, r := range out {
		if upper {
			out[i] = unicode.ToUpper(r)
		}
		upper = r == '/' || r == '_' || r == '-'
	}
	return string(out)
}
