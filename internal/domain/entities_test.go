package domain

import (
	"errors"
	"testing"
	"time"
)

func TestDiscussionInWindow(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		d    Discussion
		want bool
	}{
		{name: "unbounded", d: Discussion{}, want: true},
		{name: "future start", d: Discussion{TimeStart: now.Add(time.Hour)}, want: false},
		{name: "past start", d: Discussion{TimeStart: now.Add(-time.Hour)}, want: true},
		{name: "past end", d: Discussion{TimeEnd: now.Add(-time.Minute)}, want: false},
		{name: "end exactly now", d: Discussion{TimeEnd: now}, want: false},
		{name: "inside", d: Discussion{TimeStart: now.Add(-time.Hour), TimeEnd: now.Add(time.Hour)}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.InWindow(now); got != tt.want {
				t.Fatalf("InWindow() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTracked(t *testing.T) {
	tracker := User{TrackForums: true}
	nonTracker := User{}
	tests := []struct {
		name          string
		tracking      TrackingType
		user          User
		forcedAllowed bool
		want          bool
	}{
		{name: "off", tracking: TrackingOff, user: tracker, want: false},
		{name: "optional tracker", tracking: TrackingOptional, user: tracker, want: true},
		{name: "optional non tracker", tracking: TrackingOptional, user: nonTracker, want: false},
		{name: "forced allowed", tracking: TrackingForced, user: nonTracker, forcedAllowed: true, want: true},
		{name: "forced not allowed falls back", tracking: TrackingForced, user: nonTracker, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forum := Forum{TrackingType: tt.tracking}
			if got := IsTracked(forum, tt.user, tt.forcedAllowed); got != tt.want {
				t.Fatalf("IsTracked() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessageIDsAreStableAndDistinct(t *testing.T) {
	day := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	later := day.Add(10 * time.Hour)

	if PostMessageID(1, 2, day, "example.org") != PostMessageID(1, 2, later, "example.org") {
		t.Fatalf("ожидали одинаковый id в пределах дня")
	}
	if PostMessageID(1, 2, day, "example.org") == PostMessageID(1, 2, day.AddDate(0, 0, 1), "example.org") {
		t.Fatalf("ожидали разные id для разных дней")
	}
	if PostMessageID(1, 2, day, "example.org") == DigestMessageID(1, 2, day, "example.org") {
		t.Fatalf("id мгновенного письма и дайджеста не должны совпадать")
	}
}

func TestTypedErrors(t *testing.T) {
	var err error = &MissingEntityError{Kind: "forum", ID: 3}
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("ожидали совпадение с ErrNotFound")
	}
	err = &ConfigError{Field: "DigestHour", Reason: "out of range"}
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("ожидали совпадение с ErrConfig")
	}
}
