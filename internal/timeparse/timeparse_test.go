package timeparse

import (
	"testing"
	"time"
)

var moscow = mustLoad("Europe/Moscow")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func at(s string, loc *time.Location) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04", s, loc)
	if err != nil {
		panic(err)
	}
	return t
}

func TestResolveRelativeOffsets(t *testing.T) {
	t.Parallel()
	now := at("2024-01-01 10:00", time.UTC)
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"in 30 seconds", 30 * time.Second},
		{"in 30 minutes", 30 * time.Minute},
		{"in 1 minute", time.Minute},
		{"in 2 hours", 2 * time.Hour},
		{"in 3 days", 3 * 24 * time.Hour},
		{"in 1 week", 7 * 24 * time.Hour},
		{"через 30 мин", 30 * time.Minute},
		{"через 2 часа", 2 * time.Hour},
		{"через 1 день", 24 * time.Hour},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := Resolve(tt.raw, now, time.UTC)
			if err != nil {
				t.Fatalf("Resolve(%q) error: %v", tt.raw, err)
			}
			if want := now.Add(tt.want); !got.DueAt.Equal(want) {
				t.Fatalf("DueAt = %v, want %v", got.DueAt, want)
			}
			if got.Recurrence != 0 {
				t.Fatalf("Recurrence = %v, want 0", got.Recurrence)
			}
			if got.Confidence != Exact {
				t.Fatalf("Confidence = %v, want Exact", got.Confidence)
			}
		})
	}
}

func TestResolveRecurring(t *testing.T) {
	t.Parallel()
	now := at("2024-01-01 10:00", time.UTC)
	got, err := Resolve("every 1 day", now, time.UTC)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if got.Recurrence != 24*time.Hour {
		t.Fatalf("Recurrence = %v, want 24h", got.Recurrence)
	}
	if want := now.Add(24 * time.Hour); !got.DueAt.Equal(want) {
		t.Fatalf("DueAt = %v, want %v", got.DueAt, want)
	}
}

func TestResolveClockRollsForward(t *testing.T) {
	t.Parallel()
	now := at("2024-01-01 15:30", time.UTC)
	got, err := Resolve("at 15:00", now, time.UTC)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if want := at("2024-01-02 15:00", time.UTC); !got.DueAt.Equal(want) {
		t.Fatalf("DueAt = %v, want %v", got.DueAt, want)
	}
	if got.Confidence != Inferred {
		t.Fatalf("Confidence = %v, want Inferred", got.Confidence)
	}
}

func TestResolveClockSameDay(t *testing.T) {
	t.Parallel()
	now := at("2024-01-01 10:00", time.UTC)
	got, err := Resolve("at 15:00", now, time.UTC)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if want := at("2024-01-01 15:00", time.UTC); !got.DueAt.Equal(want) {
		t.Fatalf("DueAt = %v, want %v", got.DueAt, want)
	}
	if got.Confidence != Exact {
		t.Fatalf("Confidence = %v, want Exact", got.Confidence)
	}
}

func TestResolveClockQualifiers(t *testing.T) {
	t.Parallel()
	now := at("2024-01-01 10:00", moscow)
	tests := []struct {
		raw  string
		want time.Time
	}{
		{"tomorrow at 09:00", at("2024-01-02 09:00", moscow)},
		{"завтра в 9:00", at("2024-01-02 09:00", moscow)},
		{"at 15:00 today", at("2024-01-01 15:00", moscow)},
		{"15:00", at("2024-01-01 15:00", moscow)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := Resolve(tt.raw, now, moscow)
			if err != nil {
				t.Fatalf("Resolve(%q) error: %v", tt.raw, err)
			}
			if !got.DueAt.Equal(tt.want) {
				t.Fatalf("DueAt = %v, want %v", got.DueAt.In(moscow), tt.want)
			}
			if got.DueAt.Location() != time.UTC {
				t.Fatalf("DueAt not normalized to UTC: %v", got.DueAt.Location())
			}
		})
	}
}

func TestResolveClockTodayInPast(t *testing.T) {
	t.Parallel()
	now := at("2024-01-01 15:30", time.UTC)
	_, err := Resolve("at 15:00 today", now, time.UTC)
	assertKind(t, err, PastDate)
}

func TestResolveWeekday(t *testing.T) {
	t.Parallel()
	// 2024-01-01 is a Monday.
	now := at("2024-01-01 10:00", time.UTC)
	tests := []struct {
		raw  string
		want time.Time
		conf Confidence
	}{
		{"next friday at 18:30", at("2024-01-05 18:30", time.UTC), Exact},
		{"next friday", at("2024-01-05 09:00", time.UTC), Inferred},
		// Same weekday with a time already behind us rolls a full week.
		{"next monday at 09:00", at("2024-01-08 09:00", time.UTC), Inferred},
		{"next monday at 12:00", at("2024-01-01 12:00", time.UTC), Exact},
		{"в следующую пятницу в 18:30", at("2024-01-05 18:30", time.UTC), Exact},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := Resolve(tt.raw, now, time.UTC)
			if err != nil {
				t.Fatalf("Resolve(%q) error: %v", tt.raw, err)
			}
			if !got.DueAt.Equal(tt.want) {
				t.Fatalf("DueAt = %v, want %v", got.DueAt, tt.want)
			}
			if got.Confidence != tt.conf {
				t.Fatalf("Confidence = %v, want %v", got.Confidence, tt.conf)
			}
		})
	}
}

func TestResolveFixedDate(t *testing.T) {
	t.Parallel()
	now := at("2024-06-15 10:00", time.UTC)
	tests := []struct {
		raw  string
		want time.Time
	}{
		{"31.12 23:59", at("2024-12-31 23:59", time.UTC)},
		{"31.12.2024 23:59", at("2024-12-31 23:59", time.UTC)},
		{"20.06", at("2024-06-20 09:00", time.UTC)},
		// Date already behind us and no year: next year.
		{"01.03", at("2025-03-01 09:00", time.UTC)},
		{"14.02 at 12:00", at("2025-02-14 12:00", time.UTC)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := Resolve(tt.raw, now, time.UTC)
			if err != nil {
				t.Fatalf("Resolve(%q) error: %v", tt.raw, err)
			}
			if !got.DueAt.Equal(tt.want) {
				t.Fatalf("DueAt = %v, want %v", got.DueAt, tt.want)
			}
		})
	}
}

func TestResolveFailures(t *testing.T) {
	t.Parallel()
	now := at("2024-06-15 10:00", time.UTC)
	tests := []struct {
		raw  string
		kind Kind
	}{
		{"", Unparseable},
		{"remind me maybe", Unparseable},
		{"next someday", Unparseable},
		{"32.01", Unparseable},
		{"30.02.2025", Unparseable},
		{"in 0 minutes", InvalidOffset},
		{"in -5 minutes", InvalidOffset},
		{"in 5 lightyears", InvalidOffset},
		{"every 0 days", InvalidOffset},
		{"01.01.2020", PastDate},
		{"01.01.2020 10:00", PastDate},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			_, err := Resolve(tt.raw, now, time.UTC)
			assertKind(t, err, tt.kind)
		})
	}
}

func TestResolveUsesCallerTimezone(t *testing.T) {
	t.Parallel()
	// 10:00 UTC is 13:00 in Moscow; "at 12:00" is already past there.
	now := at("2024-01-01 10:00", time.UTC)
	got, err := Resolve("at 12:00", now, moscow)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if want := at("2024-01-02 12:00", moscow); !got.DueAt.Equal(want) {
		t.Fatalf("DueAt = %v, want %v", got.DueAt.In(moscow), want)
	}
}

func assertKind(t *testing.T, err error, want Kind) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error")
	}
	re, ok := err.(*ResolutionError)
	if !ok {
		t.Fatalf("error type %T, want *ResolutionError", err)
	}
	if re.Kind != want {
		t.Fatalf("Kind = %v, want %v", re.Kind, want)
	}
}
