package syncx

import (
	"testing"
	"time"
)

func TestMonthKeyUTC(t *testing.T) {
	tests := []struct {
		name string
		when time.Time
		want int64
	}{
		{name: "mid month", when: time.Date(2025, 11, 15, 12, 0, 0, 0, time.UTC), want: 202511},
		{name: "first millisecond of month", when: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), want: 202603},
		{name: "last millisecond of month", when: time.Date(2026, 2, 28, 23, 59, 59, 999e6, time.UTC), want: 202602},
		{name: "year boundary", when: time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC), want: 202512},
		{name: "epoch", when: time.Unix(0, 0).UTC(), want: 197001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MonthKeyUTC(tt.when.UnixMilli()); got != tt.want {
				t.Errorf("MonthKeyUTC(%s) = %d, want %d", tt.when, got, tt.want)
			}
		})
	}
}

func TestNowMs(t *testing.T) {
	before := NowMs()
	after := NowMs()

	if after < before {
		t.Error("NowMs() went backwards in time")
	}
}
