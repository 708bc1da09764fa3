package settlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPaymentAgingDays(t *testing.T) {
	start := time.Date(2025, 6, 11, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		payment time.Time
		want    int
	}{
		{"paid at session start", start, 0},
		{"paid after session start", start.Add(2 * time.Hour), 0},
		{"23 hours before", start.Add(-23 * time.Hour), 0},
		{"exactly one day before", start.Add(-24 * time.Hour), 1},
		{"ten and a half days before", start.Add(-252 * time.Hour), 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PaymentAgingDays(tt.payment, start))
		})
	}
}

func TestRemainingDelayDays(t *testing.T) {
	assert.Equal(t, 1, RemainingDelayDays(7, 10))
	assert.Equal(t, 7, RemainingDelayDays(7, 0))
	assert.Equal(t, 4, RemainingDelayDays(7, 3))
	assert.Equal(t, 1, RemainingDelayDays(7, 6))
	assert.Equal(t, 1, RemainingDelayDays(7, 7))
}

func TestScheduledTransferTime(t *testing.T) {
	start := time.Date(2025, 6, 11, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	aged := ScheduledTransferTime(start.Add(-10*24*time.Hour), start, end, 7)
	assert.Equal(t, end.Add(24*time.Hour), aged)

	fresh := ScheduledTransferTime(start, start, end, 7)
	assert.Equal(t, end.Add(7*24*time.Hour), fresh)
}

func TestScheduledTransferTimeIsUTC(t *testing.T) {
	loc := time.FixedZone("CEST", 2*60*60)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, loc)
	got := ScheduledTransferTime(start, start, start.Add(time.Hour), 7)
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, time.Date(2025, 6, 8, 11, 0, 0, 0, time.UTC), got)
}
