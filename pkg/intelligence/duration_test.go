package intelligence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{520 * time.Second, "8 minutes 40 seconds"},
		{0, "0 seconds"},
		{500 * time.Millisecond, "0 seconds"},
		{time.Second, "1 second"},
		{time.Minute, "1 minute"},
		{61 * time.Second, "1 minute 1 second"},
		{2 * time.Hour, "2 hours"},
		{26 * time.Hour, "1 day 2 hours"},
		{3*24*time.Hour + 25*time.Minute, "3 days 25 minutes"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatDuration(tc.d), "duration %v", tc.d)
	}
}

func TestFormatDurationNegativeUsesMagnitude(t *testing.T) {
	assert.Equal(t, "8 minutes 40 seconds", FormatDuration(-520*time.Second))
}

func TestFormatSince(t *testing.T) {
	now := time.Now()

	assert.Equal(t, "just now", FormatSince(now, now))
	assert.Equal(t, "2 hours ago", FormatSince(now.Add(-2*time.Hour), now))
}
