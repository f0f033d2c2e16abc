package printer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/slok/photomesh/internal/printer"
)

func TestTimeAgo(t *testing.T) {
	now := time.Now().UTC()

	tests := map[string]struct {
		t   time.Time
		exp string
	}{
		"Seconds should be formatted": {
			t:   now.Add(-5 * time.Second),
			exp: "5 seconds ago (UTC)",
		},

		"A single minute should be singular": {
			t:   now.Add(-70 * time.Second),
			exp: "1 minute ago (UTC)",
		},

		"Hours should be formatted": {
			t:   now.Add(-3 * time.Hour),
			exp: "3 hours ago (UTC)",
		},

		"Days should be formatted": {
			t:   now.Add(-49 * time.Hour),
			exp: "2 days ago (UTC)",
		},

		"Future times should be flagged": {
			t:   now.Add(time.Hour),
			exp: "in the future (UTC)",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.exp, printer.TimeAgo(test.t))
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := map[string]struct {
		ms  int64
		exp string
	}{
		"Milliseconds should be formatted": {ms: 842, exp: "842ms"},
		"Seconds should be formatted":      {ms: 12400, exp: "12.4s"},
		"Minutes should be formatted":      {ms: 192000, exp: "3m12s"},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.exp, printer.FormatDuration(test.ms))
		})
	}
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	assert.Equal(t, "2026-03-14 15:09:26 UTC", printer.FormatTimestamp(ts))
}
