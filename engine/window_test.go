package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/ecoboard/engine"
)

func TestParseWindow(t *testing.T) {
	tests := []struct {
		in   string
		want engine.Window
	}{
		{"week", engine.WindowWeek},
		{"month", engine.WindowMonth},
		{"year", engine.WindowYear},
		{" week ", engine.WindowWeek},
		{"", engine.WindowAllTime},
		{"fortnight", engine.WindowAllTime},
		{"WEEK", engine.WindowAllTime},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, engine.ParseWindow(tt.in))
		})
	}
}

func TestWindow_Start(t *testing.T) {
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, now.Add(-168*time.Hour), engine.WindowWeek.Start(now))
	assert.Equal(t, now.Add(-30*24*time.Hour), engine.WindowMonth.Start(now))
	assert.Equal(t, now.Add(-365*24*time.Hour), engine.WindowYear.Start(now))
	assert.True(t, engine.WindowAllTime.Start(now).IsZero())
	assert.Equal(t, "all", engine.WindowAllTime.String())

	assert.Equal(t, 168*time.Hour, engine.WindowWeek.Lookback())
	assert.Zero(t, engine.WindowAllTime.Lookback())
	assert.Zero(t, engine.Window("fortnight").Lookback())
}

func TestWindow_BoundsIncludeQueryInstant(t *testing.T) {
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	from, to := engine.WindowWeek.Bounds(now)
	assert.Equal(t, now.Add(-7*24*time.Hour), from)
	assert.True(t, to.After(now))

	from, _ = engine.WindowAllTime.Bounds(now)
	assert.True(t, from.IsZero())
}
