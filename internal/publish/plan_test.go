package publish

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"feedbridge/internal/domain"
)

func TestWindow(t *testing.T) {
	defaults := Defaults{SchedulePeriod: 15, MaxStoriesPerPeriod: 2}

	tests := []struct {
		name       string
		feed       domain.Feed
		wantPeriod int
		wantMax    int
	}{
		{
			name:       "defaults",
			feed:       domain.Feed{},
			wantPeriod: 15,
			wantMax:    2,
		},
		{
			name: "manual control overrides",
			feed: domain.Feed{
				ManualControl:       true,
				SchedulePeriod:      60,
				MaxStoriesPerPeriod: 10,
			},
			wantPeriod: 60,
			wantMax:    10,
		},
		{
			name:       "dump excess caps at one",
			feed:       domain.Feed{DumpExcessInPeriod: true},
			wantPeriod: 15,
			wantMax:    1,
		},
		{
			name: "dump excess caps manual schedule too",
			feed: domain.Feed{
				ManualControl:       true,
				SchedulePeriod:      30,
				MaxStoriesPerPeriod: 5,
				DumpExcessInPeriod:  true,
			},
			wantPeriod: 30,
			wantMax:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			period, max := Window(&tt.feed, defaults)
			assert.Equal(t, tt.wantPeriod, period)
			assert.Equal(t, tt.wantMax, max)
		})
	}
}

func TestBudget(t *testing.T) {
	tests := []struct {
		name      string
		max       int
		published int
		skipQueue bool
		want      int
	}{
		{"full window", 2, 0, false, 2},
		{"partially spent", 2, 1, false, 1},
		{"exhausted", 2, 2, false, 0},
		{"over quota goes negative", 2, 5, false, -3},
		{"skip queue forces a slot", 2, 2, true, 1},
		{"skip queue on over quota", 2, 5, true, 1},
		{"skip queue leaves open budget alone", 2, 0, true, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Budget(tt.max, tt.published, tt.skipQueue))
		})
	}
}
