package cooldown_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/RNA4219/dispatchcore/cooldown"
)

func TestMultiplierClampedToRange(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := cooldown.New(cooldown.Config{
		Window: time.Minute, MultMin: 0.5, MultMax: 2.0,
		KRate: 0.3, KTime: 0.1, KEngage: 0.2,
	}, cooldown.WithClock(func() time.Time { return now }))

	for i := 0; i < 20; i++ {
		g.NotePost("discord", "general", "weather")
	}
	mult := g.Multiplier("discord", "general", "weather", 1.0, 0.0)
	assert.Equal(t, 2.0, mult)

	mult = g.Multiplier("discord", "general", "unseen_job", 1.0, 1.0)
	assert.GreaterOrEqual(t, mult, 0.5)
}

func TestNotePostAppendsExactlyOneTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := cooldown.New(cooldown.Config{Window: time.Hour, MultMin: 0, MultMax: 10, KRate: 1})
	_ = now
	g.NotePost("discord", "general", "weather")
	first := g.Multiplier("discord", "general", "weather", 0, 1)
	g.NotePost("discord", "general", "weather")
	second := g.Multiplier("discord", "general", "weather", 0, 1)
	assert.Greater(t, second, first)
}

func TestHistoryEvictsOutsideWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := now
	g := cooldown.New(cooldown.Config{Window: 10 * time.Second, MultMin: 0, MultMax: 10, KRate: 1},
		cooldown.WithClock(func() time.Time { return clock }))

	g.NotePost("discord", "general", "weather")
	clock = now.Add(11 * time.Second)
	mult := g.Multiplier("discord", "general", "weather", 0, 1)
	assert.Equal(t, 1.0, mult)
}
