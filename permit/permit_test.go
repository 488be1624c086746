package permit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RNA4219/dispatchcore/permit"
)

func TestNewRejectsEmptyLevels(t *testing.T) {
	_, err := permit.New(permit.Config{})
	require.Error(t, err)
}

func TestNormalizeTiersRejectsIncompleteShorthand(t *testing.T) {
	_, err := permit.NormalizeTiers(permit.Quota{BurstLimit: 1})
	require.Error(t, err)
}

func TestNormalizeTiersRejectsNonPositiveLimit(t *testing.T) {
	_, err := permit.NormalizeTiers(permit.Quota{Tiers: []permit.Tier{{Code: "x", Limit: 0, Window: time.Second}}})
	require.Error(t, err)
}

func TestPermitAllowsUnderLimit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := now
	g, err := permit.New(permit.Config{
		Levels: []permit.Level{
			{Name: "per_channel", Quota: permit.Quota{BurstLimit: 2, WindowMin: 1, Day: 100}},
		},
	}, permit.WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	d := g.Permit("discord", "general", "weather")
	assert.True(t, d.Allowed)

	d = g.Permit("discord", "general", "weather")
	assert.True(t, d.Allowed)
}

func TestPermitHierarchicalDenial(t *testing.T) {
	// Per-channel burst tier limit=1 window=60s; per-platform daily tier
	// limit=1 window=300s. Scenario 3 from spec.md §8.
	now := time.Unix(1_700_000_000, 0)
	clock := now
	g, err := permit.New(permit.Config{
		Levels: []permit.Level{
			{
				Name:  "per_channel",
				Quota: permit.Quota{Tiers: []permit.Tier{{Code: "burst", Limit: 1, Window: 60 * time.Second}}},
				KeyFn: func(platform, channel, _ string) (string, string) { return platform, channel },
			},
			{
				Name:  "per_platform",
				Quota: permit.Quota{Tiers: []permit.Tier{{Code: "daily", Limit: 1, Window: 300 * time.Second}}},
				KeyFn: func(platform, _, _ string) (string, string) { return platform, "-" },
			},
		},
	}, permit.WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	d := g.Permit("discord", "general", "weather")
	require.True(t, d.Allowed)

	clock = now.Add(61 * time.Second)
	d = g.Permit("discord", "general", "weather")
	require.False(t, d.Allowed)
	assert.Equal(t, "per_platform", d.Level)
	require.NotNil(t, d.RetryAfter)
	assert.InDelta(t, 239, d.RetryAfter.Seconds(), 1)
}

func TestPermitRejectionHookOverridesReevaluation(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := now
	called := false
	g, err := permit.New(permit.Config{
		Levels: []permit.Level{
			{Name: "per_channel", Quota: permit.Quota{Tiers: []permit.Tier{{Code: "burst", Limit: 1, Window: time.Minute}}}},
		},
		Hooks: &permit.Hooks{
			OnRejection: func(ctx permit.RejectionContext) *permit.ReevaluationOutcome {
				called = true
				return &permit.ReevaluationOutcome{Level: ctx.Level, Reason: "engagement_below_threshold"}
			},
		},
	}, permit.WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	g.Permit("discord", "general", "weather")
	d := g.Permit("discord", "general", "weather")
	assert.True(t, called)
	require.False(t, d.Allowed)
	require.NotNil(t, d.Reevaluation)
	assert.Equal(t, "engagement_below_threshold", d.Reevaluation.Reason)
	require.NotNil(t, d.RetryMetadata)
	assert.Equal(t, "permit_reeval", d.RetryMetadata["retry_source"])
}

func TestPermitWindowEviction(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := now
	g, err := permit.New(permit.Config{
		Levels: []permit.Level{
			{Name: "per_channel", Quota: permit.Quota{Tiers: []permit.Tier{{Code: "burst", Limit: 1, Window: 10 * time.Second}}}},
		},
	}, permit.WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	require.True(t, g.Permit("discord", "general", "weather").Allowed)
	require.False(t, g.Permit("discord", "general", "weather").Allowed)

	clock = now.Add(11 * time.Second)
	require.True(t, g.Permit("discord", "general", "weather").Allowed)
}
