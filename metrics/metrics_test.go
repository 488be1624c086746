package metrics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RNA4219/dispatchcore/metrics"
)

func TestResetForTestClearsSnapshot(t *testing.T) {
	agg := metrics.New()
	agg.ConfigureBackend(agg)
	agg.ReportSendSuccess("weather", "discord", "general", 500*time.Millisecond, nil)

	agg.ResetForTest()
	snap := agg.WeeklySnapshot()
	assert.Empty(t, snap.SuccessRate)
	assert.Empty(t, snap.LatencyHistogram)
	assert.Empty(t, snap.PermitDenials)
}

func TestWeeklySnapshotTrimsByRetention(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	now := t0
	agg := metrics.New().WithClock(func() time.Time { return now })
	agg.ConfigureBackend(agg)
	agg.SetRetentionDays(2)

	agg.ReportSendSuccess("weather", "discord", "general", 100*time.Millisecond, nil)

	now = t0.AddDate(0, 0, 3)
	agg.ReportSendFailure("weather", "discord", "general", "boom", 4*time.Second)
	agg.ReportPermitDenied("news", "discord", "general", "burst limit reached", nil)

	snap := agg.WeeklySnapshot()
	require.Contains(t, snap.SuccessRate, "weather")
	rate := snap.SuccessRate["weather"]
	assert.Equal(t, 0, rate.Success, "t0 success record must have aged out")
	assert.Equal(t, 1, rate.Failure)
	assert.Len(t, snap.PermitDenials, 1)
	assert.Equal(t, ">3s", oneKey(snap.LatencyHistogram["weather"]))
}

func oneKey(m map[string]int) string {
	for k := range m {
		return k
	}
	return ""
}

func TestSuccessRatioExcludesZeroTotalJobs(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	agg := metrics.New().WithClock(func() time.Time { return now })
	agg.ConfigureBackend(agg)

	snap := agg.WeeklySnapshot()
	assert.Empty(t, snap.SuccessRate)
}

func TestBoundarySuppressBackendIncludeSelfRestoresOnExit(t *testing.T) {
	agg := metrics.New()
	agg.ConfigureBackend(agg)
	boundary := metrics.NewBoundary(agg)

	restore := boundary.SuppressBackend(true)
	assert.False(t, agg.BackendConfigured())
	restore()
	assert.True(t, agg.BackendConfigured())
}

func TestBoundarySuppressBackendWithoutIncludeSelfLeavesOwnBackend(t *testing.T) {
	agg := metrics.New()
	agg.ConfigureBackend(agg)
	boundary := metrics.NewBoundary(agg)

	restore := boundary.SuppressBackend(false)
	assert.True(t, agg.BackendConfigured(), "without includeSelf, the boundary's own recorder stays installed as the backend")
	restore()
}

func TestDisabledBoundaryIsNotEnabled(t *testing.T) {
	boundary := metrics.NewDisabledBoundary()
	assert.False(t, boundary.Enabled())
}
