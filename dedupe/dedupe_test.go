package dedupe_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RNA4219/dispatchcore/dedupe"
)

func TestPermitRejectsNearDuplicate(t *testing.T) {
	f := dedupe.New()
	require.True(t, f.Permit("Sunny skies expected across the valley today with a light breeze"))
	ok := f.Permit("Sunny skies expected across the valley today with a light  breeze")
	assert.False(t, ok)
}

func TestPermitAllowsDistinctText(t *testing.T) {
	f := dedupe.New()
	require.True(t, f.Permit("weather report for monday"))
	assert.True(t, f.Permit("completely unrelated fortune reading for the week"))
}

func TestBufferEvictsBeyondK(t *testing.T) {
	f := dedupe.New(dedupe.WithK(2))
	require.True(t, f.Permit("alpha message one"))
	require.True(t, f.Permit("beta message two"))
	require.True(t, f.Permit("gamma message three"))
	// "alpha message one" should have been evicted, so a near-identical
	// resubmission is permitted again.
	assert.True(t, f.Permit("alpha message one"))
}

func TestSimilarityFailsOpenOnEmptyInput(t *testing.T) {
	assert.Equal(t, 0.0, dedupe.Similarity("", "something"))
	assert.Equal(t, 0.0, dedupe.Similarity("something", ""))
}

func TestSimilarityIsSymmetric(t *testing.T) {
	a, b := "the quick brown fox", "the quick brown fix"
	assert.Equal(t, dedupe.Similarity(a, b), dedupe.Similarity(b, a))
}

func TestPermitRejectsEveryRepeatOfBufferedText(t *testing.T) {
	f := dedupe.New()
	text := "identical payload for duplicate scenario"
	require.True(t, f.Permit(text))
	rejections := 0
	for i := 0; i < 3; i++ {
		if !f.Permit(fmt.Sprintf("%s", text)) {
			rejections++
		}
	}
	assert.Equal(t, 3, rejections)
}
