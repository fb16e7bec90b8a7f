package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodKeyFormat(t *testing.T) {
	const width = 15 * time.Minute
	ts := time.Date(2026, 7, 31, 14, 37, 12, 0, time.UTC)
	key := periodKey(ts, width)
	assert.Equal(t, "2026-07-31-14-2", key) // minute 37 -> bucket index 2 (30-44)
}

func TestPeriodKeyRoundTripsThroughParsePeriodStart(t *testing.T) {
	const width = 15 * time.Minute
	ts := time.Date(2026, 7, 31, 14, 37, 12, 0, time.UTC)
	key := periodKey(ts, width)

	start, err := parsePeriodStart(key, width)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 7, 31, 14, 30, 0, 0, time.UTC), start)
}

func TestPeriodKeyDefaultWidthIsFiveMinutes(t *testing.T) {
	ts := time.Date(2026, 7, 31, 14, 37, 12, 0, time.UTC)
	key := periodKey(ts, DefaultPeriodWidth)
	assert.Equal(t, "2026-07-31-14-7", key) // minute 37 -> bucket index 7 (35-39) at 5-min width
}

func TestCountersSwapAndZeroResetsToNextGeneration(t *testing.T) {
	c := &counters{}
	c.evaluationCount.Add(3)
	c.successCount.Add(2)
	c.errorCount.Add(1)
	c.latencySumMS.Add(42)

	eval, success, errs, latency := c.swapAndZero()
	assert.EqualValues(t, 3, eval)
	assert.EqualValues(t, 2, success)
	assert.EqualValues(t, 1, errs)
	assert.EqualValues(t, 42, latency)

	assert.True(t, c.isZero())

	// increments after the swap land in the fresh generation
	c.evaluationCount.Add(1)
	assert.False(t, c.isZero())
}
