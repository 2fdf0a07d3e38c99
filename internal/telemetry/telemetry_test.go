package telemetry

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReporter_SampleReturnsNonNegativeReadings(t *testing.T) {
	r, err := NewReporter(zerolog.Nop())
	require.NoError(t, err)

	s, err := r.Sample()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, s.CPUPercent, 0.0)
	assert.Greater(t, s.GoroutineHint, uint64(0))
}

func TestSystemCPUPercent(t *testing.T) {
	pct, err := SystemCPUPercent(10 * time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pct, 0.0)
}
