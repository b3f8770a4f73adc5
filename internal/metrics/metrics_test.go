package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(SyncRuns.WithLabelValues("push", "completed"))
	SyncRuns.WithLabelValues("push", "completed").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(SyncRuns.WithLabelValues("push", "completed")))

	before = testutil.ToFloat64(Fallbacks.WithLabelValues("history", "connectivity"))
	Fallbacks.WithLabelValues("history", "connectivity").Add(2)
	assert.Equal(t, before+2, testutil.ToFloat64(Fallbacks.WithLabelValues("history", "connectivity")))
}
