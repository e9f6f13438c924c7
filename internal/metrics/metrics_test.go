package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRegisterDefaultTwice(t *testing.T) {
	assert.NotPanics(t, func() {
		RegisterDefault(zap.NewNop())
		RegisterDefault(zap.NewNop())
	})
}

func TestCountRequest(t *testing.T) {
	before := testutil.ToFloat64(requests.WithLabelValues("query", OutcomeFailure))
	CountRequest("query", OutcomeFailure)
	assert.Equal(t, before+1, testutil.ToFloat64(requests.WithLabelValues("query", OutcomeFailure)))
}

func TestTimer(t *testing.T) {
	timer := StartTimer()
	assert.GreaterOrEqual(t, int64(timer.Stop(OutcomeOK)), int64(0))
	assert.Equal(t, 1, testutil.CollectAndCount(queryDuration))
}
