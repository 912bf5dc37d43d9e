package prometheus_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gegl-go/tilestore/pkg/metrics"
	_ "github.com/gegl-go/tilestore/pkg/metrics/prometheus"
	"github.com/gegl-go/tilestore/pkg/workerpool"
)

func TestWorkerPoolCollectorReportsThreadsAndCost(t *testing.T) {
	metrics.InitRegistry()

	pool := workerpool.New(4)
	collector := metrics.NewWorkerPoolCollector(pool)
	require.NotNil(t, collector)

	assert.Equal(t, 2, testutil.CollectAndCount(collector))
}
