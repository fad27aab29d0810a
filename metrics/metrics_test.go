package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "test")

	p.CycleFinished("completed", 2*time.Second)
	p.CycleFinished("abandoned", time.Second)
	p.CycleFinished("completed", time.Second)
	p.Delivered(3, 1)
	p.Acknowledged(2, 1)
	p.QueryFailed()
	p.TransportFailed()
	p.InvalidAddress()

	require.Equal(t, 2.0, testutil.ToFloat64(p.cycles.WithLabelValues("completed")))
	require.Equal(t, 1.0, testutil.ToFloat64(p.cycles.WithLabelValues("abandoned")))
	require.Equal(t, 3.0, testutil.ToFloat64(p.recipients.WithLabelValues("accepted")))
	require.Equal(t, 1.0, testutil.ToFloat64(p.recipients.WithLabelValues("rejected")))
	require.Equal(t, 2.0, testutil.ToFloat64(p.acks.WithLabelValues("written")))
	require.Equal(t, 1.0, testutil.ToFloat64(p.queryFailures))
	require.Equal(t, 1.0, testutil.ToFloat64(p.transport))
	require.Equal(t, 1.0, testutil.ToFloat64(p.invalid))
}
