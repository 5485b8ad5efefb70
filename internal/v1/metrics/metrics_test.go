package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestKVOperationsTotal(t *testing.T) {
	KVOperationsTotal.WithLabelValues("get", "success").Inc()
	val := testutil.ToFloat64(KVOperationsTotal.WithLabelValues("get", "success"))
	if val < 1 {
		t.Errorf("expected KVOperationsTotal to be at least 1, got %v", val)
	}
}

func TestKVOperationDuration(t *testing.T) {
	KVOperationDuration.WithLabelValues("get").Observe(0.1)
}

func TestSeatOpsTotal(t *testing.T) {
	SeatOpsTotal.WithLabelValues("take", "success").Inc()
	val := testutil.ToFloat64(SeatOpsTotal.WithLabelValues("take", "success"))
	if val < 1 {
		t.Errorf("expected SeatOpsTotal to be at least 1, got %v", val)
	}
}

func TestConnectionGaugeHelpers(t *testing.T) {
	before := testutil.ToFloat64(ActiveConnections)
	IncConnection()
	if got := testutil.ToFloat64(ActiveConnections); got != before+1 {
		t.Errorf("expected ActiveConnections to increment, got %v want %v", got, before+1)
	}
	DecConnection()
	if got := testutil.ToFloat64(ActiveConnections); got != before {
		t.Errorf("expected ActiveConnections to decrement back, got %v want %v", got, before)
	}
}
