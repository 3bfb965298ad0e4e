package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := New()
	c.ObserveTransition("PlaceOrder", "Confirmed")
	c.ObserveTransition("PlaceOrder", "Confirmed")
	c.ObserveGatewayCall("card", "authorize", time.Millisecond, nil)
	c.ObserveGatewayCall("card", "authorize", time.Millisecond, errors.New("boom"))
	c.ObserveTask("PayCreditCard", "Executed", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Transitions.WithLabelValues("PlaceOrder", "Confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.GatewayCalls.WithLabelValues("card", "authorize", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.TaskRuns.WithLabelValues("PayCreditCard", "Executed")))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "boxoffice_transaction_transitions_total")
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveTransition("PlaceOrder", "Canceled")
		c.ObserveTask("InformOrder", "Aborted", 0)
		c.ObserveHTTP("GET", "/health", 200, 0)
	})
}
