package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxoffice/internal/apperr"
	"boxoffice/internal/config"
	"boxoffice/internal/domain"
)

func testBreaker() config.BreakerSettings {
	return config.BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, MinRequests: 2, FailureRatio: 0.5}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   apperr.Type
	}{
		{http.StatusBadRequest, apperr.Argument},
		{http.StatusUnauthorized, apperr.Unauthorized},
		{http.StatusForbidden, apperr.Forbidden},
		{http.StatusNotFound, apperr.NotFound},
		{http.StatusTooManyRequests, apperr.RateLimitExceeded},
		{http.StatusConflict, apperr.Argument},
		{http.StatusBadGateway, apperr.ServiceUnavailable},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "nope"})
		}))
		c := cardClient{NewClient("card", config.EndpointSettings{URL: srv.URL}, testBreaker(), nil, nil)}
		err := c.Capture(context.Background(), "BX-1")
		srv.Close()
		require.Error(t, err, tc.status)
		assert.Equal(t, tc.want, apperr.TypeOf(err), tc.status)
		assert.Contains(t, err.Error(), "nope")
	}
}

func TestReservationStartRoundTrip(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "/transactions/reserve/start", r.URL.Path)
		var req ReserveRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(ReserveResponse{
			TransactionID: "rt-1",
			Reservations:  []domain.Reservation{{ID: "r1", ReservationNumber: "RN1", EventID: req.EventID}},
			Price:         domain.MonetaryAmount{Value: decimal.NewFromInt(1500), Currency: "JPY"},
		})
	}))
	defer srv.Close()

	gws := NewHTTP(config.GatewaySettings{
		Reservation: map[domain.ReservationService]config.EndpointSettings{domain.ServiceSeatInventory: {URL: srv.URL, Token: "s3cret"}},
		Breaker:     testBreaker(),
	}, nil, nil)
	rg, err := gws.ReservationFor(domain.ServiceSeatInventory)
	require.NoError(t, err)
	res, err := rg.Start(context.Background(), ReserveRequest{EventID: "ev-1"})
	require.NoError(t, err)
	assert.Equal(t, "rt-1", res.TransactionID)
	assert.Equal(t, "ev-1", res.Reservations[0].EventID)
	assert.True(t, res.Price.Value.Equal(decimal.NewFromInt(1500)))
	assert.Equal(t, "Bearer s3cret", auth)

	_, err = gws.ReservationFor(domain.ServiceBoxOffice)
	assert.Equal(t, apperr.ServiceUnavailable, apperr.TypeOf(err))
}

func TestBreakerOpensOnUnavailableOnly(t *testing.T) {
	var hits atomic.Int32
	status := atomic.Int32{}
	status.Store(http.StatusNotFound)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	c := personClient{NewClient("person", config.EndpointSettings{URL: srv.URL}, testBreaker(), nil, nil)}
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := c.FindPerson(ctx, "p1")
		assert.Equal(t, apperr.NotFound, apperr.TypeOf(err))
	}
	assert.EqualValues(t, 4, hits.Load(), "not-found answers keep the breaker closed")

	status.Store(http.StatusServiceUnavailable)
	c = personClient{NewClient("person", config.EndpointSettings{URL: srv.URL}, testBreaker(), nil, nil)}
	for i := 0; i < 2; i++ {
		_, err := c.FindPerson(ctx, "p1")
		assert.Equal(t, apperr.ServiceUnavailable, apperr.TypeOf(err))
	}
	before := hits.Load()
	_, err := c.FindPerson(ctx, "p1")
	assert.Equal(t, apperr.ServiceUnavailable, apperr.TypeOf(err))
	assert.Equal(t, before, hits.Load(), "open breaker short-circuits")
}
