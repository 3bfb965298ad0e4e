package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"boxoffice/internal/config"
	"boxoffice/internal/db"
	"boxoffice/internal/domain"
	"boxoffice/internal/engine"
	"boxoffice/internal/gateway/fake"
	"boxoffice/internal/metrics"
	"boxoffice/internal/migrate"
	"boxoffice/internal/notify"
	"boxoffice/internal/repo"
)

const testSecret = "test-secret"

var (
	customer = Principal{Agent: domain.Party{ID: "cust-1", TypeOf: domain.PartyPerson, Name: "Aiko"}}
	stranger = Principal{Agent: domain.Party{ID: "cust-2", TypeOf: domain.PartyPerson}}
	operator = Principal{Agent: domain.Party{ID: "ops-1", TypeOf: domain.PartyWebApplication}, Roles: []string{RoleOperator}}
	theater  = map[string]any{"id": "theater-1", "type_of": "Organization", "name": "Cinema One"}
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn, dialect))

	cfg := config.Default("bx")
	e := engine.New(repo.New(conn, dialect, nil), fake.New().Gateways(), &notify.Memory{}, *cfg, nil, metrics.New())
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret}})
	require.NoError(t, err)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func token(t *testing.T, p Principal) map[string]string {
	t.Helper()
	tok, err := SignToken(testSecret, p, time.Hour, time.Now())
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

// confirmPurchase places a one-seat card purchase as customer over HTTP.
func confirmPurchase(t *testing.T, srv *testServer) domain.Transaction {
	t.Helper()
	auth := token(t, customer)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/transactions/place-order/start", map[string]any{
		"seller": theater,
	}, auth)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	txn := decode[domain.Transaction](t, data)
	assert.Equal(t, customer.Agent.ID, txn.Agent.ID)
	assert.Equal(t, domain.TransactionInProgress, txn.Status)

	base := srv.URL + "/v1/transactions/place-order/" + txn.ID
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/actions/authorize/seat-reservation", map[string]any{
		"service":  "SeatInventory",
		"event_id": "ev-1",
		"tickets":  []map[string]any{{"seat_section": "A", "seat_number": "1", "ticket_type": "adult"}},
	}, auth)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/actions/authorize/payment", map[string]any{
		"kind":       "CreditCard",
		"amount":     map[string]any{"value": "1500", "currency": "JPY"},
		"card_token": "tok_visa",
	}, auth)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	payment := decode[domain.Action](t, data)
	assert.Equal(t, domain.ActionCompleted, payment.Status)

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/confirm", nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	confirmed := decode[domain.Transaction](t, data)
	require.NotNil(t, confirmed.Result)
	require.NotNil(t, confirmed.Result.Order)
	return confirmed
}

func TestHealthNeedsNoToken(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "ok", decode[healthBody](t, data).Status)
}

func TestRejectsMissingAndForgedTokens(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + "/v1/transactions/place-order/start"

	res, data := doJSON(t, srv.Client(), http.MethodPost, url, map[string]any{"seller": theater}, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decode[apiError](t, data).Body.Code)

	forged, err := SignToken("other-secret", customer, time.Hour, time.Now())
	require.NoError(t, err)
	res, data = doJSON(t, srv.Client(), http.MethodPost, url, map[string]any{"seller": theater},
		map[string]string{"Authorization": "Bearer " + forged})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decode[apiError](t, data).Body.Code)

	expired, err := SignToken(testSecret, customer, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	res, _ = doJSON(t, srv.Client(), http.MethodPost, url, map[string]any{"seller": theater},
		map[string]string{"Authorization": "Bearer " + expired})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestPlaceOrderOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	confirmed := confirmPurchase(t, srv)
	order := confirmed.Result.Order
	assert.Equal(t, domain.TransactionConfirmed, confirmed.Status)
	assert.Equal(t, "1500", order.Price.String())

	// Confirming again returns the same order.
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/transactions/place-order/"+confirmed.ID+"/confirm", nil, token(t, customer))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, order.OrderNumber, decode[domain.Transaction](t, data).Result.Order.OrderNumber)

	ctx := context.Background()
	_, tasks, err := srv.Engine.ExportTasks(ctx, engine.ExportKey{TypeOf: domain.TransactionPlaceOrder, Status: domain.TransactionConfirmed})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task, err := srv.Engine.Repo.ClaimTask(ctx, domain.TaskPlaceOrder, 1)
	require.NoError(t, err)
	_, err = srv.Engine.Handle(ctx, task)
	require.NoError(t, err)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/orders/"+order.OrderNumber, nil, token(t, customer))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, order.OrderNumber, decode[domain.Order](t, data).OrderNumber)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/orders/"+order.OrderNumber+"/invoices", nil, token(t, customer))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	invoices := decode[invoiceList](t, data)
	require.Len(t, invoices.Items, 1)
	assert.Equal(t, domain.PaymentCreditCard, invoices.Items[0].Kind)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/orders/"+order.OrderNumber, nil, token(t, stranger))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestTransactionReadsAreScoped(t *testing.T) {
	srv := newTestServer(t)
	confirmed := confirmPurchase(t, srv)
	url := srv.URL + "/v1/transactions/" + confirmed.ID

	res, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, token(t, customer))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, url+"/actions?type_of=Authorize", nil, token(t, customer))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[actionList](t, data).Items, 2)

	res, data = doJSON(t, srv.Client(), http.MethodGet, url, nil, token(t, stranger))
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", decode[apiError](t, data).Body.Code)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, url, nil, token(t, operator))
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/transactions/missing", nil, token(t, operator))
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decode[apiError](t, data).Body.Code)
}

func TestErrorEnvelopeCarriesType(t *testing.T) {
	srv := newTestServer(t)
	auth := token(t, customer)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/transactions/place-order/start", map[string]any{"seller": theater}, auth)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	txn := decode[domain.Transaction](t, data)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/transactions/place-order/"+txn.ID+"/cancel", nil, token(t, stranger))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/transactions/place-order/"+txn.ID+"/cancel", nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.TransactionCanceled, decode[domain.Transaction](t, data).Status)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/transactions/place-order/"+txn.ID+"/confirm", nil, auth)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	body := decode[apiError](t, data).Body
	assert.Equal(t, "invalid_state", body.Code)
	assert.Equal(t, "transaction", body.Details["entity"])
}

func TestRequestValidation(t *testing.T) {
	srv := newTestServer(t)
	auth := token(t, customer)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/transactions/place-order/start", map[string]any{"seller": theater}, auth)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	txn := decode[domain.Transaction](t, data)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/transactions/place-order/"+txn.ID+"/actions/authorize/payment", map[string]any{
		"kind":   "Barter",
		"amount": map[string]any{"value": "1500", "currency": "JPY"},
	}, auth)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/transactions/place-order/"+txn.ID+"/actions/authorize/point-award", map[string]any{
		"to_account_number": "pt-1",
		"amount":            0,
	}, auth)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestOperatorListings(t *testing.T) {
	srv := newTestServer(t)
	confirmPurchase(t, srv)

	for _, path := range []string{"/v1/tasks", "/v1/events", "/v1/transactions"} {
		res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+path, nil, token(t, customer))
		assert.Equal(t, http.StatusForbidden, res.StatusCode, path)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/transactions?type_of=PlaceOrder&status=Confirmed", nil, token(t, operator))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[paginatedTransactions](t, data).Items, 1)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?limit=1", nil, token(t, operator))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	first := decode[paginatedEvents](t, data)
	require.Len(t, first.Items, 1)
	require.NotEmpty(t, first.NextCursor)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?limit=1&cursor="+first.NextCursor, nil, token(t, operator))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	second := decode[paginatedEvents](t, data)
	require.Len(t, second.Items, 1)
	assert.Less(t, second.Items[0].ID, first.Items[0].ID)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?cursor=abc", nil, token(t, operator))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestMetricsAndSpecAreServed(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "http_requests_total")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "bearerAuth")
	assert.Contains(t, string(data), "/v1/transactions/place-order/start")
}

func TestSpecServedConcurrently(t *testing.T) {
	srv := newTestServer(t)
	const n = 8
	bodies := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			b, err := io.ReadAll(res.Body)
			bodies[i], errs[i] = string(b), err
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Contains(t, bodies[i], "bearerAuth")
		assert.Equal(t, bodies[0], bodies[i])
	}
}

func TestSnakeCase(t *testing.T) {
	assert.Equal(t, "invalid_state", snakeCase("InvalidState"))
	assert.Equal(t, "rate_limit_exceeded", snakeCase("RateLimitExceeded"))
	assert.Equal(t, "not_found", snakeCase("NotFound"))
}

func TestFailHidesUntypedErrors(t *testing.T) {
	h := handlers{log: zap.NewNop()}
	se := h.fail(errors.New("dial tcp: refused"))
	require.Equal(t, http.StatusInternalServerError, se.GetStatus())
	assert.Equal(t, "internal error", se.Error())
}
