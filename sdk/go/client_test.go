package boxofficesdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxoffice/internal/config"
	"boxoffice/internal/db"
	"boxoffice/internal/domain"
	"boxoffice/internal/engine"
	"boxoffice/internal/gateway/fake"
	"boxoffice/internal/metrics"
	"boxoffice/internal/migrate"
	"boxoffice/internal/notify"
	"boxoffice/internal/repo"
	"boxoffice/internal/server"
	"boxoffice/internal/worker"
)

const secret = "sdk-secret"

// testAPI serves the API over an in-memory store; Worker runs the follow-up
// tasks the API's transitions export.
type testAPI struct {
	URL    string
	Worker *worker.Manager
}

func newAPI(t *testing.T) testAPI {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))

	mem := &notify.Memory{}
	e := engine.New(repo.New(conn, dialect, nil), fake.New().Gateways(), mem, *config.Default("bx"), nil, metrics.New())
	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: secret}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return testAPI{URL: srv.URL + "/v1", Worker: worker.NewManager(e, &worker.Reporter{Sender: mem}, nil)}
}

// settle exports ended transactions and runs their tasks until none is due.
func (api testAPI) settle(t *testing.T) int {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, api.Worker.ExportTasks(ctx))
	ran, err := api.Worker.RunOnce(ctx)
	require.NoError(t, err)
	return ran
}

func clientFor(t *testing.T, base string, p server.Principal) *Client {
	t.Helper()
	tok, err := server.SignToken(secret, p, time.Hour, time.Now())
	require.NoError(t, err)
	return New(base, tok)
}

func TestPurchaseAndReturn(t *testing.T) {
	api := newAPI(t)
	ctx := context.Background()
	c := clientFor(t, api.URL, server.Principal{Agent: domain.Party{ID: "cust-1", TypeOf: domain.PartyPerson}})
	theater := Party{ID: "theater-1", TypeOf: "Organization", Name: "Cinema One"}

	txn, err := c.StartPlaceOrder(ctx, theater, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "InProgress", txn.Status)

	seat, err := c.AuthorizeSeatReservation(ctx, txn.ID, "SeatInventory", "ev-1",
		[]TicketRequest{{SeatSection: "A", SeatNumber: "1", TicketType: "adult"}})
	require.NoError(t, err)
	assert.Equal(t, "CompletedActionStatus", seat.Status)

	_, err = c.AuthorizePayment(ctx, txn.ID, PaymentRequest{
		Kind:      "CreditCard",
		Amount:    MonetaryAmount{Value: decimal.NewFromInt(1500), Currency: "JPY"},
		CardToken: "tok_visa",
	})
	require.NoError(t, err)

	confirmed, err := c.ConfirmPlaceOrder(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, "Confirmed", confirmed.Status)
	require.NotNil(t, confirmed.Result)
	require.NotNil(t, confirmed.Result.Order)
	orderNumber := confirmed.Result.Order.OrderNumber

	actions, err := c.Actions(ctx, txn.ID)
	require.NoError(t, err)
	assert.Len(t, actions, 2)

	// The order is stored by the follow-up task, not by confirm.
	_, err = c.GetOrder(ctx, orderNumber)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	assert.Equal(t, 3, api.settle(t), "place order, confirm reservation, pay")
	order, err := c.GetOrder(ctx, orderNumber)
	require.NoError(t, err)
	assert.Equal(t, "OrderDelivered", order.Status)
	assert.True(t, decimal.NewFromInt(1500).Equal(order.Price))
	invoices, err := c.Invoices(ctx, orderNumber)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, "PaymentComplete", invoices[0].PaymentStatus)

	ret, err := c.StartReturnOrder(ctx, orderNumber, "changed plans")
	require.NoError(t, err)
	assert.Equal(t, "ReturnOrder", ret.TypeOf)
	ret, err = c.ConfirmReturnOrder(ctx, ret.ID)
	require.NoError(t, err)
	assert.Equal(t, "Confirmed", ret.Status)

	assert.Positive(t, api.settle(t))
	order, err = c.GetOrder(ctx, orderNumber)
	require.NoError(t, err)
	assert.Equal(t, "OrderReturned", order.Status)
	assert.NotNil(t, order.DateReturned)
}

func TestReturnNeedsDeliveredOrder(t *testing.T) {
	api := newAPI(t)
	ctx := context.Background()
	c := clientFor(t, api.URL, server.Principal{Agent: domain.Party{ID: "cust-1", TypeOf: domain.PartyPerson}})

	txn, err := c.StartPlaceOrder(ctx, Party{ID: "theater-1", TypeOf: "Organization"}, time.Time{})
	require.NoError(t, err)
	_, err = c.AuthorizeSeatReservation(ctx, txn.ID, "SeatInventory", "ev-1",
		[]TicketRequest{{SeatSection: "A", SeatNumber: "2", TicketType: "adult"}})
	require.NoError(t, err)
	_, err = c.AuthorizePayment(ctx, txn.ID, PaymentRequest{
		Kind:      "CreditCard",
		Amount:    MonetaryAmount{Value: decimal.NewFromInt(1500), Currency: "JPY"},
		CardToken: "tok_visa",
	})
	require.NoError(t, err)
	confirmed, err := c.ConfirmPlaceOrder(ctx, txn.ID)
	require.NoError(t, err)

	// Store the order without running its reservation and payment tasks.
	require.NoError(t, api.Worker.ExportTasks(ctx))
	api.Worker.Names = []domain.TaskName{domain.TaskPlaceOrder}
	_, err = api.Worker.RunOnce(ctx)
	require.NoError(t, err)

	ret, err := c.StartReturnOrder(ctx, confirmed.Result.Order.OrderNumber, "")
	require.NoError(t, err)
	_, err = c.ConfirmReturnOrder(ctx, ret.ID)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "argument", apiErr.Code)

	ret, err = c.CancelReturnOrder(ctx, ret.ID)
	require.NoError(t, err)
	assert.Equal(t, "Canceled", ret.Status)
}

func TestAPIErrorCarriesCode(t *testing.T) {
	api := newAPI(t)
	ctx := context.Background()
	c := clientFor(t, api.URL, server.Principal{Agent: domain.Party{ID: "cust-1", TypeOf: domain.PartyPerson}})

	txn, err := c.StartPlaceOrder(ctx, Party{ID: "theater-1", TypeOf: "Organization"}, time.Time{})
	require.NoError(t, err)
	_, err = c.CancelPlaceOrder(ctx, txn.ID)
	require.NoError(t, err)

	_, err = c.ConfirmPlaceOrder(ctx, txn.ID)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invalid_state", apiErr.Code)

	_, err = c.Events(ctx, 10)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	ops := clientFor(t, api.URL, server.Principal{Agent: domain.Party{ID: "ops-1", TypeOf: domain.PartyWebApplication}, Roles: []string{server.RoleOperator}})
	page, err := ops.EventsPage(ctx, 1, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.NotEmpty(t, page.NextCursor)
}

func TestUnparsableErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").GetTransaction(context.Background(), "t1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Empty(t, apiErr.Code)
	assert.Contains(t, apiErr.Error(), "bad gateway")
}
