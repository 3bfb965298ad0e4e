package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxoffice/internal/apperr"
	"boxoffice/internal/config"
	"boxoffice/internal/db"
	"boxoffice/internal/domain"
	"boxoffice/internal/engine"
	"boxoffice/internal/gateway"
	"boxoffice/internal/gateway/fake"
	"boxoffice/internal/migrate"
	"boxoffice/internal/notify"
	"boxoffice/internal/repo"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Fakes    *fake.Set
	Notifier *notify.Memory
	Clock    *testClock
}

var (
	customer = domain.Party{ID: "cust-1", TypeOf: domain.PartyPerson, Name: "Aiko"}
	theater  = domain.Party{ID: "theater-1", TypeOf: domain.PartyOrganization, Name: "Cinema One"}
	jpy      = func(v int64) domain.MonetaryAmount {
		return domain.MonetaryAmount{Value: decimal.NewFromInt(v), Currency: "JPY"}
	}
)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))

	clock := &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	cfg := config.Default("bx")
	cfg.Notify.InformOrder = []domain.Recipient{{Name: "crm", URL: "https://crm.example/orders"}}
	cfg.Notify.Refund = []domain.Recipient{{Name: "accounting", URL: "https://accounting.example/refunds"}}

	fakes := fake.New()
	mem := &notify.Memory{}
	eng := engine.New(repo.New(conn, dialect, clock.Now), fakes.Gateways(), mem, *cfg, nil, nil)
	return testEnv{Engine: eng, Ctx: context.Background(), Fakes: fakes, Notifier: mem, Clock: clock}
}

// drain runs due tasks until none is left, failing on the first task error.
func (env testEnv) drain(t *testing.T) map[domain.TaskName]int {
	t.Helper()
	ran := map[domain.TaskName]int{}
	for pass := 0; pass < 10; pass++ {
		progressed := false
		for _, name := range domain.TaskNames {
			for {
				task, err := env.Engine.Repo.ClaimTask(env.Ctx, name, 1)
				if errors.Is(err, repo.ErrNotFound) {
					break
				}
				require.NoError(t, err)
				_, err = env.Engine.Handle(env.Ctx, task)
				require.NoError(t, err, "task %s", task.Name)
				ok, err := env.Engine.Repo.PushExecutionResult(env.Ctx, task, domain.ExecutionResult{ExecutedAt: env.Clock.Now(), EndDate: env.Clock.Now()}, domain.TaskExecuted, time.Time{})
				require.NoError(t, err)
				require.True(t, ok)
				ran[name]++
				progressed = true
			}
		}
		if !progressed {
			return ran
		}
	}
	t.Fatal("tasks did not settle")
	return ran
}

func toJSON(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return string(raw)
}

func (env testEnv) export(t *testing.T, typeOf domain.TransactionType, status domain.TransactionStatus) []domain.Task {
	t.Helper()
	txn, tasks, err := env.Engine.ExportTasks(env.Ctx, engine.ExportKey{TypeOf: typeOf, Status: status})
	require.NoError(t, err)
	require.NotNil(t, txn)
	return tasks
}

func (env testEnv) startPlaceOrder(t *testing.T) domain.Transaction {
	t.Helper()
	txn, err := env.Engine.StartPlaceOrder(env.Ctx, engine.StartPlaceOrderParams{Project: "bx", Agent: customer, Seller: theater})
	require.NoError(t, err)
	return txn
}

func (env testEnv) authorizeSeat(t *testing.T, txnID string) domain.Action {
	t.Helper()
	a, err := env.Engine.AuthorizeSeatReservation(env.Ctx, engine.AuthorizeSeatReservationParams{
		TransactionID: txnID,
		AgentID:       customer.ID,
		Service:       domain.ServiceSeatInventory,
		EventID:       "ev-1",
		Tickets:       []domain.TicketRequest{{SeatSection: "A", SeatNumber: "1", TicketType: "adult"}},
	})
	require.NoError(t, err)
	return a
}

func (env testEnv) authorizeCard(t *testing.T, txnID string, amount int64) domain.Action {
	t.Helper()
	a, err := env.Engine.AuthorizePayment(env.Ctx, engine.AuthorizePaymentParams{
		TransactionID: txnID,
		AgentID:       customer.ID,
		Kind:          domain.PaymentCreditCard,
		Amount:        jpy(amount),
		CardToken:     "tok_visa",
	})
	require.NoError(t, err)
	return a
}

// placeCardOrder confirms a purchase of one seat paid by card and runs the
// PlaceOrder task.
func (env testEnv) placeCardOrder(t *testing.T) domain.Order {
	t.Helper()
	txn := env.startPlaceOrder(t)
	env.authorizeSeat(t, txn.ID)
	env.authorizeCard(t, txn.ID, 1500)
	confirmed, err := env.Engine.ConfirmPlaceOrder(env.Ctx, engine.ConfirmPlaceOrderParams{TransactionID: txn.ID, AgentID: customer.ID})
	require.NoError(t, err)
	tasks := env.export(t, domain.TransactionPlaceOrder, domain.TransactionConfirmed)
	require.Len(t, tasks, 1)
	task, err := env.Engine.Repo.ClaimTask(env.Ctx, domain.TaskPlaceOrder, 1)
	require.NoError(t, err)
	_, err = env.Engine.Handle(env.Ctx, task)
	require.NoError(t, err)
	_, err = env.Engine.Repo.PushExecutionResult(env.Ctx, task, domain.ExecutionResult{}, domain.TaskExecuted, time.Time{})
	require.NoError(t, err)
	return *confirmed.Result.Order
}

func TestPlaceOrderWithCard(t *testing.T) {
	env := newTestEnv(t)
	txn := env.startPlaceOrder(t)
	seat := env.authorizeSeat(t, txn.ID)
	assert.Equal(t, domain.ActionCompleted, seat.Status)
	env.authorizeCard(t, txn.ID, 1500)

	confirmed, err := env.Engine.ConfirmPlaceOrder(env.Ctx, engine.ConfirmPlaceOrderParams{TransactionID: txn.ID, AgentID: customer.ID})
	require.NoError(t, err)
	require.NotNil(t, confirmed.Result)
	order := confirmed.Result.Order
	assert.True(t, order.Price.Equal(decimal.NewFromInt(1500)), "price %s", order.Price)
	assert.Equal(t, "JPY", order.PriceCurrency)
	assert.Equal(t, domain.OrderProcessing, order.Status)
	assert.Regexp(t, `^BX260301-[0-9A-F]{32}$`, order.OrderNumber)
	assert.Len(t, order.ConfirmationNumber, 6)
	require.Len(t, order.AcceptedOffers, 1)
	assert.Equal(t, seat.ID, order.AcceptedOffers[0].AuthorizeActionID)
	assert.Len(t, confirmed.Object.AuthorizeActions, 2)

	again, err := env.Engine.ConfirmPlaceOrder(env.Ctx, engine.ConfirmPlaceOrderParams{TransactionID: txn.ID, AgentID: customer.ID})
	require.NoError(t, err)
	assert.Equal(t, order.OrderNumber, again.Result.Order.OrderNumber)

	tasks := env.export(t, domain.TransactionPlaceOrder, domain.TransactionConfirmed)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskPlaceOrder, tasks[0].Name)

	task, err := env.Engine.Repo.ClaimTask(env.Ctx, domain.TaskPlaceOrder, 1)
	require.NoError(t, err)
	_, err = env.Engine.Handle(env.Ctx, task)
	require.NoError(t, err)

	stored, err := env.Engine.Repo.GetOrder(env.Ctx, order.OrderNumber)
	require.NoError(t, err)
	assert.True(t, stored.Price.Equal(decimal.NewFromInt(1500)))
	invoices, err := env.Engine.Repo.InvoicesByOrder(env.Ctx, order.OrderNumber)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, domain.PaymentDue, invoices[0].PaymentStatus)
	assert.Equal(t, domain.PaymentCreditCard, invoices[0].Kind)
	assert.True(t, invoices[0].TotalPaymentDue.Value.Equal(decimal.NewFromInt(1500)))

	pay, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilter{Name: domain.TaskPayCreditCard})
	require.NoError(t, err)
	assert.Len(t, pay, 1)
	confirmTasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilter{Name: domain.TaskConfirmReservation})
	require.NoError(t, err)
	assert.Len(t, confirmTasks, 1)
	inform, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilter{Name: domain.TaskInformOrder})
	require.NoError(t, err)
	assert.Len(t, inform, 1)
}

func TestPlaceOrderRerunDoesNotDuplicate(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeCardOrder(t)

	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilter{Name: domain.TaskPlaceOrder})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	res, err := env.Engine.Handle(env.Ctx, tasks[0])
	require.NoError(t, err)
	assert.Contains(t, toJSON(t, res), `"order_created":false`)
	assert.Contains(t, toJSON(t, res), `"invoices_created":0`)

	invoices, err := env.Engine.Repo.InvoicesByOrder(env.Ctx, order.OrderNumber)
	require.NoError(t, err)
	assert.Len(t, invoices, 1)
}

func TestInvoicesSumPerPaymentMethod(t *testing.T) {
	env := newTestEnv(t)
	txn := env.startPlaceOrder(t)
	env.authorizeSeat(t, txn.ID)
	env.authorizeSeat(t, txn.ID)
	for _, amount := range []int64{1000, 500} {
		_, err := env.Engine.AuthorizePayment(env.Ctx, engine.AuthorizePaymentParams{
			TransactionID: txn.ID, AgentID: customer.ID, Kind: domain.PaymentAccount, Amount: jpy(amount), AccountNumber: "acct-9",
		})
		require.NoError(t, err)
	}
	env.authorizeCard(t, txn.ID, 1500)

	confirmed, err := env.Engine.ConfirmPlaceOrder(env.Ctx, engine.ConfirmPlaceOrderParams{TransactionID: txn.ID, AgentID: customer.ID})
	require.NoError(t, err)
	assert.True(t, confirmed.Result.Order.Price.Equal(decimal.NewFromInt(3000)))
	assert.Len(t, confirmed.PotentialActions.Pay, 3)

	env.export(t, domain.TransactionPlaceOrder, domain.TransactionConfirmed)
	task, err := env.Engine.Repo.ClaimTask(env.Ctx, domain.TaskPlaceOrder, 1)
	require.NoError(t, err)
	_, err = env.Engine.Handle(env.Ctx, task)
	require.NoError(t, err)

	invoices, err := env.Engine.Repo.InvoicesByOrder(env.Ctx, confirmed.Result.Order.OrderNumber)
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	byKind := map[domain.PaymentMethodKind]domain.Invoice{}
	for _, inv := range invoices {
		byKind[inv.Kind] = inv
	}
	assert.True(t, byKind[domain.PaymentAccount].TotalPaymentDue.Value.Equal(decimal.NewFromInt(1500)))
	assert.Equal(t, "acct-9", byKind[domain.PaymentAccount].PaymentMethodID)
	assert.True(t, byKind[domain.PaymentCreditCard].TotalPaymentDue.Value.Equal(decimal.NewFromInt(1500)))

	env.drain(t)
	invoices, err = env.Engine.Repo.InvoicesByOrder(env.Ctx, confirmed.Result.Order.OrderNumber)
	require.NoError(t, err)
	for _, inv := range invoices {
		assert.Equal(t, domain.PaymentComplete, inv.PaymentStatus, "invoice %s", inv.Kind)
	}
}

func TestFollowUpTasksDeliverAndSettle(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeCardOrder(t)

	ran := env.drain(t)
	assert.Equal(t, 1, ran[domain.TaskConfirmReservation])
	assert.Equal(t, 1, ran[domain.TaskPayCreditCard])
	assert.Equal(t, 1, ran[domain.TaskInformOrder])

	stored, err := env.Engine.Repo.GetOrder(env.Ctx, order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderDelivered, stored.Status)
	invoices, err := env.Engine.Repo.InvoicesByOrder(env.Ctx, order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentComplete, invoices[0].PaymentStatus)
	assert.Equal(t, gateway.CardCaptured, env.Fakes.Card.Orders[order.PaymentMethods[0].PaymentMethodID].Status)

	sent := env.Notifier.ByEvent(notify.EventInformOrder)
	require.Len(t, sent, 1)
	assert.Equal(t, "https://crm.example/orders", sent[0].To.URL)
	assert.Equal(t, order.OrderNumber, sent[0].Message.Subject)
	assert.Contains(t, string(sent[0].Message.Data), order.OrderNumber)
}

func TestConfirmReservationSkipsGatewayWhenDone(t *testing.T) {
	env := newTestEnv(t)
	env.placeCardOrder(t)
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilter{Name: domain.TaskConfirmReservation})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	_, err = env.Engine.Handle(env.Ctx, tasks[0])
	require.NoError(t, err)
	before := len(env.Fakes.SeatInventory.Calls())
	res, err := env.Engine.Handle(env.Ctx, tasks[0])
	require.NoError(t, err)
	assert.Equal(t, before, len(env.Fakes.SeatInventory.Calls()))
	assert.Contains(t, toJSON(t, res), `"performed":false`)
}

func TestConfirmRejectsPriceMismatch(t *testing.T) {
	env := newTestEnv(t)
	txn := env.startPlaceOrder(t)
	env.authorizeSeat(t, txn.ID)
	env.authorizeCard(t, txn.ID, 1000)

	_, err := env.Engine.ConfirmPlaceOrder(env.Ctx, engine.ConfirmPlaceOrderParams{TransactionID: txn.ID, AgentID: customer.ID})
	assert.Equal(t, apperr.Argument, apperr.TypeOf(err))

	got, err := env.Engine.Repo.GetTransaction(env.Ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionInProgress, got.Status)
}

func TestConfirmRequiresSeat(t *testing.T) {
	env := newTestEnv(t)
	txn := env.startPlaceOrder(t)
	_, err := env.Engine.ConfirmPlaceOrder(env.Ctx, engine.ConfirmPlaceOrderParams{TransactionID: txn.ID, AgentID: customer.ID})
	assert.Equal(t, apperr.Argument, apperr.TypeOf(err))
}

func TestAuthorizeChecksCallerAndState(t *testing.T) {
	env := newTestEnv(t)
	txn := env.startPlaceOrder(t)

	_, err := env.Engine.AuthorizeSeatReservation(env.Ctx, engine.AuthorizeSeatReservationParams{
		TransactionID: txn.ID, AgentID: "someone-else", Service: domain.ServiceSeatInventory, EventID: "ev-1",
		Tickets: []domain.TicketRequest{{SeatNumber: "1"}},
	})
	assert.Equal(t, apperr.Forbidden, apperr.TypeOf(err))

	_, err = env.Engine.AuthorizeSeatReservation(env.Ctx, engine.AuthorizeSeatReservationParams{
		TransactionID: txn.ID, AgentID: customer.ID, Service: "Elsewhere", EventID: "ev-1",
		Tickets: []domain.TicketRequest{{SeatNumber: "1"}},
	})
	assert.Equal(t, apperr.Argument, apperr.TypeOf(err))

	_, err = env.Engine.CancelPlaceOrder(env.Ctx, engine.CancelTransactionParams{TransactionID: txn.ID, AgentID: customer.ID})
	require.NoError(t, err)
	_, err = env.Engine.AuthorizeSeatReservation(env.Ctx, engine.AuthorizeSeatReservationParams{
		TransactionID: txn.ID, AgentID: customer.ID, Service: domain.ServiceSeatInventory, EventID: "ev-1",
		Tickets: []domain.TicketRequest{{SeatNumber: "1"}},
	})
	assert.Equal(t, apperr.InvalidState, apperr.TypeOf(err))
}

func TestStartValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.StartPlaceOrder(env.Ctx, engine.StartPlaceOrderParams{Agent: domain.Party{TypeOf: domain.PartyPerson}, Seller: theater})
	require.Error(t, err)
	assert.Equal(t, apperr.ArgumentNull, apperr.TypeOf(err))
	assert.Contains(t, err.Error(), "agent.id")

	_, err = env.Engine.StartPlaceOrder(env.Ctx, engine.StartPlaceOrderParams{Agent: customer, Seller: theater, Expires: env.Clock.Now().Add(-time.Minute)})
	assert.Equal(t, apperr.Argument, apperr.TypeOf(err))
}

func TestStartEnrichesCustomer(t *testing.T) {
	env := newTestEnv(t)
	env.Fakes.Person.People[customer.ID] = gateway.Person{ID: customer.ID, Name: "Aiko Tanaka", Email: "aiko@example.com"}
	txn := env.startPlaceOrder(t)
	require.NotNil(t, txn.Object.Customer)
	assert.Equal(t, "Aiko Tanaka", txn.Object.Customer.Name)
	assert.Equal(t, "aiko@example.com", txn.Object.Customer.Email)
	assert.True(t, env.Clock.Now().Add(15*time.Minute).Equal(txn.Expires), "expires %s", txn.Expires)
}

func TestAuthorizeFailureGivesUpAction(t *testing.T) {
	env := newTestEnv(t)
	txn := env.startPlaceOrder(t)
	env.Fakes.Card.Fail("authorize", apperr.FromStatus(503, "card gateway down"))

	_, err := env.Engine.AuthorizePayment(env.Ctx, engine.AuthorizePaymentParams{
		TransactionID: txn.ID, AgentID: customer.ID, Kind: domain.PaymentCreditCard, Amount: jpy(1500), CardToken: "tok",
	})
	assert.Equal(t, apperr.ServiceUnavailable, apperr.TypeOf(err))

	actions, err := env.Engine.Repo.ActionsByPurpose(env.Ctx, domain.TransactionPurpose(txn), repo.ActionFilter{})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, domain.ActionFailed, actions[0].Status)
	require.NotNil(t, actions[0].Error)
	assert.Equal(t, string(apperr.ServiceUnavailable), actions[0].Error.Name)
}

func TestVoidAuthorization(t *testing.T) {
	env := newTestEnv(t)
	txn := env.startPlaceOrder(t)
	card := env.authorizeCard(t, txn.ID, 1500)
	var res domain.PaymentResult
	require.NoError(t, card.DecodeResult(&res))

	params := engine.VoidAuthorizationParams{TransactionID: txn.ID, AgentID: customer.ID, ActionID: card.ID}
	voided, err := env.Engine.VoidAuthorization(env.Ctx, params)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCanceled, voided.Status)
	assert.Equal(t, gateway.CardVoided, env.Fakes.Card.Orders[res.PaymentMethodID].Status)

	again, err := env.Engine.VoidAuthorization(env.Ctx, params)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCanceled, again.Status)
}

func TestCanceledPurchaseReleasesAuthorizations(t *testing.T) {
	env := newTestEnv(t)
	txn := env.startPlaceOrder(t)
	seat := env.authorizeSeat(t, txn.ID)
	card := env.authorizeCard(t, txn.ID, 1500)
	_, err := env.Engine.CancelPlaceOrder(env.Ctx, engine.CancelTransactionParams{TransactionID: txn.ID, AgentID: customer.ID})
	require.NoError(t, err)

	tasks := env.export(t, domain.TransactionPlaceOrder, domain.TransactionCanceled)
	names := make([]domain.TaskName, 0, len(tasks))
	for _, task := range tasks {
		names = append(names, task.Name)
	}
	assert.ElementsMatch(t, []domain.TaskName{
		domain.TaskCancelSeatReservation,
		domain.TaskVoidCreditCard, domain.TaskVoidAccount, domain.TaskVoidPrepaidCard, domain.TaskVoidMovieTicket,
		domain.TaskCancelPointAward,
	}, names)

	env.drain(t)
	var seatRes domain.SeatReservationResult
	require.NoError(t, seat.DecodeResult(&seatRes))
	assert.Equal(t, "Canceled", env.Fakes.SeatInventory.Status[seatRes.ReservationTransactionID])
	var cardRes domain.PaymentResult
	require.NoError(t, card.DecodeResult(&cardRes))
	assert.Equal(t, gateway.CardVoided, env.Fakes.Card.Orders[cardRes.PaymentMethodID].Status)

	for _, id := range []string{seat.ID, card.ID} {
		a, err := env.Engine.Repo.GetAction(env.Ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.ActionCanceled, a.Status)
	}
}

func TestExpiredPurchaseExportsVoidTasks(t *testing.T) {
	env := newTestEnv(t)
	txn := env.startPlaceOrder(t)
	env.authorizeSeat(t, txn.ID)
	env.Clock.Advance(16 * time.Minute)
	n, err := env.Engine.Repo.MakeExpired(env.Ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tasks := env.export(t, domain.TransactionPlaceOrder, domain.TransactionExpired)
	assert.Len(t, tasks, 6)
	env.drain(t)
}

func TestReturnRejectsUnsettledInvoice(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeCardOrder(t)

	confirmTasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilter{Name: domain.TaskConfirmReservation})
	require.NoError(t, err)
	require.Len(t, confirmTasks, 1)
	_, err = env.Engine.Handle(env.Ctx, confirmTasks[0])
	require.NoError(t, err)
	stored, err := env.Engine.Repo.GetOrder(env.Ctx, order.OrderNumber)
	require.NoError(t, err)
	require.Equal(t, domain.OrderDelivered, stored.Status)

	ret, err := env.Engine.StartReturnOrder(env.Ctx, engine.StartReturnOrderParams{Agent: customer, OrderNumber: order.OrderNumber})
	require.NoError(t, err)
	calls := env.Fakes.CallCount()
	_, err = env.Engine.ConfirmReturnOrder(env.Ctx, engine.ConfirmReturnOrderParams{TransactionID: ret.ID, AgentID: customer.ID})
	assert.Equal(t, apperr.Argument, apperr.TypeOf(err))
	assert.Equal(t, calls, env.Fakes.CallCount(), "no gateway call before validation")
}

func TestReturnOrderRefunds(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeCardOrder(t)
	env.drain(t)

	_, err := env.Engine.StartReturnOrder(env.Ctx, engine.StartReturnOrderParams{Agent: domain.Party{ID: "stranger", TypeOf: domain.PartyPerson}, OrderNumber: order.OrderNumber})
	assert.Equal(t, apperr.Forbidden, apperr.TypeOf(err))
	_, err = env.Engine.StartReturnOrder(env.Ctx, engine.StartReturnOrderParams{Agent: customer, OrderNumber: "missing"})
	assert.Equal(t, apperr.NotFound, apperr.TypeOf(err))

	ret, err := env.Engine.StartReturnOrder(env.Ctx, engine.StartReturnOrderParams{Agent: customer, OrderNumber: order.OrderNumber, Reason: "customer request"})
	require.NoError(t, err)
	_, err = env.Engine.StartReturnOrder(env.Ctx, engine.StartReturnOrderParams{Agent: customer, OrderNumber: order.OrderNumber})
	assert.Equal(t, apperr.AlreadyInUse, apperr.TypeOf(err))

	confirmed, err := env.Engine.ConfirmReturnOrder(env.Ctx, engine.ConfirmReturnOrderParams{TransactionID: ret.ID, AgentID: customer.ID})
	require.NoError(t, err)
	require.NotNil(t, confirmed.PotentialActions)
	assert.Len(t, confirmed.PotentialActions.CancelReservation, 1)
	require.Len(t, confirmed.PotentialActions.Refund, 1)
	assert.Equal(t, "customer request", confirmed.PotentialActions.Refund[0].Reason)
	assert.Len(t, confirmed.PotentialActions.Refund[0].Notifications, 1)

	tasks := env.export(t, domain.TransactionReturnOrder, domain.TransactionConfirmed)
	require.Len(t, tasks, 1)
	ran := env.drain(t)
	assert.Equal(t, 1, ran[domain.TaskReturnOrder])
	assert.Equal(t, 1, ran[domain.TaskCancelReservation])
	assert.Equal(t, 1, ran[domain.TaskRefundCreditCard])
	assert.Equal(t, 1, ran[domain.TaskTriggerWebhook])

	stored, err := env.Engine.Repo.GetOrder(env.Ctx, order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderReturned, stored.Status)
	assert.NotNil(t, stored.DateReturned)
	assert.Equal(t, gateway.CardRefunded, env.Fakes.Card.Orders[order.PaymentMethods[0].PaymentMethodID].Status)
	assert.True(t, env.Fakes.SeatInventory.Returned[order.AcceptedOffers[0].Reservation.ReservationNumber])

	refunds := env.Notifier.ByEvent(notify.EventRefund)
	require.Len(t, refunds, 1)
	assert.Equal(t, "https://accounting.example/refunds", refunds[0].To.URL)
	assert.Len(t, env.Notifier.ByEvent(notify.EventInformOrder), 2)
}

func TestReturnBusinessKeyReleasedOnCancel(t *testing.T) {
	env := newTestEnv(t)
	order := env.placeCardOrder(t)
	env.drain(t)

	first, err := env.Engine.StartReturnOrder(env.Ctx, engine.StartReturnOrderParams{Agent: customer, OrderNumber: order.OrderNumber})
	require.NoError(t, err)
	_, err = env.Engine.CancelReturnOrder(env.Ctx, engine.CancelTransactionParams{TransactionID: first.ID, AgentID: customer.ID})
	require.NoError(t, err)
	_, err = env.Engine.StartReturnOrder(env.Ctx, engine.StartReturnOrderParams{Agent: customer, OrderNumber: order.OrderNumber})
	require.NoError(t, err)

	tasks := env.export(t, domain.TransactionReturnOrder, domain.TransactionCanceled)
	assert.Empty(t, tasks)
}

func TestMoneyTransferLifecycle(t *testing.T) {
	env := newTestEnv(t)
	params := engine.StartMoneyTransferParams{
		Agent:        customer,
		Recipient:    domain.Party{ID: "cust-2", TypeOf: domain.PartyPerson},
		Amount:       jpy(300),
		FromLocation: domain.AccountLocation{AccountType: "Coin", AccountNumber: "acct-1"},
		ToLocation:   domain.AccountLocation{AccountType: "Coin", AccountNumber: "acct-2"},
		Description:  "split the bill",
	}
	txn, err := env.Engine.StartMoneyTransfer(env.Ctx, params)
	require.NoError(t, err)
	assert.Equal(t, "Pending", env.Fakes.Account.Status[txn.ID])

	confirmed, err := env.Engine.ConfirmMoneyTransfer(env.Ctx, engine.ConfirmMoneyTransferParams{TransactionID: txn.ID, AgentID: customer.ID})
	require.NoError(t, err)
	require.NotNil(t, confirmed.PotentialActions.MoneyTransfer)
	assert.Equal(t, txn.ID, confirmed.PotentialActions.MoneyTransfer.PendingTransactionID)

	tasks := env.export(t, domain.TransactionMoneyTransfer, domain.TransactionConfirmed)
	require.Len(t, tasks, 1)
	env.drain(t)
	assert.Equal(t, "Confirmed", env.Fakes.Account.Status[txn.ID])

	canceled, err := env.Engine.StartMoneyTransfer(env.Ctx, params)
	require.NoError(t, err)
	_, err = env.Engine.CancelMoneyTransfer(env.Ctx, engine.CancelTransactionParams{TransactionID: canceled.ID, AgentID: customer.ID})
	require.NoError(t, err)
	env.export(t, domain.TransactionMoneyTransfer, domain.TransactionCanceled)
	env.drain(t)
	assert.Equal(t, "Canceled", env.Fakes.Account.Status[canceled.ID])
}

func TestInformFailureSurfacesToExecutor(t *testing.T) {
	env := newTestEnv(t)
	env.placeCardOrder(t)
	env.Notifier.Fail(apperr.NewServiceUnavailable("crm offline"))

	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilter{Name: domain.TaskInformOrder})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	_, err = env.Engine.Handle(env.Ctx, tasks[0])
	assert.Equal(t, apperr.ServiceUnavailable, apperr.TypeOf(err))
}

func TestHandlersCoverEveryTaskName(t *testing.T) {
	env := newTestEnv(t)
	handlers := env.Engine.Handlers()
	for _, name := range domain.TaskNames {
		assert.Contains(t, handlers, name)
	}
	assert.Len(t, handlers, len(domain.TaskNames))

	_, err := env.Engine.Handle(env.Ctx, domain.Task{Name: "Unknown", Data: []byte(`{}`)})
	assert.Equal(t, apperr.NotImplemented, apperr.TypeOf(err))
}

func TestExportKeysCoverEndedStatuses(t *testing.T) {
	keys := engine.ExportKeys()
	assert.Len(t, keys, len(domain.TransactionTypes)*len(domain.EndedStatuses))
}

func TestReturnRefundsOncePerPaymentMethod(t *testing.T) {
	env := newTestEnv(t)
	txn := env.startPlaceOrder(t)
	env.authorizeSeat(t, txn.ID)
	env.authorizeSeat(t, txn.ID)
	for _, amount := range []int64{1000, 500} {
		_, err := env.Engine.AuthorizePayment(env.Ctx, engine.AuthorizePaymentParams{
			TransactionID: txn.ID, AgentID: customer.ID, Kind: domain.PaymentAccount, Amount: jpy(amount), AccountNumber: "acct-9",
		})
		require.NoError(t, err)
	}
	env.authorizeCard(t, txn.ID, 1500)
	confirmed, err := env.Engine.ConfirmPlaceOrder(env.Ctx, engine.ConfirmPlaceOrderParams{TransactionID: txn.ID, AgentID: customer.ID})
	require.NoError(t, err)
	env.export(t, domain.TransactionPlaceOrder, domain.TransactionConfirmed)
	env.drain(t)

	ret, err := env.Engine.StartReturnOrder(env.Ctx, engine.StartReturnOrderParams{Agent: customer, OrderNumber: confirmed.Result.Order.OrderNumber})
	require.NoError(t, err)
	returned, err := env.Engine.ConfirmReturnOrder(env.Ctx, engine.ConfirmReturnOrderParams{TransactionID: ret.ID, AgentID: customer.ID})
	require.NoError(t, err)
	require.Len(t, returned.PotentialActions.Refund, 2)
	var account domain.RefundData
	for _, r := range returned.PotentialActions.Refund {
		if r.Kind == domain.PaymentAccount {
			account = r
		}
	}
	assert.Equal(t, "acct-9", account.PaymentMethodID)
	assert.True(t, account.Amount.Value.Equal(decimal.NewFromInt(1500)))
	assert.Len(t, account.PendingTransactionIDs, 2)

	env.export(t, domain.TransactionReturnOrder, domain.TransactionConfirmed)
	ran := env.drain(t)
	assert.Equal(t, 1, ran[domain.TaskRefundAccount])
	assert.Equal(t, 1, ran[domain.TaskRefundCreditCard])
	reverse, ok := env.Fakes.Account.Pending["refund-"+account.AuthorizeActionID]
	require.True(t, ok)
	assert.True(t, reverse.Object.Amount.Equal(decimal.NewFromInt(1500)))
	assert.Equal(t, "Confirmed", env.Fakes.Account.Status[reverse.ID])
}
