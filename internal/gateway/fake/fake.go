// Package fake provides in-memory gateways for tests and for running the
// service without downstream systems.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"boxoffice/internal/apperr"
	"boxoffice/internal/domain"
	"boxoffice/internal/gateway"
)

// recorder keeps the call log and injected failures of one fake.
type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

// Fail makes every later call of op return err. A nil err clears it.
func (r *recorder) Fail(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail == nil {
		r.fail = map[string]error{}
	}
	if err == nil {
		delete(r.fail, op)
		return
	}
	r.fail[op] = err
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// record must be called with mu held.
func (r *recorder) record(op string, args ...any) error {
	call := op
	if len(args) > 0 {
		call = op + " " + fmt.Sprint(args...)
	}
	r.calls = append(r.calls, call)
	return r.fail[op]
}

type Reservation struct {
	recorder
	UnitPrice decimal.Decimal
	Currency  string
	// Status by reservation transaction id: Pending, Confirmed, Canceled.
	Status   map[string]string
	Returned map[string]bool
}

func NewReservation() *Reservation {
	return &Reservation{
		UnitPrice: decimal.NewFromInt(1500),
		Currency:  "JPY",
		Status:    map[string]string{},
		Returned:  map[string]bool{},
	}
}

func (f *Reservation) Start(_ context.Context, req gateway.ReserveRequest) (gateway.ReserveResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("start", req.EventID); err != nil {
		return gateway.ReserveResponse{}, err
	}
	if len(req.Tickets) == 0 {
		return gateway.ReserveResponse{}, apperr.FromStatus(400, "no tickets requested")
	}
	id := uuid.NewString()
	res := gateway.ReserveResponse{TransactionID: id, Price: domain.MonetaryAmount{Value: decimal.Zero, Currency: f.Currency}}
	for i, t := range req.Tickets {
		res.Reservations = append(res.Reservations, domain.Reservation{
			ID:                uuid.NewString(),
			ReservationNumber: fmt.Sprintf("%s-%d", id[:8], i+1),
			EventID:           req.EventID,
			SeatSection:       t.SeatSection,
			SeatNumber:        t.SeatNumber,
			TicketType:        t.TicketType,
			Price:             domain.MonetaryAmount{Value: f.UnitPrice, Currency: f.Currency},
		})
		res.Price.Value = res.Price.Value.Add(f.UnitPrice)
	}
	f.Status[id] = "Pending"
	return res, nil
}

func (f *Reservation) Confirm(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("confirm", id); err != nil {
		return err
	}
	switch f.Status[id] {
	case "Pending", "Confirmed":
		f.Status[id] = "Confirmed"
		return nil
	case "":
		return apperr.FromStatus(404, "reservation transaction not found")
	}
	return apperr.FromStatus(400, "reservation transaction is "+f.Status[id])
}

func (f *Reservation) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cancel", id); err != nil {
		return err
	}
	f.Status[id] = "Canceled"
	return nil
}

func (f *Reservation) Return(_ context.Context, numbers []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("return", numbers); err != nil {
		return err
	}
	for _, n := range numbers {
		f.Returned[n] = true
	}
	return nil
}

type Account struct {
	recorder
	Pending map[string]gateway.PendingTransaction
	// Status by pending transaction id: Pending, Confirmed, Canceled.
	Status map[string]string
}

func NewAccount() *Account {
	return &Account{Pending: map[string]gateway.PendingTransaction{}, Status: map[string]string{}}
}

func (f *Account) Start(_ context.Context, req gateway.StartPending) (gateway.PendingTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("start_"+string(req.TypeOf), req.Object.Amount.String()); err != nil {
		return gateway.PendingTransaction{}, err
	}
	if req.ID != "" {
		if p, ok := f.Pending[req.ID]; ok {
			return p, nil
		}
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	p := gateway.PendingTransaction{ID: id, TypeOf: req.TypeOf, Agent: req.Agent, Recipient: req.Recipient, Object: req.Object, Expires: req.Expires}
	f.Pending[id] = p
	f.Status[id] = "Pending"
	return p, nil
}

func (f *Account) Confirm(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("confirm", id); err != nil {
		return err
	}
	switch f.Status[id] {
	case "Pending", "Confirmed":
		f.Status[id] = "Confirmed"
		return nil
	case "":
		return apperr.FromStatus(404, "pending transaction not found")
	}
	return apperr.FromStatus(400, "pending transaction is "+f.Status[id])
}

func (f *Account) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cancel", id); err != nil {
		return err
	}
	if f.Status[id] == "Confirmed" {
		return apperr.FromStatus(400, "pending transaction already confirmed")
	}
	f.Status[id] = "Canceled"
	return nil
}

type Card struct {
	recorder
	Orders map[string]gateway.CardTransaction
}

func NewCard() *Card {
	return &Card{Orders: map[string]gateway.CardTransaction{}}
}

func (f *Card) Authorize(_ context.Context, req gateway.CardAuthorizeRequest) (gateway.CardTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("authorize", req.OrderID); err != nil {
		return gateway.CardTransaction{}, err
	}
	if existing, ok := f.Orders[req.OrderID]; ok {
		return existing, nil
	}
	tx := gateway.CardTransaction{OrderID: req.OrderID, Status: gateway.CardAuthorized, Amount: req.Amount, Currency: req.Currency}
	f.Orders[req.OrderID] = tx
	return tx, nil
}

func (f *Card) transition(op, orderID string, from []gateway.CardStatus, to gateway.CardStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(op, orderID); err != nil {
		return err
	}
	tx, ok := f.Orders[orderID]
	if !ok {
		return apperr.FromStatus(404, "card order not found")
	}
	if tx.Status == to {
		return nil
	}
	for _, s := range from {
		if tx.Status == s {
			tx.Status = to
			f.Orders[orderID] = tx
			return nil
		}
	}
	return apperr.FromStatus(400, fmt.Sprintf("card order is %s", tx.Status))
}

func (f *Card) Capture(_ context.Context, orderID string) error {
	return f.transition("capture", orderID, []gateway.CardStatus{gateway.CardAuthorized}, gateway.CardCaptured)
}

func (f *Card) Void(_ context.Context, orderID string) error {
	return f.transition("void", orderID, []gateway.CardStatus{gateway.CardAuthorized}, gateway.CardVoided)
}

func (f *Card) Refund(_ context.Context, orderID string, _ decimal.Decimal) error {
	return f.transition("refund", orderID, []gateway.CardStatus{gateway.CardCaptured}, gateway.CardRefunded)
}

func (f *Card) Search(_ context.Context, orderID string) (gateway.CardTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("search", orderID); err != nil {
		return gateway.CardTransaction{}, err
	}
	tx, ok := f.Orders[orderID]
	if !ok {
		return tx, apperr.FromStatus(404, "card order not found")
	}
	return tx, nil
}

type MovieTicket struct {
	recorder
	// Used by ticket identifier.
	Used map[string]bool
}

func NewMovieTicket() *MovieTicket {
	return &MovieTicket{Used: map[string]bool{}}
}

func (f *MovieTicket) Check(_ context.Context, req gateway.TicketCheck) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("check", req.EventID); err != nil {
		return err
	}
	for _, t := range req.Tickets {
		if f.Used[t.Identifier] {
			return apperr.FromStatus(400, "movie ticket "+t.Identifier+" already used")
		}
	}
	return nil
}

func (f *MovieTicket) Use(_ context.Context, req gateway.TicketCheck) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("use", req.EventID); err != nil {
		return err
	}
	for _, t := range req.Tickets {
		f.Used[t.Identifier] = true
	}
	return nil
}

func (f *MovieTicket) Cancel(_ context.Context, req gateway.TicketCheck) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cancel", req.EventID); err != nil {
		return err
	}
	for _, t := range req.Tickets {
		delete(f.Used, t.Identifier)
	}
	return nil
}

type Person struct {
	recorder
	People map[string]gateway.Person
}

func NewPerson() *Person {
	return &Person{People: map[string]gateway.Person{}}
}

func (f *Person) FindPerson(_ context.Context, id string) (gateway.Person, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("find_person", id); err != nil {
		return gateway.Person{}, err
	}
	p, ok := f.People[id]
	if !ok {
		return p, apperr.FromStatus(404, "person not found")
	}
	return p, nil
}

// Set is one fake per downstream service.
type Set struct {
	SeatInventory *Reservation
	BoxOffice     *Reservation
	Account       *Account
	Card          *Card
	MovieTicket   *MovieTicket
	Person        *Person
}

func New() *Set {
	return &Set{
		SeatInventory: NewReservation(),
		BoxOffice:     NewReservation(),
		Account:       NewAccount(),
		Card:          NewCard(),
		MovieTicket:   NewMovieTicket(),
		Person:        NewPerson(),
	}
}

func (s *Set) Gateways() gateway.Gateways {
	return gateway.Gateways{
		Reservation: map[domain.ReservationService]gateway.ReservationGateway{
			domain.ServiceSeatInventory: s.SeatInventory,
			domain.ServiceBoxOffice:     s.BoxOffice,
		},
		Account:     s.Account,
		Card:        s.Card,
		MovieTicket: s.MovieTicket,
		Person:      s.Person,
	}
}

// CallCount sums the recorded calls of every fake.
func (s *Set) CallCount() int {
	n := 0
	for _, c := range [][]string{s.SeatInventory.Calls(), s.BoxOffice.Calls(), s.Account.Calls(), s.Card.Calls(), s.MovieTicket.Calls(), s.Person.Calls()} {
		n += len(c)
	}
	return n
}
