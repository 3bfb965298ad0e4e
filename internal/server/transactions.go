package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"boxoffice/internal/domain"
	"boxoffice/internal/engine"
)

type transactionOutput struct {
	Body domain.Transaction `json:"body"`
}

type actionOutput struct {
	Body domain.Action `json:"body"`
}

type transactionPath struct {
	ID string `path:"id"`
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

// transition registers a POST /transactions/{kind}/{id}/{verb} endpoint that
// runs fn on behalf of the caller.
func transition(api huma.API, h handlers, opID, path, summary string, fn func(ctx context.Context, p engine.CancelTransactionParams) (domain.Transaction, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        path,
		Summary:     summary,
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *transactionPath) (*transactionOutput, error) {
		p, err := principal(ctx)
		if err != nil {
			return nil, err
		}
		txn, err := fn(ctx, engine.CancelTransactionParams{TransactionID: input.ID, AgentID: p.Agent.ID})
		if err != nil {
			return nil, h.fail(err)
		}
		return &transactionOutput{Body: txn}, nil
	})
}

func registerPlaceOrder(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-place-order",
		Method:        http.MethodPost,
		Path:          "/transactions/place-order/start",
		Summary:       "Start a purchase",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Project string `header:"X-Project" doc:"Defaults to the configured project"`
		Body    StartPlaceOrderRequest
	}) (*transactionOutput, error) {
		p, err := principal(ctx)
		if err != nil {
			return nil, err
		}
		txn, err := h.e.StartPlaceOrder(ctx, engine.StartPlaceOrderParams{
			Project: input.Project,
			Agent:   p.Agent,
			Seller:  input.Body.Seller,
			Expires: input.Body.Expires,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &transactionOutput{Body: txn}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "authorize-seat-reservation",
		Method:        http.MethodPost,
		Path:          "/transactions/place-order/{id}/actions/authorize/seat-reservation",
		Summary:       "Hold seats for the purchase",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body AuthorizeSeatReservationRequest
	}) (*actionOutput, error) {
		p, err := principal(ctx)
		if err != nil {
			return nil, err
		}
		a, err := h.e.AuthorizeSeatReservation(ctx, engine.AuthorizeSeatReservationParams{
			TransactionID: input.ID,
			AgentID:       p.Agent.ID,
			Service:       input.Body.Service,
			EventID:       input.Body.EventID,
			Tickets:       input.Body.Tickets,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &actionOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "authorize-payment",
		Method:        http.MethodPost,
		Path:          "/transactions/place-order/{id}/actions/authorize/payment",
		Summary:       "Authorize a payment method",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body AuthorizePaymentRequest
	}) (*actionOutput, error) {
		p, err := principal(ctx)
		if err != nil {
			return nil, err
		}
		b := input.Body
		a, err := h.e.AuthorizePayment(ctx, engine.AuthorizePaymentParams{
			TransactionID: input.ID,
			AgentID:       p.Agent.ID,
			Kind:          b.Kind,
			Amount:        b.Amount,
			Name:          b.Name,
			AccountNumber: b.AccountNumber,
			CardToken:     b.CardToken,
			EventID:       b.EventID,
			MovieTickets:  b.MovieTickets,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &actionOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "authorize-point-award",
		Method:        http.MethodPost,
		Path:          "/transactions/place-order/{id}/actions/authorize/point-award",
		Summary:       "Reserve loyalty points for the purchase",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body AuthorizePointAwardRequest
	}) (*actionOutput, error) {
		p, err := principal(ctx)
		if err != nil {
			return nil, err
		}
		a, err := h.e.AuthorizePointAward(ctx, engine.AuthorizePointAwardParams{
			TransactionID:   input.ID,
			AgentID:         p.Agent.ID,
			ToAccountNumber: input.Body.ToAccountNumber,
			Amount:          input.Body.Amount,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &actionOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "void-authorization",
		Method:      http.MethodPost,
		Path:        "/transactions/place-order/{id}/actions/{actionId}/void",
		Summary:     "Release one authorization",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		ActionID string `path:"actionId"`
	}) (*actionOutput, error) {
		p, err := principal(ctx)
		if err != nil {
			return nil, err
		}
		a, err := h.e.VoidAuthorization(ctx, engine.VoidAuthorizationParams{
			TransactionID: input.ID,
			AgentID:       p.Agent.ID,
			ActionID:      input.ActionID,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &actionOutput{Body: a}, nil
	})

	transition(api, h, "confirm-place-order", "/transactions/place-order/{id}/confirm", "Confirm a purchase",
		func(ctx context.Context, p engine.CancelTransactionParams) (domain.Transaction, error) {
			return h.e.ConfirmPlaceOrder(ctx, engine.ConfirmPlaceOrderParams{TransactionID: p.TransactionID, AgentID: p.AgentID})
		})
	transition(api, h, "cancel-place-order", "/transactions/place-order/{id}/cancel", "Cancel a purchase", h.e.CancelPlaceOrder)
}

func registerReturnOrder(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-return-order",
		Method:        http.MethodPost,
		Path:          "/transactions/return-order/start",
		Summary:       "Start a return",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Project string `header:"X-Project" doc:"Defaults to the configured project"`
		Body    StartReturnOrderRequest
	}) (*transactionOutput, error) {
		p, err := principal(ctx)
		if err != nil {
			return nil, err
		}
		txn, err := h.e.StartReturnOrder(ctx, engine.StartReturnOrderParams{
			Project:     input.Project,
			Agent:       p.Agent,
			OrderNumber: input.Body.OrderNumber,
			Reason:      input.Body.Reason,
			Expires:     input.Body.Expires,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &transactionOutput{Body: txn}, nil
	})

	transition(api, h, "confirm-return-order", "/transactions/return-order/{id}/confirm", "Confirm a return",
		func(ctx context.Context, p engine.CancelTransactionParams) (domain.Transaction, error) {
			return h.e.ConfirmReturnOrder(ctx, engine.ConfirmReturnOrderParams{TransactionID: p.TransactionID, AgentID: p.AgentID})
		})
	transition(api, h, "cancel-return-order", "/transactions/return-order/{id}/cancel", "Cancel a return", h.e.CancelReturnOrder)
}

func registerMoneyTransfer(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-money-transfer",
		Method:        http.MethodPost,
		Path:          "/transactions/money-transfer/start",
		Summary:       "Start a money transfer",
		DefaultStatus: http.StatusCreated,
		Errors:        append(mutationErrors, http.StatusServiceUnavailable),
	}, func(ctx context.Context, input *struct {
		Project string `header:"X-Project" doc:"Defaults to the configured project"`
		Body    StartMoneyTransferRequest
	}) (*transactionOutput, error) {
		p, err := principal(ctx)
		if err != nil {
			return nil, err
		}
		b := input.Body
		txn, err := h.e.StartMoneyTransfer(ctx, engine.StartMoneyTransferParams{
			Project:      input.Project,
			Agent:        p.Agent,
			Recipient:    b.Recipient,
			Amount:       b.Amount,
			FromLocation: b.FromLocation,
			ToLocation:   b.ToLocation,
			Description:  b.Description,
			Expires:      b.Expires,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &transactionOutput{Body: txn}, nil
	})

	transition(api, h, "confirm-money-transfer", "/transactions/money-transfer/{id}/confirm", "Confirm a money transfer",
		func(ctx context.Context, p engine.CancelTransactionParams) (domain.Transaction, error) {
			return h.e.ConfirmMoneyTransfer(ctx, engine.ConfirmMoneyTransferParams{TransactionID: p.TransactionID, AgentID: p.AgentID})
		})
	transition(api, h, "cancel-money-transfer", "/transactions/money-transfer/{id}/cancel", "Cancel a money transfer", h.e.CancelMoneyTransfer)
}
