package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"boxoffice/internal/apperr"
	"boxoffice/internal/domain"
	"boxoffice/internal/repo"
)

var readErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusInternalServerError,
}

// canRead reports whether the caller takes part in the transaction.
func canRead(p Principal, txn domain.Transaction) bool {
	if p.HasRole(RoleOperator) || txn.Agent.ID == p.Agent.ID {
		return true
	}
	if txn.Seller != nil && txn.Seller.ID == p.Agent.ID {
		return true
	}
	return txn.Object.Customer != nil && txn.Object.Customer.ID == p.Agent.ID
}

func (h handlers) readableTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	p, err := principal(ctx)
	if err != nil {
		return domain.Transaction{}, err
	}
	txn, err := h.e.Repo.GetTransaction(ctx, id)
	if err != nil {
		return domain.Transaction{}, h.fail(err)
	}
	if !canRead(p, txn) {
		return domain.Transaction{}, h.fail(apperr.NewForbidden("transaction %s is not yours", id))
	}
	return txn, nil
}

func (h handlers) readableOrder(ctx context.Context, orderNumber string) (domain.Order, error) {
	p, err := principal(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	order, err := h.e.Repo.GetOrder(ctx, orderNumber)
	if err != nil {
		return domain.Order{}, h.fail(err)
	}
	if !p.HasRole(RoleOperator) && order.Customer.ID != p.Agent.ID && order.Seller.ID != p.Agent.ID {
		return domain.Order{}, h.fail(apperr.NewForbidden("order %s is not yours", orderNumber))
	}
	return order, nil
}

func registerTransactionQueries(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-transactions",
		Method:      http.MethodGet,
		Path:        "/transactions",
		Summary:     "List transactions",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		Project string `query:"project"`
		TypeOf  string `query:"type_of" enum:"PlaceOrder,ReturnOrder,MoneyTransfer"`
		Status  string `query:"status" enum:"InProgress,Confirmed,Canceled,Expired"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedTransactions `json:"body"`
	}, error) {
		if _, err := requireOperator(ctx); err != nil {
			return nil, err
		}
		items, err := h.e.Repo.ListTransactions(ctx, repo.TransactionFilter{
			Project: input.Project,
			TypeOf:  domain.TransactionType(input.TypeOf),
			Status:  domain.TransactionStatus(input.Status),
			Limit:   normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, h.fail(err)
		}
		if items == nil {
			items = []domain.Transaction{}
		}
		return &struct {
			Body paginatedTransactions `json:"body"`
		}{Body: paginatedTransactions{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transaction",
		Method:      http.MethodGet,
		Path:        "/transactions/{id}",
		Summary:     "Get a transaction",
		Errors:      readErrors,
	}, func(ctx context.Context, input *transactionPath) (*transactionOutput, error) {
		txn, err := h.readableTransaction(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		return &transactionOutput{Body: txn}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transaction-actions",
		Method:      http.MethodGet,
		Path:        "/transactions/{id}/actions",
		Summary:     "List the actions run for a transaction",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		TypeOf string `query:"type_of" enum:"Authorize,Order,Confirm,Pay,Refund,Cancel,Give,Return,Inform,Transfer"`
		Status string `query:"action_status" enum:"ActiveActionStatus,CompletedActionStatus,FailedActionStatus,CanceledActionStatus"`
	}) (*struct {
		Body actionList `json:"body"`
	}, error) {
		txn, err := h.readableTransaction(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		items, err := h.e.Repo.ActionsByPurpose(ctx, domain.TransactionPurpose(txn), repo.ActionFilter{
			TypeOf: domain.ActionType(input.TypeOf),
			Status: domain.ActionStatus(input.Status),
		})
		if err != nil {
			return nil, h.fail(err)
		}
		if items == nil {
			items = []domain.Action{}
		}
		return &struct {
			Body actionList `json:"body"`
		}{Body: actionList{Items: items}}, nil
	})
}

func registerOrderQueries(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "get-order",
		Method:      http.MethodGet,
		Path:        "/orders/{orderNumber}",
		Summary:     "Get an order",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		OrderNumber string `path:"orderNumber"`
	}) (*struct {
		Body domain.Order `json:"body"`
	}, error) {
		order, err := h.readableOrder(ctx, input.OrderNumber)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body domain.Order `json:"body"`
		}{Body: order}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-order-invoices",
		Method:      http.MethodGet,
		Path:        "/orders/{orderNumber}/invoices",
		Summary:     "List the invoices of an order",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		OrderNumber string `path:"orderNumber"`
	}) (*struct {
		Body invoiceList `json:"body"`
	}, error) {
		if _, err := h.readableOrder(ctx, input.OrderNumber); err != nil {
			return nil, err
		}
		items, err := h.e.Repo.InvoicesByOrder(ctx, input.OrderNumber)
		if err != nil {
			return nil, h.fail(err)
		}
		if items == nil {
			items = []domain.Invoice{}
		}
		return &struct {
			Body invoiceList `json:"body"`
		}{Body: invoiceList{Items: items}}, nil
	})
}

func registerTaskQueries(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		Project string `query:"project"`
		Name    string `query:"name"`
		Status  string `query:"status" enum:"Ready,Running,Executed,Aborted"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		if _, err := requireOperator(ctx); err != nil {
			return nil, err
		}
		items, err := h.e.Repo.ListTasks(ctx, repo.TaskFilter{
			Project: input.Project,
			Name:    domain.TaskName(input.Name),
			Status:  domain.TaskStatus(input.Status),
			Limit:   normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, h.fail(err)
		}
		if items == nil {
			items = []domain.Task{}
		}
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: paginatedTasks{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get a task with its execution history",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, err := requireOperator(ctx); err != nil {
			return nil, err
		}
		t, err := h.e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerEvents(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		Project    string `query:"project"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"transaction,action,task,order,invoice,project"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requireOperator(ctx); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.e.Repo.LatestEvents(ctx, repo.EventFilter{
			Project:    input.Project,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			// The extra row only proves there is another page.
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
