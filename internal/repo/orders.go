package repo

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"boxoffice/internal/apperr"
	"boxoffice/internal/db"
	"boxoffice/internal/domain"
	"boxoffice/internal/events"
)

const orderColumns = `project,order_number,confirmation_number,order_status,transaction_id,customer_json,seller_json,price,price_currency,accepted_offers_json,payment_methods_json,order_date,date_returned`

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	var customer, seller, offers, methods, returned sql.NullString
	var price, orderDate string
	err := row.Scan(&o.Project, &o.OrderNumber, &o.ConfirmationNumber, &o.Status, &o.TransactionID, &customer, &seller,
		&price, &o.PriceCurrency, &offers, &methods, &orderDate, &returned)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	for _, c := range []struct {
		v   sql.NullString
		out any
	}{{customer, &o.Customer}, {seller, &o.Seller}, {offers, &o.AcceptedOffers}, {methods, &o.PaymentMethods}} {
		if err := unmarshalJSON(c.v, c.out); err != nil {
			return o, err
		}
	}
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return o, err
	}
	if o.OrderDate, err = db.ParseTime(orderDate); err != nil {
		return o, err
	}
	o.DateReturned, err = parseNullTime(returned)
	return o, err
}

// CreateOrderIfNotExists inserts the order keyed by order number. An existing
// order of the same transaction is left untouched and reported with
// created=false; one of another transaction is a Conflict.
func (r Repo) CreateOrderIfNotExists(ctx context.Context, o domain.Order) (created bool, err error) {
	cols := make([]any, 0, 4)
	for _, v := range []any{o.Customer, o.Seller, o.AcceptedOffers, o.PaymentMethods} {
		j, err := marshalJSON(v)
		if err != nil {
			return false, err
		}
		if j == nil {
			j = "[]"
		}
		cols = append(cols, j)
	}
	now := r.now()
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO orders(order_number,project,transaction_id,confirmation_number,order_status,customer_json,seller_json,price,price_currency,accepted_offers_json,payment_methods_json,order_date,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			o.OrderNumber, o.Project, o.TransactionID, o.ConfirmationNumber, o.Status, cols[0], cols[1], o.Price.String(), o.PriceCurrency,
			cols[2], cols[3], db.FormatTime(o.OrderDate), db.FormatTime(now))
		if err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.OrderCreated, o.Project, "order", o.OrderNumber, o.Customer.ID,
			events.EventPayload{"transaction_id": o.TransactionID, "price": o.Price.String(), "currency": o.PriceCurrency})
	})
	if err != nil {
		if r.Dialect.IsDuplicateKey(err) {
			stored, getErr := r.GetOrder(ctx, o.OrderNumber)
			if getErr != nil {
				return false, getErr
			}
			if stored.TransactionID != o.TransactionID {
				return false, apperr.NewConflict("order", "order %s belongs to transaction %s", o.OrderNumber, stored.TransactionID)
			}
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r Repo) GetOrder(ctx context.Context, orderNumber string) (domain.Order, error) {
	return scanOrder(r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number=?`, orderNumber))
}

// TransitionOrderStatus moves an order from one status to another with a
// conditional update. When nothing matches, ok is false and current holds the
// status found.
func (r Repo) TransitionOrderStatus(ctx context.Context, orderNumber string, from, to domain.OrderStatus) (ok bool, current domain.OrderStatus, err error) {
	now := r.now()
	var returned any
	if to == domain.OrderReturned {
		returned = db.FormatTime(now)
	}
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE orders SET order_status=?, date_returned=COALESCE(?,date_returned), updated_at=? WHERE order_number=? AND order_status=?`,
			to, returned, db.FormatTime(now), orderNumber, from)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		var project string
		if err := tx.QueryRowContext(ctx, `SELECT order_status,project FROM orders WHERE order_number=?`, orderNumber).Scan(&current, &project); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		if n == 0 {
			return nil
		}
		ok = true
		return r.Events.Append(ctx, tx, events.OrderStatusChanged, project, "order", orderNumber, "",
			events.EventPayload{"from": from, "to": to})
	})
	if err != nil {
		return false, "", err
	}
	return ok, current, nil
}

const invoiceColumns = `id,project,order_number,payment_method_kind,payment_method_id,account_number,payment_status,total_value,currency,customer_json,provider_json,created_at,updated_at`

func scanInvoice(row rowScanner) (domain.Invoice, error) {
	var inv domain.Invoice
	var value, createdAt, updatedAt string
	var customer, provider sql.NullString
	err := row.Scan(&inv.ID, &inv.Project, &inv.OrderNumber, &inv.Kind, &inv.PaymentMethodID, &inv.AccountNumber, &inv.PaymentStatus,
		&value, &inv.TotalPaymentDue.Currency, &customer, &provider, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return inv, ErrNotFound
	}
	if err != nil {
		return inv, err
	}
	if inv.TotalPaymentDue.Value, err = decimal.NewFromString(value); err != nil {
		return inv, err
	}
	if err := unmarshalJSON(customer, &inv.Customer); err != nil {
		return inv, err
	}
	if err := unmarshalJSON(provider, &inv.Provider); err != nil {
		return inv, err
	}
	if inv.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return inv, err
	}
	inv.UpdatedAt, err = db.ParseTime(updatedAt)
	return inv, err
}

// CreateInvoiceIfNotExists inserts an invoice keyed by order number, payment
// method kind and payment method id. An existing invoice for the same customer
// and amount reports created=false; a different one is a Conflict.
func (r Repo) CreateInvoiceIfNotExists(ctx context.Context, inv domain.Invoice) (created bool, err error) {
	customer, err := marshalJSON(inv.Customer)
	if err != nil {
		return false, err
	}
	provider, err := marshalJSON(inv.Provider)
	if err != nil {
		return false, err
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.PaymentStatus == "" {
		inv.PaymentStatus = domain.PaymentDue
	}
	now := r.now()
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO invoices(id,project,order_number,payment_method_kind,payment_method_id,account_number,payment_status,total_value,currency,customer_json,provider_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			inv.ID, inv.Project, inv.OrderNumber, inv.Kind, inv.PaymentMethodID, inv.AccountNumber, inv.PaymentStatus,
			inv.TotalPaymentDue.Value.String(), inv.TotalPaymentDue.Currency, customer, provider, db.FormatTime(now), db.FormatTime(now))
		if err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.InvoiceCreated, inv.Project, "invoice", inv.ID, "",
			events.EventPayload{"order_number": inv.OrderNumber, "kind": inv.Kind, "payment_method_id": inv.PaymentMethodID, "total": inv.TotalPaymentDue.Value.String()})
	})
	if err != nil {
		if r.Dialect.IsDuplicateKey(err) {
			stored, getErr := scanInvoice(r.DB.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE order_number=? AND payment_method_kind=? AND payment_method_id=?`,
				inv.OrderNumber, inv.Kind, inv.PaymentMethodID))
			if getErr != nil {
				return false, getErr
			}
			if stored.Customer.ID != inv.Customer.ID || !stored.TotalPaymentDue.Value.Equal(inv.TotalPaymentDue.Value) ||
				stored.TotalPaymentDue.Currency != inv.TotalPaymentDue.Currency {
				return false, apperr.NewConflict("invoice", "invoice %s %s of order %s differs from the stored one", inv.Kind, inv.PaymentMethodID, inv.OrderNumber)
			}
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r Repo) InvoicesByOrder(ctx context.Context, orderNumber string) ([]domain.Invoice, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE order_number=? ORDER BY payment_method_kind, payment_method_id`, orderNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inv)
	}
	return res, rows.Err()
}

// SetInvoicePaymentStatus updates the invoice of one payment method. Setting
// the status it already has is a no-op.
func (r Repo) SetInvoicePaymentStatus(ctx context.Context, orderNumber string, kind domain.PaymentMethodKind, paymentMethodID string, status domain.PaymentStatus) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		now := r.now()
		res, err := tx.ExecContext(ctx, `UPDATE invoices SET payment_status=?, updated_at=? WHERE order_number=? AND payment_method_kind=? AND payment_method_id=? AND payment_status<>?`,
			status, db.FormatTime(now), orderNumber, kind, paymentMethodID, status)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			return err
		}
		var id, project string
		if err := tx.QueryRowContext(ctx, `SELECT id,project FROM invoices WHERE order_number=? AND payment_method_kind=? AND payment_method_id=?`,
			orderNumber, kind, paymentMethodID).Scan(&id, &project); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.InvoicePaid, project, "invoice", id, "", events.EventPayload{"payment_status": status})
	})
}
