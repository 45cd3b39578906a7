package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/juaninavos/jerseymarket/core/logger"
)

// PaymentMethod is a way of paying, e.g. "bank transfer"
type PaymentMethod struct {
	PaymentMethodID uuid.UUID `json:"payment_method_id"`
	Name            string    `json:"name"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
}

type paymentMethodRequest struct {
	Name   string `json:"name" validate:"required,max=100"`
	Active *bool  `json:"active"`
}

const paymentMethodColumns = `payment_method_id, name, active, created_at`

func scanPaymentMethod(row interface{ Scan(...interface{}) error }) (PaymentMethod, error) {
	var p PaymentMethod
	err := row.Scan(&p.PaymentMethodID, &p.Name, &p.Active, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("payment method %w", errNotFound)
	}
	return p, err
}

// checkPaymentMethod fails unless the payment method exists and is active
func (b *Backend) checkPaymentMethod(ctx context.Context, tx *sql.Tx, paymentMethodID uuid.UUID) error {
	var active bool
	err := tx.QueryRowContext(ctx, b.db.WithSchema(`SELECT active FROM {schema}.payment_method WHERE payment_method_id = $1;`),
		paymentMethodID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !active) {
		return fmt.Errorf("%w: unknown or inactive payment method", errUnprocessable)
	}
	return err
}

func (b *Backend) listPaymentMethods(ctx context.Context, includeInactive bool) ([]PaymentMethod, error) {
	query := `SELECT ` + paymentMethodColumns + ` FROM {schema}.payment_method`
	if !includeInactive {
		query += ` WHERE active = true`
	}
	rows, err := b.db.QueryContext(ctx, b.db.WithSchema(query+` ORDER BY name;`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	methods := []PaymentMethod{}
	for rows.Next() {
		p, err := scanPaymentMethod(rows)
		if err != nil {
			return nil, err
		}
		methods = append(methods, p)
	}
	return methods, rows.Err()
}

func (b *Backend) createPaymentMethod(ctx context.Context, req paymentMethodRequest) (PaymentMethod, error) {
	active := req.Active == nil || *req.Active
	p, err := scanPaymentMethod(b.db.QueryRowContext(ctx, b.db.WithSchema(`INSERT INTO {schema}.payment_method (name, active, created_at)
VALUES ($1, $2, $3) RETURNING `+paymentMethodColumns+`;`), strings.TrimSpace(req.Name), active, b.now().UTC()))
	if isUniqueViolation(err) {
		return p, fmt.Errorf("%w: payment method already exists", errConflict)
	}
	return p, err
}

func (b *Backend) updatePaymentMethod(ctx context.Context, paymentMethodID uuid.UUID, req paymentMethodRequest) (PaymentMethod, error) {
	active := req.Active == nil || *req.Active
	p, err := scanPaymentMethod(b.db.QueryRowContext(ctx, b.db.WithSchema(`UPDATE {schema}.payment_method SET name = $2, active = $3
WHERE payment_method_id = $1 RETURNING `+paymentMethodColumns+`;`), paymentMethodID, strings.TrimSpace(req.Name), active))
	if isUniqueViolation(err) {
		return p, fmt.Errorf("%w: payment method already exists", errConflict)
	}
	return p, err
}

// deactivatePaymentMethod hides a payment method. Purchases keep referring to it.
func (b *Backend) deactivatePaymentMethod(ctx context.Context, paymentMethodID uuid.UUID) error {
	res, err := b.db.ExecContext(ctx, b.db.WithSchema(`UPDATE {schema}.payment_method SET active = false WHERE payment_method_id = $1;`), paymentMethodID)
	if err != nil {
		return err
	}
	if count, err := res.RowsAffected(); err == nil && count == 0 {
		return fmt.Errorf("payment method %w", errNotFound)
	}
	return nil
}

func (b *Backend) handlePaymentMethods(router *mux.Router) {
	logger.Default().Debugln("payment methods")
	logger.Default().Debugln("  handle route: /payment-methods GET")
	logger.Default().Debugln("  handle route: /admin/payment-methods GET,POST")
	logger.Default().Debugln("  handle route: /admin/payment-methods/{payment_method_id} PUT,DELETE")

	router.HandleFunc("/payment-methods", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		methods, err := b.listPaymentMethods(r.Context(), false)
		if err != nil {
			writeError(w, r, 4231, err)
			return
		}
		writeJSON(w, http.StatusOK, methods)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/admin/payment-methods", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !requireAdmin(w, r) {
			return
		}
		methods, err := b.listPaymentMethods(r.Context(), true)
		if err != nil {
			writeError(w, r, 4232, err)
			return
		}
		writeJSON(w, http.StatusOK, methods)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/admin/payment-methods", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !requireAdmin(w, r) {
			return
		}
		var req paymentMethodRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, 4233, err)
			return
		}
		method, err := b.createPaymentMethod(r.Context(), req)
		if err != nil {
			writeError(w, r, 4234, err)
			return
		}
		writeJSON(w, http.StatusCreated, method)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/admin/payment-methods/{payment_method_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !requireAdmin(w, r) {
			return
		}
		paymentMethodID, err := pathID(r, "payment_method_id")
		if err != nil {
			writeError(w, r, 4235, err)
			return
		}
		var req paymentMethodRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, 4236, err)
			return
		}
		method, err := b.updatePaymentMethod(r.Context(), paymentMethodID, req)
		if err != nil {
			writeError(w, r, 4237, err)
			return
		}
		writeJSON(w, http.StatusOK, method)
	}).Methods(http.MethodOptions, http.MethodPut)

	router.HandleFunc("/admin/payment-methods/{payment_method_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !requireAdmin(w, r) {
			return
		}
		paymentMethodID, err := pathID(r, "payment_method_id")
		if err != nil {
			writeError(w, r, 4238, err)
			return
		}
		if err := b.deactivatePaymentMethod(r.Context(), paymentMethodID); err != nil {
			writeError(w, r, 4239, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions, http.MethodDelete)
}
