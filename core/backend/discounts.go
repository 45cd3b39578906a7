package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/juaninavos/jerseymarket/core/logger"
	"github.com/juaninavos/jerseymarket/core/market"
)

type discountRequest struct {
	Code        string              `json:"code" validate:"required,max=64"`
	Description string              `json:"description" validate:"max=500"`
	Kind        market.DiscountKind `json:"kind" validate:"required,oneof=percentage fixed"`
	Value       int64               `json:"value" validate:"gt=0,lte=100000000000"`
	ValidFrom   *time.Time          `json:"valid_from"`
	ValidUntil  *time.Time          `json:"valid_until"`
	MaxUses     int                 `json:"max_uses" validate:"gte=0"`
	MinOrder    int64               `json:"min_order" validate:"gte=0,lte=10000000000000"`
	Active      *bool               `json:"active"`
}

// discountCheck is the answer to a discount preview
type discountCheck struct {
	Code     string `json:"code"`
	Subtotal int64  `json:"subtotal"`
	Discount int64  `json:"discount"`
	Total    int64  `json:"total"`
}

func (req discountRequest) discount() market.Discount {
	d := market.Discount{
		Code:        market.NormalizeCode(req.Code),
		Description: req.Description,
		Kind:        req.Kind,
		Value:       req.Value,
		ValidFrom:   req.ValidFrom,
		ValidUntil:  req.ValidUntil,
		MaxUses:     req.MaxUses,
		MinOrder:    req.MinOrder,
		Active:      true,
	}
	if req.Active != nil {
		d.Active = *req.Active
	}
	return d
}

const discountColumns = `code, description, kind, value, valid_from, valid_until, max_uses, uses, min_order, active, created_at`

func scanDiscount(row interface{ Scan(...interface{}) error }) (market.Discount, error) {
	var d market.Discount
	err := row.Scan(&d.Code, &d.Description, &d.Kind, &d.Value, &d.ValidFrom, &d.ValidUntil,
		&d.MaxUses, &d.Uses, &d.MinOrder, &d.Active, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("discount %w", errNotFound)
	}
	return d, err
}

// Discount returns the discount with the given code
func (b *Backend) Discount(ctx context.Context, code string) (market.Discount, error) {
	return scanDiscount(b.db.QueryRowContext(ctx, b.db.WithSchema(`SELECT `+discountColumns+` FROM {schema}.discount WHERE code = $1;`),
		market.NormalizeCode(code)))
}

// lockDiscount reads a discount for update within tx. Unknown codes are unprocessable
// rather than not found, the order itself exists.
func (b *Backend) lockDiscount(ctx context.Context, tx *sql.Tx, code string) (market.Discount, error) {
	d, err := scanDiscount(tx.QueryRowContext(ctx, b.db.WithSchema(`SELECT `+discountColumns+` FROM {schema}.discount WHERE code = $1 FOR UPDATE;`),
		market.NormalizeCode(code)))
	if errors.Is(err, errNotFound) {
		return d, fmt.Errorf("%w: unknown discount code", errUnprocessable)
	}
	return d, err
}

func (b *Backend) listDiscounts(ctx context.Context) ([]market.Discount, error) {
	rows, err := b.db.QueryContext(ctx, b.db.WithSchema(`SELECT `+discountColumns+` FROM {schema}.discount ORDER BY created_at DESC, code;`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	discounts := []market.Discount{}
	for rows.Next() {
		d, err := scanDiscount(rows)
		if err != nil {
			return nil, err
		}
		discounts = append(discounts, d)
	}
	return discounts, rows.Err()
}

func (b *Backend) createDiscount(ctx context.Context, d market.Discount) (market.Discount, error) {
	if err := d.Validate(); err != nil {
		return d, err
	}
	created, err := scanDiscount(b.db.QueryRowContext(ctx, b.db.WithSchema(`INSERT INTO {schema}.discount
(code, description, kind, value, valid_from, valid_until, max_uses, min_order, active, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING `+discountColumns+`;`),
		d.Code, d.Description, d.Kind, d.Value, d.ValidFrom, d.ValidUntil, d.MaxUses, d.MinOrder, d.Active, b.now().UTC()))
	if isUniqueViolation(err) {
		return created, fmt.Errorf("%w: discount code already exists", errConflict)
	}
	return created, err
}

// updateDiscount changes everything but the code and the number of uses
func (b *Backend) updateDiscount(ctx context.Context, code string, d market.Discount) (market.Discount, error) {
	d.Code = market.NormalizeCode(code)
	if err := d.Validate(); err != nil {
		return d, err
	}
	return scanDiscount(b.db.QueryRowContext(ctx, b.db.WithSchema(`UPDATE {schema}.discount SET description = $2, kind = $3, value = $4,
valid_from = $5, valid_until = $6, max_uses = $7, min_order = $8, active = $9
WHERE code = $1 RETURNING `+discountColumns+`;`),
		d.Code, d.Description, d.Kind, d.Value, d.ValidFrom, d.ValidUntil, d.MaxUses, d.MinOrder, d.Active))
}

// deleteDiscount deletes an unused discount code. Used codes are deactivated instead,
// purchases refer to them.
func (b *Backend) deleteDiscount(ctx context.Context, code string) error {
	code = market.NormalizeCode(code)
	res, err := b.db.ExecContext(ctx, b.db.WithSchema(`DELETE FROM {schema}.discount WHERE code = $1;`), code)
	if isForeignKeyViolation(err) {
		res, err = b.db.ExecContext(ctx, b.db.WithSchema(`UPDATE {schema}.discount SET active = false WHERE code = $1;`), code)
	}
	if err != nil {
		return err
	}
	if count, err := res.RowsAffected(); err == nil && count == 0 {
		return fmt.Errorf("discount %w", errNotFound)
	}
	return nil
}

// CheckDiscount previews the discount code on subtotal without using it
func (b *Backend) CheckDiscount(ctx context.Context, code string, subtotal int64) (discountCheck, error) {
	d, err := b.Discount(ctx, code)
	if errors.Is(err, errNotFound) {
		return discountCheck{}, fmt.Errorf("%w: unknown discount code", errUnprocessable)
	}
	if err != nil {
		return discountCheck{}, err
	}
	if err := d.Check(subtotal, b.now().UTC()); err != nil {
		return discountCheck{}, err
	}
	amount := d.Apply(subtotal)
	return discountCheck{Code: d.Code, Subtotal: subtotal, Discount: amount, Total: subtotal - amount}, nil
}

func (b *Backend) handleDiscounts(router *mux.Router) {
	logger.Default().Debugln("discounts")
	logger.Default().Debugln("  handle route: /admin/discounts GET,POST")
	logger.Default().Debugln("  handle route: /admin/discounts/{code} GET,PUT,DELETE")
	logger.Default().Debugln("  handle route: /discounts/{code}/check GET")

	router.HandleFunc("/admin/discounts", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !requireAdmin(w, r) {
			return
		}
		discounts, err := b.listDiscounts(r.Context())
		if err != nil {
			writeError(w, r, 4201, err)
			return
		}
		writeJSON(w, http.StatusOK, discounts)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/admin/discounts", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !requireAdmin(w, r) {
			return
		}
		var req discountRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, 4202, err)
			return
		}
		discount, err := b.createDiscount(r.Context(), req.discount())
		if err != nil {
			writeError(w, r, 4203, err)
			return
		}
		writeJSON(w, http.StatusCreated, discount)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/admin/discounts/{code}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !requireAdmin(w, r) {
			return
		}
		discount, err := b.Discount(r.Context(), mux.Vars(r)["code"])
		if err != nil {
			writeError(w, r, 4204, err)
			return
		}
		writeJSON(w, http.StatusOK, discount)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/admin/discounts/{code}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !requireAdmin(w, r) {
			return
		}
		var req discountRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, 4205, err)
			return
		}
		discount, err := b.updateDiscount(r.Context(), mux.Vars(r)["code"], req.discount())
		if err != nil {
			writeError(w, r, 4206, err)
			return
		}
		writeJSON(w, http.StatusOK, discount)
	}).Methods(http.MethodOptions, http.MethodPut)

	router.HandleFunc("/admin/discounts/{code}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !requireAdmin(w, r) {
			return
		}
		if err := b.deleteDiscount(r.Context(), mux.Vars(r)["code"]); err != nil {
			writeError(w, r, 4207, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions, http.MethodDelete)

	router.HandleFunc("/discounts/{code}/check", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if _, _, err := callerID(r); err != nil {
			writeError(w, r, 4208, err)
			return
		}
		subtotal, err := queryInt64(r, "subtotal")
		if err != nil {
			writeError(w, r, 4209, err)
			return
		}
		if subtotal == nil || *subtotal <= 0 || *subtotal > market.MaxOrderTotal {
			writeError(w, r, 4210, fmt.Errorf("%w: parameter 'subtotal' is out of range", errBadRequest))
			return
		}
		check, err := b.CheckDiscount(r.Context(), mux.Vars(r)["code"], *subtotal)
		if err != nil {
			writeError(w, r, 4211, err)
			return
		}
		writeJSON(w, http.StatusOK, check)
	}).Methods(http.MethodOptions, http.MethodGet)
}
