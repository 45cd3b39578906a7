package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/juaninavos/jerseymarket/core/access"
	"github.com/juaninavos/jerseymarket/core/logger"
	"github.com/juaninavos/jerseymarket/core/market"
)

// Purchase is a fixed price order or the purchase resulting from a won auction
type Purchase struct {
	PurchaseID      uuid.UUID             `json:"purchase_id"`
	BuyerID         uuid.UUID             `json:"buyer_id"`
	JerseyID        uuid.UUID             `json:"jersey_id"`
	AuctionID       *uuid.UUID            `json:"auction_id,omitempty"`
	Quantity        int                   `json:"quantity"`
	UnitPrice       int64                 `json:"unit_price"`
	Subtotal        int64                 `json:"subtotal"`
	DiscountCode    *string               `json:"discount_code,omitempty"`
	DiscountAmount  int64                 `json:"discount_amount"`
	Total           int64                 `json:"total"`
	PaymentMethodID *uuid.UUID            `json:"payment_method_id,omitempty"`
	Status          market.PurchaseStatus `json:"status"`
	CreatedAt       time.Time             `json:"created_at"`
	PaidAt          *time.Time            `json:"paid_at,omitempty"`
}

type purchaseRequest struct {
	JerseyID        uuid.UUID `json:"jersey_id" validate:"required"`
	Quantity        int       `json:"quantity" validate:"omitempty,gte=1,lte=100"`
	PaymentMethodID uuid.UUID `json:"payment_method_id" validate:"required"`
	DiscountCode    string    `json:"discount_code" validate:"max=64"`
}

type payRequest struct {
	PaymentMethodID uuid.UUID `json:"payment_method_id" validate:"required"`
}

const purchaseColumns = `purchase_id, buyer_id, jersey_id, auction_id, quantity, unit_price, subtotal, discount_code,
discount_amount, total, payment_method_id, status, created_at, paid_at`

func scanPurchase(row interface{ Scan(...interface{}) error }) (Purchase, error) {
	var p Purchase
	err := row.Scan(&p.PurchaseID, &p.BuyerID, &p.JerseyID, &p.AuctionID, &p.Quantity, &p.UnitPrice, &p.Subtotal,
		&p.DiscountCode, &p.DiscountAmount, &p.Total, &p.PaymentMethodID, &p.Status, &p.CreatedAt, &p.PaidAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("purchase %w", errNotFound)
	}
	return p, err
}

// PlaceOrder buys quantity pieces of a jersey at its fixed price. Stock, discount uses and
// the outbox record change in one transaction with the jersey row locked.
func (b *Backend) PlaceOrder(ctx context.Context, buyerID uuid.UUID, req purchaseRequest) (Purchase, error) {
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	var purchase Purchase
	err := b.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		jersey, err := b.lockJersey(ctx, tx, req.JerseyID)
		if err != nil {
			return err
		}
		if err := jersey.CheckPurchase(buyerID, req.Quantity); err != nil {
			return err
		}
		if err := b.checkPaymentMethod(ctx, tx, req.PaymentMethodID); err != nil {
			return err
		}

		now := b.now().UTC()
		totals, err := market.OrderTotal(jersey.Price, req.Quantity, nil)
		if err != nil {
			return err
		}
		var discount *market.Discount
		if len(req.DiscountCode) > 0 {
			d, err := b.lockDiscount(ctx, tx, req.DiscountCode)
			if err != nil {
				return err
			}
			if err := d.Check(totals.Subtotal, now); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, b.db.WithSchema(`UPDATE {schema}.discount SET uses = uses + 1 WHERE code = $1;`), d.Code); err != nil {
				return err
			}
			discount = &d
		}
		if totals, err = market.OrderTotal(jersey.Price, req.Quantity, discount); err != nil {
			return err
		}

		if err := b.setJerseyState(ctx, tx, jersey.AfterSale(req.Quantity)); err != nil {
			return err
		}

		var discountCode *string
		if discount != nil {
			discountCode = &discount.Code
		}
		purchase, err = scanPurchase(tx.QueryRowContext(ctx, b.db.WithSchema(`INSERT INTO {schema}.purchase
(buyer_id, jersey_id, quantity, unit_price, subtotal, discount_code, discount_amount, total, payment_method_id, status, created_at, paid_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11) RETURNING `+purchaseColumns+`;`),
			buyerID, jersey.JerseyID, req.Quantity, jersey.Price, totals.Subtotal, discountCode, totals.Discount, totals.Total,
			req.PaymentMethodID, market.PurchasePaid, now))
		if err != nil {
			return err
		}
		return b.writeOutbox(ctx, tx, OutboxOrderPlaced, jersey.JerseyID, purchase)
	})
	if err == nil {
		b.metrics.ordersPlaced.Inc()
	}
	return purchase, err
}

// Purchase returns the purchase with the given ID
func (b *Backend) Purchase(ctx context.Context, purchaseID uuid.UUID) (Purchase, error) {
	return scanPurchase(b.db.QueryRowContext(ctx, b.db.WithSchema(`SELECT `+purchaseColumns+` FROM {schema}.purchase WHERE purchase_id = $1;`), purchaseID))
}

// listPurchases lists the purchases of buyer, or all purchases if buyer is nil
func (b *Backend) listPurchases(ctx context.Context, buyerID *uuid.UUID, page pageRequest) ([]Purchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM {schema}.purchase WHERE true`
	var args []interface{}
	if buyerID != nil {
		args = append(args, *buyerID)
		query += fmt.Sprintf(` AND buyer_id = $%d`, len(args))
	}
	if page.Cursor != nil {
		args = append(args, page.Cursor.Timestamp, page.Cursor.ID)
		query += fmt.Sprintf(` AND (created_at, purchase_id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, purchase_id DESC LIMIT %d;`, page.Limit)
	rows, err := b.db.QueryContext(ctx, b.db.WithSchema(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	purchases := []Purchase{}
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

// PayPurchase pays a pending purchase, i.e. a won auction
func (b *Backend) PayPurchase(ctx context.Context, buyerID uuid.UUID, purchaseID uuid.UUID, paymentMethodID uuid.UUID) (Purchase, error) {
	var purchase Purchase
	err := b.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		p, err := scanPurchase(tx.QueryRowContext(ctx, b.db.WithSchema(`SELECT `+purchaseColumns+` FROM {schema}.purchase WHERE purchase_id = $1 FOR UPDATE;`), purchaseID))
		if err != nil {
			return err
		}
		if p.BuyerID != buyerID {
			return fmt.Errorf("%w: only the buyer can pay this purchase", errForbidden)
		}
		if p.Status == market.PurchasePaid {
			return market.ErrAlreadyPaid
		}
		if err := b.checkPaymentMethod(ctx, tx, paymentMethodID); err != nil {
			return err
		}
		purchase, err = scanPurchase(tx.QueryRowContext(ctx, b.db.WithSchema(`UPDATE {schema}.purchase SET status = $2, payment_method_id = $3, paid_at = $4
WHERE purchase_id = $1 RETURNING `+purchaseColumns+`;`), purchaseID, market.PurchasePaid, paymentMethodID, b.now().UTC()))
		if err != nil {
			return err
		}
		return b.writeOutbox(ctx, tx, OutboxPurchasePaid, purchase.JerseyID, purchase)
	})
	return purchase, err
}

// insertAuctionPurchase records the pending purchase of a won auction
func (b *Backend) insertAuctionPurchase(ctx context.Context, tx *sql.Tx, a market.Auction, result market.Result) (Purchase, error) {
	return scanPurchase(tx.QueryRowContext(ctx, b.db.WithSchema(`INSERT INTO {schema}.purchase
(buyer_id, jersey_id, auction_id, quantity, unit_price, subtotal, discount_amount, total, status, created_at)
VALUES ($1, $2, $3, 1, $4, $4, 0, $4, $5, $6) RETURNING `+purchaseColumns+`;`),
		*result.WinnerID, a.JerseyID, a.AuctionID, result.Price, market.PurchasePendingPayment, b.now().UTC()))
}

func (b *Backend) handlePurchases(router *mux.Router) {
	logger.Default().Debugln("purchases")
	logger.Default().Debugln("  handle route: /purchases GET,POST")
	logger.Default().Debugln("  handle route: /purchases/{purchase_id} GET")
	logger.Default().Debugln("  handle route: /purchases/{purchase_id}/pay PUT")

	router.HandleFunc("/purchases", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		buyerID, _, err := callerID(r)
		if err != nil {
			writeError(w, r, 4161, err)
			return
		}
		var req purchaseRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, 4162, err)
			return
		}
		purchase, err := b.PlaceOrder(r.Context(), buyerID, req)
		if err != nil {
			writeError(w, r, 4163, err)
			return
		}
		writeJSON(w, http.StatusCreated, purchase)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/purchases", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		buyerID, auth, err := callerID(r)
		if err != nil {
			writeError(w, r, 4164, err)
			return
		}
		page, err := parsePageRequest(r.URL.Query().Get("limit"), r.URL.Query().Get("cursor"))
		if err != nil {
			writeError(w, r, 4165, err)
			return
		}
		buyer := &buyerID
		if r.URL.Query().Get("all") == "true" {
			if !auth.HasRole(access.RoleAdmin) {
				http.Error(w, "not authorized", http.StatusUnauthorized)
				return
			}
			buyer = nil
		}
		purchases, err := b.listPurchases(r.Context(), buyer, page)
		if err != nil {
			writeError(w, r, 4166, err)
			return
		}
		if len(purchases) == page.Limit {
			last := purchases[len(purchases)-1]
			w.Header().Set(NextCursorHeader, PaginationCursor{Timestamp: last.CreatedAt, ID: last.PurchaseID}.Encode())
		}
		writeJSON(w, http.StatusOK, purchases)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/purchases/{purchase_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		_, auth, err := callerID(r)
		if err != nil {
			writeError(w, r, 4167, err)
			return
		}
		purchaseID, err := pathID(r, "purchase_id")
		if err != nil {
			writeError(w, r, 4168, err)
			return
		}
		purchase, err := b.Purchase(r.Context(), purchaseID)
		if err != nil {
			writeError(w, r, 4169, err)
			return
		}
		if !auth.IsOwnerOrAdmin(purchase.BuyerID) {
			http.Error(w, "not authorized", http.StatusForbidden)
			return
		}
		writeJSON(w, http.StatusOK, purchase)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/purchases/{purchase_id}/pay", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		buyerID, _, err := callerID(r)
		if err != nil {
			writeError(w, r, 4170, err)
			return
		}
		purchaseID, err := pathID(r, "purchase_id")
		if err != nil {
			writeError(w, r, 4171, err)
			return
		}
		var req payRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, 4172, err)
			return
		}
		purchase, err := b.PayPurchase(r.Context(), buyerID, purchaseID, req.PaymentMethodID)
		if err != nil {
			writeError(w, r, 4173, err)
			return
		}
		writeJSON(w, http.StatusOK, purchase)
	}).Methods(http.MethodOptions, http.MethodPut)
}
