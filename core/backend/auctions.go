package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/juaninavos/jerseymarket/core/access"
	"github.com/juaninavos/jerseymarket/core/logger"
	"github.com/juaninavos/jerseymarket/core/market"
)

// auction job events
const (
	EventAuctionStart = "auction-start"
	EventAuctionClose = "auction-close"
)

type auctionRequest struct {
	JerseyID      uuid.UUID  `json:"jersey_id" validate:"required"`
	StartingPrice int64      `json:"starting_price" validate:"gt=0,lte=100000000000"`
	MinIncrement  int64      `json:"min_increment" validate:"gte=0,lte=100000000000"`
	StartsAt      *time.Time `json:"starts_at"`
	EndsAt        *time.Time `json:"ends_at"`
}

type bidRequest struct {
	Amount int64 `json:"amount" validate:"gt=0,lte=100000000000"`
}

// auctionView is an auction as seen at a specific point in time
type auctionView struct {
	market.Auction
	MinimumNextBid   int64 `json:"minimum_next_bid"`
	RemainingSeconds int64 `json:"remaining_seconds"`
}

func newAuctionView(a market.Auction, now time.Time) auctionView {
	a.State = market.EffectiveState(a, now)
	view := auctionView{Auction: a, MinimumNextBid: market.MinimumNextBid(a)}
	if a.State == market.AuctionActive || a.State == market.AuctionScheduled {
		view.RemainingSeconds = int64(a.EndsAt.Sub(now) / time.Second)
	}
	return view
}

// bidPlaced is the payload of the bid-placed outbox record
type bidPlaced struct {
	Bid          market.Bid `json:"bid"`
	CurrentPrice int64      `json:"current_price"`
	EndsAt       time.Time  `json:"ends_at"`
	BidCount     int        `json:"bid_count"`
}

// auctionClosed is the payload of the auction-closed outbox record
type auctionClosed struct {
	AuctionID  uuid.UUID     `json:"auction_id"`
	JerseyID   uuid.UUID     `json:"jersey_id"`
	Result     market.Result `json:"result"`
	PurchaseID *uuid.UUID    `json:"purchase_id,omitempty"`
}

const auctionColumns = `auction_id, jersey_id, seller_id, starting_price, current_price, min_increment, starts_at, ends_at,
state, winning_bid_id, winner_id, bid_count, version, created_at`

func scanAuction(row interface{ Scan(...interface{}) error }) (market.Auction, error) {
	var a market.Auction
	err := row.Scan(&a.AuctionID, &a.JerseyID, &a.SellerID, &a.StartingPrice, &a.CurrentPrice, &a.MinIncrement,
		&a.StartsAt, &a.EndsAt, &a.State, &a.WinningBidID, &a.WinnerID, &a.BidCount, &a.Version, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("auction %w", errNotFound)
	}
	return a, err
}

const bidColumns = `bid_id, auction_id, bidder_id, amount, created_at`

func scanBid(row interface{ Scan(...interface{}) error }) (market.Bid, error) {
	var bid market.Bid
	err := row.Scan(&bid.BidID, &bid.AuctionID, &bid.BidderID, &bid.Amount, &bid.CreatedAt)
	return bid, err
}

func auctionEvent(eventType string, auctionID uuid.UUID) Event {
	return Event{Type: eventType, Resource: "auction", ResourceID: auctionID}
}

// auctionSchedule is the payload of a scheduled auction event
type auctionSchedule struct {
	Due time.Time `json:"due"`
}

func scheduledAuctionEvent(eventType string, auctionID uuid.UUID, due time.Time) Event {
	return auctionEvent(eventType, auctionID).WithPayload(auctionSchedule{Due: due.UTC()})
}

// eventDue returns when a scheduled auction event was due. Events raised by the sweeper
// carry no schedule.
func eventDue(event Event) (time.Time, bool) {
	var schedule auctionSchedule
	if len(event.Payload) == 0 || json.Unmarshal(event.Payload, &schedule) != nil || schedule.Due.IsZero() {
		return time.Time{}, false
	}
	return schedule.Due, true
}

// lateEventThreshold is how late an auction event may run before it is reported
const lateEventThreshold = time.Minute

// reportLateEvent warns about auction events which ran well after they were due,
// usually a sign of a stalled job pipeline. It returns the delay.
func (b *Backend) reportLateEvent(ctx context.Context, event Event) time.Duration {
	due, ok := eventDue(event)
	if !ok {
		return 0
	}
	late := b.now().UTC().Sub(due)
	if late > lateEventThreshold {
		logger.FromContext(ctx).Warnln(event.String(), "ran", late.Round(time.Second), "after it was due")
	}
	return late
}

// CreateAuction puts an available jersey of the seller up for auction and schedules
// its start and close
func (b *Backend) CreateAuction(ctx context.Context, sellerID uuid.UUID, req auctionRequest) (market.Auction, error) {
	settings := b.Settings()
	now := b.now().UTC()
	startsAt := now
	if req.StartsAt != nil {
		startsAt = req.StartsAt.UTC()
	}
	endsAt := startsAt.Add(settings.DefaultDuration())
	if req.EndsAt != nil {
		endsAt = req.EndsAt.UTC()
	}
	if err := market.ValidateAuctionWindow(startsAt, endsAt, now); err != nil {
		return market.Auction{}, err
	}
	minIncrement := req.MinIncrement
	if minIncrement == 0 {
		minIncrement = settings.MinIncrement
	}
	state := market.AuctionScheduled
	if !startsAt.After(now) {
		state = market.AuctionActive
	}

	var auction market.Auction
	err := b.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		jersey, err := b.lockJersey(ctx, tx, req.JerseyID)
		if err != nil {
			return err
		}
		if jersey.SellerID != sellerID {
			return fmt.Errorf("%w: only the seller can auction this jersey", errForbidden)
		}
		if jersey.Status != market.JerseyAvailable {
			return market.ErrJerseyNotAvailable
		}
		jersey.Status = market.JerseyInAuction
		if err := b.setJerseyState(ctx, tx, jersey); err != nil {
			return err
		}
		auction, err = scanAuction(tx.QueryRowContext(ctx, b.db.WithSchema(`INSERT INTO {schema}.auction
(jersey_id, seller_id, starting_price, current_price, min_increment, starts_at, ends_at, state, created_at)
VALUES ($1, $2, $3, $3, $4, $5, $6, $7, $8) RETURNING `+auctionColumns+`;`),
			jersey.JerseyID, sellerID, req.StartingPrice, minIncrement, startsAt, endsAt, state, now))
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: jersey already has an open auction", errConflict)
		}
		if err != nil {
			return err
		}
		if state == market.AuctionScheduled {
			if err := b.scheduleEventTx(ctx, tx, scheduledAuctionEvent(EventAuctionStart, auction.AuctionID, startsAt), startsAt); err != nil {
				return err
			}
		}
		return b.scheduleEventTx(ctx, tx, scheduledAuctionEvent(EventAuctionClose, auction.AuctionID, endsAt), endsAt)
	})
	if err == nil {
		b.TriggerJobs()
	}
	return auction, err
}

// Auction returns the auction with the given ID as stored
func (b *Backend) Auction(ctx context.Context, auctionID uuid.UUID) (market.Auction, error) {
	return scanAuction(b.db.QueryRowContext(ctx, b.db.WithSchema(`SELECT `+auctionColumns+` FROM {schema}.auction WHERE auction_id = $1;`), auctionID))
}

func (b *Backend) lockAuction(ctx context.Context, tx *sql.Tx, auctionID uuid.UUID) (market.Auction, error) {
	return scanAuction(tx.QueryRowContext(ctx, b.db.WithSchema(`SELECT `+auctionColumns+` FROM {schema}.auction WHERE auction_id = $1 FOR UPDATE;`), auctionID))
}

// auctionFilter are the query parameters of the auction list
type auctionFilter struct {
	State    market.AuctionState
	JerseyID *uuid.UUID
	Page     pageRequest
}

// listAuctions lists auctions by their effective state at time now
func (b *Backend) listAuctions(ctx context.Context, f auctionFilter, now time.Time) ([]market.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM {schema}.auction WHERE true`
	args := []interface{}{}
	arg := func(value interface{}) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}
	switch f.State {
	case market.AuctionScheduled:
		query += ` AND state IN ('scheduled','active') AND starts_at > ` + arg(now)
	case market.AuctionActive:
		n := arg(now)
		query += ` AND state IN ('scheduled','active') AND starts_at <= ` + n + ` AND ends_at > ` + n
	case market.AuctionClosed:
		query += ` AND (state = 'closed' OR (state IN ('scheduled','active') AND ends_at <= ` + arg(now) + `))`
	case market.AuctionCancelled:
		query += ` AND state = 'cancelled'`
	}
	if f.JerseyID != nil {
		query += ` AND jersey_id = ` + arg(*f.JerseyID)
	}
	if f.Page.Cursor != nil {
		query += ` AND (created_at, auction_id) < (` + arg(f.Page.Cursor.Timestamp) + `, ` + arg(f.Page.Cursor.ID) + `)`
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, auction_id DESC LIMIT %d;`, f.Page.Limit)

	rows, err := b.db.QueryContext(ctx, b.db.WithSchema(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	auctions := []market.Auction{}
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		auctions = append(auctions, a)
	}
	return auctions, rows.Err()
}

// listBids returns the bids of an auction, highest first
func (b *Backend) listBids(ctx context.Context, auctionID uuid.UUID) ([]market.Bid, error) {
	rows, err := b.db.QueryContext(ctx, b.db.WithSchema(`SELECT `+bidColumns+` FROM {schema}.bid
WHERE auction_id = $1 ORDER BY amount DESC, created_at;`), auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	bids := []market.Bid{}
	for rows.Next() {
		bid, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, bid)
	}
	return bids, rows.Err()
}

// PlaceBid places a bid. Concurrent bids on the same auction are serialized by the
// auction row lock, the version check catches writers which bypass the lock.
func (b *Backend) PlaceBid(ctx context.Context, bidderID uuid.UUID, auctionID uuid.UUID, amount int64) (market.Auction, market.Bid, error) {
	var (
		updated market.Auction
		bid     market.Bid
	)
	extension := b.Settings().Extension()
	now := b.now().UTC()
	err := b.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		a, err := b.lockAuction(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if err := market.CheckBid(a, bidderID, amount, now); err != nil {
			return err
		}
		bid, err = scanBid(tx.QueryRowContext(ctx, b.db.WithSchema(`INSERT INTO {schema}.bid (auction_id, bidder_id, amount, created_at)
VALUES ($1, $2, $3, $4) RETURNING `+bidColumns+`;`), auctionID, bidderID, amount, now))
		if err != nil {
			return err
		}
		updated = market.ApplyBid(a, bid, extension, now)
		res, err := tx.ExecContext(ctx, b.db.WithSchema(`UPDATE {schema}.auction SET current_price = $2, winning_bid_id = $3,
winner_id = $4, bid_count = $5, version = $6, state = $7, ends_at = $8 WHERE auction_id = $1 AND version = $9;`),
			auctionID, updated.CurrentPrice, updated.WinningBidID, updated.WinnerID, updated.BidCount, updated.Version,
			updated.State, updated.EndsAt, a.Version)
		if err != nil {
			return err
		}
		if count, err := res.RowsAffected(); err != nil || count == 0 {
			return market.ErrConcurrentBid
		}
		if err := b.writeOutbox(ctx, tx, OutboxBidPlaced, auctionID, bidPlaced{
			Bid:          bid,
			CurrentPrice: updated.CurrentPrice,
			EndsAt:       updated.EndsAt,
			BidCount:     updated.BidCount,
		}); err != nil {
			return err
		}
		if !updated.EndsAt.Equal(a.EndsAt) {
			return b.scheduleEventTx(ctx, tx, scheduledAuctionEvent(EventAuctionClose, auctionID, updated.EndsAt), updated.EndsAt)
		}
		return nil
	})
	if err != nil {
		b.metrics.bidRejected(statusForError(err))
		return updated, bid, err
	}
	b.metrics.bidAccepted()
	return updated, bid, nil
}

// CancelAuction cancels an auction without bids and releases the jersey
func (b *Backend) CancelAuction(ctx context.Context, auth *access.Authorization, auctionID uuid.UUID) (market.Auction, error) {
	var cancelled market.Auction
	err := b.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		a, err := b.lockAuction(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if !auth.IsOwnerOrAdmin(a.SellerID) {
			return fmt.Errorf("%w: only the seller can cancel this auction", errForbidden)
		}
		cancelled, err = market.Cancel(a, b.now().UTC())
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, b.db.WithSchema(`UPDATE {schema}.auction SET state = $2, version = $3 WHERE auction_id = $1;`),
			auctionID, cancelled.State, cancelled.Version); err != nil {
			return err
		}
		jersey, err := b.lockJersey(ctx, tx, a.JerseyID)
		if err != nil {
			return err
		}
		jersey.Status = market.JerseyAvailable
		if err := b.setJerseyState(ctx, tx, jersey); err != nil {
			return err
		}
		for _, eventType := range []string{EventAuctionStart, EventAuctionClose} {
			if _, err := b.cancelEvent(ctx, tx, auctionEvent(eventType, auctionID)); err != nil {
				return err
			}
		}
		return nil
	})
	return cancelled, err
}

// startAuction persists the active state once the auction window has opened
func (b *Backend) startAuction(ctx context.Context, event Event) error {
	b.reportLateEvent(ctx, event)
	var reschedule *time.Time
	err := b.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		a, err := b.lockAuction(ctx, tx, event.ResourceID)
		if errors.Is(err, errNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if a.State != market.AuctionScheduled {
			return nil
		}
		if now := b.now().UTC(); now.Before(a.StartsAt) {
			reschedule = &a.StartsAt
			return nil
		}
		_, err = tx.ExecContext(ctx, b.db.WithSchema(`UPDATE {schema}.auction SET state = $2 WHERE auction_id = $1;`),
			a.AuctionID, market.AuctionActive)
		return err
	})
	if err == nil && reschedule != nil {
		return b.ScheduleEvent(ctx, scheduledAuctionEvent(EventAuctionStart, event.ResourceID, *reschedule), *reschedule)
	}
	return err
}

// CloseAuction closes an auction which has passed its end. It is idempotent: closed and
// cancelled auctions are left alone, auctions extended into the future are rescheduled.
func (b *Backend) CloseAuction(ctx context.Context, auctionID uuid.UUID) (*market.Result, error) {
	var (
		result     *market.Result
		reschedule *time.Time
	)
	rlog := logger.FromContext(ctx)
	err := b.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		a, err := b.lockAuction(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if a.State == market.AuctionClosed || a.State == market.AuctionCancelled {
			return nil
		}
		now := b.now().UTC()
		closed, res, err := market.DetermineWinner(a, now)
		if errors.Is(err, market.ErrAuctionNotFinished) {
			reschedule = &a.EndsAt
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, b.db.WithSchema(`UPDATE {schema}.auction SET state = $2 WHERE auction_id = $1;`),
			auctionID, closed.State); err != nil {
			return err
		}

		jersey, err := b.lockJersey(ctx, tx, a.JerseyID)
		if err != nil {
			return err
		}
		payload := auctionClosed{AuctionID: auctionID, JerseyID: a.JerseyID, Result: res}
		if res.Sold {
			jersey.Stock = 0
			jersey.Status = market.JerseySold
			purchase, err := b.insertAuctionPurchase(ctx, tx, closed, res)
			if err != nil {
				return err
			}
			payload.PurchaseID = &purchase.PurchaseID
		} else {
			jersey.Status = market.JerseyAvailable
		}
		if err := b.setJerseyState(ctx, tx, jersey); err != nil {
			return err
		}
		result = &res
		return b.writeOutbox(ctx, tx, OutboxAuctionClosed, auctionID, payload)
	})
	if err != nil {
		return nil, err
	}
	if reschedule != nil {
		rlog.Infoln("auction", auctionID, "was extended until", reschedule.Format(time.RFC3339))
		return nil, b.ScheduleEvent(ctx, scheduledAuctionEvent(EventAuctionClose, auctionID, *reschedule), *reschedule)
	}
	if result != nil {
		b.metrics.auctionClosed(result.Sold)
		rlog.Infoln("closed auction", auctionID, "sold:", result.Sold)
	}
	return result, nil
}

// SweepAuctions raises auction-close for every open auction past its end. It returns
// the number of auctions found.
func (b *Backend) SweepAuctions(ctx context.Context) (int, error) {
	rows, err := b.db.QueryContext(ctx, b.db.WithSchema(`SELECT auction_id FROM {schema}.auction
WHERE state IN ('scheduled','active') AND ends_at <= $1;`), b.now().UTC())
	if err != nil {
		return 0, err
	}
	var overdue []uuid.UUID
	for rows.Next() {
		var auctionID uuid.UUID
		if err := rows.Scan(&auctionID); err != nil {
			rows.Close()
			return 0, err
		}
		overdue = append(overdue, auctionID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, auctionID := range overdue {
		if err := b.RaiseEventIfNotExist(ctx, auctionEvent(EventAuctionClose, auctionID)); err != nil {
			return 0, err
		}
	}
	return len(overdue), nil
}

// StartScheduler starts the periodic maintenance: the auction sweeper and the settings
// refresh every minute, rate limiter cleanup every ten minutes. Close() stops it.
func (b *Backend) StartScheduler() {
	rlog := logger.Default()
	b.scheduler = cron.New()
	b.scheduler.AddFunc("@every 1m", func() {
		ctx := context.Background()
		count, err := b.SweepAuctions(ctx)
		if err != nil {
			rlog.WithError(err).Errorln("Error 4321: cannot sweep auctions")
		} else if count > 0 {
			rlog.Infoln("sweeper found", count, "overdue auctions")
		}
		if err := b.loadSettings(ctx); err != nil {
			rlog.WithError(err).Errorln("Error 4322: cannot refresh settings")
		}
	})
	b.scheduler.AddFunc("@every 10m", func() {
		removed := b.loginLimiter.Cleanup(time.Hour) + b.bidLimiter.Cleanup(time.Hour)
		rlog.Debugln("rate limiter cleanup removed", removed, "callers")
	})
	b.scheduler.Start()
}

func parseAuctionFilter(r *http.Request) (auctionFilter, error) {
	var f auctionFilter
	var err error
	if state := r.URL.Query().Get("state"); len(state) > 0 {
		f.State = market.AuctionState(state)
		if !f.State.Valid() {
			return f, fmt.Errorf("%w: unknown state '%s'", errBadRequest, state)
		}
	}
	if f.JerseyID, err = queryUUID(r, "jersey_id"); err != nil {
		return f, err
	}
	f.Page, err = parsePageRequest(r.URL.Query().Get("limit"), r.URL.Query().Get("cursor"))
	return f, err
}

func (b *Backend) handleAuctions(router *mux.Router) {
	logger.Default().Debugln("auctions")
	logger.Default().Debugln("  handle route: /auctions GET,POST")
	logger.Default().Debugln("  handle route: /auctions/{auction_id} GET,DELETE")
	logger.Default().Debugln("  handle route: /auctions/{auction_id}/bids GET,POST")

	b.HandleEvent(EventAuctionStart, b.startAuction)
	b.HandleEvent(EventAuctionClose, func(ctx context.Context, event Event) error {
		b.reportLateEvent(ctx, event)
		_, err := b.CloseAuction(ctx, event.ResourceID)
		if errors.Is(err, errNotFound) {
			return nil
		}
		return err
	})

	router.HandleFunc("/auctions", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		sellerID, _, err := callerID(r)
		if err != nil {
			writeError(w, r, 4301, err)
			return
		}
		var req auctionRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, 4302, err)
			return
		}
		auction, err := b.CreateAuction(r.Context(), sellerID, req)
		if err != nil {
			writeError(w, r, 4303, err)
			return
		}
		writeJSON(w, http.StatusCreated, newAuctionView(auction, b.now().UTC()))
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/auctions", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		f, err := parseAuctionFilter(r)
		if err != nil {
			writeError(w, r, 4304, err)
			return
		}
		now := b.now().UTC()
		auctions, err := b.listAuctions(r.Context(), f, now)
		if err != nil {
			writeError(w, r, 4305, err)
			return
		}
		views := make([]auctionView, 0, len(auctions))
		for _, a := range auctions {
			views = append(views, newAuctionView(a, now))
		}
		if len(auctions) == f.Page.Limit {
			last := auctions[len(auctions)-1]
			w.Header().Set(NextCursorHeader, PaginationCursor{Timestamp: last.CreatedAt, ID: last.AuctionID}.Encode())
		}
		writeJSON(w, http.StatusOK, views)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/auctions/{auction_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		auctionID, err := pathID(r, "auction_id")
		if err != nil {
			writeError(w, r, 4306, err)
			return
		}
		auction, err := b.Auction(r.Context(), auctionID)
		if err != nil {
			writeError(w, r, 4307, err)
			return
		}
		writeJSON(w, http.StatusOK, newAuctionView(auction, b.now().UTC()))
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/auctions/{auction_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		_, auth, err := callerID(r)
		if err != nil {
			writeError(w, r, 4308, err)
			return
		}
		auctionID, err := pathID(r, "auction_id")
		if err != nil {
			writeError(w, r, 4309, err)
			return
		}
		auction, err := b.CancelAuction(r.Context(), auth, auctionID)
		if err != nil {
			writeError(w, r, 4310, err)
			return
		}
		writeJSON(w, http.StatusOK, newAuctionView(auction, b.now().UTC()))
	}).Methods(http.MethodOptions, http.MethodDelete)

	router.HandleFunc("/auctions/{auction_id}/bids", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		auctionID, err := pathID(r, "auction_id")
		if err != nil {
			writeError(w, r, 4311, err)
			return
		}
		if _, err := b.Auction(r.Context(), auctionID); err != nil {
			writeError(w, r, 4312, err)
			return
		}
		bids, err := b.listBids(r.Context(), auctionID)
		if err != nil {
			writeError(w, r, 4313, err)
			return
		}
		writeJSON(w, http.StatusOK, bids)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/auctions/{auction_id}/bids", b.bidLimiter.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		bidderID, _, err := callerID(r)
		if err != nil {
			writeError(w, r, 4314, err)
			return
		}
		auctionID, err := pathID(r, "auction_id")
		if err != nil {
			writeError(w, r, 4315, err)
			return
		}
		var req bidRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, 4316, err)
			return
		}
		auction, bid, err := b.PlaceBid(r.Context(), bidderID, auctionID, req.Amount)
		if err != nil {
			writeError(w, r, 4317, err)
			return
		}
		writeJSON(w, http.StatusCreated, struct {
			Bid     market.Bid  `json:"bid"`
			Auction auctionView `json:"auction"`
		}{bid, newAuctionView(auction, b.now().UTC())})
	})).Methods(http.MethodOptions, http.MethodPost)
}
