package backend

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/juaninavos/jerseymarket/core"
	"github.com/juaninavos/jerseymarket/core/access"
	"github.com/juaninavos/jerseymarket/core/logger"
	"github.com/juaninavos/jerseymarket/core/market"
	"github.com/juaninavos/jerseymarket/core/schema"
)

// DetailsSchemaID is the JSON schema of the free-form jersey details
const DetailsSchemaID = "https://jerseys.market/schemas/jersey-details.json"

//go:embed schemas
var schemasFS embed.FS

func newDetailsValidator() (*schema.Validator, error) {
	sub, err := fs.Sub(schemasFS, "schemas")
	if err != nil {
		return nil, err
	}
	return schema.NewValidatorFromFS(sub)
}

type jerseyRequest struct {
	Title       string          `json:"title" validate:"required,max=200"`
	Description string          `json:"description" validate:"max=5000"`
	CategoryID  *uuid.UUID      `json:"category_id"`
	Team        string          `json:"team" validate:"max=100"`
	Price       int64           `json:"price" validate:"gt=0,lte=100000000000"`
	Stock       int             `json:"stock" validate:"gte=1,lte=10000"`
	Details     json.RawMessage `json:"details"`
	// Status can relist a withdrawn jersey or withdraw it. Only on update.
	Status market.JerseyStatus `json:"status" validate:"omitempty,oneof=available withdrawn"`
}

// jerseyFilter are the query parameters of the jersey list
type jerseyFilter struct {
	CategoryID *uuid.UUID
	SellerID   *uuid.UUID
	Status     market.JerseyStatus
	Team       string
	Search     string
	MinPrice   *int64
	MaxPrice   *int64
	Page       pageRequest
}

const jerseyColumns = `jersey_id, seller_id, category_id, title, description, team, price, stock, status, details, created_at, updated_at`

func scanJersey(row interface{ Scan(...interface{}) error }) (market.Jersey, error) {
	var j market.Jersey
	err := row.Scan(&j.JerseyID, &j.SellerID, &j.CategoryID, &j.Title, &j.Description, &j.Team,
		&j.Price, &j.Stock, &j.Status, &j.Details, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return j, fmt.Errorf("jersey %w", errNotFound)
	}
	return j, err
}

// validateDetails returns the normalized details document
func (b *Backend) validateDetails(details json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(details)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if err := b.validator.ValidateBytes(trimmed, DetailsSchemaID); err != nil {
		return nil, fmt.Errorf("%w: details: %s", errBadRequest, err.Error())
	}
	return json.RawMessage(trimmed), nil
}

// teamOf returns the explicit team, or the team from the details
func teamOf(req jerseyRequest, details json.RawMessage) string {
	if team := strings.TrimSpace(req.Team); len(team) > 0 {
		return team
	}
	var d struct {
		Team string `json:"team"`
	}
	json.Unmarshal(details, &d)
	return strings.TrimSpace(d.Team)
}

func (b *Backend) createJersey(ctx context.Context, sellerID uuid.UUID, req jerseyRequest) (market.Jersey, error) {
	details, err := b.validateDetails(req.Details)
	if err != nil {
		return market.Jersey{}, err
	}
	now := b.now().UTC()
	j, err := scanJersey(b.db.QueryRowContext(ctx, b.db.WithSchema(`INSERT INTO {schema}.jersey
(seller_id, category_id, title, description, team, price, stock, status, details, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10) RETURNING `+jerseyColumns+`;`),
		sellerID, req.CategoryID, strings.TrimSpace(req.Title), req.Description, teamOf(req, details),
		req.Price, req.Stock, market.JerseyAvailable, []byte(details), now))
	if isForeignKeyViolation(err) {
		return j, fmt.Errorf("%w: unknown category", errBadRequest)
	}
	return j, err
}

// Jersey returns the jersey with the given ID
func (b *Backend) Jersey(ctx context.Context, jerseyID uuid.UUID) (market.Jersey, error) {
	return scanJersey(b.db.QueryRowContext(ctx, b.db.WithSchema(`SELECT `+jerseyColumns+` FROM {schema}.jersey WHERE jersey_id = $1;`), jerseyID))
}

// lockJersey reads the jersey for update within tx
func (b *Backend) lockJersey(ctx context.Context, tx *sql.Tx, jerseyID uuid.UUID) (market.Jersey, error) {
	return scanJersey(tx.QueryRowContext(ctx, b.db.WithSchema(`SELECT `+jerseyColumns+` FROM {schema}.jersey WHERE jersey_id = $1 FOR UPDATE;`), jerseyID))
}

// setJerseyState persists stock and status of a locked jersey
func (b *Backend) setJerseyState(ctx context.Context, tx *sql.Tx, j market.Jersey) error {
	_, err := tx.ExecContext(ctx, b.db.WithSchema(`UPDATE {schema}.jersey SET stock = $2, status = $3, updated_at = $4 WHERE jersey_id = $1;`),
		j.JerseyID, j.Stock, j.Status, b.now().UTC())
	return err
}

func (b *Backend) updateJersey(ctx context.Context, auth *access.Authorization, jerseyID uuid.UUID, req jerseyRequest) (market.Jersey, error) {
	details, err := b.validateDetails(req.Details)
	if err != nil {
		return market.Jersey{}, err
	}
	var updated market.Jersey
	err = b.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		j, err := b.lockJersey(ctx, tx, jerseyID)
		if err != nil {
			return err
		}
		if !auth.IsOwnerOrAdmin(j.SellerID) {
			return fmt.Errorf("%w: only the seller can change this jersey", errForbidden)
		}
		if err := j.Editable(); err != nil {
			return err
		}
		status := j.Status
		if len(req.Status) > 0 {
			status = req.Status
		}
		updated, err = scanJersey(tx.QueryRowContext(ctx, b.db.WithSchema(`UPDATE {schema}.jersey SET
category_id = $2, title = $3, description = $4, team = $5, price = $6, stock = $7, status = $8, details = $9, updated_at = $10
WHERE jersey_id = $1 RETURNING `+jerseyColumns+`;`),
			jerseyID, req.CategoryID, strings.TrimSpace(req.Title), req.Description, teamOf(req, details),
			req.Price, req.Stock, status, []byte(details), b.now().UTC()))
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: unknown category", errBadRequest)
		}
		return err
	})
	return updated, err
}

// withdrawJersey soft deletes a jersey
func (b *Backend) withdrawJersey(ctx context.Context, auth *access.Authorization, jerseyID uuid.UUID) error {
	return b.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		j, err := b.lockJersey(ctx, tx, jerseyID)
		if err != nil {
			return err
		}
		if !auth.IsOwnerOrAdmin(j.SellerID) {
			return fmt.Errorf("%w: only the seller can withdraw this jersey", errForbidden)
		}
		if err := j.Editable(); err != nil {
			return err
		}
		j.Status = market.JerseyWithdrawn
		return b.setJerseyState(ctx, tx, j)
	})
}

func parseJerseyFilter(r *http.Request) (jerseyFilter, error) {
	var (
		f   jerseyFilter
		err error
	)
	q := r.URL.Query()
	if f.Page, err = parsePageRequest(q.Get("limit"), q.Get("cursor")); err != nil {
		return f, err
	}
	if f.CategoryID, err = queryUUID(r, "category_id"); err != nil {
		return f, err
	}
	if f.SellerID, err = queryUUID(r, "seller_id"); err != nil {
		return f, err
	}
	if f.MinPrice, err = queryInt64(r, "min_price"); err != nil {
		return f, err
	}
	if f.MaxPrice, err = queryInt64(r, "max_price"); err != nil {
		return f, err
	}
	if status := q.Get("status"); len(status) > 0 {
		f.Status = market.JerseyStatus(status)
		if !f.Status.Valid() {
			return f, fmt.Errorf("%w: unknown status '%s'", errBadRequest, status)
		}
	}
	f.Team = strings.TrimSpace(q.Get("team"))
	f.Search = strings.TrimSpace(q.Get("search"))
	return f, nil
}

// likePattern escapes s for a substring ILIKE match
func likePattern(s string) string {
	s = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
	return "%" + s + "%"
}

// listJerseys returns jerseys newest first. Withdrawn jerseys are only listed when
// asked for explicitly.
func (b *Backend) listJerseys(ctx context.Context, f jerseyFilter) ([]market.Jersey, error) {
	var (
		conditions []string
		args       []interface{}
	)
	arg := func(value interface{}) string {
		args = append(args, value)
		return "$" + strconv.Itoa(len(args))
	}
	if len(f.Status) > 0 {
		conditions = append(conditions, "status = "+arg(f.Status))
	} else {
		conditions = append(conditions, "status <> "+arg(market.JerseyWithdrawn))
	}
	if f.CategoryID != nil {
		conditions = append(conditions, "category_id = "+arg(*f.CategoryID))
	}
	if f.SellerID != nil {
		conditions = append(conditions, "seller_id = "+arg(*f.SellerID))
	}
	if len(f.Team) > 0 {
		conditions = append(conditions, "lower(team) = lower("+arg(f.Team)+")")
	}
	if len(f.Search) > 0 {
		p := arg(likePattern(f.Search))
		conditions = append(conditions, "(title ILIKE "+p+" OR team ILIKE "+p+")")
	}
	if f.MinPrice != nil {
		conditions = append(conditions, "price >= "+arg(*f.MinPrice))
	}
	if f.MaxPrice != nil {
		conditions = append(conditions, "price <= "+arg(*f.MaxPrice))
	}
	if f.Page.Cursor != nil {
		conditions = append(conditions, "(created_at, jersey_id) < ("+arg(f.Page.Cursor.Timestamp)+", "+arg(f.Page.Cursor.ID)+")")
	}
	query := `SELECT ` + jerseyColumns + ` FROM {schema}.jersey WHERE ` + strings.Join(conditions, " AND ") +
		fmt.Sprintf(` ORDER BY created_at DESC, jersey_id DESC LIMIT %d;`, f.Page.Limit)

	rows, err := b.db.QueryContext(ctx, b.db.WithSchema(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jerseys := []market.Jersey{}
	for rows.Next() {
		j, err := scanJersey(rows)
		if err != nil {
			return nil, err
		}
		jerseys = append(jerseys, j)
	}
	return jerseys, rows.Err()
}

func (b *Backend) handleJerseys(router *mux.Router) {
	collectionRoute := "/" + core.Plural("jersey")
	singleRoute := collectionRoute + "/{jersey_id}"
	logger.Default().Debugln("jerseys")
	logger.Default().Debugln("  handle route:", collectionRoute, "GET,POST")
	logger.Default().Debugln("  handle route:", singleRoute, "GET,PUT,DELETE")

	router.HandleFunc(collectionRoute, func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		filter, err := parseJerseyFilter(r)
		if err != nil {
			writeError(w, r, 4141, err)
			return
		}
		jerseys, err := b.listJerseys(r.Context(), filter)
		if err != nil {
			writeError(w, r, 4142, err)
			return
		}
		if len(jerseys) == filter.Page.Limit {
			last := jerseys[len(jerseys)-1]
			w.Header().Set(NextCursorHeader, PaginationCursor{Timestamp: last.CreatedAt, ID: last.JerseyID}.Encode())
		}
		writeJSON(w, http.StatusOK, jerseys)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc(singleRoute, func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		jerseyID, err := pathID(r, "jersey_id")
		if err != nil {
			writeError(w, r, 4143, err)
			return
		}
		jersey, err := b.Jersey(r.Context(), jerseyID)
		if err != nil {
			writeError(w, r, 4144, err)
			return
		}
		writeJSON(w, http.StatusOK, jersey)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc(collectionRoute, func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		sellerID, _, err := callerID(r)
		if err != nil {
			writeError(w, r, 4145, err)
			return
		}
		var req jerseyRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, 4146, err)
			return
		}
		jersey, err := b.createJersey(r.Context(), sellerID, req)
		if err != nil {
			writeError(w, r, 4147, err)
			return
		}
		writeJSON(w, http.StatusCreated, jersey)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc(singleRoute, func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		_, auth, err := callerID(r)
		if err != nil {
			writeError(w, r, 4148, err)
			return
		}
		jerseyID, err := pathID(r, "jersey_id")
		if err != nil {
			writeError(w, r, 4149, err)
			return
		}
		var req jerseyRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, 4150, err)
			return
		}
		jersey, err := b.updateJersey(r.Context(), auth, jerseyID, req)
		if err != nil {
			writeError(w, r, 4151, err)
			return
		}
		writeJSON(w, http.StatusOK, jersey)
	}).Methods(http.MethodOptions, http.MethodPut)

	router.HandleFunc(singleRoute, func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		_, auth, err := callerID(r)
		if err != nil {
			writeError(w, r, 4152, err)
			return
		}
		jerseyID, err := pathID(r, "jersey_id")
		if err != nil {
			writeError(w, r, 4153, err)
			return
		}
		if err := b.withdrawJersey(r.Context(), auth, jerseyID); err != nil {
			writeError(w, r, 4154, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions, http.MethodDelete)
}
