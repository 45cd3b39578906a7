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

	"github.com/juaninavos/jerseymarket/core"
	"github.com/juaninavos/jerseymarket/core/access"
	"github.com/juaninavos/jerseymarket/core/logger"
)

// Category groups jerseys, e.g. by league or era
type Category struct {
	CategoryID  uuid.UUID `json:"category_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type categoryRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=2000"`
}

// categoryPermits make categories readable for everyone. Only admins, who are
// always authorized, can change them.
var categoryPermits = []access.Permit{
	{Role: access.RolePublic, Operations: []core.Operation{core.OperationRead, core.OperationList}},
}

const categoryColumns = `category_id, name, description, created_at`

func scanCategory(row interface{ Scan(...interface{}) error }) (Category, error) {
	var c Category
	err := row.Scan(&c.CategoryID, &c.Name, &c.Description, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("category %w", errNotFound)
	}
	return c, err
}

func (b *Backend) listCategories(ctx context.Context) ([]Category, error) {
	rows, err := b.db.QueryContext(ctx, b.db.WithSchema(`SELECT `+categoryColumns+` FROM {schema}.category ORDER BY name;`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	categories := []Category{}
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

func (b *Backend) readCategory(ctx context.Context, categoryID uuid.UUID) (Category, error) {
	return scanCategory(b.db.QueryRowContext(ctx, b.db.WithSchema(`SELECT `+categoryColumns+` FROM {schema}.category WHERE category_id = $1;`), categoryID))
}

func (b *Backend) createCategory(ctx context.Context, req categoryRequest) (Category, error) {
	c, err := scanCategory(b.db.QueryRowContext(ctx, b.db.WithSchema(`INSERT INTO {schema}.category (name, description, created_at)
VALUES ($1, $2, $3) RETURNING `+categoryColumns+`;`), strings.TrimSpace(req.Name), req.Description, b.now().UTC()))
	if isUniqueViolation(err) {
		return c, fmt.Errorf("%w: category name already exists", errConflict)
	}
	return c, err
}

func (b *Backend) updateCategory(ctx context.Context, categoryID uuid.UUID, req categoryRequest) (Category, error) {
	c, err := scanCategory(b.db.QueryRowContext(ctx, b.db.WithSchema(`UPDATE {schema}.category SET name = $2, description = $3
WHERE category_id = $1 RETURNING `+categoryColumns+`;`), categoryID, strings.TrimSpace(req.Name), req.Description))
	if isUniqueViolation(err) {
		return c, fmt.Errorf("%w: category name already exists", errConflict)
	}
	return c, err
}

// deleteCategory deletes a category which no jersey refers to
func (b *Backend) deleteCategory(ctx context.Context, categoryID uuid.UUID) error {
	res, err := b.db.ExecContext(ctx, b.db.WithSchema(`DELETE FROM {schema}.category WHERE category_id = $1;`), categoryID)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: category still has jerseys", errConflict)
	}
	if err != nil {
		return err
	}
	if count, err := res.RowsAffected(); err == nil && count == 0 {
		return fmt.Errorf("category %w", errNotFound)
	}
	return nil
}

func (b *Backend) handleCategories(router *mux.Router) {
	resource := "category"
	collectionRoute := "/" + core.Plural(resource)
	singleRoute := collectionRoute + "/{category_id}"
	logger.Default().Debugln("categories")
	logger.Default().Debugln("  handle route:", collectionRoute, "GET,POST")
	logger.Default().Debugln("  handle route:", singleRoute, "GET,PUT,DELETE")

	authorized := func(w http.ResponseWriter, r *http.Request, operation core.Operation) bool {
		if !access.AuthorizationFromContext(r.Context()).IsAuthorized(operation, categoryPermits) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return false
		}
		return true
	}

	router.HandleFunc(collectionRoute, func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !authorized(w, r, core.OperationList) {
			return
		}
		categories, err := b.listCategories(r.Context())
		if err != nil {
			writeError(w, r, 4121, err)
			return
		}
		writeJSON(w, http.StatusOK, categories)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc(singleRoute, func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !authorized(w, r, core.OperationRead) {
			return
		}
		categoryID, err := pathID(r, "category_id")
		if err != nil {
			writeError(w, r, 4122, err)
			return
		}
		category, err := b.readCategory(r.Context(), categoryID)
		if err != nil {
			writeError(w, r, 4123, err)
			return
		}
		writeJSON(w, http.StatusOK, category)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc(collectionRoute, func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !authorized(w, r, core.OperationCreate) {
			return
		}
		var req categoryRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, 4124, err)
			return
		}
		category, err := b.createCategory(r.Context(), req)
		if err != nil {
			writeError(w, r, 4125, err)
			return
		}
		writeJSON(w, http.StatusCreated, category)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc(singleRoute, func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !authorized(w, r, core.OperationUpdate) {
			return
		}
		categoryID, err := pathID(r, "category_id")
		if err != nil {
			writeError(w, r, 4126, err)
			return
		}
		var req categoryRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, 4127, err)
			return
		}
		category, err := b.updateCategory(r.Context(), categoryID, req)
		if err != nil {
			writeError(w, r, 4128, err)
			return
		}
		writeJSON(w, http.StatusOK, category)
	}).Methods(http.MethodOptions, http.MethodPut)

	router.HandleFunc(singleRoute, func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !authorized(w, r, core.OperationDelete) {
			return
		}
		categoryID, err := pathID(r, "category_id")
		if err != nil {
			writeError(w, r, 4129, err)
			return
		}
		if err := b.deleteCategory(r.Context(), categoryID); err != nil {
			writeError(w, r, 4130, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions, http.MethodDelete)
}
