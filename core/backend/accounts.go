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
	"github.com/lib/pq"

	"github.com/juaninavos/jerseymarket/core/access"
	"github.com/juaninavos/jerseymarket/core/logger"
)

// Account is a marketplace account. The password hash never leaves the backend.
type Account struct {
	AccountID uuid.UUID `json:"account_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Roles     []string  `json:"roles"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required"`
	Name     string `json:"name" validate:"max=100"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Account   Account   `json:"account"`
}

type rolesRequest struct {
	Roles []string `json:"roles" validate:"required,min=1,dive,oneof=admin user"`
}

type activeRequest struct {
	Active *bool `json:"active" validate:"required"`
}

var errInvalidCredentials = fmt.Errorf("%w: invalid email or password", errUnauthorized)

const accountColumns = `account_id, email, name, roles, active, created_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (Account, error) {
	var a Account
	err := row.Scan(&a.AccountID, &a.Email, &a.Name, pq.Array(&a.Roles), &a.Active, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("account %w", errNotFound)
	}
	return a, err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

// normalizeEmail returns the canonical form of an email address
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateAccount creates an account with the given roles
func (b *Backend) CreateAccount(ctx context.Context, email, password, name string, roles []string) (Account, error) {
	hash, err := access.HashPassword(password)
	if err != nil {
		return Account{}, err
	}
	if len(roles) == 0 {
		roles = []string{access.RoleUser}
	}
	row := b.db.QueryRowContext(ctx, b.db.WithSchema(`INSERT INTO {schema}.account (email, name, password_hash, roles, created_at)
VALUES ($1, $2, $3, $4, $5) RETURNING `+accountColumns+`;`),
		normalizeEmail(email), strings.TrimSpace(name), hash, pq.Array(roles), b.now().UTC())
	account, err := scanAccount(row)
	if isUniqueViolation(err) {
		return account, fmt.Errorf("%w: email is already registered", errConflict)
	}
	return account, err
}

// Account returns the account with the given ID
func (b *Backend) Account(ctx context.Context, accountID uuid.UUID) (Account, error) {
	return scanAccount(b.db.QueryRowContext(ctx, b.db.WithSchema(`SELECT `+accountColumns+` FROM {schema}.account WHERE account_id = $1;`), accountID))
}

// Login checks the credentials and issues an access token
func (b *Backend) Login(ctx context.Context, email, password string) (loginResponse, error) {
	var (
		response loginResponse
		hash     string
	)
	a := &response.Account
	err := b.db.QueryRowContext(ctx, b.db.WithSchema(`SELECT `+accountColumns+`, password_hash FROM {schema}.account WHERE email = $1;`),
		normalizeEmail(email)).Scan(&a.AccountID, &a.Email, &a.Name, pq.Array(&a.Roles), &a.Active, &a.CreatedAt, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		// compare anyway so that unknown emails take as long as wrong passwords
		access.CheckPassword("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z0TSMC4fLKrV1fGuPhmKZB2e", password)
		return response, errInvalidCredentials
	}
	if err != nil {
		return response, err
	}
	if err := access.CheckPassword(hash, password); err != nil {
		return response, errInvalidCredentials
	}
	if !a.Active {
		return response, fmt.Errorf("%w: account is blocked", errUnauthorized)
	}
	response.Token, response.ExpiresAt, err = b.tokens.Issue(a.AccountID, a.Email, a.Roles)
	return response, err
}

// lookupAuthorization resolves the authorization of a verified token. Blocked and deleted
// accounts have none.
func (b *Backend) lookupAuthorization(ctx context.Context, claims *access.Claims) (*access.Authorization, error) {
	account, err := b.Account(ctx, claims.AccountID)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !account.Active {
		return nil, nil
	}
	return access.NewAccountAuthorization(account.AccountID, account.Email, account.Roles), nil
}

// bootstrapAdmin creates the admin account if no account with this email exists
func (b *Backend) bootstrapAdmin(ctx context.Context, email, password string) error {
	_, err := b.CreateAccount(ctx, email, password, "admin", []string{access.RoleAdmin, access.RoleUser})
	if errors.Is(err, errConflict) {
		return nil
	}
	if err == nil {
		logger.FromContext(ctx).Infoln("created admin account", normalizeEmail(email))
	}
	return err
}

func (b *Backend) listAccounts(ctx context.Context, page pageRequest) ([]Account, error) {
	query := `SELECT ` + accountColumns + ` FROM {schema}.account`
	args := []interface{}{}
	if page.Cursor != nil {
		query += ` WHERE (created_at, account_id) < ($1, $2)`
		args = append(args, page.Cursor.Timestamp, page.Cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, account_id DESC LIMIT %d;`, page.Limit)
	rows, err := b.db.QueryContext(ctx, b.db.WithSchema(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	accounts := []Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (b *Backend) updateAccount(ctx context.Context, accountID uuid.UUID, column string, value interface{}) (Account, error) {
	account, err := scanAccount(b.db.QueryRowContext(ctx, b.db.WithSchema(`UPDATE {schema}.account SET `+column+` = $2
WHERE account_id = $1 RETURNING `+accountColumns+`;`), accountID, value))
	if err == nil {
		// roles and blocking must take effect for tokens already issued
		b.authCache.Flush()
	}
	return account, err
}

func (b *Backend) handleAccounts(router *mux.Router) {
	logger.Default().Debugln("accounts")
	logger.Default().Debugln("  handle route: /auth/register POST")
	logger.Default().Debugln("  handle route: /auth/login POST")
	logger.Default().Debugln("  handle route: /accounts/me GET")
	logger.Default().Debugln("  handle route: /admin/accounts GET")

	router.HandleFunc("/auth/register", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		var req registerRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, 4101, err)
			return
		}
		account, err := b.CreateAccount(r.Context(), req.Email, req.Password, req.Name, nil)
		if err != nil {
			writeError(w, r, 4102, err)
			return
		}
		writeJSON(w, http.StatusCreated, account)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/auth/login", b.loginLimiter.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		var req loginRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, 4103, err)
			return
		}
		response, err := b.Login(r.Context(), req.Email, req.Password)
		if err != nil {
			writeError(w, r, 4104, err)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     access.CookieName,
			Value:    response.Token,
			Path:     "/",
			Expires:  response.ExpiresAt,
			HttpOnly: true,
			SameSite: http.SameSiteStrictMode,
		})
		writeJSON(w, http.StatusOK, response)
	})).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/accounts/me", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		accountID, _, err := callerID(r)
		if err != nil {
			writeError(w, r, 4105, err)
			return
		}
		account, err := b.Account(r.Context(), accountID)
		if err != nil {
			writeError(w, r, 4106, err)
			return
		}
		writeJSON(w, http.StatusOK, account)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/admin/accounts", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !requireAdmin(w, r) {
			return
		}
		page, err := parsePageRequest(r.URL.Query().Get("limit"), r.URL.Query().Get("cursor"))
		if err != nil {
			writeError(w, r, 4107, err)
			return
		}
		accounts, err := b.listAccounts(r.Context(), page)
		if err != nil {
			writeError(w, r, 4108, err)
			return
		}
		if len(accounts) == page.Limit {
			last := accounts[len(accounts)-1]
			w.Header().Set(NextCursorHeader, PaginationCursor{Timestamp: last.CreatedAt, ID: last.AccountID}.Encode())
		}
		writeJSON(w, http.StatusOK, accounts)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/admin/accounts/{account_id}/roles", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !requireAdmin(w, r) {
			return
		}
		accountID, err := pathID(r, "account_id")
		if err != nil {
			writeError(w, r, 4109, err)
			return
		}
		var req rolesRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, 4110, err)
			return
		}
		account, err := b.updateAccount(r.Context(), accountID, "roles", pq.Array(req.Roles))
		if err != nil {
			writeError(w, r, 4111, err)
			return
		}
		writeJSON(w, http.StatusOK, account)
	}).Methods(http.MethodOptions, http.MethodPut)

	router.HandleFunc("/admin/accounts/{account_id}/active", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !requireAdmin(w, r) {
			return
		}
		accountID, err := pathID(r, "account_id")
		if err != nil {
			writeError(w, r, 4112, err)
			return
		}
		var req activeRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, 4113, err)
			return
		}
		account, err := b.updateAccount(r.Context(), accountID, "active", *req.Active)
		if err != nil {
			writeError(w, r, 4114, err)
			return
		}
		writeJSON(w, http.StatusOK, account)
	}).Methods(http.MethodOptions, http.MethodPut)
}
