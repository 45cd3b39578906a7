package backend

import (
	"context"
	"net/http"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juaninavos/jerseymarket/core/access"
)

var accountRowColumns = []string{"account_id", "email", "name", "roles", "active", "created_at"}

func TestRegister(t *testing.T) {
	_, mock, c := newTestBackend(t)
	accountID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO market.account`)).
		WithArgs("fan@example.com", "Fan", sqlmock.AnyArg(), sqlmock.AnyArg(), testNow).
		WillReturnRows(sqlmock.NewRows(accountRowColumns).
			AddRow(accountID.String(), "fan@example.com", "Fan", "{user}", true, testNow))

	var account Account
	status, err := c.RawPost("/auth/register", registerRequest{Email: " Fan@Example.com ", Password: "correct horse", Name: "Fan"}, &account)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, accountID, account.AccountID)
	assert.Equal(t, []string{access.RoleUser}, account.Roles)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterDuplicate(t *testing.T) {
	_, mock, c := newTestBackend(t)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO market.account`)).
		WillReturnError(&pq.Error{Code: "23505"})

	status, err := c.RawPost("/auth/register", registerRequest{Email: "fan@example.com", Password: "correct horse"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusConflict, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterValidation(t *testing.T) {
	_, mock, c := newTestBackend(t)

	status, err := c.RawPost("/auth/register", registerRequest{Email: "not-an-email", Password: "correct horse"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, err.Error(), "'email' failed on 'email'")

	status, err = c.RawPost("/auth/register", registerRequest{Email: "fan@example.com", Password: "short"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func loginRows(accountID uuid.UUID, hash string, active bool) *sqlmock.Rows {
	return sqlmock.NewRows(append(accountRowColumns, "password_hash")).
		AddRow(accountID.String(), "fan@example.com", "Fan", "{user,admin}", active, testNow, hash)
}

func TestLogin(t *testing.T) {
	b, mock, c := newTestBackend(t)
	accountID := uuid.New()
	hash, err := access.HashPassword("correct horse")
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM market.account WHERE email = $1;`)).
		WithArgs("fan@example.com").
		WillReturnRows(loginRows(accountID, hash, true))

	var response loginResponse
	_, err = c.RawPost("/auth/login", loginRequest{Email: "FAN@example.com", Password: "correct horse"}, &response)
	require.NoError(t, err)
	assert.NotEmpty(t, response.Token)
	assert.Equal(t, accountID, response.Account.AccountID)

	claims, err := b.Tokens().Parse(response.Token)
	require.NoError(t, err)
	assert.Equal(t, accountID, claims.AccountID)
	assert.ElementsMatch(t, []string{access.RoleUser, access.RoleAdmin}, claims.Roles)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoginFailures(t *testing.T) {
	_, mock, c := newTestBackend(t)
	accountID := uuid.New()
	hash, err := access.HashPassword("correct horse")
	require.NoError(t, err)
	loginQuery := regexp.QuoteMeta(`FROM market.account WHERE email = $1;`)

	// wrong password
	mock.ExpectQuery(loginQuery).WillReturnRows(loginRows(accountID, hash, true))
	status, err := c.RawPost("/auth/login", loginRequest{Email: "fan@example.com", Password: "battery staple"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)

	// unknown email
	mock.ExpectQuery(loginQuery).WillReturnRows(sqlmock.NewRows(append(accountRowColumns, "password_hash")))
	status, err = c.RawPost("/auth/login", loginRequest{Email: "nobody@example.com", Password: "correct horse"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)

	// blocked account
	mock.ExpectQuery(loginQuery).WillReturnRows(loginRows(accountID, hash, false))
	status, err = c.RawPost("/auth/login", loginRequest{Email: "fan@example.com", Password: "correct horse"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, err.Error(), "blocked")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupAuthorization(t *testing.T) {
	b, mock, _ := newTestBackend(t)
	accountID := uuid.New()
	accountQuery := regexp.QuoteMeta(`FROM market.account WHERE account_id = $1;`)

	mock.ExpectQuery(accountQuery).WithArgs(accountID).WillReturnRows(sqlmock.NewRows(accountRowColumns).
		AddRow(accountID.String(), "fan@example.com", "Fan", "{user}", true, testNow))
	auth, err := b.lookupAuthorization(context.Background(), &access.Claims{AccountID: accountID})
	require.NoError(t, err)
	require.NotNil(t, auth)
	assert.True(t, auth.HasRole(access.RoleUser))
	assert.False(t, auth.HasRole(access.RoleAdmin))

	// blocked accounts have no authorization, even with a valid token
	mock.ExpectQuery(accountQuery).WithArgs(accountID).WillReturnRows(sqlmock.NewRows(accountRowColumns).
		AddRow(accountID.String(), "fan@example.com", "Fan", "{user}", false, testNow))
	auth, err = b.lookupAuthorization(context.Background(), &access.Claims{AccountID: accountID})
	require.NoError(t, err)
	assert.Nil(t, auth)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBlockAccount(t *testing.T) {
	_, mock, c := newTestBackend(t)
	accountID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE market.account SET active = $2`)).
		WithArgs(accountID, false).
		WillReturnRows(sqlmock.NewRows(accountRowColumns).
			AddRow(accountID.String(), "fan@example.com", "Fan", "{user}", false, testNow))

	var account Account
	inactive := false
	_, err := c.WithAdminAuthorization().RawPut("/admin/accounts/"+accountID.String()+"/active", activeRequest{Active: &inactive}, &account)
	require.NoError(t, err)
	assert.False(t, account.Active)

	// users cannot block anybody
	status, err := c.WithAccount(uuid.New()).RawPut("/admin/accounts/"+accountID.String()+"/active", activeRequest{Active: &inactive}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
