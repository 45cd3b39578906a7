package backend

import (
	"net/http"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var categoryRowColumns = []string{"category_id", "name", "description", "created_at"}

func TestCategoryPermits(t *testing.T) {
	_, mock, c := newTestBackend(t)
	categoryID := uuid.New()

	// everybody can list, even without a token
	mock.ExpectQuery(regexp.QuoteMeta(`FROM market.category ORDER BY name;`)).
		WillReturnRows(sqlmock.NewRows(categoryRowColumns).AddRow(categoryID.String(), "Retro", "before 2000", testNow))
	var categories []Category
	_, err := c.RawGet("/categories", &categories)
	require.NoError(t, err)
	require.Len(t, categories, 1)
	assert.Equal(t, "Retro", categories[0].Name)

	// users cannot create
	status, err := c.WithAccount(uuid.New()).RawPost("/categories", categoryRequest{Name: "Mine"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO market.category`)).WithArgs("Selección", "", testNow).
		WillReturnRows(sqlmock.NewRows(categoryRowColumns).AddRow(uuid.New().String(), "Selección", "", testNow))
	status, err = c.WithAdminAuthorization().RawPost("/categories", categoryRequest{Name: " Selección "}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteCategoryInUse(t *testing.T) {
	_, mock, c := newTestBackend(t)
	categoryID := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM market.category WHERE category_id = $1;`)).WithArgs(categoryID).
		WillReturnError(&pq.Error{Code: "23503"})
	status, err := c.WithAdminAuthorization().RawDelete("/categories/" + categoryID.String())
	assert.Error(t, err)
	assert.Equal(t, http.StatusConflict, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var paymentMethodRowColumns = []string{"payment_method_id", "name", "active", "created_at"}

func TestPaymentMethods(t *testing.T) {
	_, mock, c := newTestBackend(t)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM market.payment_method WHERE active = true ORDER BY name;`)).
		WillReturnRows(sqlmock.NewRows(paymentMethodRowColumns).AddRow(id.String(), "Bank transfer", true, testNow))
	var methods []PaymentMethod
	_, err := c.RawGet("/payment-methods", &methods)
	require.NoError(t, err)
	require.Len(t, methods, 1)

	// the admin list includes inactive methods
	mock.ExpectQuery(regexp.QuoteMeta(`FROM market.payment_method ORDER BY name;`)).
		WillReturnRows(sqlmock.NewRows(paymentMethodRowColumns).
			AddRow(id.String(), "Bank transfer", true, testNow).
			AddRow(uuid.New().String(), "Cash", false, testNow))
	_, err = c.WithAdminAuthorization().RawGet("/admin/payment-methods", &methods)
	require.NoError(t, err)
	assert.Len(t, methods, 2)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE market.payment_method SET active = false`)).WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	status, err := c.WithAdminAuthorization().RawDelete("/admin/payment-methods/" + id.String())
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE market.payment_method SET active = false`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	status, err = c.WithAdminAuthorization().RawDelete("/admin/payment-methods/" + uuid.New().String())
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
