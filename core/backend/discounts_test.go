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

	"github.com/juaninavos/jerseymarket/core/market"
)

func TestCreateDiscount(t *testing.T) {
	_, mock, c := newTestBackend(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO market.discount`)).
		WithArgs("RETRO10", "retro week", market.DiscountPercentage, int64(10), nil, nil, 0, int64(5000), true, testNow).
		WillReturnRows(sqlmock.NewRows(discountRowColumns).
			AddRow("RETRO10", "retro week", "percentage", 10, nil, nil, 0, 0, 5000, true, testNow))

	var discount market.Discount
	status, err := c.WithAdminAuthorization().RawPost("/admin/discounts", discountRequest{
		Code:        "retro10 ",
		Description: "retro week",
		Kind:        market.DiscountPercentage,
		Value:       10,
		MinOrder:    5000,
	}, &discount)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "RETRO10", discount.Code)
	assert.True(t, discount.Active)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO market.discount`)).WillReturnError(&pq.Error{Code: "23505"})
	status, err = c.WithAdminAuthorization().RawPost("/admin/discounts", discountRequest{
		Code: "RETRO10", Kind: market.DiscountFixed, Value: 500,
	}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusConflict, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDiscountInvalid(t *testing.T) {
	_, mock, c := newTestBackend(t)

	// a percentage above 100 passes the request validation but not the discount rules
	status, err := c.WithAdminAuthorization().RawPost("/admin/discounts", discountRequest{
		Code: "TOOMUCH", Kind: market.DiscountPercentage, Value: 150,
	}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)

	// only admins
	status, err = c.WithAccount(uuid.New()).RawPost("/admin/discounts", discountRequest{
		Code: "MINE", Kind: market.DiscountFixed, Value: 100,
	}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteUsedDiscount(t *testing.T) {
	_, mock, c := newTestBackend(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM market.discount WHERE code = $1;`)).WithArgs("RETRO10").
		WillReturnError(&pq.Error{Code: "23503"})
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE market.discount SET active = false WHERE code = $1;`)).WithArgs("RETRO10").
		WillReturnResult(sqlmock.NewResult(0, 1))

	status, err := c.WithAdminAuthorization().RawDelete("/admin/discounts/retro10")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM market.discount WHERE code = $1;`)).WithArgs("NOPE").
		WillReturnResult(sqlmock.NewResult(0, 0))
	status, err = c.WithAdminAuthorization().RawDelete("/admin/discounts/nope")
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckDiscount(t *testing.T) {
	_, mock, c := newTestBackend(t)
	checkQuery := regexp.QuoteMeta(`FROM market.discount WHERE code = $1;`)
	expired := testNow.AddDate(0, 0, -1)

	mock.ExpectQuery(checkQuery).WithArgs("FIVEOFF").WillReturnRows(sqlmock.NewRows(discountRowColumns).
		AddRow("FIVEOFF", "", "fixed", 500, nil, nil, 0, 0, 0, true, testNow))
	var check discountCheck
	_, err := c.WithAccount(uuid.New()).RawGet("/discounts/fiveoff/check?subtotal=300", &check)
	require.NoError(t, err)
	// a fixed discount never exceeds the subtotal
	assert.Equal(t, discountCheck{Code: "FIVEOFF", Subtotal: 300, Discount: 300, Total: 0}, check)

	mock.ExpectQuery(checkQuery).WithArgs("OLD").WillReturnRows(sqlmock.NewRows(discountRowColumns).
		AddRow("OLD", "", "fixed", 500, nil, expired, 0, 0, 0, true, testNow))
	status, err := c.WithAccount(uuid.New()).RawGet("/discounts/old/check?subtotal=3000", nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, err.Error(), market.ErrDiscountExpired.Error())

	mock.ExpectQuery(checkQuery).WithArgs("UNKNOWN").WillReturnRows(sqlmock.NewRows(discountRowColumns))
	status, err = c.WithAccount(uuid.New()).RawGet("/discounts/unknown/check?subtotal=3000", nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	for _, subtotal := range []string{"0", "10000000000001"} {
		status, err = c.WithAccount(uuid.New()).RawGet("/discounts/fiveoff/check?subtotal="+subtotal, nil)
		assert.Error(t, err, subtotal)
		assert.Equal(t, http.StatusBadRequest, status, subtotal)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}
