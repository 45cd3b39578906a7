package backend

import (
	"net/http"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juaninavos/jerseymarket/core/market"
)

func TestCreateJersey(t *testing.T) {
	_, mock, c := newTestBackend(t)
	seller := uuid.New()
	created := availableJersey()
	created.SellerID = seller
	created.Team = "Argentina"
	created.Details = json.RawMessage(`{"team":"Argentina","season":"1986","size":"L"}`)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO market.jersey`)).
		WithArgs(seller, nil, "1986 away", "", "Argentina", int64(2000), 3, market.JerseyAvailable, sqlmock.AnyArg(), testNow).
		WillReturnRows(jerseyRows(created))

	var jersey market.Jersey
	status, err := c.WithAccount(seller).RawPost("/jerseys", jerseyRequest{
		Title:   " 1986 away ",
		Price:   2000,
		Stock:   3,
		Details: json.RawMessage(`{"team":"Argentina","season":"1986","size":"L"}`),
	}, &jersey)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "Argentina", jersey.Team)
	assert.Equal(t, market.JerseyAvailable, jersey.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJerseyInvalidDetails(t *testing.T) {
	_, mock, c := newTestBackend(t)

	tests := []string{
		`{"size":"XXXXL"}`,
		`{"number":100}`,
		`{"season":"eighties"}`,
		`{"colour":"blue"}`,
	}
	for _, details := range tests {
		status, err := c.WithAccount(uuid.New()).RawPost("/jerseys", jerseyRequest{
			Title:   "1986 away",
			Price:   2000,
			Stock:   1,
			Details: json.RawMessage(details),
		}, nil)
		assert.Error(t, err, details)
		assert.Equal(t, http.StatusBadRequest, status, details)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJerseyPriceCeiling(t *testing.T) {
	_, mock, c := newTestBackend(t)
	status, err := c.WithAccount(uuid.New()).RawPost("/jerseys", jerseyRequest{
		Title: "1986 away",
		Price: market.MaxAmount + 1,
		Stock: 1,
	}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, err.Error(), "'price' failed on 'lte'")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListJerseysFilter(t *testing.T) {
	_, mock, c := newTestBackend(t)
	jersey := availableJersey()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM market.jersey WHERE status <> $1 AND lower(team) = lower($2) AND (title ILIKE $3 OR team ILIKE $3) AND price <= $4 ORDER BY created_at DESC, jersey_id DESC LIMIT 1;`)).
		WithArgs(market.JerseyWithdrawn, "Boca Juniors", `%100\%%`, int64(5000)).
		WillReturnRows(jerseyRows(jersey))

	var jerseys []market.Jersey
	status, header, err := c.RawGetWithHeader("/jerseys?team=Boca+Juniors&search=100%25&max_price=5000&limit=1", nil, &jerseys)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, jerseys, 1)

	// a full page has a cursor for the next one
	cursor, err := DecodePaginationCursor(header.Get(NextCursorHeader))
	require.NoError(t, err)
	assert.Equal(t, jersey.JerseyID, cursor.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListJerseysUnknownStatus(t *testing.T) {
	_, _, c := newTestBackend(t)
	status, err := c.RawGet("/jerseys?status=lost", nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestWithdrawJersey(t *testing.T) {
	_, mock, c := newTestBackend(t)
	jersey := availableJersey()

	mock.ExpectBegin()
	mock.ExpectQuery(lockJerseyQuery).WithArgs(jersey.JerseyID).WillReturnRows(jerseyRows(jersey))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE market.jersey SET stock = $2, status = $3`)).
		WithArgs(jersey.JerseyID, jersey.Stock, market.JerseyWithdrawn, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	status, err := c.WithAccount(jersey.SellerID).RawDelete("/jerseys/" + jersey.JerseyID.String())
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithdrawJerseyRejected(t *testing.T) {
	jersey := availableJersey()
	inAuction := jersey
	inAuction.Status = market.JerseyInAuction

	tests := []struct {
		name   string
		caller uuid.UUID
		jersey market.Jersey
		status int
	}{
		{"not the seller", uuid.New(), jersey, http.StatusForbidden},
		{"in auction", jersey.SellerID, inAuction, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mock, c := newTestBackend(t)
			mock.ExpectBegin()
			mock.ExpectQuery(lockJerseyQuery).WillReturnRows(jerseyRows(tt.jersey))
			mock.ExpectRollback()

			status, err := c.WithAccount(tt.caller).RawDelete("/jerseys/" + jersey.JerseyID.String())
			assert.Error(t, err)
			assert.Equal(t, tt.status, status)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
