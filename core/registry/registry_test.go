package registry

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juaninavos/jerseymarket/core/csql"
)

func newRegistry(t *testing.T) (Registry, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec(regexp.QuoteMeta(`CREATE table IF NOT EXISTS market."_registry_"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	r, err := New(&csql.DB{DB: db, Schema: "market"})
	require.NoError(t, err)
	return r, mock
}

type settings struct {
	MinIncrement int64 `json:"min_increment"`
}

func TestRegistryReadWrite(t *testing.T) {
	r, mock := newRegistry(t)
	accessor := r.Accessor("_settings_")
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO market."_registry_"`)).
		WithArgs("_settings_:market", `{"min_increment":100}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, accessor.Write(ctx, "market", settings{MinIncrement: 100}))

	written := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value, timestamp FROM market."_registry_" WHERE key=$1;`)).
		WithArgs("_settings_:market").
		WillReturnRows(sqlmock.NewRows([]string{"value", "timestamp"}).AddRow([]byte(`{"min_increment":100}`), written))

	var read settings
	timestamp, err := accessor.Read(ctx, "market", &read)
	require.NoError(t, err)
	assert.Equal(t, int64(100), read.MinIncrement)
	assert.Equal(t, written, timestamp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistryReadMissing(t *testing.T) {
	r, mock := newRegistry(t)
	mock.ExpectQuery("SELECT value, timestamp").
		WithArgs("_jwt_:signing-key").
		WillReturnRows(sqlmock.NewRows([]string{"value", "timestamp"}))

	var key string
	timestamp, err := r.Accessor("_jwt_").Read(context.Background(), "signing-key", &key)
	require.NoError(t, err)
	assert.True(t, timestamp.IsZero())
	assert.Empty(t, key)
}

func TestRegistryWriteNothingWritten(t *testing.T) {
	r, mock := newRegistry(t)
	mock.ExpectExec("INSERT INTO").WillReturnResult(sqlmock.NewResult(0, 0))
	err := r.Accessor("").Write(context.Background(), "k", "v")
	assert.Error(t, err)
}

func TestRegistryDelete(t *testing.T) {
	r, mock := newRegistry(t)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM market."_registry_" WHERE key=$1;`)).
		WithArgs("_settings_:market").
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, r.Accessor("_settings_").Delete(context.Background(), "market"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
