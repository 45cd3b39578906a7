package backend

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juaninavos/jerseymarket/core/csql"
)

type recordingPublisher struct {
	published []OutboxMessage
	err       error
}

func (p *recordingPublisher) Publish(ctx context.Context, messages []OutboxMessage) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, messages...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

var (
	relayLockQuery    = regexp.QuoteMeta(`SELECT pg_try_advisory_xact_lock(hashtext($1));`)
	selectOutboxQuery = regexp.QuoteMeta(`FROM market."_outbox_" WHERE published_at IS NULL`)
	markOutboxQuery   = regexp.QuoteMeta(`UPDATE market."_outbox_" SET published_at = $1 WHERE serial = ANY($2);`)
)

var outboxRowColumns = []string{"serial", "topic", "type", "key", "payload", "created_at"}

func expectRelayLock(mock sqlmock.Sqlmock, acquired bool) {
	mock.ExpectQuery(relayLockQuery).WithArgs("market._outbox_").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(acquired))
}

func newTestRelay(t *testing.T, publisher Publisher) (*OutboxRelay, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	relay := NewOutboxRelay(&csql.DB{DB: db, Schema: "market"}, publisher)
	relay.batchSize = 2
	relay.now = func() time.Time { return testNow }
	return relay, mock
}

func TestRelayOnce(t *testing.T) {
	publisher := &recordingPublisher{}
	relay, mock := newTestRelay(t, publisher)

	mock.ExpectBegin()
	expectRelayLock(mock, true)
	mock.ExpectQuery(selectOutboxQuery).WithArgs(2).WillReturnRows(sqlmock.NewRows(outboxRowColumns).
		AddRow(7, DefaultOutboxTopic, OutboxBidPlaced, "a1", []byte(`{"type":"bid-placed"}`), testNow).
		AddRow(8, DefaultOutboxTopic, OutboxAuctionClosed, "a1", []byte(`{"type":"auction-closed"}`), testNow))
	mock.ExpectExec(markOutboxQuery).WithArgs(testNow, pq.Array([]int64{7, 8})).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, publisher.published, 2)
	assert.Equal(t, OutboxBidPlaced, publisher.published[0].Type)
	assert.Equal(t, OutboxAuctionClosed, publisher.published[1].Type)
	assert.Equal(t, "a1", publisher.published[1].Key)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelayOnceEmpty(t *testing.T) {
	publisher := &recordingPublisher{}
	relay, mock := newTestRelay(t, publisher)

	mock.ExpectBegin()
	expectRelayLock(mock, true)
	mock.ExpectQuery(selectOutboxQuery).WillReturnRows(sqlmock.NewRows(outboxRowColumns))
	mock.ExpectCommit()

	n, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, publisher.published)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelayOnceLockedByOtherRelay(t *testing.T) {
	publisher := &recordingPublisher{}
	relay, mock := newTestRelay(t, publisher)

	// another instance is publishing, this pass leaves the outbox alone
	mock.ExpectBegin()
	expectRelayLock(mock, false)
	mock.ExpectCommit()

	n, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, publisher.published)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelayOncePublishFails(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("broker down")}
	relay, mock := newTestRelay(t, publisher)

	mock.ExpectBegin()
	expectRelayLock(mock, true)
	mock.ExpectQuery(selectOutboxQuery).WillReturnRows(sqlmock.NewRows(outboxRowColumns).
		AddRow(9, DefaultOutboxTopic, OutboxOrderPlaced, "j1", []byte(`{}`), testNow))
	// records stay unpublished
	mock.ExpectRollback()

	n, err := relay.RelayOnce(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Equal(t, 0, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessOutboxWithoutBrokers(t *testing.T) {
	b, _, _ := newTestBackend(t)
	assert.False(t, b.ProcessOutboxAsync(context.Background(), time.Second))
	assert.NoError(t, b.Close())
}
