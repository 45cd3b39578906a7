package backend

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/segmentio/kafka-go"

	"github.com/juaninavos/jerseymarket/core/csql"
	"github.com/juaninavos/jerseymarket/core/logger"
)

// marketplace events written to the outbox
const (
	OutboxBidPlaced     = "bid-placed"
	OutboxAuctionClosed = "auction-closed"
	OutboxOrderPlaced   = "order-placed"
	OutboxPurchasePaid  = "purchase-paid"
)

// OutboxBatchSize is the maximum number of records published at once
const OutboxBatchSize = 100

// OutboxMessage is a marketplace event waiting for publication
type OutboxMessage struct {
	Serial    int64
	Topic     string
	Type      string
	Key       string
	Payload   []byte
	CreatedAt time.Time
}

// Publisher publishes outbox messages. Publish must either deliver all messages or fail.
type Publisher interface {
	Publish(ctx context.Context, messages []OutboxMessage) error
	Close() error
}

type outboxEnvelope struct {
	Type       string      `json:"type"`
	Key        string      `json:"key"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       interface{} `json:"data"`
}

func (b *Backend) createOutboxTable() error {
	_, err := b.db.Exec(b.db.WithSchema(`CREATE table IF NOT EXISTS {schema}."_outbox_"
(serial BIGSERIAL,
topic VARCHAR NOT NULL,
type VARCHAR NOT NULL,
key VARCHAR NOT NULL,
payload JSON NOT NULL,
created_at TIMESTAMP NOT NULL DEFAULT now(),
published_at TIMESTAMP,
PRIMARY KEY(serial)
);
CREATE index IF NOT EXISTS outbox_unpublished_index ON {schema}._outbox_(serial) WHERE published_at IS NULL;
`))
	if err != nil {
		return fmt.Errorf("cannot create outbox table: %w", err)
	}
	return nil
}

// writeOutbox records a marketplace event inside the business transaction tx. The key
// is the auction or jersey ID and keeps the events of one auction in order.
func (b *Backend) writeOutbox(ctx context.Context, tx *sql.Tx, eventType string, key uuid.UUID, data interface{}) error {
	now := b.now().UTC()
	payload, err := json.Marshal(outboxEnvelope{
		Type:       eventType,
		Key:        key.String(),
		OccurredAt: now,
		Data:       data,
	})
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, b.db.WithSchema(`INSERT INTO {schema}."_outbox_" (topic, type, key, payload, created_at)
VALUES ($1, $2, $3, $4, $5);`), b.outboxTopic, eventType, key.String(), payload, now)
	return err
}

// OutboxRelay moves outbox records to a publisher
type OutboxRelay struct {
	db        *csql.DB
	publisher Publisher
	batchSize int
	now       func() time.Time
}

// NewOutboxRelay returns a relay which publishes the outbox of db through publisher
func NewOutboxRelay(db *csql.DB, publisher Publisher) *OutboxRelay {
	return &OutboxRelay{db: db, publisher: publisher, batchSize: OutboxBatchSize, now: time.Now}
}

// RelayOnce publishes one batch of unpublished records and marks them published. It returns
// the number of published records.
//
// A pass holds a transaction level advisory lock on the schema's outbox. Relays of other
// service instances skip their pass while it is held, so batches go out one after the
// other and records with the same key keep their order.
func (o *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	var count int
	err := o.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var locked bool
		err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock(hashtext($1));`, o.lockName()).Scan(&locked)
		if err != nil {
			return err
		}
		if !locked {
			return nil
		}
		rows, err := tx.QueryContext(ctx, o.db.WithSchema(`SELECT serial, topic, type, key, payload, created_at
FROM {schema}."_outbox_" WHERE published_at IS NULL
ORDER BY serial
FOR UPDATE
LIMIT $1;`), o.batchSize)
		if err != nil {
			return err
		}
		var messages []OutboxMessage
		var serials []int64
		for rows.Next() {
			var m OutboxMessage
			if err := rows.Scan(&m.Serial, &m.Topic, &m.Type, &m.Key, &m.Payload, &m.CreatedAt); err != nil {
				rows.Close()
				return err
			}
			messages = append(messages, m)
			serials = append(serials, m.Serial)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(messages) == 0 {
			return nil
		}
		if err := o.publisher.Publish(ctx, messages); err != nil {
			return fmt.Errorf("publish outbox: %w", err)
		}
		_, err = tx.ExecContext(ctx, o.db.WithSchema(`UPDATE {schema}."_outbox_" SET published_at = $1 WHERE serial = ANY($2);`),
			o.now().UTC(), pq.Array(serials))
		if err != nil {
			return err
		}
		count = len(messages)
		return nil
	})
	return count, err
}

// lockName names the advisory lock of the outbox relay
func (o *OutboxRelay) lockName() string {
	return o.db.Schema + "._outbox_"
}

// Run relays the outbox every interval until ctx is done. Full batches are followed
// by the next batch right away.
func (o *OutboxRelay) Run(ctx context.Context, interval time.Duration) {
	rlog := logger.FromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for {
			n, err := o.RelayOnce(ctx)
			if err != nil {
				rlog.WithError(err).Errorln("Error 4401: cannot relay outbox")
				break
			}
			if n < o.batchSize {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOutboxAsync starts the outbox relay if the backend has a publisher. It returns
// false if there is nothing to relay to.
func (b *Backend) ProcessOutboxAsync(ctx context.Context, interval time.Duration) bool {
	if b.publisher == nil {
		logger.FromContext(ctx).Infoln("no kafka brokers configured, outbox relay is not started")
		return false
	}
	go NewOutboxRelay(b.db, b.publisher).Run(ctx, interval)
	return true
}

// Close stops the scheduler and releases the backend's publisher
func (b *Backend) Close() error {
	if b.scheduler != nil {
		<-b.scheduler.Stop().Done()
	}
	if b.publisher != nil {
		return b.publisher.Close()
	}
	return nil
}

// KafkaPublisher publishes outbox messages to kafka. Messages with the same key go
// to the same partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher returns a publisher for the given brokers
func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

// Publish implements Publisher
func (k *KafkaPublisher) Publish(ctx context.Context, messages []OutboxMessage) error {
	kafkaMessages := make([]kafka.Message, 0, len(messages))
	for _, m := range messages {
		kafkaMessages = append(kafkaMessages, kafka.Message{
			Topic:   m.Topic,
			Key:     []byte(m.Key),
			Value:   m.Payload,
			Time:    m.CreatedAt,
			Headers: []kafka.Header{{Key: "type", Value: []byte(m.Type)}},
		})
	}
	return k.writer.WriteMessages(ctx, kafkaMessages...)
}

// Close implements Publisher
func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
