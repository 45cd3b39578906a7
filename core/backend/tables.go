package backend

import (
	"fmt"

	"github.com/juaninavos/jerseymarket/core/logger"
)

// marketplace relations, in dependency order. Money columns are cents.
var tableDefinitions = []struct {
	name string
	ddl  string
}{
	{"account", `CREATE TABLE IF NOT EXISTS {schema}.account
(account_id uuid NOT NULL DEFAULT uuid_generate_v4(),
email VARCHAR NOT NULL,
name VARCHAR NOT NULL DEFAULT '',
password_hash VARCHAR NOT NULL,
roles VARCHAR[] NOT NULL DEFAULT '{user}',
active BOOLEAN NOT NULL DEFAULT true,
created_at TIMESTAMP NOT NULL DEFAULT now(),
PRIMARY KEY(account_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS account_email_index ON {schema}.account(email);`},

	{"category", `CREATE TABLE IF NOT EXISTS {schema}.category
(category_id uuid NOT NULL DEFAULT uuid_generate_v4(),
name VARCHAR NOT NULL,
description VARCHAR NOT NULL DEFAULT '',
created_at TIMESTAMP NOT NULL DEFAULT now(),
PRIMARY KEY(category_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS category_name_index ON {schema}.category(lower(name));`},

	{"jersey", `CREATE TABLE IF NOT EXISTS {schema}.jersey
(jersey_id uuid NOT NULL DEFAULT uuid_generate_v4(),
seller_id uuid NOT NULL REFERENCES {schema}.account(account_id),
category_id uuid REFERENCES {schema}.category(category_id),
title VARCHAR NOT NULL,
description VARCHAR NOT NULL DEFAULT '',
team VARCHAR NOT NULL DEFAULT '',
price BIGINT NOT NULL CHECK (price > 0),
stock INTEGER NOT NULL CHECK (stock >= 0),
status VARCHAR NOT NULL DEFAULT 'available',
details JSON NOT NULL DEFAULT '{}'::json,
created_at TIMESTAMP NOT NULL DEFAULT now(),
updated_at TIMESTAMP NOT NULL DEFAULT now(),
PRIMARY KEY(jersey_id)
);
CREATE INDEX IF NOT EXISTS jersey_created_at_index ON {schema}.jersey(created_at DESC, jersey_id DESC);
CREATE INDEX IF NOT EXISTS jersey_category_index ON {schema}.jersey(category_id);
CREATE INDEX IF NOT EXISTS jersey_seller_index ON {schema}.jersey(seller_id);`},

	{"auction", `CREATE TABLE IF NOT EXISTS {schema}.auction
(auction_id uuid NOT NULL DEFAULT uuid_generate_v4(),
jersey_id uuid NOT NULL REFERENCES {schema}.jersey(jersey_id),
seller_id uuid NOT NULL REFERENCES {schema}.account(account_id),
starting_price BIGINT NOT NULL CHECK (starting_price > 0),
current_price BIGINT NOT NULL,
min_increment BIGINT NOT NULL CHECK (min_increment > 0),
starts_at TIMESTAMP NOT NULL,
ends_at TIMESTAMP NOT NULL,
state VARCHAR NOT NULL,
winning_bid_id uuid,
winner_id uuid,
bid_count INTEGER NOT NULL DEFAULT 0,
version INTEGER NOT NULL DEFAULT 0,
created_at TIMESTAMP NOT NULL DEFAULT now(),
PRIMARY KEY(auction_id),
CHECK (ends_at > starts_at)
);
CREATE UNIQUE INDEX IF NOT EXISTS auction_open_jersey_index ON {schema}.auction(jersey_id) WHERE state IN ('scheduled','active');
CREATE INDEX IF NOT EXISTS auction_ends_at_index ON {schema}.auction(ends_at) WHERE state IN ('scheduled','active');`},

	{"bid", `CREATE TABLE IF NOT EXISTS {schema}.bid
(bid_id uuid NOT NULL DEFAULT uuid_generate_v4(),
auction_id uuid NOT NULL REFERENCES {schema}.auction(auction_id),
bidder_id uuid NOT NULL REFERENCES {schema}.account(account_id),
amount BIGINT NOT NULL CHECK (amount > 0),
created_at TIMESTAMP NOT NULL DEFAULT now(),
PRIMARY KEY(bid_id)
);
CREATE INDEX IF NOT EXISTS bid_auction_index ON {schema}.bid(auction_id, amount DESC);`},

	{"discount", `CREATE TABLE IF NOT EXISTS {schema}.discount
(code VARCHAR NOT NULL,
description VARCHAR NOT NULL DEFAULT '',
kind VARCHAR NOT NULL,
value BIGINT NOT NULL,
valid_from TIMESTAMP,
valid_until TIMESTAMP,
max_uses INTEGER NOT NULL DEFAULT 0,
uses INTEGER NOT NULL DEFAULT 0,
min_order BIGINT NOT NULL DEFAULT 0,
active BOOLEAN NOT NULL DEFAULT true,
created_at TIMESTAMP NOT NULL DEFAULT now(),
PRIMARY KEY(code)
);`},

	{"payment_method", `CREATE TABLE IF NOT EXISTS {schema}.payment_method
(payment_method_id uuid NOT NULL DEFAULT uuid_generate_v4(),
name VARCHAR NOT NULL,
active BOOLEAN NOT NULL DEFAULT true,
created_at TIMESTAMP NOT NULL DEFAULT now(),
PRIMARY KEY(payment_method_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS payment_method_name_index ON {schema}.payment_method(lower(name));`},

	{"purchase", `CREATE TABLE IF NOT EXISTS {schema}.purchase
(purchase_id uuid NOT NULL DEFAULT uuid_generate_v4(),
buyer_id uuid NOT NULL REFERENCES {schema}.account(account_id),
jersey_id uuid NOT NULL REFERENCES {schema}.jersey(jersey_id),
auction_id uuid REFERENCES {schema}.auction(auction_id),
quantity INTEGER NOT NULL CHECK (quantity > 0),
unit_price BIGINT NOT NULL,
subtotal BIGINT NOT NULL,
discount_code VARCHAR REFERENCES {schema}.discount(code),
discount_amount BIGINT NOT NULL DEFAULT 0,
total BIGINT NOT NULL CHECK (total >= 0),
payment_method_id uuid REFERENCES {schema}.payment_method(payment_method_id),
status VARCHAR NOT NULL,
created_at TIMESTAMP NOT NULL DEFAULT now(),
paid_at TIMESTAMP,
PRIMARY KEY(purchase_id)
);
CREATE INDEX IF NOT EXISTS purchase_buyer_index ON {schema}.purchase(buyer_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS purchase_auction_index ON {schema}.purchase(auction_id) WHERE auction_id IS NOT NULL;`},
}

// createTables creates all marketplace relations, the job queue and the outbox
func (b *Backend) createTables() error {
	rlog := logger.Default()
	for _, table := range tableDefinitions {
		rlog.Debugln("  create table:", table.name)
		if _, err := b.db.Exec(b.db.WithSchema(table.ddl)); err != nil {
			return fmt.Errorf("cannot create table %s: %w", table.name, err)
		}
	}
	if err := b.createJobsTable(); err != nil {
		return err
	}
	return b.createOutboxTable()
}
