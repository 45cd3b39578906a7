/*
Package backend implements the REST backend of the jersey marketplace

A backend manages a Postgres-SQL database and provides the marketplace API on a mux router:
accounts and authentication, the jersey catalog, fixed price purchases, timed auctions,
discount codes, payment methods and an administrative dashboard.

Money

All amounts are integer cents.

Auctions

Bids on the same auction are serialized with a row lock on the auction. A bid within the
extension window before the end moves the end (anti-sniping). Every auction has an
"auction-start" and an "auction-close" event in the job queue, scheduled for its start and
end. The close handler is idempotent and reschedules itself if the auction was extended.
StartScheduler() adds a sweeper which raises "auction-close" for overdue auctions.

Jobs

Events are raised with RaiseEvent() and handled with HandleEvent(). They are stored in the
"_job_" relation and processed by ProcessJobsAsync() or ProcessJobsSync(). Failed handlers
are retried after 5, 15 and 45 minutes.

Outbox

Marketplace events (bid placed, auction closed, order placed, purchase paid) are written to
the "_outbox_" relation in the same transaction as the change they describe. If kafka brokers
are configured, ProcessOutboxAsync() publishes them to the outbox topic.

Errors

Failed requests answer with an http status and a text body. Internal errors only show a
numbered error code, the details are logged.
*/
package backend
