/*
Package market holds the marketplace rules which do not need a database: the
auction state machine, the bid acceptance rule, winner determination and the
discount arithmetic.

All amounts of money are int64 cents. All functions take the current time as a
parameter, they never read the clock themselves.

Auction life cycle

	scheduled --(StartsAt)--> active --(EndsAt)--> closed
	    \                       \
	     +--------(cancel, no bids)------------> cancelled

The persisted state is advanced by scheduled jobs, but the effective state is
always derived from the clock with EffectiveState, so a late job never shows a
stale state to a bidder.
*/
package market
