// Package book normalizes incremental feed payloads into full snapshots.
//
// Exchanges ship order books and tickers as an initial snapshot followed by
// deltas. The Store keeps the last merged state per topic and applies each
// delta to it, so handlers always observe snapshot semantics. Deltas that
// arrive before any snapshot are rejected rather than applied to an absent
// base.
package book
