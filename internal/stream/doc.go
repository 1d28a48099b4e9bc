// Package stream owns the live feed connection: dialing, authentication,
// subscription replay, heartbeat supervision, and inbound dispatch.
//
// One Manager owns one duplex connection at a time. Any failure of the
// live connection (read error, heartbeat stall, forced credential
// rotation) tears the session down and the manager reconnects with
// exponential backoff, replaying the subscription registry once the new
// connection is ready. Callers interact only with Subscribe, Unsubscribe,
// and the Errors channel; everything else is internal lifecycle.
package stream
