// Package ratelimit bounds the rate of outbound control messages.
//
// Exchanges cap subscribe/unsubscribe/auth frames per connection (Binance
// spot allows 5/s, derivatives 10/s). The limiter keeps a trailing window
// of send timestamps and delays callers until the oldest entry leaves the
// window. Heartbeat frames are not routed through it; their cadence is far
// below any exchange limit.
package ratelimit
