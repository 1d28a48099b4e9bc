// Package session manages the short-lived credentials required to open
// private (user-data) feeds.
//
// A Provider is the out-of-band side channel that issues, extends and
// revokes credentials. The Keeper owns the current credential, renews it on
// a schedule shorter than its validity, and falls back to acquiring a fresh
// one when renewal fails. Rotation never interrupts in-flight dispatch; the
// connection manager is notified and decides whether a reconnect is needed.
package session
