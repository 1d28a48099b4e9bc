// Package exchange defines the capability interface that parameterizes the
// generic connection manager per exchange.
//
// The manager owns the connection lifecycle, subscription replay, rate
// limiting and snapshot normalization; a Spec contributes only the parts
// that differ between venues: how to build the connect URL and auth frame,
// how to format control frames, and how to classify inbound frames.
package exchange
