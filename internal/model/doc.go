// Package model defines normalized market data types shared between
// exchange decoders and the capture recorder. Wire formats differ per
// exchange; everything here is already exchange-neutral.
package model
