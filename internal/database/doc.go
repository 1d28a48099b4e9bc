// Package database manages the pgx connection pool for market capture.
package database
