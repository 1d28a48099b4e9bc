// Package record persists normalized trades and book tops. Handlers push
// into in-memory buffers; the recorder drains them into batched pgx
// inserts, flushing on size or interval.
package record
