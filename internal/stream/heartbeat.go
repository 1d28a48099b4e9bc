package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantpipe/streamfeed/internal/exchange"
)

// heartbeat probes the connection on a fixed interval and declares the
// session dead when no inbound traffic is seen within the stall timeout.
// Probes bypass the control rate limiter; their cadence is far below any
// venue limit.
type heartbeat struct {
	client   *client
	spec     exchange.Spec
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// run loops until ctx is cancelled or the connection is declared dead.
// A nil return means the session ended for some other reason; ErrStale
// means the stall detector fired.
func (h *heartbeat) run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := h.probe(); err != nil {
				// A probe failing because the transport is already
				// closed is not a new failure.
				if h.client.Closed() {
					return nil
				}
				return fmt.Errorf("liveness probe: %w", err)
			}

			if idle := time.Since(h.client.LastActivity()); idle > h.timeout {
				h.logger.Warn("no inbound traffic, connection stale",
					"idle", idle,
					"timeout", h.timeout,
				)
				return ErrStale
			}
		}
	}
}

// probe sends the venue's application-level ping when it defines one,
// otherwise a transport-level ping control frame.
func (h *heartbeat) probe() error {
	if frame, ok := h.spec.PingFrame(); ok {
		return h.client.Send(frame)
	}
	return h.client.Ping()
}
