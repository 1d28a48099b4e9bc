package record

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantpipe/streamfeed/internal/model"
)

// Config tunes the recorder's batching.
type Config struct {
	// BatchSize triggers a flush when either pending batch reaches it.
	BatchSize int

	// FlushInterval flushes partial batches on a timer.
	FlushInterval time.Duration

	// BufferSize is the initial capacity of each intake buffer.
	BufferSize int
}

// DefaultConfig returns the stock recorder tuning.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    4096,
	}
}

// Metrics counts recorder activity.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
}

// Recorder drains trades and book tops into batched database inserts.
// Pushes are non-blocking; the intake buffers grow instead of dropping.
type Recorder struct {
	cfg    Config
	logger *slog.Logger
	db     *pgxpool.Pool

	trades *Buffer[model.Trade]
	tops   *Buffer[model.BookTop]

	// kick wakes the flush loop when a batch fills; coalesced so the
	// loop sleeps while idle.
	kick chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metricsMu sync.Mutex
	metrics   Metrics
}

// NewRecorder creates a recorder writing to db.
func NewRecorder(cfg Config, db *pgxpool.Pool, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &Recorder{
		cfg:    cfg,
		logger: logger,
		db:     db,
		trades: NewBuffer[model.Trade](cfg.BufferSize),
		tops:   NewBuffer[model.BookTop](cfg.BufferSize),
		kick:   make(chan struct{}, 1),
	}
}

// RecordTrade queues a trade for persistence.
func (r *Recorder) RecordTrade(t model.Trade) {
	r.trades.Push(t)
	if r.trades.Len() >= r.cfg.BatchSize {
		r.signal()
	}
}

// RecordBookTop queues a top-of-book observation for persistence.
func (r *Recorder) RecordBookTop(b model.BookTop) {
	r.tops.Push(b)
	if r.tops.Len() >= r.cfg.BatchSize {
		r.signal()
	}
}

func (r *Recorder) signal() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Start begins the flush loop.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.flushLoop()

	r.logger.Info("recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop drains remaining data and shuts the recorder down.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping recorder")

	r.trades.Close()
	r.tops.Close()
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("recorder stop timed out")
	}

	// Final drain of anything still buffered.
	r.flush()

	r.logger.Info("recorder stopped")
	return nil
}

// Stats returns current metrics.
func (r *Recorder) Stats() Metrics {
	r.metricsMu.Lock()
	defer r.metricsMu.Unlock()
	return r.metrics
}

// flushLoop flushes on the interval and whenever a push fills a batch.
func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.flush()
		case <-r.kick:
			r.flush()
		}
	}
}

// flush writes everything currently buffered, in batch-sized chunks.
func (r *Recorder) flush() {
	for {
		trades := r.trades.Drain(r.cfg.BatchSize)
		if trades == nil {
			break
		}
		r.flushTrades(trades)
	}
	for {
		tops := r.tops.Drain(r.cfg.BatchSize)
		if tops == nil {
			break
		}
		r.flushTops(tops)
	}
}

func (r *Recorder) flushTrades(rows []model.Trade) {
	batch := &pgx.Batch{}
	for _, t := range rows {
		batch.Queue(insertTradeSQL, tradeArgs(t)...)
	}
	r.sendBatch(batch, len(rows), "trades")
}

func (r *Recorder) flushTops(rows []model.BookTop) {
	batch := &pgx.Batch{}
	for _, b := range rows {
		batch.Queue(insertBookTopSQL, bookTopArgs(b)...)
	}
	r.sendBatch(batch, len(rows), "book_tops")
}

const insertTradeSQL = `
	INSERT INTO trades (exchange, symbol, trade_id, price, size, side, exchange_ts, received_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (exchange, trade_id) DO NOTHING
`

const insertBookTopSQL = `
	INSERT INTO book_tops (exchange, symbol, bid_price, bid_size, ask_price, ask_size, seq, received_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (exchange, symbol, received_at) DO NOTHING
`

// tradeArgs flattens a trade into insert parameters. Decimals travel as
// text so the numeric columns parse them exactly.
func tradeArgs(t model.Trade) []any {
	return []any{
		t.Exchange,
		t.Symbol,
		t.TradeID,
		t.Price.String(),
		t.Size.String(),
		string(t.Side),
		t.ExchangeTS,
		t.ReceivedAt,
	}
}

func bookTopArgs(b model.BookTop) []any {
	return []any{
		b.Exchange,
		b.Symbol,
		b.BidPrice.String(),
		b.BidSize.String(),
		b.AskPrice.String(),
		b.AskSize.String(),
		b.Seq,
		b.ReceivedAt,
	}
}

// sendBatch executes one pgx batch and records metrics.
func (r *Recorder) sendBatch(batch *pgx.Batch, count int, table string) {
	start := time.Now()

	ctx, cancel := r.dbCtx()
	defer cancel()

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	conflicts := 0
	for i := 0; i < count; i++ {
		ct, err := results.Exec()
		if err != nil {
			r.logger.Error("batch insert failed", "table", table, "error", err, "count", count)
			r.metricsMu.Lock()
			r.metrics.Errors++
			r.metricsMu.Unlock()
			return
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	r.metricsMu.Lock()
	r.metrics.Inserts += int64(count - conflicts)
	r.metrics.Conflicts += int64(conflicts)
	r.metrics.Flushes++
	r.metricsMu.Unlock()

	r.logger.Debug("flushed batch",
		"table", table,
		"count", count,
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// dbCtx is the context used for inserts. The final flush after Stop runs
// with a short independent deadline because r.ctx is already cancelled.
func (r *Recorder) dbCtx() (context.Context, context.CancelFunc) {
	if r.ctx != nil && r.ctx.Err() == nil {
		return r.ctx, func() {}
	}
	return context.WithTimeout(context.Background(), 5*time.Second)
}
