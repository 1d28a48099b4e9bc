// Command streamer runs a resilient feed connection against one exchange
// and optionally captures normalized trades and book tops to Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/quantpipe/streamfeed/internal/book"
	"github.com/quantpipe/streamfeed/internal/config"
	"github.com/quantpipe/streamfeed/internal/database"
	"github.com/quantpipe/streamfeed/internal/exchange"
	"github.com/quantpipe/streamfeed/internal/exchange/binance"
	"github.com/quantpipe/streamfeed/internal/exchange/bybit"
	"github.com/quantpipe/streamfeed/internal/exchange/hyperliquid"
	"github.com/quantpipe/streamfeed/internal/record"
	"github.com/quantpipe/streamfeed/internal/session"
	"github.com/quantpipe/streamfeed/internal/stream"
	"github.com/quantpipe/streamfeed/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/streamer.yaml", "path to config file")
	flag.Parse()

	// Bootstrap logger until the config tells us better.
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = buildLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting streamer",
		"version", version.Version,
		"commit", version.Commit,
		"exchange", cfg.Exchange.Name,
		"url", cfg.Exchange.URL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Capture sink, if configured.
	var recorder *record.Recorder
	if cfg.Database.Enabled {
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		logger.Info("database connected", "host", cfg.Database.Host, "name", cfg.Database.Name)

		recorder = record.NewRecorder(record.Config{
			BatchSize:     cfg.Recorder.BatchSize,
			FlushInterval: cfg.Recorder.FlushInterval,
			BufferSize:    cfg.Recorder.BufferSize,
		}, pool, logger)
		if err := recorder.Start(ctx); err != nil {
			logger.Error("failed to start recorder", "error", err)
			os.Exit(1)
		}
	}

	spec, keeper, err := buildExchange(cfg, logger)
	if err != nil {
		logger.Error("failed to build exchange", "error", err)
		os.Exit(1)
	}

	var opts []stream.Option
	if keeper != nil {
		opts = append(opts, stream.WithKeeper(keeper))
	}
	manager := stream.NewManager(cfg.Stream, spec, logger, opts...)

	if err := manager.Start(ctx); err != nil {
		logger.Error("failed to start manager", "error", err)
		os.Exit(1)
	}

	if err := subscribeAll(ctx, cfg, spec, manager, recorder, logger); err != nil {
		logger.Error("failed to subscribe", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if keeper != nil {
		g.Go(func() error {
			if err := keeper.Run(gctx); err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	// Surface asynchronous manager failures without dying on them.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-manager.Errors():
				logger.Error("stream error", "error", err)
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("runtime failure", "error", err)
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Warn("manager stop failed", "error", err)
	}
	if keeper != nil {
		keeper.Close(shutdownCtx)
	}
	if recorder != nil {
		if err := recorder.Stop(shutdownCtx); err != nil {
			logger.Warn("recorder stop failed", "error", err)
		}
		stats := recorder.Stats()
		logger.Info("capture totals",
			"inserts", stats.Inserts,
			"conflicts", stats.Conflicts,
			"errors", stats.Errors,
		)
	}

	logger.Info("streamer stopped")
}

// buildLogger creates the configured slog logger.
func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// buildExchange constructs the venue spec and, for listen-key streams,
// its session keeper.
func buildExchange(cfg *config.Config, logger *slog.Logger) (exchange.Spec, *session.Keeper, error) {
	switch cfg.Exchange.Name {
	case "binance":
		return binance.NewSpec(cfg.Exchange.URL), nil, nil

	case "binance-user":
		provider := session.NewListenKeyProvider(
			cfg.Session.RESTBaseURL,
			cfg.Session.ListenKeyPath,
			cfg.Exchange.APIKey,
			session.WithListenKeyLogger(logger),
		)
		keeper := session.NewKeeper(session.KeeperConfig{
			RenewInterval: cfg.Session.RenewInterval,
		}, provider, logger)
		return binance.NewUserSpec(cfg.Exchange.URL), keeper, nil

	case "bybit":
		var opts []bybit.Option
		if cfg.Exchange.APIKey != "" {
			opts = append(opts, bybit.WithAPIKeys(cfg.Exchange.APIKey, cfg.Exchange.APISecret))
		}
		return bybit.NewSpec(cfg.Exchange.URL, opts...), nil, nil

	case "hyperliquid":
		return hyperliquid.NewSpec(cfg.Exchange.URL), nil, nil
	}

	// Unreachable after config validation.
	return nil, nil, fmt.Errorf("unknown exchange %q", cfg.Exchange.Name)
}

// subscribeAll crosses configured feeds and symbols into topic keys and
// registers a handler for each.
func subscribeAll(ctx context.Context, cfg *config.Config, spec exchange.Spec, manager *stream.Manager, rec *record.Recorder, logger *slog.Logger) error {
	if !spec.SupportsSubscriptions() {
		return manager.Subscribe(ctx, binance.UserTopic, userHandler(logger))
	}

	for _, feed := range cfg.Exchange.Feeds {
		// Account-wide feeds build their topic without a symbol and are
		// subscribed once instead of per symbol.
		if topic, err := spec.TopicKey(feed, ""); err == nil {
			handler := feedHandler(cfg.Exchange.Name, feed, rec, logger)
			if err := manager.Subscribe(ctx, topic, handler); err != nil {
				return err
			}
			logger.Info("subscribed", "topic", topic)
			continue
		}

		for _, symbol := range cfg.Exchange.Symbols {
			topic, err := spec.TopicKey(feed, symbol)
			if err != nil {
				return err
			}
			handler := feedHandler(cfg.Exchange.Name, feed, rec, logger)
			if err := manager.Subscribe(ctx, topic, handler); err != nil {
				return err
			}
			logger.Info("subscribed", "topic", topic)
		}
	}
	return nil
}

// feedHandler decodes and captures one feed kind. Without a recorder the
// handler only logs.
func feedHandler(exchangeName, feed string, rec *record.Recorder, logger *slog.Logger) stream.Handler {
	switch exchangeName {
	case "binance":
		return binanceHandler(feed, rec, logger)
	case "bybit":
		return bybitHandler(feed, rec, logger)
	case "hyperliquid":
		return hyperliquidHandler(feed, rec, logger)
	default:
		return func(msg stream.Message) {
			logger.Debug("message", "topic", msg.Topic, "bytes", len(msg.Data))
		}
	}
}

func binanceHandler(feed string, rec *record.Recorder, logger *slog.Logger) stream.Handler {
	return func(msg stream.Message) {
		switch feed {
		case binance.FeedTrade:
			trade, err := binance.DecodeTrade(msg.Data, msg.ReceivedAt)
			if err != nil {
				logger.Warn("decode trade failed", "topic", msg.Topic, "error", err)
				return
			}
			if rec != nil {
				rec.RecordTrade(trade)
			}
		case binance.FeedBookTicker:
			top, err := binance.DecodeBookTop(msg.Data, msg.ReceivedAt)
			if err != nil {
				logger.Warn("decode book top failed", "topic", msg.Topic, "error", err)
				return
			}
			if rec != nil {
				rec.RecordBookTop(top)
			}
		default:
			logger.Debug("message", "topic", msg.Topic, "bytes", len(msg.Data))
		}
	}
}

func bybitHandler(feed string, rec *record.Recorder, logger *slog.Logger) stream.Handler {
	return func(msg stream.Message) {
		switch {
		case feed == bybit.FeedTrade:
			trades, err := bybit.DecodeTrades(msg.Data, msg.ReceivedAt)
			if err != nil {
				logger.Warn("decode trades failed", "topic", msg.Topic, "error", err)
				return
			}
			if rec != nil {
				for _, trade := range trades {
					rec.RecordTrade(trade)
				}
			}

		case strings.HasPrefix(feed, "orderbook."):
			// The dispatcher delivers the merged book view.
			var merged book.Book
			if err := json.Unmarshal(msg.Data, &merged); err != nil {
				logger.Warn("decode merged book failed", "topic", msg.Topic, "error", err)
				return
			}
			top, ok := bybit.BookTopFromBook(msg.Topic, &merged, msg.ReceivedAt)
			if !ok {
				return
			}
			if rec != nil {
				rec.RecordBookTop(top)
			}

		default:
			logger.Debug("message", "topic", msg.Topic, "bytes", len(msg.Data))
		}
	}
}

func hyperliquidHandler(feed string, rec *record.Recorder, logger *slog.Logger) stream.Handler {
	return func(msg stream.Message) {
		switch feed {
		case hyperliquid.FeedTrades:
			trades, err := hyperliquid.DecodeTrades(msg.Data, msg.ReceivedAt)
			if err != nil {
				logger.Warn("decode trades failed", "topic", msg.Topic, "error", err)
				return
			}
			if rec != nil {
				for _, trade := range trades {
					rec.RecordTrade(trade)
				}
			}

		case hyperliquid.FeedBook:
			// The dispatcher delivers the merged book view.
			var merged book.Book
			if err := json.Unmarshal(msg.Data, &merged); err != nil {
				logger.Warn("decode merged book failed", "topic", msg.Topic, "error", err)
				return
			}
			top, ok := hyperliquid.BookTopFromBook(msg.Topic, &merged, msg.ReceivedAt)
			if !ok {
				return
			}
			if rec != nil {
				rec.RecordBookTop(top)
			}

		default:
			logger.Debug("message", "topic", msg.Topic, "bytes", len(msg.Data))
		}
	}
}

// userHandler logs account events from a user-data stream.
func userHandler(logger *slog.Logger) stream.Handler {
	return func(msg stream.Message) {
		var event struct {
			Type string `json:"e"`
		}
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			logger.Warn("decode user event failed", "error", err)
			return
		}
		logger.Info("account event", "type", event.Type, "received_at", msg.ReceivedAt)
	}
}
