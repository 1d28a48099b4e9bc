package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/quantpipe/streamfeed/internal/book"
	"github.com/quantpipe/streamfeed/internal/exchange"
	"github.com/quantpipe/streamfeed/internal/ratelimit"
	"github.com/quantpipe/streamfeed/internal/session"
)

// errRotate forces a session teardown after a credential rotation when
// the credential is embedded in the connect URL.
var errRotate = errors.New("credential rotated, reconnecting")

// Manager drives one feed connection through its lifecycle:
// Disconnected -> Connecting -> Authenticating -> Ready, back to
// Disconnected on any failure, and terminal Stopped on explicit stop.
//
// A single run goroutine owns the session lifecycle, so a read error, a
// heartbeat stall, and a forced rotation arriving together still produce
// exactly one reconnect attempt.
type Manager struct {
	cfg    Config
	spec   exchange.Spec
	keeper *session.Keeper
	logger *slog.Logger

	registry *Registry
	store    *book.Store
	limiter  *ratelimit.Limiter

	state   atomic.Int32
	stopped atomic.Bool
	started atomic.Bool

	errs  chan error
	force chan struct{}

	cancel context.CancelFunc
	done   chan struct{}

	// sess is the live session, nil between connections.
	sessMu sync.Mutex
	sess   *liveSession

	// pending correlates control request ids with their waiters.
	pendingMu sync.Mutex
	pending   map[string]chan error
}

// liveSession is the per-connection state shared between the run
// goroutine and Subscribe/Unsubscribe callers.
type liveSession struct {
	client *client
	authCh chan error
	ready  chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithKeeper attaches a session credential keeper. Required for private
// feeds; public feeds connect without one.
func WithKeeper(k *session.Keeper) Option {
	return func(m *Manager) {
		m.keeper = k
	}
}

// NewManager creates a manager for one exchange spec.
func NewManager(cfg Config, spec exchange.Spec, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	limits := spec.Limits()
	m := &Manager{
		cfg:      cfg,
		spec:     spec,
		logger:   logger.With("exchange", spec.Name()),
		registry: NewRegistry(),
		store:    book.NewStore(),
		limiter:  ratelimit.New(limits.ControlPerSecond, time.Second),
		errs:     make(chan error, 16),
		force:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		pending:  make(map[string]chan error),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the connection lifecycle. Returns immediately; the
// first connection attempt happens on the run goroutine.
func (m *Manager) Start(ctx context.Context) error {
	if m.stopped.Load() {
		return ErrStopped
	}
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}

	if m.keeper != nil {
		m.keeper.OnRotate(func(session.Credential) {
			if m.spec.CredentialInURL() {
				m.forceReconnect()
			}
		})
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.run(runCtx)
	return nil
}

// Stop tears the manager down. Idempotent; a stopped manager is never
// resurrected by an in-flight reconnect.
func (m *Manager) Stop(ctx context.Context) error {
	if m.stopped.Swap(true) {
		return nil
	}

	if m.cancel != nil {
		m.cancel()
	}
	m.limiter.Close()

	if m.started.Load() {
		select {
		case <-m.done:
		case <-ctx.Done():
			m.logger.Warn("shutdown timeout waiting for run loop")
		}
	}

	m.store.Reset()
	m.setState(Stopped)
	m.logger.Info("manager stopped")
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Errors returns asynchronous failures worth surfacing: authentication
// rejections and repeated connect errors. Transient drops handled by the
// reconnect loop are logged, not reported here.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// Subscribe registers a handler for a topic. Once it returns nil the
// topic is in the registry and will be sent on every future successful
// connection until unsubscribed. If a connection is live (or becomes
// live within the ready wait) the control frame goes out immediately and
// the venue's acknowledgement is awaited.
func (m *Manager) Subscribe(ctx context.Context, topic string, h Handler) error {
	if m.stopped.Load() {
		return ErrStopped
	}
	if err := m.spec.ValidateTopic(topic); err != nil {
		return err
	}

	m.registry.Set(topic, h)

	if !m.spec.SupportsSubscriptions() {
		// Single-topic feeds deliver everything to the fixed topic; no
		// control frame exists.
		return nil
	}

	cl := m.awaitReady(ctx)
	if cl == nil {
		// Not connected within the bounded wait. The registry entry is
		// durable; replay covers it on the next successful connection.
		return nil
	}

	frame, id, err := m.spec.SubscribeFrame([]string{topic})
	if err != nil {
		return fmt.Errorf("build subscribe frame: %w", err)
	}
	if err := m.sendControl(ctx, cl, frame, id); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	m.logger.Debug("subscribed", "topic", topic)
	return nil
}

// Unsubscribe removes a topic. Unknown topics are a local error; nothing
// is sent.
func (m *Manager) Unsubscribe(ctx context.Context, topic string) error {
	if m.stopped.Load() {
		return ErrStopped
	}
	if !m.registry.Remove(topic) {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	m.store.Drop(topic)

	if !m.spec.SupportsSubscriptions() {
		return nil
	}

	cl := m.awaitReady(ctx)
	if cl == nil {
		return nil
	}

	frame, id, err := m.spec.UnsubscribeFrame([]string{topic})
	if err != nil {
		return fmt.Errorf("build unsubscribe frame: %w", err)
	}
	if err := m.sendControl(ctx, cl, frame, id); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	m.logger.Debug("unsubscribed", "topic", topic)
	return nil
}

// run keeps one session alive at a time, reconnecting with exponential
// backoff. The stop flag is checked before and after every backoff sleep
// so an explicit stop cannot be outrun by a reconnect in flight.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.ReconnectBaseDelay
	bo.MaxInterval = m.cfg.ReconnectMaxDelay

	for {
		if m.stopped.Load() || ctx.Err() != nil {
			return
		}

		err := m.session(ctx, bo)

		if m.stopped.Load() || ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, errRotate) {
			m.logger.Warn("session ended", "error", err)
		}

		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = m.cfg.ReconnectMaxDelay
		}
		m.logger.Info("reconnecting", "after", sleep)

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		if m.stopped.Load() {
			return
		}
	}
}

// session runs one full connection lifecycle: credential, dial, auth,
// replay, pump. Returns when the connection dies for any reason.
func (m *Manager) session(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	m.setState(Connecting)
	defer func() {
		if !m.stopped.Load() {
			m.setState(Disconnected)
		}
	}()

	// Stale merged state must not survive into a new session; the venue
	// re-sends snapshots after resubscribe.
	m.store.Reset()

	// A rotation signal that arrived while disconnected is satisfied by
	// the credential fetch below; drain it so it cannot tear down the
	// session it predates.
	select {
	case <-m.force:
	default:
	}

	var cred *session.Credential
	if m.keeper != nil {
		cur, err := m.keeper.Current(ctx)
		if err != nil {
			return fmt.Errorf("session credential: %w", err)
		}
		cred = &cur
	}

	url, err := m.spec.ConnectURL(cred)
	if err != nil {
		return fmt.Errorf("connect url: %w", err)
	}

	cl := newClient(clientConfig{
		URL:              url,
		WriteTimeout:     m.cfg.WriteTimeout,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
		BufferSize:       m.cfg.BufferSize,
	}, m.logger)

	if err := cl.Connect(ctx); err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer cl.Close()

	sess := &liveSession{
		client: cl,
		authCh: make(chan error, 1),
		ready:  make(chan struct{}),
	}
	m.setSession(sess)
	defer m.clearSession()

	if err := m.authenticate(ctx, sess, cred); err != nil {
		return err
	}

	m.setState(Ready)
	close(sess.ready)
	bo.Reset()
	m.logger.Info("connected", "topics", m.registry.Len())

	sessCtx, sessCancel := context.WithCancel(ctx)
	defer sessCancel()

	var wg sync.WaitGroup
	hbErr := make(chan error, 1)

	hb := &heartbeat{
		client:   cl,
		spec:     m.spec,
		interval: m.cfg.PingInterval,
		timeout:  m.cfg.StallTimeout,
		logger:   m.logger,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		hbErr <- hb.run(sessCtx)
	}()

	// Replay runs concurrently with the pump so its acks can resolve.
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.replay(sessCtx, cl)
	}()

	err = m.pump(sessCtx, sess, hbErr)

	sessCancel()
	cl.Close()
	wg.Wait()
	return err
}

// authenticate sends the auth frame and waits for the venue's verdict,
// pumping inbound frames meanwhile so the verdict can arrive. A nil auth
// frame means the connection needs no explicit authentication.
func (m *Manager) authenticate(ctx context.Context, sess *liveSession, cred *session.Credential) error {
	frame, err := m.spec.AuthFrame(cred)
	if err != nil {
		return fmt.Errorf("build auth frame: %w", err)
	}
	if frame == nil {
		return nil
	}

	m.setState(Authenticating)

	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := sess.client.Send(frame); err != nil {
		return fmt.Errorf("send auth frame: %w", err)
	}

	timer := time.NewTimer(m.cfg.AckTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w: no auth response", ErrAckTimeout)
		case err := <-sess.client.Errors():
			return err
		case msg, ok := <-sess.client.Messages():
			if !ok {
				return ErrNotConnected
			}
			m.dispatch(sess, msg)
		case err := <-sess.authCh:
			if err != nil {
				// Fatal for this attempt. Surface once, drop the
				// credential so the next attempt acquires fresh.
				if m.keeper != nil {
					m.keeper.Discard()
				}
				m.reportError(err)
				return err
			}
			return nil
		}
	}
}

// pump is the read loop of one ready session.
func (m *Manager) pump(ctx context.Context, sess *liveSession, hbErr <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.force:
			return errRotate
		case err := <-hbErr:
			if err == nil {
				return ErrNotConnected
			}
			return err
		case err := <-sess.client.Errors():
			return err
		case msg, ok := <-sess.client.Messages():
			if !ok {
				return ErrNotConnected
			}
			m.dispatch(sess, msg)
		}
	}
}

// replay re-sends the full registry in bounded batches with a pacing
// pause between them.
func (m *Manager) replay(ctx context.Context, cl *client) {
	if !m.spec.SupportsSubscriptions() {
		return
	}

	batches := m.registry.Batches(m.spec.Limits().TopicsPerRequest)
	for i, batch := range batches {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.BatchPause):
			}
		}

		frame, id, err := m.spec.SubscribeFrame(batch)
		if err != nil {
			m.logger.Error("build replay frame", "error", err)
			return
		}
		if err := m.sendControl(ctx, cl, frame, id); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("replay batch failed", "topics", len(batch), "error", err)
			continue
		}
		m.logger.Debug("replayed batch", "topics", len(batch))
	}
}

// sendControl rate-limits one control frame and waits for its
// acknowledgement.
func (m *Manager) sendControl(ctx context.Context, cl *client, frame []byte, id string) error {
	ackCh := make(chan error, 1)
	m.pendingMu.Lock()
	m.pending[id] = ackCh
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, id)
		m.pendingMu.Unlock()
	}()

	if err := m.limiter.Wait(ctx); err != nil {
		if errors.Is(err, ratelimit.ErrClosed) {
			return ErrStopped
		}
		return err
	}
	if err := cl.Send(frame); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.cfg.AckTimeout):
		return ErrAckTimeout
	case err := <-ackCh:
		return err
	}
}

// resolveAck completes the waiter for a control acknowledgement.
func (m *Manager) resolveAck(id string, err error) {
	m.pendingMu.Lock()
	ch, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.pendingMu.Unlock()

	if !ok {
		m.logger.Debug("acknowledgement for unknown request", "id", id)
		return
	}
	select {
	case ch <- err:
	default:
	}
}

// awaitReady waits bounded for a live ready session and returns its
// client, or nil when none became ready in time.
func (m *Manager) awaitReady(ctx context.Context) *client {
	deadline := time.NewTimer(m.cfg.ReadyWait)
	defer deadline.Stop()

	for {
		m.sessMu.Lock()
		sess := m.sess
		m.sessMu.Unlock()

		if sess != nil {
			select {
			case <-sess.ready:
				return sess.client
			case <-ctx.Done():
				return nil
			case <-deadline.C:
				return nil
			}
		}

		// No session yet; re-check shortly.
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// forceReconnect asks the run goroutine to tear the session down. Safe
// to call at any time; coalesces with a pending request.
func (m *Manager) forceReconnect() {
	select {
	case m.force <- struct{}{}:
	default:
	}
}

func (m *Manager) setSession(sess *liveSession) {
	m.sessMu.Lock()
	m.sess = sess
	m.sessMu.Unlock()
}

func (m *Manager) clearSession() {
	m.sessMu.Lock()
	m.sess = nil
	m.sessMu.Unlock()
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

func (m *Manager) reportError(err error) {
	select {
	case m.errs <- err:
	default:
		m.logger.Warn("error channel full", "error", err)
	}
}
