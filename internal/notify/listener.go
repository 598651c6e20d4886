package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// connState is the listener's connection lifecycle. The explicit state
// machine (rather than ad hoc nil checks) keeps EnsureConnected
// idempotent during startup races and reconnect storms.
type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Listener subscribes to the availability channel on a dedicated
// connection and converts notifications into coalesced wake signals.
// It re-subscribes automatically after a transport disconnect; a
// subscription gap never stalls processing because workers also poll.
type Listener struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu    sync.Mutex
	state connState
	conn  *pgxpool.Conn

	wake chan struct{}
}

func NewListener(pool *pgxpool.Pool, logger *slog.Logger) *Listener {
	return &Listener{
		pool:   pool,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Wake delivers one signal per burst of notifications. The channel has a
// one-slot buffer: signals arriving while a worker is mid-claim collapse
// into a single pending wake, which is sufficient because workers drain
// the store on every wake.
func (l *Listener) Wake() <-chan struct{} {
	return l.wake
}

// Run listens until ctx is canceled, reconnecting with backoff after any
// transport failure.
func (l *Listener) Run(ctx context.Context) {
	defer l.disconnect()

	for {
		if ctx.Err() != nil {
			return
		}

		if err := l.EnsureConnected(ctx); err != nil {
			l.logger.Warn("notification subscribe failed; will retry",
				"channel", Channel, "err", err)
			if !sleepCtx(ctx, 2*time.Second) {
				return
			}
			continue
		}

		if err := l.waitOne(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("notification connection lost; reconnecting",
				"channel", Channel, "err", err)
			l.disconnect()
		}
	}
}

// EnsureConnected subscribes if not already subscribed. Safe to call
// concurrently and repeatedly; only one LISTEN is ever issued per
// connection.
func (l *Listener) EnsureConnected(ctx context.Context) error {
	l.mu.Lock()
	if l.state == stateConnected {
		l.mu.Unlock()
		return nil
	}
	l.state = stateConnecting
	l.mu.Unlock()

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		l.setState(stateDisconnected)
		return err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		conn.Release()
		l.setState(stateDisconnected)
		return err
	}

	l.mu.Lock()
	l.conn = conn
	l.state = stateConnected
	l.mu.Unlock()

	l.logger.Info("subscribed to job notifications", "channel", Channel)
	return nil
}

func (l *Listener) waitOne(ctx context.Context) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return context.Canceled
	}

	if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
		return err
	}

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

func (l *Listener) disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		l.conn.Release()
		l.conn = nil
	}
	l.state = stateDisconnected
}

func (l *Listener) setState(s connState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
