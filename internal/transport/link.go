package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultReconnectMin = 250 * time.Millisecond
	defaultReconnectMax = 5 * time.Second
)

var (
	errMissingConnector  = errors.New("transport: connector is required")
	errMissingChannelKey = errors.New("transport: channel key is required")
)

// LinkConfig describes the inputs required to build a Link.
type LinkConfig struct {
	Connector  Connector
	ChannelKey string

	// OnUp runs once per established connection, before the link reports
	// synced; it is where the owner performs the state exchange. A non-nil
	// error tears the connection down and schedules a retry.
	OnUp func(conn Conn) error
	// OnMessage receives every message delivered on the channel.
	OnMessage func(message Message)
	// OnDown runs whenever an established connection is lost.
	OnDown func()

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Logger       *zap.Logger
}

// Link owns the lifecycle of one document channel connection: it connects on
// Start, retries forever with capped exponential backoff, and exposes the
// connected and synced flags the editing surface renders. The replicated
// document is never touched on disconnect; pending local edits flow out
// through the next successful state exchange.
type Link struct {
	cfg    LinkConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.RWMutex
	conn      Conn
	connected bool
	synced    bool
}

// NewLink validates the configuration and returns an idle Link.
func NewLink(cfg LinkConfig) (*Link, error) {
	if cfg.Connector == nil {
		return nil, errMissingConnector
	}
	if cfg.ChannelKey == "" {
		return nil, errMissingChannelKey
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Link{cfg: cfg, done: make(chan struct{})}, nil
}

// Start launches the connect loop.
func (link *Link) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	link.cancel = cancel
	go link.run(ctx)
}

// Connected reports whether a live network channel exists.
func (link *Link) Connected() bool {
	link.mu.RLock()
	defer link.mu.RUnlock()
	return link.connected
}

// Synced reports whether this peer has completed a state exchange on the
// current connection.
func (link *Link) Synced() bool {
	link.mu.RLock()
	defer link.mu.RUnlock()
	return link.synced
}

// Conn returns the current connection, or nil while disconnected.
func (link *Link) Conn() Conn {
	link.mu.RLock()
	defer link.mu.RUnlock()
	return link.conn
}

// Publish sends a message on the current connection. Callers treat failures
// as fire-and-forget; the message content is recoverable through the next
// state exchange.
func (link *Link) Publish(ctx context.Context, message Message) error {
	conn := link.Conn()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Publish(ctx, message)
}

// Close stops the connect loop and releases the current connection.
func (link *Link) Close() {
	if link.cancel == nil {
		return
	}
	link.cancel()
	link.mu.Lock()
	conn := link.conn
	link.conn = nil
	link.connected = false
	link.synced = false
	link.mu.Unlock()
	if conn != nil {
		conn.Close() //nolint:errcheck
	}
	<-link.done
}

func (link *Link) run(ctx context.Context) {
	defer close(link.done)
	backoff := link.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := link.cfg.Connector.Open(ctx, link.cfg.ChannelKey)
		if err != nil {
			link.cfg.Logger.Warn("transport: connect failed",
				zap.String("channel", link.cfg.ChannelKey),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, link.cfg.ReconnectMax)
			continue
		}

		link.mu.Lock()
		link.conn = conn
		link.connected = true
		link.mu.Unlock()

		if link.cfg.OnUp != nil {
			if err := link.cfg.OnUp(conn); err != nil {
				link.cfg.Logger.Warn("transport: state exchange failed",
					zap.String("channel", link.cfg.ChannelKey), zap.Error(err))
				link.dropConn(conn)
				if !sleepCtx(ctx, backoff) {
					return
				}
				backoff = nextBackoff(backoff, link.cfg.ReconnectMax)
				continue
			}
		}

		link.mu.Lock()
		link.synced = true
		link.mu.Unlock()
		backoff = link.cfg.ReconnectMin

		link.consume(ctx, conn)
		link.dropConn(conn)
		if link.cfg.OnDown != nil {
			link.cfg.OnDown()
		}
		if ctx.Err() != nil {
			return
		}
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, link.cfg.ReconnectMax)
	}
}

func (link *Link) consume(ctx context.Context, conn Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-conn.Messages():
			if !ok {
				return
			}
			if link.cfg.OnMessage != nil {
				link.cfg.OnMessage(message)
			}
		}
	}
}

func (link *Link) dropConn(conn Conn) {
	conn.Close() //nolint:errcheck
	link.mu.Lock()
	if link.conn == conn {
		link.conn = nil
	}
	link.connected = false
	link.synced = false
	link.mu.Unlock()
}

func nextBackoff(current time.Duration, max time.Duration) time.Duration {
	doubled := current * 2
	if doubled > max {
		return max
	}
	return doubled
}

func sleepCtx(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
