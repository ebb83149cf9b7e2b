package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	stateKeySuffix        = ":state"
	defaultHealthInterval = 15 * time.Second
	healthProbeTimeout    = 5 * time.Second
)

// StateKey returns the Redis key holding the channel's shared state blob.
func StateKey(channelKey string) string {
	return channelKey + stateKeySuffix
}

var errMissingRedisClient = errors.New("transport: redis client is required")

// RedisConnectorConfig describes the inputs required to build a RedisConnector.
type RedisConnectorConfig struct {
	Client         *redis.Client
	HealthInterval time.Duration
	Logger         *zap.Logger
}

// RedisConnector opens document channels over Redis pub/sub. The channel key
// doubles as the pub/sub channel name; the shared state blob lives at
/// "<channelKey>:state". A periodic health probe closes the connection when
// the server becomes unreachable so the owning link can reconnect.
type RedisConnector struct {
	client         *redis.Client
	healthInterval time.Duration
	logger         *zap.Logger
}

// NewRedisConnector constructs a connector over an existing Redis client.
func NewRedisConnector(cfg RedisConnectorConfig) (*RedisConnector, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	healthInterval := cfg.HealthInterval
	if healthInterval <= 0 {
		healthInterval = defaultHealthInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisConnector{
		client:         cfg.Client,
		healthInterval: healthInterval,
		logger:         logger,
	}, nil
}

// Open subscribes to the channel and starts the message pump.
func (connector *RedisConnector) Open(ctx context.Context, channelKey string) (Conn, error) {
	if err := connector.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("transport: redis ping: %w", err)
	}
	pubsub := connector.client.Subscribe(ctx, channelKey)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close() //nolint:errcheck
		return nil, fmt.Errorf("transport: redis subscribe: %w", err)
	}

	conn := &redisConn{
		client:     connector.client,
		pubsub:     pubsub,
		channelKey: channelKey,
		stream:     make(chan Message, memoryStreamBuffer),
		done:       make(chan struct{}),
		logger:     connector.logger,
	}
	go conn.pump()
	go conn.monitor(connector.healthInterval)
	return conn, nil
}

type redisConn struct {
	client     *redis.Client
	pubsub     *redis.PubSub
	channelKey string
	stream     chan Message
	done       chan struct{}
	logger     *zap.Logger

	closeOnce sync.Once
}

func (conn *redisConn) pump() {
	defer close(conn.stream)
	for raw := range conn.pubsub.Channel() {
		var message Message
		if err := json.Unmarshal([]byte(raw.Payload), &message); err != nil {
			conn.logger.Warn("transport: dropping malformed message",
				zap.String("channel", conn.channelKey), zap.Error(err))
			continue
		}
		select {
		case conn.stream <- message:
		case <-conn.done:
			return
		}
	}
}

func (conn *redisConn) monitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
			err := conn.client.Ping(probeCtx).Err()
			cancel()
			if err != nil {
				conn.logger.Warn("transport: redis health probe failed",
					zap.String("channel", conn.channelKey), zap.Error(err))
				conn.Close() //nolint:errcheck
				return
			}
		}
	}
}

func (conn *redisConn) Publish(ctx context.Context, message Message) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("transport: encode message: %w", err)
	}
	if err := conn.client.Publish(ctx, conn.channelKey, payload).Err(); err != nil {
		return fmt.Errorf("transport: redis publish: %w", err)
	}
	return nil
}

func (conn *redisConn) Messages() <-chan Message {
	return conn.stream
}

func (conn *redisConn) State(ctx context.Context) ([]byte, error) {
	state, err := conn.client.Get(ctx, conn.channelKey+stateKeySuffix).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transport: redis state read: %w", err)
	}
	return state, nil
}

func (conn *redisConn) SetState(ctx context.Context, state []byte) error {
	if err := conn.client.Set(ctx, conn.channelKey+stateKeySuffix, state, 0).Err(); err != nil {
		return fmt.Errorf("transport: redis state write: %w", err)
	}
	return nil
}

func (conn *redisConn) Close() error {
	var closeErr error
	conn.closeOnce.Do(func() {
		close(conn.done)
		closeErr = conn.pubsub.Close()
	})
	return closeErr
}
