package transport

import (
	"context"
	"sync"
)

const memoryStreamBuffer = 64

// MemoryHub is an in-process connector: every connection to the same channel
// key shares one fanout group and one state blob. It backs tests and
// single-process deployments.
type MemoryHub struct {
	mu       sync.RWMutex
	channels map[string]*memoryChannel
	nextID   int64
}

type memoryChannel struct {
	subscribers map[int64]*memoryConn
	state       []byte
}

type memoryConn struct {
	hub        *MemoryHub
	channelKey string
	id         int64
	stream     chan Message

	closeOnce sync.Once
}

// NewMemoryHub constructs an empty in-process hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{channels: make(map[string]*memoryChannel)}
}

// Open subscribes a new connection to the channel.
func (hub *MemoryHub) Open(_ context.Context, channelKey string) (Conn, error) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	channel, ok := hub.channels[channelKey]
	if !ok {
		channel = &memoryChannel{subscribers: make(map[int64]*memoryConn)}
		hub.channels[channelKey] = channel
	}
	hub.nextID++
	conn := &memoryConn{
		hub:        hub,
		channelKey: channelKey,
		id:         hub.nextID,
		stream:     make(chan Message, memoryStreamBuffer),
	}
	channel.subscribers[conn.id] = conn
	return conn, nil
}

// KickAll force-closes every connection on the channel, simulating a network
// drop. The shared state blob survives.
func (hub *MemoryHub) KickAll(channelKey string) {
	hub.mu.Lock()
	channel := hub.channels[channelKey]
	var kicked []*memoryConn
	if channel != nil {
		for _, conn := range channel.subscribers {
			kicked = append(kicked, conn)
		}
		channel.subscribers = make(map[int64]*memoryConn)
	}
	hub.mu.Unlock()
	for _, conn := range kicked {
		conn.closeStream()
	}
}

func (hub *MemoryHub) publish(channelKey string, message Message) {
	hub.mu.RLock()
	channel := hub.channels[channelKey]
	var targets []*memoryConn
	if channel != nil {
		targets = make([]*memoryConn, 0, len(channel.subscribers))
		for _, conn := range channel.subscribers {
			targets = append(targets, conn)
		}
	}
	hub.mu.RUnlock()
	for _, conn := range targets {
		select {
		case conn.stream <- message:
		default:
		}
	}
}

func (hub *MemoryHub) unregister(channelKey string, id int64) {
	hub.mu.Lock()
	channel := hub.channels[channelKey]
	if channel != nil {
		delete(channel.subscribers, id)
	}
	hub.mu.Unlock()
}

func (conn *memoryConn) Publish(_ context.Context, message Message) error {
	conn.hub.publish(conn.channelKey, message)
	return nil
}

func (conn *memoryConn) Messages() <-chan Message {
	return conn.stream
}

func (conn *memoryConn) State(_ context.Context) ([]byte, error) {
	conn.hub.mu.RLock()
	defer conn.hub.mu.RUnlock()
	channel := conn.hub.channels[conn.channelKey]
	if channel == nil || channel.state == nil {
		return nil, nil
	}
	state := make([]byte, len(channel.state))
	copy(state, channel.state)
	return state, nil
}

func (conn *memoryConn) SetState(_ context.Context, state []byte) error {
	stored := make([]byte, len(state))
	copy(stored, state)
	conn.hub.mu.Lock()
	channel := conn.hub.channels[conn.channelKey]
	if channel != nil {
		channel.state = stored
	}
	conn.hub.mu.Unlock()
	return nil
}

func (conn *memoryConn) Close() error {
	conn.hub.unregister(conn.channelKey, conn.id)
	conn.closeStream()
	return nil
}

func (conn *memoryConn) closeStream() {
	conn.closeOnce.Do(func() {
		close(conn.stream)
	})
}
