// Package transport carries the replicated document's update stream and the
// ephemeral presence traffic over a pub/sub channel scoped to one rundown.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageKind discriminates the traffic sharing one document channel.
type MessageKind string

const (
	// MessageKindUpdate carries one committed document update.
	MessageKindUpdate MessageKind = "update"
	// MessageKindState carries a full document state transfer.
	MessageKindState MessageKind = "state"
	// MessageKindPresence carries an awareness envelope.
	MessageKindPresence MessageKind = "presence"
)

var (
	// ErrNotConnected indicates that no live channel is available.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrChannelClosed indicates that the connection was torn down.
	ErrChannelClosed = errors.New("transport: channel closed")
)

// Message is the framing shared by every connector. Payload contents are
// opaque to the transport.
type Message struct {
	Kind    MessageKind `json:"kind"`
	Sender  string      `json:"sender"`
	Payload []byte      `json:"payload"`
}

// Conn is one live subscription to a document channel. Messages delivers
// everything published on the channel, including this connection's own
// publishes; callers filter by sender. The channel closes when the
// connection is lost or closed.
type Conn interface {
	Publish(ctx context.Context, message Message) error
	Messages() <-chan Message
	State(ctx context.Context) ([]byte, error)
	SetState(ctx context.Context, state []byte) error
	Close() error
}

// Connector opens connections to document channels.
type Connector interface {
	Open(ctx context.Context, channelKey string) (Conn, error)
}

// DecodeMessage parses a raw wire payload into a Message.
func DecodeMessage(payload []byte) (Message, error) {
	var message Message
	if err := json.Unmarshal(payload, &message); err != nil {
		return Message{}, fmt.Errorf("transport: decode message: %w", err)
	}
	return message, nil
}
