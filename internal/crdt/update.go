package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidUpdate indicates that an update payload could not be decoded.
	ErrInvalidUpdate = errors.New("crdt: invalid update")
	// ErrRundownMismatch indicates that an update targets a different rundown.
	ErrRundownMismatch = errors.New("crdt: update targets different rundown")
)

// Scope names the record family a write belongs to.
const (
	scopeItem = "item"
	scopeMeta = "meta"
)

// Stamp is a Lamport timestamp with a replica tiebreak. Two stamps never
// compare equal across replicas for distinct writes, which makes
// last-writer-wins register merges deterministic on every peer.
type Stamp struct {
	Lamport uint64 `json:"l"`
	Replica string `json:"r"`
}

// Less reports whether s is ordered before other.
func (s Stamp) Less(other Stamp) bool {
	if s.Lamport != other.Lamport {
		return s.Lamport < other.Lamport
	}
	return s.Replica < other.Replica
}

// Write is one register assignment inside an update.
type Write struct {
	Scope  string          `json:"s"`
	ItemID string          `json:"id,omitempty"`
	Field  string          `json:"f"`
	Value  json.RawMessage `json:"v"`
	Stamp  Stamp           `json:"t"`
}

// Update is the replicated unit shipped between peers: all register writes
// committed by one transaction, or a full state transfer.
type Update struct {
	RundownID string  `json:"rundown_id"`
	Origin    string  `json:"origin"`
	Writes    []Write `json:"writes"`
}

// EncodeUpdate serializes an update for the transport and the offline cache.
func EncodeUpdate(update Update) ([]byte, error) {
	payload, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return payload, nil
}

// DecodeUpdate parses an update payload received from a peer or the cache.
func DecodeUpdate(payload []byte) (Update, error) {
	var update Update
	if err := json.Unmarshal(payload, &update); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if update.RundownID == "" {
		return Update{}, fmt.Errorf("%w: missing rundown id", ErrInvalidUpdate)
	}
	return update, nil
}
