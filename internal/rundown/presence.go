package rundown

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
)

// ErrInvalidUser indicates that a presence identity is incomplete.
var ErrInvalidUser = errors.New("rundown: invalid user")

// presencePalette is the fixed set of colors assigned to connected editors.
// The mapping from identity to color is deterministic so the same user keeps
// the same color across reconnects without coordination.
var presencePalette = [8]string{
	"#e6194b",
	"#3cb44b",
	"#ffe119",
	"#4363d8",
	"#f58231",
	"#911eb4",
	"#46f0f0",
	"#f032e6",
}

// User identifies one collaborating session's owner.
type User struct {
	ID    string
	Name  string
	Color string
}

// NewUser validates the identity and assigns a palette color when absent.
func NewUser(id string, name string, color string) (User, error) {
	trimmedID := strings.TrimSpace(id)
	if trimmedID == "" {
		return User{}, fmt.Errorf("%w: empty id", ErrInvalidUser)
	}
	trimmedColor := strings.TrimSpace(color)
	if trimmedColor == "" {
		trimmedColor = ColorForIdentity(trimmedID)
	}
	return User{
		ID:    trimmedID,
		Name:  strings.TrimSpace(name),
		Color: trimmedColor,
	}, nil
}

// ColorForIdentity maps a user identifier onto the fixed presence palette.
func ColorForIdentity(id string) string {
	hasher := fnv.New32a()
	hasher.Write([]byte(id)) //nolint:errcheck
	return presencePalette[hasher.Sum32()%uint32(len(presencePalette))]
}

// Cursor marks the item and field a session is currently focused on.
type Cursor struct {
	ItemID ItemID `json:"item_id"`
	Field  string `json:"field,omitempty"`
}

// Presence is the ephemeral state published for one connected session. It is
// carried over the transport only, never written to the replicated document.
type Presence struct {
	SessionID string  `json:"session_id"`
	User      User    `json:"user"`
	Cursor    *Cursor `json:"cursor,omitempty"`
}
