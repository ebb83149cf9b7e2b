package rundown

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRundownID indicates that a rundown identifier is empty or exceeds storage bounds.
	ErrInvalidRundownID = errors.New("rundown: invalid rundown id")
	// ErrInvalidItemID indicates that an item identifier is empty or exceeds storage bounds.
	ErrInvalidItemID = errors.New("rundown: invalid item id")
	// ErrInvalidItemType indicates that an item type is outside the closed set.
	ErrInvalidItemType = errors.New("rundown: invalid item type")
	// ErrInvalidItemStatus indicates that an item status is outside the closed set.
	ErrInvalidItemStatus = errors.New("rundown: invalid item status")
	// ErrInvalidRundownStatus indicates that a rundown status is outside the closed set.
	ErrInvalidRundownStatus = errors.New("rundown: invalid rundown status")
	// ErrInvalidDuration indicates that a duration is negative.
	ErrInvalidDuration = errors.New("rundown: invalid duration")
)

// RundownID represents a validated rundown identifier.
type RundownID string

// NewRundownID validates raw input and returns a RundownID.
func NewRundownID(rawInput string) (RundownID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRundownID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRundownID, maxIdentifierLength)
	}
	return RundownID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RundownID) String() string {
	return string(id)
}

const channelKeyPrefix = "rundown:"

// ChannelPattern matches every rundown channel key, for pattern
// subscriptions.
const ChannelPattern = channelKeyPrefix + "*"

// ChannelKey returns the pub/sub channel key for the rundown's collaborative session.
func (id RundownID) ChannelKey() string {
	return channelKeyPrefix + string(id)
}

// RundownIDFromChannelKey recovers the rundown identifier from a channel key.
func RundownIDFromChannelKey(channelKey string) (RundownID, error) {
	trimmed, found := strings.CutPrefix(channelKey, channelKeyPrefix)
	if !found {
		return "", fmt.Errorf("%w: not a rundown channel key", ErrInvalidRundownID)
	}
	return NewRundownID(trimmed)
}

// ItemID represents a validated rundown item identifier.
type ItemID string

// NewItemID validates raw input and returns an ItemID.
func NewItemID(rawInput string) (ItemID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidItemID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidItemID, maxIdentifierLength)
	}
	return ItemID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ItemID) String() string {
	return string(id)
}

// ItemType enumerates the closed set of rundown segment kinds.
type ItemType string

const (
	ItemTypeStory     ItemType = "STORY"
	ItemTypeInterview ItemType = "INTERVIEW"
	ItemTypeJingle    ItemType = "JINGLE"
	ItemTypeMusic     ItemType = "MUSIC"
	ItemTypeLive      ItemType = "LIVE"
	ItemTypeBreak     ItemType = "BREAK"
	ItemTypeOther     ItemType = "OTHER"
)

// ParseItemType validates raw input and returns an ItemType.
func ParseItemType(rawInput string) (ItemType, error) {
	switch ItemType(strings.ToUpper(strings.TrimSpace(rawInput))) {
	case ItemTypeStory:
		return ItemTypeStory, nil
	case ItemTypeInterview:
		return ItemTypeInterview, nil
	case ItemTypeJingle:
		return ItemTypeJingle, nil
	case ItemTypeMusic:
		return ItemTypeMusic, nil
	case ItemTypeLive:
		return ItemTypeLive, nil
	case ItemTypeBreak:
		return ItemTypeBreak, nil
	case ItemTypeOther:
		return ItemTypeOther, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidItemType, rawInput)
	}
}

// String returns the item type as a string.
func (t ItemType) String() string {
	return string(t)
}

// ItemStatus enumerates the closed set of per-item editorial states.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "PENDING"
	ItemStatusInProgress ItemStatus = "IN_PROGRESS"
	ItemStatusReady      ItemStatus = "READY"
	ItemStatusOnAir      ItemStatus = "ON_AIR"
	ItemStatusDone       ItemStatus = "DONE"
)

// ParseItemStatus validates raw input and returns an ItemStatus.
func ParseItemStatus(rawInput string) (ItemStatus, error) {
	switch ItemStatus(strings.ToUpper(strings.TrimSpace(rawInput))) {
	case ItemStatusPending:
		return ItemStatusPending, nil
	case ItemStatusInProgress:
		return ItemStatusInProgress, nil
	case ItemStatusReady:
		return ItemStatusReady, nil
	case ItemStatusOnAir:
		return ItemStatusOnAir, nil
	case ItemStatusDone:
		return ItemStatusDone, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidItemStatus, rawInput)
	}
}

// String returns the item status as a string.
func (s ItemStatus) String() string {
	return string(s)
}

// RundownStatus enumerates the closed set of whole-rundown states.
type RundownStatus string

const (
	RundownStatusDraft    RundownStatus = "DRAFT"
	RundownStatusReady    RundownStatus = "READY"
	RundownStatusOnAir    RundownStatus = "ON_AIR"
	RundownStatusArchived RundownStatus = "ARCHIVED"
)

// ParseRundownStatus validates raw input and returns a RundownStatus.
func ParseRundownStatus(rawInput string) (RundownStatus, error) {
	switch RundownStatus(strings.ToUpper(strings.TrimSpace(rawInput))) {
	case RundownStatusDraft:
		return RundownStatusDraft, nil
	case RundownStatusReady:
		return RundownStatusReady, nil
	case RundownStatusOnAir:
		return RundownStatusOnAir, nil
	case RundownStatusArchived:
		return RundownStatusArchived, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRundownStatus, rawInput)
	}
}

// String returns the rundown status as a string.
func (s RundownStatus) String() string {
	return string(s)
}

// DurationSeconds represents a validated non-negative segment duration.
type DurationSeconds int

// NewDurationSeconds validates the value and returns a DurationSeconds.
func NewDurationSeconds(value int) (DurationSeconds, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDuration, value)
	}
	return DurationSeconds(value), nil
}

// Int returns the raw seconds value.
func (d DurationSeconds) Int() int {
	return int(d)
}

// Item is a derived plain snapshot of one rundown entry. The replicated
// document remains the source of truth; an Item handed to callers is never
// written back directly.
type Item struct {
	ID              ItemID
	Type            ItemType
	Title           string
	DurationSeconds int
	Position        int
	Status          ItemStatus
	Notes           string
	StoryID         string
	AssigneeID      string
}

// Meta is a derived plain snapshot of the per-rundown metadata record.
type Meta struct {
	Status RundownStatus
	Notes  string
}

// Snapshot bundles the item list (sorted by position) with the metadata
// record, as exchanged with the system-of-record store.
type Snapshot struct {
	Items []Item
	Meta  Meta
}

// ItemDraft carries the caller-supplied attributes for a new item.
type ItemDraft struct {
	Type            ItemType
	Title           string
	DurationSeconds int
	Status          ItemStatus
	Notes           string
	StoryID         string
	AssigneeID      string
}

// Validate checks the draft against the domain's closed sets and bounds.
func (d ItemDraft) Validate() error {
	if _, err := ParseItemType(d.Type.String()); err != nil {
		return err
	}
	if d.Status != "" {
		if _, err := ParseItemStatus(d.Status.String()); err != nil {
			return err
		}
	}
	if _, err := NewDurationSeconds(d.DurationSeconds); err != nil {
		return err
	}
	return nil
}

// ItemPatch describes a partial update to an existing item. Nil fields are
// left untouched; the item identifier itself is immutable.
type ItemPatch struct {
	Type            *ItemType
	Title           *string
	DurationSeconds *int
	Status          *ItemStatus
	Notes           *string
	StoryID         *string
	AssigneeID      *string
}

// Empty reports whether the patch carries no changes.
func (p ItemPatch) Empty() bool {
	return p.Type == nil && p.Title == nil && p.DurationSeconds == nil &&
		p.Status == nil && p.Notes == nil && p.StoryID == nil && p.AssigneeID == nil
}

// Validate checks the populated fields against the domain's closed sets.
func (p ItemPatch) Validate() error {
	if p.Type != nil {
		if _, err := ParseItemType(p.Type.String()); err != nil {
			return err
		}
	}
	if p.Status != nil {
		if _, err := ParseItemStatus(p.Status.String()); err != nil {
			return err
		}
	}
	if p.DurationSeconds != nil {
		if _, err := NewDurationSeconds(*p.DurationSeconds); err != nil {
			return err
		}
	}
	return nil
}

// MetaPatch describes a partial update to the rundown metadata record.
type MetaPatch struct {
	Status *RundownStatus
	Notes  *string
}

// Empty reports whether the patch carries no changes.
func (p MetaPatch) Empty() bool {
	return p.Status == nil && p.Notes == nil
}

// Validate checks the populated fields against the domain's closed sets.
func (p MetaPatch) Validate() error {
	if p.Status != nil {
		if _, err := ParseRundownStatus(p.Status.String()); err != nil {
			return err
		}
	}
	return nil
}
