package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/OndesLab/conducteur/internal/rundown"
)

var (
	// ErrItemExists indicates that an item identifier is already present;
	// item ids are never reused.
	ErrItemExists = errors.New("crdt: item already exists")
	// ErrItemNotFound indicates that an item is absent or deleted.
	ErrItemNotFound = errors.New("crdt: item not found")
	// ErrIndexOutOfRange indicates that a reorder index is outside the list.
	ErrIndexOutOfRange = errors.New("crdt: index out of range")
)

type stagedWrite struct {
	scope  string
	itemID string
	field  string
	value  json.RawMessage
}

// Tx stages mutations against a document. Nothing staged is visible outside
// the transaction until commit, and a failed transaction leaves the document
// untouched.
type Tx struct {
	doc         *Document
	staged      []stagedWrite
	stagedIndex map[string]int
}

func (tx *Tx) set(scope string, itemID string, field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("crdt: encode %s.%s: %w", scope, field, err)
	}
	key := scope + "\x00" + itemID + "\x00" + field
	if index, ok := tx.stagedIndex[key]; ok {
		tx.staged[index].value = raw
		return nil
	}
	tx.stagedIndex[key] = len(tx.staged)
	tx.staged = append(tx.staged, stagedWrite{scope: scope, itemID: itemID, field: field, value: raw})
	return nil
}

func (tx *Tx) value(scope string, itemID string, field string) (json.RawMessage, bool) {
	key := scope + "\x00" + itemID + "\x00" + field
	if index, ok := tx.stagedIndex[key]; ok {
		return tx.staged[index].value, true
	}
	if scope == scopeItem {
		fields, ok := tx.doc.items[itemID]
		if !ok {
			return nil, false
		}
		reg, ok := fields[field]
		return reg.value, ok
	}
	reg, ok := tx.doc.meta[field]
	return reg.value, ok
}

func (tx *Tx) itemKnown(itemID string) bool {
	if _, ok := tx.doc.items[itemID]; ok {
		return true
	}
	if _, ok := tx.value(scopeItem, itemID, fieldOrderKey); ok {
		return true
	}
	return false
}

func (tx *Tx) itemVisible(itemID string) bool {
	if _, ok := tx.value(scopeItem, itemID, fieldOrderKey); !ok {
		return false
	}
	deleted, _ := tx.value(scopeItem, itemID, fieldDeleted)
	return !decodeBool(deleted)
}

type orderedRef struct {
	id  string
	key string
}

func (tx *Tx) visibleItems() []orderedRef {
	ids := make(map[string]struct{}, len(tx.doc.items))
	for itemID := range tx.doc.items {
		ids[itemID] = struct{}{}
	}
	for _, staged := range tx.staged {
		if staged.scope == scopeItem {
			ids[staged.itemID] = struct{}{}
		}
	}
	ordered := make([]orderedRef, 0, len(ids))
	for itemID := range ids {
		if !tx.itemVisible(itemID) {
			continue
		}
		key, _ := tx.value(scopeItem, itemID, fieldOrderKey)
		ordered = append(ordered, orderedRef{id: itemID, key: decodeString(key)})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].key != ordered[j].key {
			return ordered[i].key < ordered[j].key
		}
		return ordered[i].id < ordered[j].id
	})
	return ordered
}

// ItemCount returns the number of live items as seen by the transaction.
func (tx *Tx) ItemCount() int {
	return len(tx.visibleItems())
}

// AddItem appends a new item at the end of the rundown.
func (tx *Tx) AddItem(itemID rundown.ItemID, draft rundown.ItemDraft) error {
	if itemID == "" {
		return rundown.ErrInvalidItemID
	}
	if err := draft.Validate(); err != nil {
		return err
	}
	if tx.itemKnown(itemID.String()) {
		return fmt.Errorf("%w: %s", ErrItemExists, itemID)
	}

	status := draft.Status
	if status == "" {
		status = rundown.ItemStatusPending
	}

	visible := tx.visibleItems()
	lastKey := ""
	if len(visible) > 0 {
		lastKey = visible[len(visible)-1].key
	}

	id := itemID.String()
	if err := tx.set(scopeItem, id, fieldOrderKey, nextOrderKey(lastKey, "", tx.doc.replicaID)); err != nil {
		return err
	}
	if err := tx.set(scopeItem, id, fieldDeleted, false); err != nil {
		return err
	}
	if err := tx.set(scopeItem, id, fieldType, draft.Type.String()); err != nil {
		return err
	}
	if err := tx.set(scopeItem, id, fieldTitle, draft.Title); err != nil {
		return err
	}
	if err := tx.set(scopeItem, id, fieldDuration, draft.DurationSeconds); err != nil {
		return err
	}
	if err := tx.set(scopeItem, id, fieldStatus, status.String()); err != nil {
		return err
	}
	if err := tx.set(scopeItem, id, fieldNotes, draft.Notes); err != nil {
		return err
	}
	if err := tx.set(scopeItem, id, fieldStoryID, draft.StoryID); err != nil {
		return err
	}
	return tx.set(scopeItem, id, fieldAssigneeID, draft.AssigneeID)
}

// UpdateItem applies a partial update to an existing item.
func (tx *Tx) UpdateItem(itemID rundown.ItemID, patch rundown.ItemPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	id := itemID.String()
	if !tx.itemVisible(id) {
		return fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	if patch.Type != nil {
		if err := tx.set(scopeItem, id, fieldType, patch.Type.String()); err != nil {
			return err
		}
	}
	if patch.Title != nil {
		if err := tx.set(scopeItem, id, fieldTitle, *patch.Title); err != nil {
			return err
		}
	}
	if patch.DurationSeconds != nil {
		if err := tx.set(scopeItem, id, fieldDuration, *patch.DurationSeconds); err != nil {
			return err
		}
	}
	if patch.Status != nil {
		if err := tx.set(scopeItem, id, fieldStatus, patch.Status.String()); err != nil {
			return err
		}
	}
	if patch.Notes != nil {
		if err := tx.set(scopeItem, id, fieldNotes, *patch.Notes); err != nil {
			return err
		}
	}
	if patch.StoryID != nil {
		if err := tx.set(scopeItem, id, fieldStoryID, *patch.StoryID); err != nil {
			return err
		}
	}
	if patch.AssigneeID != nil {
		if err := tx.set(scopeItem, id, fieldAssigneeID, *patch.AssigneeID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteItem tombstones an item. Positions of the remaining items compact
// automatically because they are derived from order keys at snapshot time.
func (tx *Tx) DeleteItem(itemID rundown.ItemID) error {
	id := itemID.String()
	if !tx.itemVisible(id) {
		return fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	return tx.set(scopeItem, id, fieldDeleted, true)
}

// MoveItem relocates the item at fromIndex so that it lands at toIndex in
// the rendered order. toIndex is clamped to the list bounds.
func (tx *Tx) MoveItem(fromIndex int, toIndex int) error {
	visible := tx.visibleItems()
	if fromIndex < 0 || fromIndex >= len(visible) {
		return fmt.Errorf("%w: from %d of %d", ErrIndexOutOfRange, fromIndex, len(visible))
	}
	if toIndex < 0 {
		toIndex = 0
	}
	if toIndex > len(visible)-1 {
		toIndex = len(visible) - 1
	}
	if fromIndex == toIndex {
		return nil
	}

	moved := visible[fromIndex]
	remaining := make([]orderedRef, 0, len(visible)-1)
	remaining = append(remaining, visible[:fromIndex]...)
	remaining = append(remaining, visible[fromIndex+1:]...)

	before := ""
	if toIndex > 0 {
		before = remaining[toIndex-1].key
	}
	after := ""
	if toIndex < len(remaining) {
		after = remaining[toIndex].key
	}
	return tx.set(scopeItem, moved.id, fieldOrderKey, nextOrderKey(before, after, tx.doc.replicaID))
}

// SetMeta applies a partial update to the rundown metadata record.
func (tx *Tx) SetMeta(patch rundown.MetaPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	if patch.Status != nil {
		if err := tx.set(scopeMeta, "", metaFieldStatus, patch.Status.String()); err != nil {
			return err
		}
	}
	if patch.Notes != nil {
		if err := tx.set(scopeMeta, "", metaFieldNotes, *patch.Notes); err != nil {
			return err
		}
	}
	return nil
}
