package crdt

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/OndesLab/conducteur/internal/rundown"
)

var (
	errMissingRundownID = errors.New("crdt: rundown id is required")
	errMissingReplicaID = errors.New("crdt: replica id is required")
)

// Item field registers. Every mutable attribute of an item is an independent
// last-writer-wins register, so concurrent edits to different fields of the
// same item merge without loss.
const (
	fieldType       = "type"
	fieldTitle      = "title"
	fieldDuration   = "duration"
	fieldStatus     = "status"
	fieldNotes      = "notes"
	fieldStoryID    = "story_id"
	fieldAssigneeID = "assignee_id"
	fieldOrderKey   = "ord"
	fieldDeleted    = "del"
)

// Metadata registers.
const (
	metaFieldStatus = "status"
	metaFieldNotes  = "notes"
)

type register struct {
	value json.RawMessage
	stamp Stamp
}

// UpdateEvent notifies observers of one committed transaction or one applied
// remote update. Payload is the encoded update, suitable for the transport
// and the offline cache.
type UpdateEvent struct {
	Payload []byte
	Local   bool
}

// DocumentConfig describes the inputs required to build a Document.
type DocumentConfig struct {
	RundownID rundown.RundownID
	ReplicaID string
}

/// Document is the replicated rundown: an ordered collection of item register
// maps plus one metadata register map, merged by last-writer-wins stamps.
// A Document belongs to exactly one session and one rundown id.
type Document struct {
	mu        sync.Mutex
	rundownID rundown.RundownID
	replicaID string
	lamport   uint64
	items     map[string]map[string]register
	meta      map[string]register

	subscriberMu sync.Mutex
	subscribers  map[int64]func(UpdateEvent)
	nextSubID    int64
}

// NewDocument constructs an empty replicated document for one rundown.
func NewDocument(cfg DocumentConfig) (*Document, error) {
	if cfg.RundownID == "" {
		return nil, errMissingRundownID
	}
	if cfg.ReplicaID == "" {
		return nil, errMissingReplicaID
	}
	return &Document{
		rundownID:   cfg.RundownID,
		replicaID:   cfg.ReplicaID,
		items:       make(map[string]map[string]register),
		meta:        make(map[string]register),
		subscribers: make(map[int64]func(UpdateEvent)),
	}, nil
}

// RundownID returns the identifier of the rundown this document replicates.
func (doc *Document) RundownID() rundown.RundownID {
	return doc.rundownID
}

// ReplicaID returns this peer's replica identifier.
func (doc *Document) ReplicaID() string {
	return doc.replicaID
}

// OnUpdate registers an observer for committed and applied updates. The
// returned function removes the observer.
func (doc *Document) OnUpdate(observer func(UpdateEvent)) func() {
	doc.subscriberMu.Lock()
	doc.nextSubID++
	id := doc.nextSubID
	doc.subscribers[id] = observer
	doc.subscriberMu.Unlock()
	return func() {
		doc.subscriberMu.Lock()
		delete(doc.subscribers, id)
		doc.subscriberMu.Unlock()
	}
}

func (doc *Document) notify(event UpdateEvent) {
	doc.subscriberMu.Lock()
	observers := make([]func(UpdateEvent), 0, len(doc.subscribers))
	for _, observer := range doc.subscribers {
		observers = append(observers, observer)
	}
	doc.subscriberMu.Unlock()
	for _, observer := range observers {
		observer(event)
	}
}

// Transact runs fn with exclusive access to the document. All mutations made
// through the transaction are committed as one update with one change
// notification; if fn returns an error nothing is applied.
func (doc *Document) Transact(fn func(tx *Tx) error) error {
	doc.mu.Lock()
	tx := &Tx{doc: doc, stagedIndex: make(map[string]int)}
	if err := fn(tx); err != nil {
		doc.mu.Unlock()
		return err
	}
	if len(tx.staged) == 0 {
		doc.mu.Unlock()
		return nil
	}

	doc.lamport++
	stamp := Stamp{Lamport: doc.lamport, Replica: doc.replicaID}
	update := Update{
		RundownID: doc.rundownID.String(),
		Origin:    doc.replicaID,
		Writes:    make([]Write, 0, len(tx.staged)),
	}
	for _, staged := range tx.staged {
		write := Write{
			Scope:  staged.scope,
			ItemID: staged.itemID,
			Field:  staged.field,
			Value:  staged.value,
			Stamp:  stamp,
		}
		doc.applyWriteLocked(write)
		update.Writes = append(update.Writes, write)
	}
	doc.mu.Unlock()

	payload, err := EncodeUpdate(update)
	if err != nil {
		return err
	}
	doc.notify(UpdateEvent{Payload: payload, Local: true})
	return nil
}

// ApplyUpdate merges an update received from a peer or replayed from the
// offline cache. Application is idempotent and commutative; observers are
// notified only when at least one register changed.
func (doc *Document) ApplyUpdate(payload []byte) error {
	update, err := DecodeUpdate(payload)
	if err != nil {
		return err
	}
	if update.RundownID != doc.rundownID.String() {
		return ErrRundownMismatch
	}

	doc.mu.Lock()
	changed := false
	for _, write := range update.Writes {
		if write.Stamp.Lamport > doc.lamport {
			doc.lamport = write.Stamp.Lamport
		}
		if doc.applyWriteLocked(write) {
			changed = true
		}
	}
	doc.mu.Unlock()

	if changed {
		doc.notify(UpdateEvent{Payload: payload, Local: false})
	}
	return nil
}

func (doc *Document) applyWriteLocked(write Write) bool {
	switch write.Scope {
	case scopeItem:
		if write.ItemID == "" {
			return false
		}
		fields, ok := doc.items[write.ItemID]
		if !ok {
			fields = make(map[string]register)
			doc.items[write.ItemID] = fields
		}
		current, exists := fields[write.Field]
		if exists && !current.stamp.Less(write.Stamp) {
			return false
		}
		fields[write.Field] = register{value: write.Value, stamp: write.Stamp}
		return true
	case scopeMeta:
		current, exists := doc.meta[write.Field]
		if exists && !current.stamp.Less(write.Stamp) {
			return false
		}
		doc.meta[write.Field] = register{value: write.Value, stamp: write.Stamp}
		return true
	default:
		return false
	}
}

// EncodeState serializes the full register state as one update, used for
// state transfer to joining peers and for the shared channel state blob.
func (doc *Document) EncodeState() ([]byte, error) {
	doc.mu.Lock()
	update := Update{
		RundownID: doc.rundownID.String(),
		Origin:    doc.replicaID,
	}
	itemIDs := make([]string, 0, len(doc.items))
	for itemID := range doc.items {
		itemIDs = append(itemIDs, itemID)
	}
	sort.Strings(itemIDs)
	for _, itemID := range itemIDs {
		fields := doc.items[itemID]
		fieldNames := sortedFieldNames(fields)
		for _, field := range fieldNames {
			reg := fields[field]
			update.Writes = append(update.Writes, Write{
				Scope:  scopeItem,
				ItemID: itemID,
				Field:  field,
				Value:  reg.value,
				Stamp:  reg.stamp,
			})
		}
	}
	for _, field := range sortedFieldNames(doc.meta) {
		reg := doc.meta[field]
		update.Writes = append(update.Writes, Write{
			Scope: scopeMeta,
			Field: field,
			Value: reg.value,
			Stamp: reg.stamp,
		})
	}
	doc.mu.Unlock()
	return EncodeUpdate(update)
}

func sortedFieldNames(fields map[string]register) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ItemCount returns the number of live (non-deleted) items.
func (doc *Document) ItemCount() int {
	doc.mu.Lock()
	defer doc.mu.Unlock()
	count := 0
	for itemID := range doc.items {
		if doc.itemVisibleLocked(itemID) {
			count++
		}
	}
	return count
}

// Snapshot derives the plain item list, sorted by position, plus the
// metadata record. The snapshot is a copy; mutating it has no effect on the
// document.
func (doc *Document) Snapshot() rundown.Snapshot {
	doc.mu.Lock()
	defer doc.mu.Unlock()
	return doc.snapshotLocked()
}

func (doc *Document) snapshotLocked() rundown.Snapshot {
	type orderedItem struct {
		id  string
		key string
	}
	ordered := make([]orderedItem, 0, len(doc.items))
	for itemID := range doc.items {
		if !doc.itemVisibleLocked(itemID) {
			continue
		}
		ordered = append(ordered, orderedItem{
			id:  itemID,
			key: decodeString(doc.items[itemID][fieldOrderKey].value),
		})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].key != ordered[j].key {
			return ordered[i].key < ordered[j].key
		}
		return ordered[i].id < ordered[j].id
	})

	snapshot := rundown.Snapshot{Items: make([]rundown.Item, 0, len(ordered))}
	for position, entry := range ordered {
		fields := doc.items[entry.id]
		item := rundown.Item{
			ID:              rundown.ItemID(entry.id),
			Type:            rundown.ItemType(decodeString(fields[fieldType].value)),
			Title:           decodeString(fields[fieldTitle].value),
			DurationSeconds: decodeInt(fields[fieldDuration].value),
			Position:        position,
			Status:          rundown.ItemStatus(decodeString(fields[fieldStatus].value)),
			Notes:           decodeString(fields[fieldNotes].value),
			StoryID:         decodeString(fields[fieldStoryID].value),
			AssigneeID:      decodeString(fields[fieldAssigneeID].value),
		}
		snapshot.Items = append(snapshot.Items, item)
	}

	snapshot.Meta = rundown.Meta{
		Status: rundown.RundownStatus(decodeString(doc.meta[metaFieldStatus].value)),
		Notes:  decodeString(doc.meta[metaFieldNotes].value),
	}
	if snapshot.Meta.Status == "" {
		snapshot.Meta.Status = rundown.RundownStatusDraft
	}
	return snapshot
}

func (doc *Document) itemVisibleLocked(itemID string) bool {
	fields, ok := doc.items[itemID]
	if !ok {
		return false
	}
	if _, hasOrder := fields[fieldOrderKey]; !hasOrder {
		return false
	}
	return !decodeBool(fields[fieldDeleted].value)
}

func decodeString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return value
}

func decodeInt(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var value int
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0
	}
	return value
}

func decodeBool(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var value bool
	if err := json.Unmarshal(raw, &value); err != nil {
		return false
	}
	return value
}
