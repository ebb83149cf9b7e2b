package offline

// CachedUpdate stores one append-only document update awaiting compaction.
type CachedUpdate struct {
	UpdateID        int64  `gorm:"column:update_id;primaryKey;autoIncrement"`
	RundownID       string `gorm:"column:rundown_id;size:190;not null;index:idx_cached_updates_rundown;uniqueIndex:idx_cached_update_dedupe,priority:1"`
	PayloadB64      string `gorm:"column:payload_b64;type:text;not null"`
	PayloadHash     string `gorm:"column:payload_hash;size:64;not null;uniqueIndex:idx_cached_update_dedupe,priority:2"`
	CachedAtSeconds int64  `gorm:"column:cached_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CachedUpdate) TableName() string {
	return "rundown_crdt_updates"
}

// CachedState stores the compacted full document state per rundown.
type CachedState struct {
	RundownID      string `gorm:"column:rundown_id;primaryKey;size:190;not null"`
	StateB64       string `gorm:"column:state_b64;type:text;not null"`
	SavedAtSeconds int64  `gorm:"column:saved_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CachedState) TableName() string {
	return "rundown_crdt_state"
}
