package store

// ItemRecord is the persisted, non-collaborative mirror of one rundown item.
type ItemRecord struct {
	RundownID        string `gorm:"column:rundown_id;primaryKey;size:190;not null;index:idx_rundown_items_order,priority:1"`
	ItemID           string `gorm:"column:item_id;primaryKey;size:190;not null"`
	Position         int    `gorm:"column:position;not null;index:idx_rundown_items_order,priority:2"`
	ItemType         string `gorm:"column:item_type;size:32;not null"`
	Title            string `gorm:"column:title;size:512;not null"`
	DurationSeconds  int    `gorm:"column:duration_s;not null;default:0"`
	Status           string `gorm:"column:status;size:32;not null"`
	Notes            string `gorm:"column:notes;type:text;not null;default:''"`
	StoryID          string `gorm:"column:story_id;size:190;not null;default:''"`
	AssigneeID       string `gorm:"column:assignee_id;size:190;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ItemRecord) TableName() string {
	return "rundown_items"
}

// MetaRecord is the persisted metadata record, one per rundown.
type MetaRecord struct {
	RundownID        string `gorm:"column:rundown_id;primaryKey;size:190;not null"`
	Status           string `gorm:"column:status;size:32;not null"`
	Notes            string `gorm:"column:notes;type:text;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MetaRecord) TableName() string {
	return "rundown_meta"
}
