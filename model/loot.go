package model

import "time"

// LootEntry is one item (or credit drop) picked up by a character.
type LootEntry struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID int64     `gorm:"index:idx_loot_account" json:"account_id"`
	Character string    `gorm:"index:idx_loot_char;size:32" json:"character"`
	Item      string    `gorm:"size:128;not null" json:"item"`
	Quantity  int64     `gorm:"default:1" json:"quantity"`
	Category  string    `gorm:"index:idx_loot_category;size:16" json:"category"`
	Rarity    string    `gorm:"size:16" json:"rarity"`
	Source    string    `gorm:"size:128" json:"source"`
	Planet    string    `gorm:"size:32" json:"planet"`
	Raw       string    `gorm:"type:text" json:"raw,omitempty"`
	LootedAt  time.Time `gorm:"index:idx_loot_time" json:"looted_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
