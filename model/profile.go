package model

import "time"

// Faction values as shown in-game.
const (
	FactionNeutral  = "neutral"
	FactionImperial = "imperial"
	FactionRebel    = "rebel"
)

// CharacterProfile is a public character page on the dashboard.
type CharacterProfile struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID  int64     `gorm:"index:idx_profile_account;not null" json:"account_id"`
	Name       string    `gorm:"uniqueIndex:idx_profile_name_server;size:32;not null" json:"name"`
	Server     string    `gorm:"uniqueIndex:idx_profile_name_server;size:32;not null" json:"server"`
	Species    string    `gorm:"size:32" json:"species"`
	Profession string    `gorm:"size:32;index" json:"profession"`
	Faction    string    `gorm:"size:16;default:neutral" json:"faction"`
	Level      int       `gorm:"default:1" json:"level"`
	Planet     string    `gorm:"size:32" json:"planet"`
	Bio        string    `gorm:"type:text" json:"bio"`
	GuildID    *int64    `gorm:"index" json:"guild_id"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
