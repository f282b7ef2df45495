package model

import (
	"time"

	"gorm.io/datatypes"
)

// QuestStatus represents the completion state of a quest.
type QuestStatus = int

const (
	QuestStatusInProgress QuestStatus = 0
	QuestStatusCompleted  QuestStatus = 1
	QuestStatusAbandoned  QuestStatus = 2
)

// QuestProgress tracks a profile's progress on a quest definition.
type QuestProgress struct {
	ID          int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	ProfileID   int64          `gorm:"index:idx_profile_quest;not null" json:"profile_id"`
	QuestID     string         `gorm:"index:idx_profile_quest;size:64;not null" json:"quest_id"`
	Status      int            `gorm:"default:0" json:"status"`
	Progress    datatypes.JSON `json:"progress"` // {"0": 1, "1": 3} step index -> count
	AcceptedAt  time.Time      `gorm:"autoCreateTime" json:"accepted_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at"`
}

// HeroicRun records a completed heroic instance.
type HeroicRun struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ProfileID   int64     `gorm:"index:idx_heroic_profile;not null" json:"profile_id"`
	Instance    string    `gorm:"index:idx_heroic_profile;size:64;not null" json:"instance"`
	CompletedAt time.Time `gorm:"index" json:"completed_at"`
}
