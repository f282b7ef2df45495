package model

import (
	"time"

	"gorm.io/datatypes"
)

// Bot session states.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
	SessionLost   = "lost"
)

// BotSession is one MS11 run reported to the dashboard.
type BotSession struct {
	ID            string     `gorm:"primaryKey;size:36" json:"id"`
	AccountID     int64      `gorm:"index:idx_session_account;not null" json:"account_id"`
	Character     string     `gorm:"size:32" json:"character"`
	Mode          string     `gorm:"size:32" json:"mode"`
	Planet        string     `gorm:"size:32" json:"planet"`
	X             float64    `json:"x"`
	Y             float64    `json:"y"`
	Status        string     `gorm:"index;size:16;default:active" json:"status"`
	XP            int64      `gorm:"default:0" json:"xp"`
	Credits       int64      `gorm:"default:0" json:"credits"`
	LootCount     int64      `gorm:"default:0" json:"loot_count"`
	StuckCount    int        `gorm:"default:0" json:"stuck_count"`
	RecoveryCount int        `gorm:"default:0" json:"recovery_count"`
	PvPAlerts     int        `gorm:"default:0" json:"pvp_alerts"`
	StartedAt     time.Time  `gorm:"autoCreateTime" json:"started_at"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	EndedAt       *time.Time `json:"ended_at"`
	EndReason     string     `gorm:"size:64" json:"end_reason"`
}

// SessionEvent is a notable thing that happened during a session.
type SessionEvent struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string         `gorm:"index:idx_event_session;size:36;not null" json:"session_id"`
	Kind      string         `gorm:"size:16;not null" json:"kind"` // stuck | recovery | watchdog | info
	Message   string         `gorm:"type:text" json:"message"`
	Data      datatypes.JSON `json:"data"`
	CreatedAt time.Time      `gorm:"autoCreateTime:milli" json:"created_at"`
}
