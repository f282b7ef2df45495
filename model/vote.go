package model

import "time"

// Vote target types.
const (
	VoteTargetProfile = "profile"
	VoteTargetGuild   = "guild"
	VoteTargetBuild   = "build"
)

// Vote is one accepted ballot.
type Vote struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TargetType string    `gorm:"index:idx_vote_target;size:16;not null" json:"target_type"`
	TargetID   int64     `gorm:"index:idx_vote_target;not null" json:"target_id"`
	Value      int       `gorm:"not null" json:"value"`
	VoterKey   string    `gorm:"index:idx_vote_voter;size:64;not null" json:"-"`
	IP         string    `gorm:"size:45" json:"-"`
	DiscordID  string    `gorm:"size:32" json:"-"`
	AccountID  *int64    `json:"account_id,omitempty"`
	CreatedAt  time.Time `gorm:"index:idx_vote_created;autoCreateTime" json:"created_at"`
}

// VoteTally holds running counters for one target.
type VoteTally struct {
	TargetType string    `gorm:"primaryKey;size:16" json:"target_type"`
	TargetID   int64     `gorm:"primaryKey" json:"target_id"`
	Up         int64     `gorm:"default:0" json:"up"`
	Down       int64     `gorm:"default:0" json:"down"`
	Score      int64     `gorm:"index;default:0" json:"score"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
