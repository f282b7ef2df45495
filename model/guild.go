package model

import "time"

// GuildRank represents a member's rank within the guild.
type GuildRank = int

const (
	GuildRankLeader  GuildRank = 1
	GuildRankOfficer GuildRank = 2
	GuildRankMember  GuildRank = 3
)

// Guild is a player association (PA) listed on the dashboard.
type Guild struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"uniqueIndex;size:32;not null" json:"name"`
	Tag       string    `gorm:"size:8" json:"tag"`
	Server    string    `gorm:"size:32;index" json:"server"`
	Faction   string    `gorm:"size:16;default:neutral" json:"faction"`
	Notice    string    `gorm:"type:text" json:"notice"`
	LeaderID  int64     `gorm:"not null" json:"leader_id"` // CharacterProfile.ID
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// GuildMember links a profile to a guild with a rank.
type GuildMember struct {
	GuildID   int64     `gorm:"primaryKey;index:idx_guild_member" json:"guild_id"`
	ProfileID int64     `gorm:"primaryKey;index:idx_profile_guild" json:"profile_id"`
	Rank      int       `gorm:"default:3" json:"rank"`
	JoinedAt  time.Time `gorm:"autoCreateTime" json:"joined_at"`
}
