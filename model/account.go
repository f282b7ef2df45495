package model

import "time"

const (
	AccountBanned = 0
	AccountActive = 1
)

// Account is a dashboard login. MS11 bots authenticate with the same
// credentials, so a ban locks out both. DiscordID, when linked, is the voter
// identity used by the vote limiter instead of the client IP.
type Account struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string     `gorm:"uniqueIndex;size:32;not null" json:"username"`
	PasswordHash string     `gorm:"size:64;not null" json:"-"`
	DiscordID    string     `gorm:"size:32;index" json:"discord_id,omitempty"`
	Status       int        `gorm:"default:1;index" json:"status"`
	BanReason    string     `gorm:"size:255" json:"ban_reason,omitempty"`
	BannedAt     *time.Time `json:"banned_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at"`
	LastLoginIP  string     `gorm:"size:45" json:"last_login_ip"`
}

// Banned reports whether the account is locked out.
func (a *Account) Banned() bool { return a.Status == AccountBanned }
