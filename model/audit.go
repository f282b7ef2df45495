package model

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog is one row of the dashboard audit trail: votes, registrations,
// profile and guild edits, and every admin action. Target names the object
// acted on as "<kind>:<id>" or a bare name.
type AuditLog struct {
	ID         int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TraceID    string         `gorm:"index:idx_audit_trace;size:64;not null" json:"trace_id"`
	AccountID  *int64         `gorm:"index:idx_audit_account" json:"account_id,omitempty"`
	Action     string         `gorm:"index:idx_audit_action;size:64;not null" json:"action"`
	Target     string         `gorm:"index:idx_audit_target;size:64" json:"target"`
	Request    datatypes.JSON `json:"request,omitempty"`
	Error      string         `gorm:"type:text" json:"error,omitempty"`
	IP         string         `gorm:"size:45" json:"ip"`
	DurationMs int            `json:"duration_ms"`
	CreatedAt  time.Time      `gorm:"index:idx_audit_created;autoCreateTime:milli" json:"created_at"`
}

// Failed reports whether the audited action returned an error.
func (a *AuditLog) Failed() bool { return a.Error != "" }
