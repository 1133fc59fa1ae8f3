package model

import (
	"time"
)

const (
	MembershipFree      = "free"
	MembershipActive    = "active"
	MembershipGrace     = "grace"
	MembershipExpired   = "expired"
	MembershipCancelled = "cancelled"
)

// Membership is the per-user membership state driven by ledger settlement.
// active implies ExpiresAt is set; grace implies CancelRequestedAt is set.
type Membership struct {
	ID                int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID            int64      `gorm:"uniqueIndex;not null" json:"user_id"`
	Status            string     `gorm:"column:membership_status;type:varchar(16);not null;default:free" json:"membership_status"`
	ExpiresAt         *time.Time `gorm:"column:membership_expires_at" json:"membership_expires_at"`
	CancelRequestedAt *time.Time `gorm:"column:membership_cancel_requested_at" json:"membership_cancel_requested_at"`
	CancelReason      string     `gorm:"column:membership_cancel_reason;type:varchar(512)" json:"membership_cancel_reason"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Membership) TableName() string {
	return "membership"
}

// MembershipPatch is a partial update; nil fields are left alone.
type MembershipPatch struct {
	Status            *string
	ExpiresAt         *time.Time
	CancelRequestedAt *time.Time
	CancelReason      *string
}

func (p MembershipPatch) Columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if p.Status != nil {
		cols["membership_status"] = *p.Status
	}
	if p.ExpiresAt != nil {
		cols["membership_expires_at"] = *p.ExpiresAt
	}
	if p.CancelRequestedAt != nil {
		cols["membership_cancel_requested_at"] = *p.CancelRequestedAt
	}
	if p.CancelReason != nil {
		cols["membership_cancel_reason"] = *p.CancelReason
	}
	return cols
}
