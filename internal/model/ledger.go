package model

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	EntryTypeDebit      = "debit"
	EntryTypeCredit     = "credit"
	EntryTypeRefund     = "refund"
	EntryTypeAdjustment = "adjustment"
)

const (
	EntryStatusPending   = "pending"
	EntryStatusCompleted = "completed"
	EntryStatusFailed    = "failed"
)

// validStatusTransitions is the whole entry lifecycle: terminal states have
// no way out.
var validStatusTransitions = map[string][]string{
	EntryStatusPending: {EntryStatusCompleted, EntryStatusFailed},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	for _, s := range validStatusTransitions[currentStatus] {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// Metadata keys written by the core.
const (
	MetaGatewayResponse     = "gateway_response"
	MetaStatusResponse      = "status_response"
	MetaRefundResponse      = "refund_response"
	MetaPaymentPageURL      = "payment_page_url"
	MetaOriginalEntryID     = "original_entry_id"
	MetaRefundTransactionID = "refund_transaction_id"
	MetaReason              = "reason"
)

// LedgerEntry records one monetary movement. Entries are created pending,
// settled once by the reconciler, and never deleted.
type LedgerEntry struct {
	ID                int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	EntryType         string          `gorm:"type:varchar(16);not null;index:idx_ledger_ref_type" json:"entry_type"`
	Amount            decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Currency          string          `gorm:"type:varchar(3);not null" json:"currency"`
	Status            string          `gorm:"type:varchar(16);not null;index" json:"status"`
	ExternalReference string          `gorm:"type:varchar(64);not null;index:idx_ledger_ref_type" json:"external_reference"`
	TransactionID     string          `gorm:"type:varchar(64);not null;index" json:"transaction_id"`
	UserID            int64           `gorm:"index;not null" json:"user_id"`
	PendingRefundKey  *string         `gorm:"type:varchar(96);uniqueIndex" json:"-"`
	Metadata          datatypes.JSON  `json:"metadata"`
	CreatedAt         time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entry"
}

// PendingRefundKeyFor is the value of the unique pending_refund_key column
// while a refund for (externalReference, userID) is in flight.
func PendingRefundKeyFor(externalReference string, userID int64) string {
	return externalReference + ":" + strconv.FormatInt(userID, 10)
}

// MetadataMap decodes Metadata; an empty or malformed column yields an empty
// map.
func (e *LedgerEntry) MetadataMap() map[string]any {
	m := map[string]any{}
	if len(e.Metadata) > 0 {
		_ = json.Unmarshal(e.Metadata, &m)
	}
	return m
}

// MustMetadata encodes m for the Metadata column. Values come from decoded
// JSON or plain strings, so encoding cannot fail in practice.
func MustMetadata(m map[string]any) datatypes.JSON {
	b, err := json.Marshal(m)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(b)
}
