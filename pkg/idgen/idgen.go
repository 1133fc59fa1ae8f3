package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// TransactionIDLength is the fixed length of every merchant transaction id.
// The gateway rejects ids longer than 38 characters.
const TransactionIDLength = 35

const (
	prefixPayment = "MT"
	prefixRefund  = "RF"
)

// MerchantTransactionID returns a new id for a payment attempt, e.g.
// MT3f2a9c0e8b7d4e1f9a6c5b4d3e2f1a0b9c8.
func MerchantTransactionID() string {
	return newID(prefixPayment)
}

// RefundTransactionID returns a new id for a refund request.
func RefundTransactionID() string {
	return newID(prefixRefund)
}

// RequestID is used to correlate logs and to own distributed locks.
func RequestID() string {
	return uuid.NewString()
}

// newID takes the random part from two v4 UUIDs.
func newID(prefix string) string {
	raw := hexUUID() + hexUUID()
	return prefix + raw[:TransactionIDLength-len(prefix)]
}

func hexUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
