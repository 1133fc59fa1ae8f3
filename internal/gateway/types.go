package gateway

import "encoding/json"

const (
	PayPath    = "/pg/v1/pay"
	RefundPath = "/pg/v1/refund"
	statusPath = "/pg/v1/status"
)

// Transaction states reported by the status API.
const (
	StateCompleted = "COMPLETED"
	StateFailed    = "FAILED"
	StateDeclined  = "DECLINED"
	StatePending   = "PENDING"
)

// envelope is the outer shape of every gateway response.
type envelope struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type PayRequest struct {
	MerchantTransactionID string
	UserID                int64
	AmountMinor           int64
	RedirectURL           string
}

type payPayload struct {
	MerchantID            string            `json:"merchantId"`
	MerchantTransactionID string            `json:"merchantTransactionId"`
	MerchantUserID        string            `json:"merchantUserId"`
	Amount                int64             `json:"amount"`
	RedirectURL           string            `json:"redirectUrl"`
	RedirectMode          string            `json:"redirectMode"`
	CallbackURL           string            `json:"callbackUrl"`
	PaymentInstrument     paymentInstrument `json:"paymentInstrument"`
}

type paymentInstrument struct {
	Type string `json:"type"`
}

type payData struct {
	MerchantID            string `json:"merchantId"`
	MerchantTransactionID string `json:"merchantTransactionId"`
	InstrumentResponse    struct {
		Type         string `json:"type"`
		RedirectInfo struct {
			URL    string `json:"url"`
			Method string `json:"method"`
		} `json:"redirectInfo"`
	} `json:"instrumentResponse"`
}

type PayResponse struct {
	Code                  string
	Message               string
	MerchantTransactionID string
	RedirectURL           string
	Raw                   json.RawMessage
}

// StatusData is the data block of a status response.
type StatusData struct {
	MerchantID            string `json:"merchantId"`
	MerchantTransactionID string `json:"merchantTransactionId"`
	TransactionID         string `json:"transactionId"`
	Amount                int64  `json:"amount"`
	State                 string `json:"state"`
	ResponseCode          string `json:"responseCode"`
}

// StatusResponse is the authoritative state of one transaction.
type StatusResponse struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    StatusData      `json:"data"`
	Raw     json.RawMessage `json:"-"`
}

// State is the transaction state, or "" when the lookup did not succeed.
func (s *StatusResponse) State() string {
	if s == nil || !s.Success {
		return ""
	}
	return s.Data.State
}

type RefundRequest struct {
	MerchantTransactionID string
	OriginalTransactionID string
	UserID                int64
	AmountMinor           int64
}

type refundPayload struct {
	MerchantID            string `json:"merchantId"`
	MerchantUserID        string `json:"merchantUserId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	MerchantTransactionID string `json:"merchantTransactionId"`
	Amount                int64  `json:"amount"`
	CallbackURL           string `json:"callbackUrl"`
}

type RefundResponse struct {
	Code                  string
	Message               string
	MerchantTransactionID string
	// RefundID is the gateway's id for the refund, falling back to our
	// merchant transaction id when the gateway does not return one.
	RefundID string
	State    string
	Raw      json.RawMessage
}

// signedEnvelope is the request body of POST endpoints.
type signedEnvelope struct {
	Request string `json:"request"`
}
