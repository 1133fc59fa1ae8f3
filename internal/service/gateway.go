package service

import (
	"context"

	"membershippay/internal/gateway"
)

// PaymentGateway is the part of gateway.Client the services use.
type PaymentGateway interface {
	Pay(ctx context.Context, req gateway.PayRequest) (*gateway.PayResponse, error)
	FetchStatus(ctx context.Context, merchantTransactionID string) (*gateway.StatusResponse, error)
	Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResponse, error)
}

var _ PaymentGateway = (*gateway.Client)(nil)
