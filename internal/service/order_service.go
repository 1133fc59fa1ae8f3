package service

import (
	"context"
	"errors"
	"strings"

	"membershippay/internal/apperr"
	"membershippay/internal/config"
	"membershippay/internal/gateway"
	"membershippay/internal/logging"
	"membershippay/internal/model"
	"membershippay/internal/repository"
	"membershippay/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var hundred = decimal.NewFromInt(100)

type OrderService struct {
	cfg        *config.Config
	gateway    PaymentGateway
	ledgerRepo *repository.LedgerRepository
}

func NewOrderService(db *gorm.DB, gw PaymentGateway, cfg *config.Config) *OrderService {
	return &OrderService{
		cfg:        cfg,
		gateway:    gw,
		ledgerRepo: repository.NewLedgerRepository(db),
	}
}

type CreateOrderRequest struct {
	UserID      int64
	Amount      decimal.Decimal
	RedirectURL string
}

type CreateOrderResult struct {
	ExternalReference string `json:"external_reference"`
	PaymentPageURL    string `json:"payment_page_url"`
}

// CreateOrder registers a payment with the gateway and records it as a
// pending debit. Nothing is written unless the gateway accepted the order.
func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, error) {
	const op = "service.CreateOrder"

	if req.UserID <= 0 {
		return nil, apperr.New(apperr.KindValidation, op, "user id is required")
	}
	if !req.Amount.IsPositive() {
		return nil, apperr.New(apperr.KindValidation, op, "amount must be positive")
	}

	redirectURL := strings.TrimSpace(req.RedirectURL)
	if redirectURL == "" {
		redirectURL = s.cfg.Gateway.RedirectURL
	}
	if redirectURL == "" {
		return nil, apperr.New(apperr.KindValidation, op, "redirect url is required")
	}

	amountMinor, err := ToMinorUnits(req.Amount)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, err, "invalid amount")
	}

	ref := idgen.MerchantTransactionID()
	log := logging.FromContext(ctx).With("external_reference", ref, "user_id", req.UserID)

	resp, err := s.gateway.Pay(ctx, gateway.PayRequest{
		MerchantTransactionID: ref,
		UserID:                req.UserID,
		AmountMinor:           amountMinor,
		RedirectURL:           redirectURL,
	})
	if err != nil {
		log.Warn("gateway rejected order", "error", err)
		return nil, err
	}
	if resp.RedirectURL == "" {
		return nil, apperr.New(apperr.KindGateway, op, "gateway response has no payment page url")
	}

	entry := &model.LedgerEntry{
		EntryType:         model.EntryTypeDebit,
		Amount:            req.Amount.Round(2),
		Currency:          s.cfg.Membership.Currency,
		Status:            model.EntryStatusPending,
		ExternalReference: ref,
		TransactionID:     ref,
		UserID:            req.UserID,
		Metadata: model.MustMetadata(map[string]any{
			model.MetaGatewayResponse: resp.Raw,
			model.MetaPaymentPageURL:  resp.RedirectURL,
		}),
	}
	// the gateway already knows about this order, so record it even if the
	// caller has gone away
	if err := s.ledgerRepo.Create(context.WithoutCancel(ctx), nil, entry); err != nil {
		log.Error("record pending debit", "error", err)
		return nil, apperr.Wrap(apperr.KindInternal, op, err, "record pending debit")
	}

	log.Info("order created", "entry_id", entry.ID, "amount_minor", amountMinor)

	return &CreateOrderResult{
		ExternalReference: ref,
		PaymentPageURL:    resp.RedirectURL,
	}, nil
}

// GetOrder returns the debit entry for a merchant transaction id.
func (s *OrderService) GetOrder(ctx context.Context, externalReference string) (*model.LedgerEntry, error) {
	const op = "service.GetOrder"

	if externalReference == "" {
		return nil, apperr.New(apperr.KindValidation, op, "external reference is required")
	}
	entry, err := s.ledgerRepo.FindOne(ctx, repository.LedgerFilter{
		ExternalReference: externalReference,
		EntryType:         model.EntryTypeDebit,
	})
	if errors.Is(err, repository.ErrEntryNotFound) {
		return nil, apperr.Wrap(apperr.KindNotFound, op, err, "transaction not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err, "load ledger entry")
	}
	return entry, nil
}

// ToMinorUnits converts a major-unit amount to the gateway's minor unit,
// rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal) (int64, error) {
	minor := amount.Mul(hundred).Round(0)
	if !minor.IsPositive() {
		return 0, errors.New("amount rounds to zero minor units")
	}
	if !minor.IsInteger() || minor.GreaterThan(decimal.NewFromInt(1<<53)) {
		return 0, errors.New("amount out of range")
	}
	return minor.IntPart(), nil
}
