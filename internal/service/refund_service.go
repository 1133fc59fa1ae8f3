package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"membershippay/internal/apperr"
	"membershippay/internal/config"
	"membershippay/internal/gateway"
	"membershippay/internal/infrastructure/lock"
	"membershippay/internal/logging"
	"membershippay/internal/model"
	"membershippay/internal/notify"
	"membershippay/internal/repository"
	"membershippay/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

type RefundService struct {
	db             *gorm.DB
	redisClient    *redis.Client
	cfg            *config.Config
	gateway        PaymentGateway
	notifier       notify.Notifier
	ledgerRepo     *repository.LedgerRepository
	membershipRepo *repository.MembershipRepository
	now            func() time.Time
}

func NewRefundService(db *gorm.DB, redisClient *redis.Client, gw PaymentGateway, notifier notify.Notifier, cfg *config.Config) *RefundService {
	return &RefundService{
		db:             db,
		redisClient:    redisClient,
		cfg:            cfg,
		gateway:        gw,
		notifier:       notifier,
		ledgerRepo:     repository.NewLedgerRepository(db),
		membershipRepo: repository.NewMembershipRepository(db),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

type CancellationResult struct {
	RefundRequestID string    `json:"refund_request_id"`
	RequestedAt     time.Time `json:"requested_at"`
}

// cancellableStatuses are the membership states a cancellation may move to
// grace.
var cancellableStatuses = []string{model.MembershipActive, model.MembershipGrace}

// RequestCancellation refunds a completed payment and moves the user's
// membership into grace until the refund settles.
//
// The refund checks, the gateway call and the writes run under a lock on
// the transaction reference whose lease is renewed for as long as the call
// runs; the unique pending refund key on the ledger catches anything that
// slips past it.
func (s *RefundService) RequestCancellation(ctx context.Context, userID int64, externalReference, reason string) (*CancellationResult, error) {
	const op = "service.RequestCancellation"

	externalReference = strings.TrimSpace(externalReference)
	if externalReference == "" {
		return nil, apperr.New(apperr.KindValidation, op, "external reference is required")
	}
	log := logging.FromContext(ctx).With("external_reference", externalReference, "user_id", userID)

	original, err := s.loadRefundable(ctx, op, userID, externalReference)
	if err != nil {
		return nil, err
	}
	if err := s.checkNotRefunded(ctx, op, userID, externalReference); err != nil {
		return nil, err
	}
	if err := s.checkCancellable(ctx, op, userID); err != nil {
		return nil, err
	}

	refundLock := lock.NewRefundLock(s.redisClient, externalReference, idgen.RequestID(), s.cfg.Business.RefundLockTTL)
	if err := refundLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		if errors.Is(err, lock.ErrLockFailed) {
			return nil, apperr.Wrap(apperr.KindConflict, op, err, "a cancellation for this transaction is already in progress")
		}
		return nil, apperr.Wrap(apperr.KindTransient, op, err, "acquire refund lock")
	}
	defer func() {
		if err := refundLock.Unlock(context.WithoutCancel(ctx)); err != nil {
			log.Warn("release refund lock", "error", err)
		}
	}()
	// the gateway call is abandoned if the lease cannot be renewed
	heldCtx, stopKeepAlive := refundLock.KeepAlive(ctx)
	defer stopKeepAlive()

	// re-check under the lock
	if err := s.checkNotRefunded(ctx, op, userID, externalReference); err != nil {
		return nil, err
	}

	amountMinor, err := ToMinorUnits(original.Amount)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, err, "invalid refund amount")
	}

	refundTxnID := idgen.RefundTransactionID()
	resp, err := s.gateway.Refund(heldCtx, gateway.RefundRequest{
		MerchantTransactionID: refundTxnID,
		OriginalTransactionID: externalReference,
		UserID:                userID,
		AmountMinor:           amountMinor,
	})
	if err != nil {
		if cause := context.Cause(heldCtx); errors.Is(cause, lock.ErrLockLost) {
			log.Error("refund lock lost during gateway call", "refund_transaction_id", refundTxnID, "error", cause)
			return nil, apperr.Wrap(apperr.KindTransient, op, cause, "refund lock lost")
		}
		log.Warn("gateway refused refund", "error", err)
		return nil, err
	}

	// the gateway has accepted the refund; record it even if the caller left
	storeCtx := context.WithoutCancel(ctx)
	requestedAt := s.now()
	cleanReason := SanitizeReason(reason, s.cfg.Membership.MaxReasonLength)
	pendingKey := model.PendingRefundKeyFor(externalReference, userID)

	refund := &model.LedgerEntry{
		EntryType:         model.EntryTypeRefund,
		Amount:            original.Amount,
		Currency:          original.Currency,
		Status:            model.EntryStatusPending,
		ExternalReference: externalReference,
		TransactionID:     refundTxnID,
		UserID:            userID,
		PendingRefundKey:  &pendingKey,
		Metadata: model.MustMetadata(map[string]any{
			model.MetaOriginalEntryID:     original.ID,
			model.MetaRefundTransactionID: resp.RefundID,
			model.MetaRefundResponse:      resp.Raw,
			model.MetaReason:              cleanReason,
		}),
	}

	err = s.db.WithContext(storeCtx).Transaction(func(tx *gorm.DB) error {
		if err := s.ledgerRepo.Create(storeCtx, tx, refund); err != nil {
			return err
		}
		grace := model.MembershipGrace
		err := s.membershipRepo.UpdateIfStatus(storeCtx, tx, userID, cancellableStatuses, model.MembershipPatch{
			Status:            &grace,
			CancelRequestedAt: &requestedAt,
			CancelReason:      &cleanReason,
		})
		if errors.Is(err, repository.ErrMembershipStatusChanged) {
			// the refund stands; the membership left active or grace meanwhile
			log.Warn("membership no longer cancellable, refund recorded without grace")
			return nil
		}
		return err
	})
	if errors.Is(err, repository.ErrDuplicatePendingRefund) {
		log.Error("gateway accepted a refund the ledger rejected as duplicate",
			"refund_transaction_id", refundTxnID, "refund_id", resp.RefundID)
		s.notifier.Emit(storeCtx, notify.EventRefundUnrecorded, notify.Payload{
			ExternalReference: externalReference,
			UserID:            userID,
			Data: map[string]any{
				"refund_transaction_id": refundTxnID,
				"refund_id":             resp.RefundID,
				"amount":                original.Amount.StringFixed(2),
				"currency":              original.Currency,
				"gateway_response":      resp.Raw,
			},
		})
		return nil, apperr.Wrap(apperr.KindConflict, op, err, "a refund is already pending for this transaction")
	}
	if err != nil {
		log.Error("record refund", "refund_transaction_id", refundTxnID, "refund_id", resp.RefundID, "error", err)
		return nil, apperr.Wrap(apperr.KindInternal, op, err, "record refund")
	}

	log.Info("cancellation requested", "refund_entry_id", refund.ID, "refund_id", resp.RefundID)

	s.notifier.Emit(storeCtx, notify.EventCancellationRequested, notify.Payload{
		ExternalReference: externalReference,
		UserID:            userID,
		Data: map[string]any{
			"refund_entry_id":       refund.ID,
			"refund_transaction_id": refundTxnID,
			"refund_id":             resp.RefundID,
			"amount":                original.Amount.StringFixed(2),
			"currency":              original.Currency,
			"reason":                cleanReason,
			"requested_at":          requestedAt.Format(time.RFC3339),
		},
	})

	return &CancellationResult{
		RefundRequestID: resp.RefundID,
		RequestedAt:     requestedAt,
	}, nil
}

// loadRefundable returns the user's completed debit for externalReference.
func (s *RefundService) loadRefundable(ctx context.Context, op string, userID int64, externalReference string) (*model.LedgerEntry, error) {
	original, err := s.ledgerRepo.FindOne(ctx, repository.LedgerFilter{
		ExternalReference: externalReference,
		EntryType:         model.EntryTypeDebit,
	})
	if errors.Is(err, repository.ErrEntryNotFound) {
		return nil, apperr.Wrap(apperr.KindNotFound, op, err, "transaction not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err, "load ledger entry")
	}

	if original.UserID != userID {
		return nil, apperr.New(apperr.KindAuthorization, op, "transaction belongs to another user")
	}
	if original.Status != model.EntryStatusCompleted {
		return nil, apperr.New(apperr.KindValidation, op,
			fmt.Sprintf("only completed payments can be refunded, status is %s", original.Status))
	}
	if !original.Amount.IsPositive() {
		return nil, apperr.New(apperr.KindValidation, op, "refund amount must be positive")
	}
	return original, nil
}

// checkNotRefunded rejects a transaction with a pending or completed
// refund. A failed refund may be retried.
func (s *RefundService) checkNotRefunded(ctx context.Context, op string, userID int64, externalReference string) error {
	refunds, err := s.ledgerRepo.FindMany(ctx, repository.LedgerFilter{
		ExternalReference: externalReference,
		EntryType:         model.EntryTypeRefund,
		UserID:            userID,
	}, 0)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, op, err, "check existing refunds")
	}
	for _, r := range refunds {
		switch r.Status {
		case model.EntryStatusPending:
			return apperr.New(apperr.KindConflict, op, "a refund is already pending for this transaction")
		case model.EntryStatusCompleted:
			return apperr.New(apperr.KindConflict, op, "this transaction has already been refunded")
		}
	}
	return nil
}

// checkCancellable requires an active or grace membership.
func (s *RefundService) checkCancellable(ctx context.Context, op string, userID int64) error {
	m, err := s.membershipRepo.GetByUserID(ctx, userID)
	if errors.Is(err, repository.ErrMembershipNotFound) {
		return apperr.New(apperr.KindValidation, op, "no membership to cancel")
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, op, err, "load membership")
	}
	for _, status := range cancellableStatuses {
		if m.Status == status {
			return nil
		}
	}
	return apperr.New(apperr.KindValidation, op, fmt.Sprintf("membership is %s and cannot be cancelled", m.Status))
}

// SanitizeReason trims reason, drops control characters and caps it at
// maxRunes runes.
func SanitizeReason(reason string, maxRunes int) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if r < 0x20 || r == 0x7f || r == utf8.RuneError {
			return -1
		}
		return r
	}, reason)
	cleaned = strings.TrimSpace(cleaned)

	if maxRunes > 0 && utf8.RuneCountInString(cleaned) > maxRunes {
		runes := []rune(cleaned)
		cleaned = strings.TrimSpace(string(runes[:maxRunes]))
	}
	return cleaned
}
