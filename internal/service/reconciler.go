package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"membershippay/internal/apperr"
	"membershippay/internal/config"
	"membershippay/internal/gateway"
	"membershippay/internal/logging"
	"membershippay/internal/model"
	"membershippay/internal/notify"
	"membershippay/internal/repository"

	"gorm.io/gorm"
)

type Outcome string

const (
	// OutcomeIgnored: the webhook carried no transaction reference.
	OutcomeIgnored          Outcome = "ignored"
	OutcomeUnknownReference Outcome = "unknown_reference"
	OutcomeLookupFailed     Outcome = "lookup_failed"
	OutcomeCompleted        Outcome = "completed"
	OutcomeFailed           Outcome = "failed"
	OutcomePending          Outcome = "pending"
	OutcomeAlreadySettled   Outcome = "already_settled"
)

// SyncResult reports what one reconciliation did. Success is false when no
// authoritative outcome could be applied.
type SyncResult struct {
	Success           bool    `json:"success"`
	Outcome           Outcome `json:"outcome"`
	ExternalReference string  `json:"external_reference,omitempty"`
	EntryType         string  `json:"entry_type,omitempty"`
	EntryStatus       string  `json:"entry_status,omitempty"`
	GatewayState      string  `json:"gateway_state,omitempty"`
}

// Reconciler settles pending ledger entries from the gateway's status API.
// Webhooks only tell it which transaction to look at.
type Reconciler struct {
	db             *gorm.DB
	gateway        PaymentGateway
	notifier       notify.Notifier
	ledgerRepo     *repository.LedgerRepository
	membershipRepo *repository.MembershipRepository
	renewal        time.Duration
	now            func() time.Time
}

func NewReconciler(db *gorm.DB, gw PaymentGateway, notifier notify.Notifier, cfg *config.Config) *Reconciler {
	return &Reconciler{
		db:             db,
		gateway:        gw,
		notifier:       notifier,
		ledgerRepo:     repository.NewLedgerRepository(db),
		membershipRepo: repository.NewMembershipRepository(db),
		renewal:        cfg.Membership.RenewalPeriod(),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// HandleWebhook reconciles the transaction a gateway callback points at.
// The callback's own state fields are never read. A body without a
// reference is ignored without touching the store.
func (r *Reconciler) HandleWebhook(ctx context.Context, body []byte) (*SyncResult, error) {
	ref := ExtractReference(body)
	if ref == "" {
		logging.FromContext(ctx).Info("webhook without transaction reference ignored", "body_bytes", len(body))
		return &SyncResult{Success: false, Outcome: OutcomeIgnored}, nil
	}
	return r.Reconcile(ctx, ref)
}

// Reconcile fetches the authoritative status of ref and applies it.
func (r *Reconciler) Reconcile(ctx context.Context, ref string) (*SyncResult, error) {
	const op = "service.Reconcile"

	if ref == "" {
		return nil, apperr.New(apperr.KindValidation, op, "transaction reference is required")
	}

	status, err := r.gateway.FetchStatus(ctx, ref)
	if err != nil {
		// a lookup abandoned by our own caller says nothing about the payment
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.KindTransient, op, ctx.Err(), "status lookup cancelled")
		}
		logging.FromContext(ctx).Warn("status lookup failed", "external_reference", ref, "error", err)
		status = nil
	}
	return r.SyncFromStatus(ctx, ref, status)
}

// SyncFromStatus applies a status response to the entry tracked by ref. A
// nil or unsuccessful status is a failed lookup and fails the entry. Only
// the caller that moves the entry out of pending applies side effects, so
// replaying the same status is a no-op.
func (r *Reconciler) SyncFromStatus(ctx context.Context, ref string, status *gateway.StatusResponse) (*SyncResult, error) {
	const op = "service.SyncFromStatus"

	ctx = context.WithoutCancel(ctx)
	log := logging.FromContext(ctx).With("external_reference", ref)

	entry, err := r.ledgerRepo.FindOne(ctx, repository.LedgerFilter{TransactionID: ref})
	if errors.Is(err, repository.ErrEntryNotFound) {
		log.Warn("no ledger entry for transaction reference")
		return &SyncResult{Success: false, Outcome: OutcomeUnknownReference, ExternalReference: ref}, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err, "load ledger entry")
	}

	result := &SyncResult{
		ExternalReference: ref,
		EntryType:         entry.EntryType,
		EntryStatus:       entry.Status,
		GatewayState:      status.State(),
	}
	log = log.With("entry_id", entry.ID, "entry_type", entry.EntryType)

	if entry.Status != model.EntryStatusPending {
		result.Success = true
		result.Outcome = OutcomeAlreadySettled
		return result, nil
	}

	var target string
	switch {
	case status == nil || !status.Success:
		target = model.EntryStatusFailed
		result.Outcome = OutcomeLookupFailed
	case status.State() == gateway.StateCompleted:
		target = model.EntryStatusCompleted
		result.Outcome = OutcomeCompleted
		result.Success = true
	case status.State() == gateway.StateFailed || status.State() == gateway.StateDeclined:
		target = model.EntryStatusFailed
		result.Outcome = OutcomeFailed
		result.Success = true
	default:
		result.Success = true
		result.Outcome = OutcomePending
		return result, nil
	}

	won, expiresAt, err := r.settle(ctx, entry, target, status)
	if err != nil {
		log.Error("settle ledger entry", "target", target, "error", err)
		return nil, apperr.Wrap(apperr.KindInternal, op, err, "settle ledger entry")
	}
	if !won {
		log.Info("entry settled concurrently")
		result.Success = true
		result.Outcome = OutcomeAlreadySettled
		if current, err := r.ledgerRepo.GetByID(ctx, entry.ID); err == nil {
			result.EntryStatus = current.Status
		}
		return result, nil
	}

	result.EntryStatus = target
	log.Info("ledger entry settled", "status", target, "outcome", result.Outcome)
	r.emitSettled(ctx, entry, target, expiresAt)
	return result, nil
}

// settle moves entry from pending to target and applies the membership
// effect in the same transaction. won is false when another caller got
// there first.
func (r *Reconciler) settle(ctx context.Context, entry *model.LedgerEntry, target string, status *gateway.StatusResponse) (won bool, expiresAt time.Time, err error) {
	meta := entry.MetadataMap()
	if status != nil && len(status.Raw) > 0 {
		meta[model.MetaStatusResponse] = status.Raw
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := r.ledgerRepo.TransitionStatus(ctx, tx, entry.ID, model.EntryStatusPending, target, model.MustMetadata(meta))
		if errors.Is(err, repository.ErrEntryStatusInvalid) {
			return nil
		}
		if err != nil {
			return err
		}
		won = true

		if target != model.EntryStatusCompleted {
			return nil
		}
		switch entry.EntryType {
		case model.EntryTypeDebit:
			expiresAt = r.now().Add(r.renewal)
			return r.activateMembership(ctx, tx, entry.UserID, expiresAt)
		case model.EntryTypeRefund:
			err := r.membershipRepo.TransitionStatus(ctx, tx, entry.UserID, model.MembershipGrace, model.MembershipCancelled)
			if errors.Is(err, repository.ErrMembershipStatusChanged) {
				// the user paid again after asking to cancel
				logging.FromContext(ctx).Info("membership left as is after refund", "user_id", entry.UserID)
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return false, time.Time{}, err
	}
	return won, expiresAt, nil
}

func (r *Reconciler) activateMembership(ctx context.Context, tx *gorm.DB, userID int64, expiresAt time.Time) error {
	status := model.MembershipActive
	if err := r.membershipRepo.Update(ctx, tx, userID, model.MembershipPatch{
		Status:    &status,
		ExpiresAt: &expiresAt,
	}); err != nil {
		return err
	}
	return r.membershipRepo.ClearCancellation(ctx, tx, userID)
}

func (r *Reconciler) emitSettled(ctx context.Context, entry *model.LedgerEntry, target string, expiresAt time.Time) {
	payload := notify.Payload{
		ExternalReference: entry.ExternalReference,
		UserID:            entry.UserID,
		Data: map[string]any{
			"entry_id":       entry.ID,
			"transaction_id": entry.TransactionID,
			"amount":         entry.Amount.StringFixed(2),
			"currency":       entry.Currency,
		},
	}

	switch {
	case entry.EntryType == model.EntryTypeDebit && target == model.EntryStatusCompleted:
		r.notifier.Emit(ctx, notify.EventPaymentCompleted, payload)
		payload.Data = map[string]any{"expires_at": expiresAt.Format(time.RFC3339)}
		r.notifier.Emit(ctx, notify.EventMembershipActivated, payload)
	case entry.EntryType == model.EntryTypeDebit:
		r.notifier.Emit(ctx, notify.EventPaymentFailed, payload)
	case entry.EntryType == model.EntryTypeRefund && target == model.EntryStatusCompleted:
		r.notifier.Emit(ctx, notify.EventMembershipCancelled, payload)
	case entry.EntryType == model.EntryTypeRefund:
		r.notifier.Emit(ctx, notify.EventRefundFailed, payload)
	}
}

// ExtractReference finds the merchant transaction id in a webhook body. It
// accepts flat bodies and the gateway's {"response": base64(json)} callback.
func ExtractReference(body []byte) string {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return ""
	}

	for _, key := range []string{"merchantTransactionId", "externalReference", "transactionReference"} {
		if v, ok := fields[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if data, ok := fields["data"].(map[string]any); ok {
		if v, ok := data["merchantTransactionId"].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}

	encoded, ok := fields["response"].(string)
	if !ok || encoded == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ""
	}
	// the decoded envelope may itself be flat or carry a data block
	return ExtractReference(decoded)
}
