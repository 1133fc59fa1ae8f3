package repository

import (
	"context"
	"errors"
	"time"

	"membershippay/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrEntryNotFound          = errors.New("ledger entry not found")
	ErrEntryStatusInvalid     = errors.New("ledger entry status transition not allowed")
	ErrDuplicatePendingRefund = errors.New("duplicate pending refund key")
)

// LedgerFilter selects entries; zero-valued fields are ignored.
type LedgerFilter struct {
	ExternalReference string
	TransactionID     string
	EntryType         string
	Status            string
	UserID            int64
	CreatedBefore     time.Time
}

func (f LedgerFilter) apply(q *gorm.DB) *gorm.DB {
	if f.ExternalReference != "" {
		q = q.Where("external_reference = ?", f.ExternalReference)
	}
	if f.TransactionID != "" {
		q = q.Where("transaction_id = ?", f.TransactionID)
	}
	if f.EntryType != "" {
		q = q.Where("entry_type = ?", f.EntryType)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.UserID != 0 {
		q = q.Where("user_id = ?", f.UserID)
	}
	if !f.CreatedBefore.IsZero() {
		q = q.Where("created_at < ?", f.CreatedBefore)
	}
	return q
}

type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

// Create inserts entry. A second pending refund for the same
// (external_reference, user) hits the unique pending_refund_key index and
// comes back as ErrDuplicatePendingRefund.
func (r *LedgerRepository) Create(ctx context.Context, tx *gorm.DB, entry *model.LedgerEntry) error {
	err := r.conn(tx).WithContext(ctx).Create(entry).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) && entry.PendingRefundKey != nil {
		return ErrDuplicatePendingRefund
	}
	return err
}

// FindMany returns up to limit entries, oldest first.
func (r *LedgerRepository) FindMany(ctx context.Context, filter LedgerFilter, limit int) ([]*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	q := filter.apply(r.db.WithContext(ctx).Model(&model.LedgerEntry{}))
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Order("created_at ASC").Order("id ASC").Find(&entries).Error
	return entries, err
}

// FindOne returns the oldest entry matching filter.
func (r *LedgerRepository) FindOne(ctx context.Context, filter LedgerFilter) (*model.LedgerEntry, error) {
	entries, err := r.FindMany(ctx, filter, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrEntryNotFound
	}
	return entries[0], nil
}

func (r *LedgerRepository) GetByID(ctx context.Context, id int64) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// Update applies patch to non-status columns. Status changes go through
// TransitionStatus.
func (r *LedgerRepository) Update(ctx context.Context, tx *gorm.DB, id int64, patch map[string]interface{}) error {
	if _, ok := patch["status"]; ok {
		return ErrEntryStatusInvalid
	}
	result := r.conn(tx).WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Where("id = ?", id).
		Updates(patch)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// TransitionStatus moves an entry from fromStatus to toStatus only if it is
// still in fromStatus. Exactly one of several concurrent callers wins; the
// others get ErrEntryStatusInvalid. Leaving pending also releases the
// pending refund key. metadata, when non-nil, replaces the stored metadata.
func (r *LedgerRepository) TransitionStatus(ctx context.Context, tx *gorm.DB, id int64, fromStatus, toStatus string, metadata datatypes.JSON) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrEntryStatusInvalid
	}

	updates := map[string]interface{}{
		"status":             toStatus,
		"pending_refund_key": nil,
	}
	if metadata != nil {
		updates["metadata"] = metadata
	}

	result := r.conn(tx).WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEntryStatusInvalid
	}
	return nil
}

// ListStalePending returns pending entries of entryType created before
// the cutoff, for the poll-driven reconciler.
func (r *LedgerRepository) ListStalePending(ctx context.Context, entryType string, before time.Time, limit int) ([]*model.LedgerEntry, error) {
	return r.FindMany(ctx, LedgerFilter{
		EntryType:     entryType,
		Status:        model.EntryStatusPending,
		CreatedBefore: before,
	}, limit)
}
