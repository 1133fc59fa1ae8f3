package repository

import (
	"context"
	"errors"

	"membershippay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrMembershipNotFound      = errors.New("membership not found")
	ErrMembershipStatusChanged = errors.New("membership status changed concurrently")
)

type MembershipRepository struct {
	db *gorm.DB
}

func NewMembershipRepository(db *gorm.DB) *MembershipRepository {
	return &MembershipRepository{db: db}
}

func (r *MembershipRepository) GetByUserID(ctx context.Context, userID int64) (*model.Membership, error) {
	var m model.Membership
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMembershipNotFound
		}
		return nil, err
	}
	return &m, nil
}

// Update applies patch to the user's membership, creating the row when the
// user has none yet.
func (r *MembershipRepository) Update(ctx context.Context, tx *gorm.DB, userID int64, patch model.MembershipPatch) error {
	if tx == nil {
		tx = r.db
	}

	cols := patch.Columns()
	if len(cols) == 0 {
		return nil
	}

	row := &model.Membership{UserID: userID, Status: model.MembershipFree}
	if patch.Status != nil {
		row.Status = *patch.Status
	}
	row.ExpiresAt = patch.ExpiresAt
	row.CancelRequestedAt = patch.CancelRequestedAt
	if patch.CancelReason != nil {
		row.CancelReason = *patch.CancelReason
	}

	assignments := clause.AssignmentColumns(columnNames(cols))
	assignments = append(assignments, clause.Assignment{
		Column: clause.Column{Name: "updated_at"},
		Value:  gorm.Expr("CURRENT_TIMESTAMP"),
	})

	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: assignments,
		}).
		Create(row).Error
}

// ClearCancellation wipes a previous cancel request, e.g. when a fresh
// payment re-activates the membership.
func (r *MembershipRepository) ClearCancellation(ctx context.Context, tx *gorm.DB, userID int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.Membership{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"membership_cancel_requested_at": nil,
			"membership_cancel_reason":       "",
		}).Error
}

// TransitionStatus is a conditional status change, used where the new
// state is only valid from one predecessor (grace -> cancelled).
func (r *MembershipRepository) TransitionStatus(ctx context.Context, tx *gorm.DB, userID int64, fromStatus, toStatus string) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Membership{}).
		Where("user_id = ? AND membership_status = ?", userID, fromStatus).
		Update("membership_status", toStatus)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMembershipStatusChanged
	}
	return nil
}

// UpdateIfStatus applies patch only while the membership is in one of
// fromStatuses. It never creates a row.
func (r *MembershipRepository) UpdateIfStatus(ctx context.Context, tx *gorm.DB, userID int64, fromStatuses []string, patch model.MembershipPatch) error {
	if tx == nil {
		tx = r.db
	}
	cols := patch.Columns()
	if len(cols) == 0 {
		return nil
	}
	result := tx.WithContext(ctx).
		Model(&model.Membership{}).
		Where("user_id = ? AND membership_status IN ?", userID, fromStatuses).
		Updates(cols)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMembershipStatusChanged
	}
	return nil
}

func columnNames(cols map[string]interface{}) []string {
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	return names
}
