package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"membershippay/internal/apperr"
	"membershippay/internal/gateway"
	"membershippay/internal/model"
	"membershippay/internal/notify"
	"membershippay/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingRefunds(t *testing.T, env *testEnv, ref string) []*model.LedgerEntry {
	return env.entries(t, repository.LedgerFilter{
		ExternalReference: ref,
		EntryType:         model.EntryTypeRefund,
		Status:            model.EntryStatusPending,
	})
}

func TestRequestCancellation_Success(t *testing.T) {
	env := newTestEnv(t)
	original := env.seedDebit(t, "TX-COMPLETE", 42, model.EntryStatusCompleted)
	expires := time.Now().UTC().Add(25 * 24 * time.Hour)
	env.seedMembership(t, 42, model.MembershipActive, &expires)

	result, err := env.refunds.RequestCancellation(context.Background(), 42, "TX-COMPLETE", "  moving abroad\n")
	require.NoError(t, err)
	assert.NotEmpty(t, result.RefundRequestID)
	assert.WithinDuration(t, time.Now(), result.RequestedAt, time.Minute)

	require.Len(t, env.gw.refundCalls, 1)
	call := env.gw.refundCalls[0]
	assert.Equal(t, "TX-COMPLETE", call.OriginalTransactionID)
	assert.NotEqual(t, "TX-COMPLETE", call.MerchantTransactionID)
	assert.Equal(t, int64(29900), call.AmountMinor)
	assert.Equal(t, int64(42), call.UserID)

	refunds := pendingRefunds(t, env, "TX-COMPLETE")
	require.Len(t, refunds, 1)
	refund := refunds[0]
	assert.Equal(t, call.MerchantTransactionID, refund.TransactionID)
	assert.Equal(t, int64(42), refund.UserID)
	assert.True(t, original.Amount.Equal(refund.Amount))
	meta := refund.MetadataMap()
	assert.Equal(t, float64(original.ID), meta[model.MetaOriginalEntryID])
	assert.Equal(t, result.RefundRequestID, meta[model.MetaRefundTransactionID])
	assert.Equal(t, "moving abroad", meta[model.MetaReason])

	m, err := env.membership.GetByUserID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, model.MembershipGrace, m.Status)
	require.NotNil(t, m.CancelRequestedAt)
	assert.Equal(t, "moving abroad", m.CancelReason)

	assert.Equal(t, []string{notify.EventCancellationRequested}, env.notifier.Events())
}

func TestRequestCancellation_DuplicateWhilePendingConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.seedDebit(t, "TX-COMPLETE", 42, model.EntryStatusCompleted)
	env.seedActiveMember(t, 42)

	_, err := env.refunds.RequestCancellation(context.Background(), 42, "TX-COMPLETE", "first")
	require.NoError(t, err)

	_, err = env.refunds.RequestCancellation(context.Background(), 42, "TX-COMPLETE", "second")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	assert.Len(t, pendingRefunds(t, env, "TX-COMPLETE"), 1)
	_, _, refunds := env.gw.counts()
	assert.Equal(t, 1, refunds)
}

func TestRequestCancellation_Errors(t *testing.T) {
	tests := []struct {
		name    string
		seed    func(t *testing.T, env *testEnv)
		userID  int64
		ref     string
		wantErr error
	}{
		{
			name:    "unknown transaction",
			seed:    func(t *testing.T, env *testEnv) {},
			userID:  42,
			ref:     "TX-MISSING",
			wantErr: apperr.ErrNotFound,
		},
		{
			name:    "another user's transaction",
			seed:    func(t *testing.T, env *testEnv) { env.seedDebit(t, "TX-OWNED", 42, model.EntryStatusCompleted) },
			userID:  43,
			ref:     "TX-OWNED",
			wantErr: apperr.ErrAuthorization,
		},
		{
			name:    "payment still pending",
			seed:    func(t *testing.T, env *testEnv) { env.seedDebit(t, "TX-PENDING", 42, model.EntryStatusPending) },
			userID:  42,
			ref:     "TX-PENDING",
			wantErr: apperr.ErrValidation,
		},
		{
			name:    "payment failed",
			seed:    func(t *testing.T, env *testEnv) { env.seedDebit(t, "TX-FAILED", 42, model.EntryStatusFailed) },
			userID:  42,
			ref:     "TX-FAILED",
			wantErr: apperr.ErrValidation,
		},
		{
			name: "expired membership",
			seed: func(t *testing.T, env *testEnv) {
				env.seedDebit(t, "TX-EXPIRED", 42, model.EntryStatusCompleted)
				env.seedMembership(t, 42, model.MembershipExpired, nil)
			},
			userID:  42,
			ref:     "TX-EXPIRED",
			wantErr: apperr.ErrValidation,
		},
		{
			name: "free membership",
			seed: func(t *testing.T, env *testEnv) {
				env.seedDebit(t, "TX-FREE", 42, model.EntryStatusCompleted)
				env.seedMembership(t, 42, model.MembershipFree, nil)
			},
			userID:  42,
			ref:     "TX-FREE",
			wantErr: apperr.ErrValidation,
		},
		{
			name:    "no membership",
			seed:    func(t *testing.T, env *testEnv) { env.seedDebit(t, "TX-NOMEMBER", 42, model.EntryStatusCompleted) },
			userID:  42,
			ref:     "TX-NOMEMBER",
			wantErr: apperr.ErrValidation,
		},
		{
			name:    "missing reference",
			seed:    func(t *testing.T, env *testEnv) {},
			userID:  42,
			ref:     "  ",
			wantErr: apperr.ErrValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tt.seed(t, env)

			_, err := env.refunds.RequestCancellation(context.Background(), tt.userID, tt.ref, "reason")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			_, _, refunds := env.gw.counts()
			assert.Zero(t, refunds)
			assert.Empty(t, env.entries(t, repository.LedgerFilter{EntryType: model.EntryTypeRefund}))
			assert.Empty(t, env.notifier.Events())
		})
	}
}

func TestRequestCancellation_GatewayFailureLeavesNoState(t *testing.T) {
	env := newTestEnv(t)
	env.seedDebit(t, "TX-COMPLETE", 42, model.EntryStatusCompleted)
	expires := time.Now().UTC().Add(25 * 24 * time.Hour)
	env.seedMembership(t, 42, model.MembershipActive, &expires)
	env.gw.refundErr = apperr.New(apperr.KindGateway, "gateway.Refund", "gateway rejected request")

	_, err := env.refunds.RequestCancellation(context.Background(), 42, "TX-COMPLETE", "reason")
	assert.ErrorIs(t, err, apperr.ErrGateway)
	assert.Empty(t, env.entries(t, repository.LedgerFilter{EntryType: model.EntryTypeRefund}))

	m, err := env.membership.GetByUserID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, model.MembershipActive, m.Status)
	assert.Nil(t, m.CancelRequestedAt)

	// the caller can retry once the gateway recovers
	env.gw.refundErr = nil
	_, err = env.refunds.RequestCancellation(context.Background(), 42, "TX-COMPLETE", "reason")
	require.NoError(t, err)
	assert.Len(t, pendingRefunds(t, env, "TX-COMPLETE"), 1)
}

func TestRequestCancellation_ConcurrentRequestsCreateOneRefund(t *testing.T) {
	env := newTestEnv(t)
	env.seedDebit(t, "TX-RACE", 42, model.EntryStatusCompleted)
	env.seedActiveMember(t, 42)
	env.gw.refundDelay = 20 * time.Millisecond

	const callers = 5
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.refunds.RequestCancellation(context.Background(), 42, "TX-RACE", "reason")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, apperr.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, callers-1, conflicts)
	assert.Len(t, pendingRefunds(t, env, "TX-RACE"), 1)
}

func TestRequestCancellation_StoreRejectsDuplicatePendingRefund(t *testing.T) {
	env := newTestEnv(t)
	env.seedDebit(t, "TX-BACKSTOP", 42, model.EntryStatusCompleted)
	env.seedActiveMember(t, 42)

	// another writer records a pending refund after the checks ran
	env.gw.onRefund = func(req gateway.RefundRequest) {
		key := model.PendingRefundKeyFor("TX-BACKSTOP", 42)
		require.NoError(t, env.ledger.Create(context.Background(), nil, &model.LedgerEntry{
			EntryType:         model.EntryTypeRefund,
			Currency:          "INR",
			Status:            model.EntryStatusPending,
			ExternalReference: "TX-BACKSTOP",
			TransactionID:     "RF-OTHER",
			UserID:            42,
			PendingRefundKey:  &key,
		}))
	}

	_, err := env.refunds.RequestCancellation(context.Background(), 42, "TX-BACKSTOP", "reason")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	refunds := pendingRefunds(t, env, "TX-BACKSTOP")
	require.Len(t, refunds, 1)
	assert.Equal(t, "RF-OTHER", refunds[0].TransactionID)
	m, err := env.membership.GetByUserID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, model.MembershipActive, m.Status, "membership update rolled back with the refund entry")
	assert.Equal(t, []string{notify.EventRefundUnrecorded}, env.notifier.Events())
}

func TestRequestCancellation_AfterFailedRefundCanRetry(t *testing.T) {
	env := newTestEnv(t)
	env.seedDebit(t, "TX-AGAIN", 42, model.EntryStatusCompleted)
	env.seedActiveMember(t, 42)

	_, err := env.refunds.RequestCancellation(context.Background(), 42, "TX-AGAIN", "reason")
	require.NoError(t, err)

	refund := pendingRefunds(t, env, "TX-AGAIN")[0]
	env.gw.setStatus(refund.TransactionID, gateway.StateFailed)
	_, err = env.reconciler.Reconcile(context.Background(), refund.TransactionID)
	require.NoError(t, err)

	_, err = env.refunds.RequestCancellation(context.Background(), 42, "TX-AGAIN", "reason")
	require.NoError(t, err)
	assert.Len(t, pendingRefunds(t, env, "TX-AGAIN"), 1)
}

func TestRequestCancellation_LockOutlivesSlowGatewayCall(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Business.RefundLockTTL = 300 * time.Millisecond
	env.seedDebit(t, "TX-SLOW", 42, model.EntryStatusCompleted)
	env.seedActiveMember(t, 42)

	// the gateway call runs longer than the lease; a second request arrives
	// after the original TTL would have expired
	var (
		nested    bool
		secondErr error
	)
	env.gw.onRefund = func(req gateway.RefundRequest) {
		if nested {
			return
		}
		nested = true
		for i := 0; i < 4; i++ {
			time.Sleep(100 * time.Millisecond)
			env.redis.FastForward(100 * time.Millisecond)
		}
		_, secondErr = env.refunds.RequestCancellation(context.Background(), 42, "TX-SLOW", "second")
	}

	_, err := env.refunds.RequestCancellation(context.Background(), 42, "TX-SLOW", "first")
	require.NoError(t, err)
	assert.ErrorIs(t, secondErr, apperr.ErrConflict)

	_, _, refunds := env.gw.counts()
	assert.Equal(t, 1, refunds)
	assert.Len(t, pendingRefunds(t, env, "TX-SLOW"), 1)
}

func TestRequestCancellation_LostLockAbandonsGatewayCall(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Business.RefundLockTTL = 150 * time.Millisecond
	env.seedDebit(t, "TX-LOST", 42, model.EntryStatusCompleted)
	env.seedActiveMember(t, 42)

	env.gw.refundHook = func(ctx context.Context) error {
		env.redis.Del("refund:lock:TX-LOST")
		<-ctx.Done()
		return apperr.Wrap(apperr.KindTransient, "gateway.Refund", ctx.Err(), "request cancelled")
	}

	_, err := env.refunds.RequestCancellation(context.Background(), 42, "TX-LOST", "reason")
	assert.ErrorIs(t, err, apperr.ErrTransient)
	assert.Empty(t, env.entries(t, repository.LedgerFilter{EntryType: model.EntryTypeRefund}))

	m, err := env.membership.GetByUserID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, model.MembershipActive, m.Status)
}

func TestRequestCancellation_CompletedRefundIsNotRepeated(t *testing.T) {
	env := newTestEnv(t)
	env.seedDebit(t, "TX-DONE", 42, model.EntryStatusCompleted)
	env.seedActiveMember(t, 42)

	_, err := env.refunds.RequestCancellation(context.Background(), 42, "TX-DONE", "reason")
	require.NoError(t, err)

	refund := pendingRefunds(t, env, "TX-DONE")[0]
	env.gw.setStatus(refund.TransactionID, gateway.StateCompleted)
	_, err = env.reconciler.Reconcile(context.Background(), refund.TransactionID)
	require.NoError(t, err)

	// the membership is back in a cancellable state, the payment is not
	env.seedActiveMember(t, 42)

	_, err = env.refunds.RequestCancellation(context.Background(), 42, "TX-DONE", "again")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Contains(t, apperr.PublicMessage(err), "already been refunded")

	_, _, refunds := env.gw.counts()
	assert.Equal(t, 1, refunds)
	assert.Len(t, env.entries(t, repository.LedgerFilter{EntryType: model.EntryTypeRefund}), 1)
}

func TestRequestCancellation_MembershipChangedDuringRefund(t *testing.T) {
	env := newTestEnv(t)
	env.seedDebit(t, "TX-EXPIRING", 42, model.EntryStatusCompleted)
	env.seedActiveMember(t, 42)

	env.gw.onRefund = func(req gateway.RefundRequest) {
		env.seedMembership(t, 42, model.MembershipExpired, nil)
	}

	_, err := env.refunds.RequestCancellation(context.Background(), 42, "TX-EXPIRING", "reason")
	require.NoError(t, err)
	assert.Len(t, pendingRefunds(t, env, "TX-EXPIRING"), 1)

	m, err := env.membership.GetByUserID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, model.MembershipExpired, m.Status)
	assert.Nil(t, m.CancelRequestedAt)
}

func TestSanitizeReason(t *testing.T) {
	assert.Equal(t, "too expensive", SanitizeReason("  too expensive \n", 500))
	assert.Equal(t, "a b", SanitizeReason("a\tb", 500))
	assert.Equal(t, "ab", SanitizeReason("a\x00b\x07", 500))
	assert.Equal(t, "", SanitizeReason("   ", 500))
	assert.Equal(t, "héll", SanitizeReason("héllo wörld", 4))

	long := SanitizeReason(strings.Repeat("ü", 600), 500)
	assert.Equal(t, 500, len([]rune(long)))
}
