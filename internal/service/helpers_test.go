package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"membershippay/internal/config"
	"membershippay/internal/gateway"
	"membershippay/internal/model"
	"membershippay/internal/notify"
	"membershippay/internal/repository"
	"membershippay/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeGateway struct {
	mu sync.Mutex

	payResp  *gateway.PayResponse
	payErr   error
	payCalls []gateway.PayRequest

	statuses    map[string]*gateway.StatusResponse
	statusErr   error
	statusCalls int

	refundErr   error
	refundDelay time.Duration
	onRefund    func(req gateway.RefundRequest)
	refundHook  func(ctx context.Context) error
	refundCalls []gateway.RefundRequest
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{statuses: map[string]*gateway.StatusResponse{}}
}

func (g *fakeGateway) Pay(ctx context.Context, req gateway.PayRequest) (*gateway.PayResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payCalls = append(g.payCalls, req)
	if g.payErr != nil {
		return nil, g.payErr
	}
	resp := *g.payResp
	resp.MerchantTransactionID = req.MerchantTransactionID
	return &resp, nil
}

func (g *fakeGateway) FetchStatus(ctx context.Context, id string) (*gateway.StatusResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusCalls++
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	s, ok := g.statuses[id]
	if !ok {
		return &gateway.StatusResponse{Success: false, Code: "TRANSACTION_NOT_FOUND"}, nil
	}
	return s, nil
}

func (g *fakeGateway) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResponse, error) {
	if g.refundDelay > 0 {
		time.Sleep(g.refundDelay)
	}
	if g.onRefund != nil {
		g.onRefund(req)
	}
	if g.refundHook != nil {
		if err := g.refundHook(ctx); err != nil {
			g.mu.Lock()
			g.refundCalls = append(g.refundCalls, req)
			g.mu.Unlock()
			return nil, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls = append(g.refundCalls, req)
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return &gateway.RefundResponse{
		Code:                  "PAYMENT_PENDING",
		MerchantTransactionID: req.MerchantTransactionID,
		RefundID:              "GW-" + req.MerchantTransactionID,
		State:                 gateway.StatePending,
		Raw:                   json.RawMessage(`{"success":true,"code":"PAYMENT_PENDING"}`),
	}, nil
}

func (g *fakeGateway) setStatus(ref, state string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	raw, _ := json.Marshal(map[string]any{"success": true, "data": map[string]any{"state": state}})
	g.statuses[ref] = &gateway.StatusResponse{
		Success: true,
		Code:    "PAYMENT_" + state,
		Data:    gateway.StatusData{MerchantTransactionID: ref, State: state},
		Raw:     raw,
	}
}

func (g *fakeGateway) counts() (pay, status, refund int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.payCalls), g.statusCalls, len(g.refundCalls)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Emit(ctx context.Context, event string, payload notify.Payload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type testEnv struct {
	db         *gorm.DB
	redis      *miniredis.Miniredis
	cfg        *config.Config
	gw         *fakeGateway
	notifier   *recordingNotifier
	ledger     *repository.LedgerRepository
	membership *repository.MembershipRepository
	orders     *OrderService
	reconciler *Reconciler
	refunds    *RefundService
}

func testConfig() *config.Config {
	return &config.Config{
		Gateway: config.GatewayConfig{
			MerchantID:  "MERCHANT",
			SaltKey:     "salt",
			SaltIndex:   "1",
			BaseURL:     "https://gateway.example.com",
			CallbackURL: "https://api.example.com/api/v1/webhooks/gateway",
			RedirectURL: "https://app.example.com/return",
		},
		Membership: config.MembershipConfig{
			RenewalDays:     30,
			Currency:        "INR",
			MaxReasonLength: 500,
		},
		Business: config.BusinessConfig{
			RefundLockTTL: 10 * time.Second,
		},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testutil.NewDB(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig()
	gw := newFakeGateway()
	gw.payResp = &gateway.PayResponse{
		Code:        "PAYMENT_INITIATED",
		RedirectURL: "https://pay.example.com/abc",
		Raw:         json.RawMessage(`{"success":true}`),
	}
	n := &recordingNotifier{}

	return &testEnv{
		db:         db,
		redis:      mr,
		cfg:        cfg,
		gw:         gw,
		notifier:   n,
		ledger:     repository.NewLedgerRepository(db),
		membership: repository.NewMembershipRepository(db),
		orders:     NewOrderService(db, gw, cfg),
		reconciler: NewReconciler(db, gw, n, cfg),
		refunds:    NewRefundService(db, rdb, gw, n, cfg),
	}
}

func (e *testEnv) seedDebit(t *testing.T, ref string, userID int64, status string) *model.LedgerEntry {
	t.Helper()
	entry := &model.LedgerEntry{
		EntryType:         model.EntryTypeDebit,
		Amount:            decimal.RequireFromString("299.00"),
		Currency:          "INR",
		Status:            model.EntryStatusPending,
		ExternalReference: ref,
		TransactionID:     ref,
		UserID:            userID,
		Metadata:          model.MustMetadata(map[string]any{}),
	}
	require.NoError(t, e.ledger.Create(context.Background(), nil, entry))
	if status != model.EntryStatusPending {
		require.NoError(t, e.ledger.TransitionStatus(context.Background(), nil, entry.ID, model.EntryStatusPending, status, nil))
		entry.Status = status
	}
	return entry
}

func (e *testEnv) seedMembership(t *testing.T, userID int64, status string, expiresAt *time.Time) {
	t.Helper()
	patch := model.MembershipPatch{Status: &status, ExpiresAt: expiresAt}
	if status == model.MembershipGrace {
		now := time.Now().UTC()
		patch.CancelRequestedAt = &now
	}
	require.NoError(t, e.membership.Update(context.Background(), nil, userID, patch))
}

func (e *testEnv) seedActiveMember(t *testing.T, userID int64) {
	t.Helper()
	expires := time.Now().UTC().Add(25 * 24 * time.Hour)
	e.seedMembership(t, userID, model.MembershipActive, &expires)
}

func (e *testEnv) entries(t *testing.T, filter repository.LedgerFilter) []*model.LedgerEntry {
	t.Helper()
	entries, err := e.ledger.FindMany(context.Background(), filter, 0)
	require.NoError(t, err)
	return entries
}

func (e *testEnv) countRows(t *testing.T, m any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(m).Count(&n).Error)
	return n
}
