package state_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/openfuture/open-commerce/internal/gateway/interfaces"
	"github.com/openfuture/open-commerce/internal/gateway/repository"
	"github.com/openfuture/open-commerce/internal/gateway/state"
)

type fakeStore struct {
	notes    []string
	captures int
	saves    int
}

func (f *fakeStore) GetOrder(ctx context.Context, orderID string) (*interfaces.Order, error) {
	return nil, interfaces.ErrOrderNotFound
}

func (f *fakeStore) QueryReconcilable(ctx context.Context, statuses []interfaces.OrderStatus) ([]*interfaces.Order, error) {
	return nil, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, order *interfaces.Order, status interfaces.OrderStatus, note string) error {
	order.Status = status
	f.notes = append(f.notes, note)
	return nil
}

func (f *fakeStore) AddNote(ctx context.Context, order *interfaces.Order, note string) error {
	f.notes = append(f.notes, note)
	return nil
}

func (f *fakeStore) GetOrderNotes(ctx context.Context, orderID uuid.UUID) ([]*interfaces.OrderNote, error) {
	return nil, nil
}

func (f *fakeStore) MarkPaymentComplete(ctx context.Context, order *interfaces.Order) error {
	f.captures++
	if order.PaidAt == nil {
		now := time.Now()
		order.PaidAt = &now
	}
	return nil
}

func (f *fakeStore) SaveOrder(ctx context.Context, order *interfaces.Order) error {
	f.saves++
	return nil
}

func (f *fakeStore) RecordDelivery(ctx context.Context, delivery *interfaces.WebhookDelivery) error {
	return nil
}

func (f *fakeStore) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type capturedEvents struct {
	events []*interfaces.OrderEvent
}

func (c *capturedEvents) PublishOrderEvent(ctx context.Context, event *interfaces.OrderEvent) error {
	c.events = append(c.events, event)
	return nil
}

func newTestMachine(store *fakeStore) *state.OrderStateMachine {
	return state.NewOrderStateMachine(store, nil, zap.NewNop(), interfaces.OrderStatusProcessing, 24*time.Hour)
}

func newTestOrder(status interfaces.OrderStatus) *interfaces.Order {
	return &interfaces.Order{
		ID:        uuid.New(),
		Status:    status,
		UpdatedAt: time.Now(),
	}
}

func TestApplyExpiredCancelsPendingOrder(t *testing.T) {
	store := &fakeStore{}
	sm := newTestMachine(store)
	order := newTestOrder(interfaces.OrderStatusBlockchainPending)

	tr, err := sm.Apply(context.Background(), order, interfaces.CanonicalStatus{Value: interfaces.RemoteExpired})
	require.NoError(t, err)

	assert.True(t, tr.Changed)
	assert.Equal(t, interfaces.OrderStatusCancelled, order.Status)
	assert.Contains(t, store.notes, "Open payment expired.")
}

func TestApplyExpiredLeavesNonPendingOrderAlone(t *testing.T) {
	store := &fakeStore{}
	sm := newTestMachine(store)
	order := newTestOrder(interfaces.OrderStatusProcessing)

	tr, err := sm.Apply(context.Background(), order, interfaces.CanonicalStatus{Value: interfaces.RemoteExpired})
	require.NoError(t, err)

	assert.False(t, tr.Changed)
	assert.Equal(t, interfaces.OrderStatusProcessing, order.Status)
	assert.Equal(t, string(interfaces.RemoteExpired), order.RemoteStatus)
}

func TestApplyCanceledCancelsOrder(t *testing.T) {
	store := &fakeStore{}
	sm := newTestMachine(store)
	order := newTestOrder(interfaces.OrderStatusProcessing)

	tr, err := sm.Apply(context.Background(), order, interfaces.CanonicalStatus{Value: interfaces.RemoteCanceled})
	require.NoError(t, err)

	assert.True(t, tr.Changed)
	assert.Equal(t, interfaces.OrderStatusCancelled, order.Status)
	assert.Contains(t, store.notes, "Open payment cancelled.")
}

func TestApplyUnresolvedOverpaidCompletesPayment(t *testing.T) {
	store := &fakeStore{}
	sm := newTestMachine(store)
	order := newTestOrder(interfaces.OrderStatusBlockchainPending)

	tr, err := sm.Apply(context.Background(), order, interfaces.CanonicalStatus{
		Value:   interfaces.RemoteUnresolved,
		Context: interfaces.ContextOverpaid,
	})
	require.NoError(t, err)

	assert.True(t, tr.Changed)
	assert.True(t, tr.Captured)
	assert.Equal(t, interfaces.OrderStatusProcessing, order.Status)
	assert.Equal(t, 1, store.captures)
	assert.Contains(t, store.notes, "Open payment was successfully processed.")
}

func TestApplyUnresolvedFailsOrderWithReason(t *testing.T) {
	store := &fakeStore{}
	sm := newTestMachine(store)
	order := newTestOrder(interfaces.OrderStatusBlockchainPending)

	tr, err := sm.Apply(context.Background(), order, interfaces.CanonicalStatus{
		Value:   interfaces.RemoteUnresolved,
		Context: "UNDERPAID",
	})
	require.NoError(t, err)

	assert.True(t, tr.Changed)
	assert.False(t, tr.Captured)
	assert.Equal(t, interfaces.OrderStatusFailed, order.Status)
	assert.Contains(t, store.notes, "Open payment unresolved, reason: UNDERPAID.")
}

func TestApplyPendingMovesToBlockchainPending(t *testing.T) {
	store := &fakeStore{}
	sm := newTestMachine(store)
	order := newTestOrder(interfaces.OrderStatusPending)

	tr, err := sm.Apply(context.Background(), order, interfaces.CanonicalStatus{Value: interfaces.RemotePending})
	require.NoError(t, err)

	assert.True(t, tr.Changed)
	assert.Equal(t, interfaces.OrderStatusBlockchainPending, order.Status)
	assert.Contains(t, store.notes, "Open payment detected, but awaiting blockchain confirmation.")
}

func TestApplyResolvedRecordsNoteOnly(t *testing.T) {
	store := &fakeStore{}
	sm := newTestMachine(store)
	order := newTestOrder(interfaces.OrderStatusBlockchainPending)

	tr, err := sm.Apply(context.Background(), order, interfaces.CanonicalStatus{Value: interfaces.RemoteResolved})
	require.NoError(t, err)

	assert.False(t, tr.Changed)
	assert.Equal(t, interfaces.OrderStatusBlockchainPending, order.Status)
	assert.Contains(t, store.notes, "Open payment marked as resolved.")
}

func TestApplyCompletedCapturesPayment(t *testing.T) {
	store := &fakeStore{}
	sm := newTestMachine(store)
	order := newTestOrder(interfaces.OrderStatusBlockchainPending)

	tr, err := sm.Apply(context.Background(), order, interfaces.CanonicalStatus{Value: interfaces.RemoteCompleted})
	require.NoError(t, err)

	assert.True(t, tr.Changed)
	assert.True(t, tr.Captured)
	assert.Equal(t, interfaces.OrderStatusProcessing, order.Status)
	assert.NotNil(t, order.PaidAt)
}

func TestApplyUnknownStatusIsCachedNoOp(t *testing.T) {
	store := &fakeStore{}
	sm := newTestMachine(store)
	order := newTestOrder(interfaces.OrderStatusBlockchainPending)

	tr, err := sm.Apply(context.Background(), order, interfaces.CanonicalStatus{Value: "DELAYED"})
	require.NoError(t, err)

	assert.False(t, tr.Changed)
	assert.Equal(t, interfaces.OrderStatusBlockchainPending, order.Status)
	assert.Equal(t, "DELAYED", order.RemoteStatus)
	assert.Empty(t, store.notes)
}

func TestApplyEmptyStatusIsAnError(t *testing.T) {
	store := &fakeStore{}
	sm := newTestMachine(store)
	order := newTestOrder(interfaces.OrderStatusPending)

	_, err := sm.Apply(context.Background(), order, interfaces.CanonicalStatus{})
	assert.Error(t, err)
	assert.Equal(t, 0, store.saves)
}

func TestApplyIsIdempotentPerRemoteStatus(t *testing.T) {
	store := &fakeStore{}
	sm := newTestMachine(store)
	order := newTestOrder(interfaces.OrderStatusBlockchainPending)
	canonical := interfaces.CanonicalStatus{Value: interfaces.RemoteCompleted}

	first, err := sm.Apply(context.Background(), order, canonical)
	require.NoError(t, err)
	assert.True(t, first.Changed)

	// Redelivery of the same remote status must not re-run the transition or
	// re-capture the payment.
	second, err := sm.Apply(context.Background(), order, canonical)
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, 1, store.captures)
	assert.Equal(t, interfaces.OrderStatusProcessing, order.Status)
}

func TestApplyNeverLeavesTerminalStatus(t *testing.T) {
	terminal := []interfaces.OrderStatus{
		interfaces.OrderStatusCancelled,
		interfaces.OrderStatusCompleted,
		interfaces.OrderStatusFailed,
	}
	for _, from := range terminal {
		store := &fakeStore{}
		sm := newTestMachine(store)
		order := newTestOrder(from)

		tr, err := sm.Apply(context.Background(), order, interfaces.CanonicalStatus{Value: interfaces.RemoteCompleted})
		require.NoError(t, err)

		assert.False(t, tr.Changed, "status %s must be terminal", from)
		assert.Equal(t, from, order.Status)
		assert.Equal(t, 0, store.captures)
	}
}

func TestApplyArchivesSettledIdleOrder(t *testing.T) {
	store := &fakeStore{}
	sm := newTestMachine(store)
	order := newTestOrder(interfaces.OrderStatusCompleted)
	order.RemoteStatus = string(interfaces.RemoteCompleted)
	order.UpdatedAt = time.Now().Add(-25 * time.Hour)

	tr, err := sm.Apply(context.Background(), order, interfaces.CanonicalStatus{Value: interfaces.RemoteCompleted})
	require.NoError(t, err)

	assert.True(t, tr.Archived)
	assert.True(t, order.Archived)
	// The redelivered status itself stays a no-op.
	assert.False(t, tr.Changed)
}

func TestApplyDoesNotArchiveBeforeIdleTimeout(t *testing.T) {
	store := &fakeStore{}
	sm := newTestMachine(store)
	order := newTestOrder(interfaces.OrderStatusCompleted)
	order.RemoteStatus = string(interfaces.RemoteCompleted)
	order.UpdatedAt = time.Now().Add(-1 * time.Hour)

	tr, err := sm.Apply(context.Background(), order, interfaces.CanonicalStatus{Value: interfaces.RemoteCompleted})
	require.NoError(t, err)

	assert.False(t, tr.Archived)
	assert.False(t, order.Archived)
}

func TestApplyDoesNotArchiveNonTerminalRemote(t *testing.T) {
	store := &fakeStore{}
	sm := newTestMachine(store)
	order := newTestOrder(interfaces.OrderStatusBlockchainPending)
	order.RemoteStatus = string(interfaces.RemotePending)
	order.UpdatedAt = time.Now().Add(-48 * time.Hour)

	tr, err := sm.Apply(context.Background(), order, interfaces.CanonicalStatus{Value: interfaces.RemotePending})
	require.NoError(t, err)

	assert.False(t, tr.Archived)
	assert.False(t, order.Archived)
}

func TestApplyArchivedFlagIsMonotonic(t *testing.T) {
	store := &fakeStore{}
	sm := newTestMachine(store)
	order := newTestOrder(interfaces.OrderStatusCancelled)
	order.RemoteStatus = string(interfaces.RemoteExpired)
	order.Archived = true
	order.UpdatedAt = time.Now().Add(-48 * time.Hour)

	tr, err := sm.Apply(context.Background(), order, interfaces.CanonicalStatus{Value: interfaces.RemoteExpired})
	require.NoError(t, err)

	assert.False(t, tr.Archived)
	assert.True(t, order.Archived)
}

func TestApplyNoOpRedeliveryDoesNotSave(t *testing.T) {
	store := &fakeStore{}
	sm := newTestMachine(store)
	order := newTestOrder(interfaces.OrderStatusBlockchainPending)
	order.RemoteStatus = string(interfaces.RemoteResolved)

	// The store refreshes the modification timestamp on save, which is the
	// archival idle clock; a no-op redelivery must leave it untouched.
	tr, err := sm.Apply(context.Background(), order, interfaces.CanonicalStatus{Value: interfaces.RemoteResolved})
	require.NoError(t, err)
	assert.False(t, tr.Changed)
	assert.Equal(t, 0, store.saves)
}

func TestRepeatedNoOpPollsStillArchive(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	repo := repository.NewOrderRepository(db, zap.NewNop())
	require.NoError(t, repo.AutoMigrate())

	ctx := context.Background()
	order := &interfaces.Order{
		ID:             uuid.New(),
		Status:         interfaces.OrderStatusBlockchainPending,
		PaymentAddress: "0xabc",
	}
	require.NoError(t, repo.CreateOrder(ctx, order))

	sm := state.NewOrderStateMachine(repo, nil, zap.NewNop(), interfaces.OrderStatusProcessing, 150*time.Millisecond)
	canonical := interfaces.CanonicalStatus{Value: interfaces.RemoteResolved}

	// First delivery caches RESOLVED (note only, no local transition) and
	// legitimately touches the row.
	tr, err := sm.Apply(ctx, order, canonical)
	require.NoError(t, err)
	assert.False(t, tr.Changed)
	assert.False(t, tr.Archived)

	// Subsequent polls redeliver the same status. None of them may refresh
	// the row, so the idle clock keeps running and the order archives once
	// the timeout elapses.
	archived := false
	for i := 0; i < 4 && !archived; i++ {
		time.Sleep(100 * time.Millisecond)
		tr, err = sm.Apply(ctx, order, canonical)
		require.NoError(t, err)
		archived = tr.Archived
	}
	require.True(t, archived, "settled order must archive despite no-op polls")

	fresh, err := repo.GetOrder(ctx, order.ID.String())
	require.NoError(t, err)
	assert.True(t, fresh.Archived)
	assert.Equal(t, interfaces.OrderStatusBlockchainPending, fresh.Status)
}

func TestApplyPublishesEventOnChange(t *testing.T) {
	store := &fakeStore{}
	events := &capturedEvents{}
	sm := state.NewOrderStateMachine(store, events, zap.NewNop(), interfaces.OrderStatusProcessing, 24*time.Hour)
	order := newTestOrder(interfaces.OrderStatusBlockchainPending)

	_, err := sm.Apply(context.Background(), order, interfaces.CanonicalStatus{Value: interfaces.RemoteCanceled})
	require.NoError(t, err)
	require.Len(t, events.events, 1)
	assert.Equal(t, order.ID, events.events[0].OrderID)
	assert.Equal(t, interfaces.OrderStatusCancelled, events.events[0].ToStatus)

	// Redelivery changes nothing and publishes nothing.
	_, err = sm.Apply(context.Background(), order, interfaces.CanonicalStatus{Value: interfaces.RemoteCanceled})
	require.NoError(t, err)
	assert.Len(t, events.events, 1)
}
