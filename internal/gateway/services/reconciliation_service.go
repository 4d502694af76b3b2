package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openfuture/open-commerce/internal/gateway/interfaces"
	"github.com/openfuture/open-commerce/internal/gateway/state"
	"github.com/openfuture/open-commerce/internal/gateway/webhook"
)

// ReconciliationService converges local order status with the processor's
// reported truth. Both delivery channels, the webhook push and the polling
// pull, run through the same state machine, so reconciliation semantics are
// identical regardless of which channel saw the update first.
type ReconciliationService struct {
	store        interfaces.OrderStore
	client       interfaces.OpenClient
	stateMachine *state.OrderStateMachine
	locker       interfaces.OrderLocker
	log          *zap.Logger
}

// NewReconciliationService creates a new reconciliation service. locker may
// be nil when the deployment has no shared lock backend; every transition is
// idempotent, so serialization is an optimization against redundant writes,
// not a correctness requirement when the store serializes row updates.
func NewReconciliationService(
	store interfaces.OrderStore,
	client interfaces.OpenClient,
	stateMachine *state.OrderStateMachine,
	locker interfaces.OrderLocker,
	log *zap.Logger,
) *ReconciliationService {
	return &ReconciliationService{
		store:        store,
		client:       client,
		stateMachine: stateMachine,
		locker:       locker,
		log:          log,
	}
}

// InitiatePayment creates a wallet address at the processor for the order and
// moves it into the reconciliation universe. The payment address is set
// exactly once; re-initiation is refused.
func (s *ReconciliationService) InitiatePayment(ctx context.Context, orderID string) (*interfaces.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Archived {
		return nil, interfaces.ErrOrderArchived
	}
	if order.PaymentAddress != "" {
		return nil, interfaces.ErrPaymentInitiated
	}

	wallet, err := s.client.CreateWallet(ctx, interfaces.WalletMetadata{
		OrderID:  order.ID.String(),
		OrderKey: order.OrderKey,
		Source:   "open-commerce",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet for order %s: %w", order.ID, err)
	}

	order.PaymentAddress = wallet.Address
	if err := s.store.UpdateStatus(ctx, order, interfaces.OrderStatusBlockchainPending,
		"Open Platform payment detected, but awaiting blockchain confirmation."); err != nil {
		return nil, fmt.Errorf("failed to stamp order %s with payment address: %w", order.ID, err)
	}

	s.log.Info("payment initiated",
		zap.String("order_id", order.ID.String()),
		zap.String("payment_address", wallet.Address),
	)
	return order, nil
}

// ApplyWebhook processes a decoded webhook payload: look up the order, record
// the delivery for audit, and run the report through the state machine.
func (s *ReconciliationService) ApplyWebhook(ctx context.Context, payload *webhook.Payload, signature string) (*interfaces.Transition, error) {
	order, err := s.store.GetOrder(ctx, payload.OrderID.String())
	if err != nil {
		return nil, err
	}

	canonical := state.Canonicalize(&payload.Report)
	orderID := order.ID
	if err := s.store.RecordDelivery(ctx, &interfaces.WebhookDelivery{
		OrderID:      &orderID,
		RemoteStatus: string(canonical.Value),
		Signature:    signature,
	}); err != nil {
		s.log.Warn("failed to record webhook delivery",
			zap.String("order_id", order.ID.String()),
			zap.Error(err),
		)
	}

	return s.apply(ctx, order, canonical)
}

// ReconcileOrder fetches the remote status for one order and applies it. Used
// by the polling driver.
func (s *ReconciliationService) ReconcileOrder(ctx context.Context, order *interfaces.Order) (*interfaces.Transition, error) {
	report, err := s.client.GetCharge(ctx, order.PaymentAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch charge %s: %w", order.PaymentAddress, err)
	}
	return s.apply(ctx, order, state.Canonicalize(report))
}

func (s *ReconciliationService) apply(ctx context.Context, order *interfaces.Order, canonical interfaces.CanonicalStatus) (*interfaces.Transition, error) {
	if canonical.Value == "" {
		return nil, fmt.Errorf("status report for order %s carries no status", order.ID)
	}

	if s.locker != nil {
		release, acquired, err := s.locker.Acquire(ctx, order.ID.String())
		if err != nil {
			return nil, fmt.Errorf("failed to acquire order lock: %w", err)
		}
		if !acquired {
			// Another channel is reconciling this order right now. The update
			// is idempotent and will converge on the next delivery or tick.
			s.log.Debug("order lock contended, skipping",
				zap.String("order_id", order.ID.String()),
			)
			return &interfaces.Transition{From: order.Status, To: order.Status}, nil
		}
		defer release()
	}

	return s.stateMachine.Apply(ctx, order, canonical)
}
