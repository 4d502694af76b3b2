// Package state implements the order status state machine driven by remote
// status reports, plus the archival policy that retires settled orders from
// polling.
package state

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openfuture/open-commerce/internal/gateway/interfaces"
	"github.com/openfuture/open-commerce/pkg/metrics"
)

// OrderStateMachine applies canonical remote statuses to orders. All
// transitions are idempotent per (order, remote status) pair, which makes the
// machine safe under at-least-once delivery from both the webhook and poll
// channels.
type OrderStateMachine struct {
	store     interfaces.OrderStore
	publisher interfaces.Publisher
	log       *zap.Logger

	// completedStatus is the local target for a COMPLETED remote charge:
	// either processing (awaiting manual capture review) or completed.
	completedStatus interfaces.OrderStatus

	// archiveAfter is the idle timeout after which a terminally-resolved
	// order stops being polled.
	archiveAfter time.Duration

	now func() time.Time
}

// NewOrderStateMachine creates a new order state machine. publisher may be nil.
func NewOrderStateMachine(
	store interfaces.OrderStore,
	publisher interfaces.Publisher,
	log *zap.Logger,
	completedStatus interfaces.OrderStatus,
	archiveAfter time.Duration,
) *OrderStateMachine {
	return &OrderStateMachine{
		store:           store,
		publisher:       publisher,
		log:             log,
		completedStatus: completedStatus,
		archiveAfter:    archiveAfter,
		now:             time.Now,
	}
}

// Apply reconciles one order against a canonical remote status and persists
// the outcome. Re-delivery of a status equal to the order's cached remote
// status is a no-op transition; the archival policy still runs, because
// archival depends on the remote status and idle time, not on whether a
// transition occurred this call.
func (sm *OrderStateMachine) Apply(ctx context.Context, order *interfaces.Order, canonical interfaces.CanonicalStatus) (*interfaces.Transition, error) {
	if canonical.Value == "" {
		return nil, fmt.Errorf("empty canonical status for order %s", order.ID)
	}

	transition := &interfaces.Transition{From: order.Status, To: order.Status}

	cacheChanged := string(canonical.Value) != order.RemoteStatus
	if !cacheChanged {
		sm.log.Debug("remote status unchanged",
			zap.String("order_id", order.ID.String()),
			zap.String("remote_status", order.RemoteStatus),
		)
	} else {
		order.RemoteStatus = string(canonical.Value)

		if err := sm.dispatch(ctx, order, canonical, transition); err != nil {
			return nil, err
		}
	}

	archived, err := sm.maybeArchive(ctx, order, canonical.Value)
	if err != nil {
		return nil, err
	}
	transition.Archived = archived

	// A pure no-op redelivery must not be persisted: the store refreshes the
	// modification timestamp on save, and that timestamp is the archival idle
	// clock. Writing it here would keep a settled-but-unarchivable order
	// fresh forever.
	if cacheChanged || transition.Changed || archived {
		if err := sm.store.SaveOrder(ctx, order); err != nil {
			return nil, fmt.Errorf("failed to save order %s: %w", order.ID, err)
		}
	}

	if transition.Changed {
		metrics.TransitionsApplied.WithLabelValues(string(transition.To)).Inc()
		sm.publish(ctx, order, transition)
	}

	return transition, nil
}

// dispatch evaluates the decision table for a remote status the order has not
// seen before. Terminal local statuses never regress; re-entrant terminal
// deliveries fall through to the archival check only.
func (sm *OrderStateMachine) dispatch(ctx context.Context, order *interfaces.Order, canonical interfaces.CanonicalStatus, transition *interfaces.Transition) error {
	if order.Status.IsTerminal() {
		sm.log.Debug("order in terminal status, skipping transition",
			zap.String("order_id", order.ID.String()),
			zap.String("status", string(order.Status)),
			zap.String("remote_status", string(canonical.Value)),
		)
		return nil
	}

	switch canonical.Value {
	case interfaces.RemoteExpired:
		if order.Status.IsPendingLike() {
			return sm.transition(ctx, order, transition, interfaces.OrderStatusCancelled, "Open payment expired.")
		}
		return nil

	case interfaces.RemoteCanceled:
		return sm.transition(ctx, order, transition, interfaces.OrderStatusCancelled, "Open payment cancelled.")

	case interfaces.RemoteUnresolved:
		if canonical.Context == interfaces.ContextOverpaid {
			return sm.complete(ctx, order, transition)
		}
		note := fmt.Sprintf("Open payment unresolved, reason: %s.", canonical.Context)
		return sm.transition(ctx, order, transition, interfaces.OrderStatusFailed, note)

	case interfaces.RemotePending:
		return sm.transition(ctx, order, transition, interfaces.OrderStatusBlockchainPending,
			"Open payment detected, but awaiting blockchain confirmation.")

	case interfaces.RemoteResolved:
		// The resolution outcome is ambiguous (refund vs. success), so the
		// local status is left alone and only a note is recorded.
		if err := sm.store.AddNote(ctx, order, "Open payment marked as resolved."); err != nil {
			return fmt.Errorf("failed to add order note: %w", err)
		}
		return nil

	case interfaces.RemoteCompleted:
		return sm.complete(ctx, order, transition)

	default:
		// Forward compatibility: unknown vocabulary is cached and logged, but
		// never drives a transition.
		sm.log.Warn("unrecognized remote status",
			zap.String("order_id", order.ID.String()),
			zap.String("remote_status", string(canonical.Value)),
		)
		return nil
	}
}

// complete marks the payment captured and moves the order to the configured
// post-payment status. The capture itself is idempotent in the store.
func (sm *OrderStateMachine) complete(ctx context.Context, order *interfaces.Order, transition *interfaces.Transition) error {
	if err := sm.transition(ctx, order, transition, sm.completedStatus, "Open payment was successfully processed."); err != nil {
		return err
	}
	if err := sm.store.MarkPaymentComplete(ctx, order); err != nil {
		return fmt.Errorf("failed to mark payment complete for order %s: %w", order.ID, err)
	}
	transition.Captured = true
	return nil
}

func (sm *OrderStateMachine) transition(ctx context.Context, order *interfaces.Order, transition *interfaces.Transition, to interfaces.OrderStatus, note string) error {
	if err := sm.store.UpdateStatus(ctx, order, to, note); err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	transition.Changed = true
	transition.To = to
	transition.Note = note

	sm.log.Info("order status transition",
		zap.String("order_id", order.ID.String()),
		zap.String("from", string(transition.From)),
		zap.String("to", string(to)),
		zap.String("remote_status", order.RemoteStatus),
	)
	return nil
}

// maybeArchive retires the order from polling once the processor reports a
// terminal charge state and the order has been idle past the configured
// timeout. The flag is monotonic; re-evaluating an archived order is harmless.
func (sm *OrderStateMachine) maybeArchive(ctx context.Context, order *interfaces.Order, remote interfaces.RemoteStatus) (bool, error) {
	if order.Archived || !remote.IsTerminalRemote() {
		return false, nil
	}
	if sm.now().Sub(order.UpdatedAt) <= sm.archiveAfter {
		return false, nil
	}

	order.Archived = true
	metrics.OrdersArchived.Inc()
	sm.log.Info("archiving order",
		zap.String("order_id", order.ID.String()),
		zap.String("remote_status", string(remote)),
	)
	return true, nil
}

func (sm *OrderStateMachine) publish(ctx context.Context, order *interfaces.Order, transition *interfaces.Transition) {
	if sm.publisher == nil {
		return
	}

	event := &interfaces.OrderEvent{
		ID:           uuid.New(),
		Type:         "order.reconciled",
		OrderID:      order.ID,
		FromStatus:   transition.From,
		ToStatus:     transition.To,
		RemoteStatus: order.RemoteStatus,
		Note:         transition.Note,
		Timestamp:    sm.now(),
	}

	if err := sm.publisher.PublishOrderEvent(ctx, event); err != nil {
		sm.log.Warn("failed to publish order event",
			zap.String("order_id", order.ID.String()),
			zap.Error(err),
		)
	}
}
