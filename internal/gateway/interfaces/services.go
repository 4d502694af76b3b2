package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoOrderRef indicates a webhook payload that carries no order
	// reference at all, typically a charge not created by this system. Callers
	// must acknowledge such deliveries silently.
	ErrNoOrderRef = errors.New("payload carries no order reference")

	// ErrOrderNotFound indicates an order reference that matches no local
	// order. Unlike ErrNoOrderRef this is a data-integrity concern worth
	// logging, though the delivery is still acknowledged.
	ErrOrderNotFound = errors.New("order not found")

	// ErrPaymentInitiated indicates an attempt to initiate payment for an
	// order that already holds a payment address.
	ErrPaymentInitiated = errors.New("payment already initiated")

	// ErrOrderArchived indicates an operation on an order already retired
	// from reconciliation.
	ErrOrderArchived = errors.New("order is archived")
)

// OrderStore is the order persistence interface this module consumes. The
// store owns the order rows; the gateway only reads and mutates the
// reconciliation fields.
type OrderStore interface {
	GetOrder(ctx context.Context, orderID string) (*Order, error)

	// QueryReconcilable returns unarchived orders in one of the given statuses
	// that already hold a payment address.
	QueryReconcilable(ctx context.Context, statuses []OrderStatus) ([]*Order, error)

	// UpdateStatus moves the order to a new status and records a note.
	UpdateStatus(ctx context.Context, order *Order, status OrderStatus, note string) error

	// AddNote records a note without changing the order status.
	AddNote(ctx context.Context, order *Order, note string) error

	// GetOrderNotes returns the notes recorded for an order, newest first.
	GetOrderNotes(ctx context.Context, orderID uuid.UUID) ([]*OrderNote, error)

	// MarkPaymentComplete captures the payment. The operation is idempotent;
	// a second call for the same order is a no-op.
	MarkPaymentComplete(ctx context.Context, order *Order) error

	// SaveOrder persists the order's reconciliation fields.
	SaveOrder(ctx context.Context, order *Order) error

	RecordDelivery(ctx context.Context, delivery *WebhookDelivery) error
	PruneDeliveries(ctx context.Context, before time.Time) (int64, error)
}

// OpenClient is the outbound interface to the OPEN Platform API.
type OpenClient interface {
	// CreateWallet requests a payment address for an order.
	CreateWallet(ctx context.Context, metadata WalletMetadata) (*WalletResponse, error)

	// GetCharge fetches the current status report for a charge reference.
	GetCharge(ctx context.Context, reference string) (*StatusReport, error)
}

// OrderLocker serializes reconciliation of a single order across the webhook
// and poll paths. Acquire returns false when another holder owns the lock.
type OrderLocker interface {
	Acquire(ctx context.Context, orderID string) (release func(), acquired bool, err error)
}

// Publisher emits order reconciliation events to downstream consumers.
type Publisher interface {
	PublishOrderEvent(ctx context.Context, event *OrderEvent) error
}
