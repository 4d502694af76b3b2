// Package interfaces defines the data model and service contracts for the
// payment gateway module.
package interfaces

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus represents the merchant-facing lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending           OrderStatus = "pending"
	OrderStatusBlockchainPending OrderStatus = "blockchain-pending"
	OrderStatusProcessing        OrderStatus = "processing"
	OrderStatusCompleted         OrderStatus = "completed"
	OrderStatusCancelled         OrderStatus = "cancelled"
	OrderStatusFailed            OrderStatus = "failed"
)

// IsTerminal reports whether no further reconciliation-driven transition may
// move the order out of this status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCancelled, OrderStatusCompleted, OrderStatusFailed:
		return true
	}
	return false
}

// IsPendingLike reports whether the order is still awaiting payment detection.
func (s OrderStatus) IsPendingLike() bool {
	return s == OrderStatusPending || s == OrderStatusBlockchainPending
}

// RemoteStatus is a status value reported by the OPEN Platform processor. The
// vocabulary is closed, but unrecognized values are carried through verbatim
// so that forward-compatible no-op handling can still log and cache them.
type RemoteStatus string

const (
	RemotePending    RemoteStatus = "PENDING"
	RemoteUnresolved RemoteStatus = "UNRESOLVED"
	RemoteResolved   RemoteStatus = "RESOLVED"
	RemoteCompleted  RemoteStatus = "COMPLETED"
	RemoteCanceled   RemoteStatus = "CANCELED"
	RemoteExpired    RemoteStatus = "EXPIRED"
)

// ContextOverpaid is the disambiguation context the processor attaches to an
// UNRESOLVED charge that received more funds than requested.
const ContextOverpaid = "OVERPAID"

// Known reports whether the value belongs to the processor vocabulary this
// module understands.
func (s RemoteStatus) Known() bool {
	switch s {
	case RemotePending, RemoteUnresolved, RemoteResolved, RemoteCompleted, RemoteCanceled, RemoteExpired:
		return true
	}
	return false
}

// IsTerminalRemote reports whether the processor considers the charge settled
// one way or the other; such orders become archival candidates.
func (s RemoteStatus) IsTerminalRemote() bool {
	switch s {
	case RemoteExpired, RemoteCompleted, RemoteResolved:
		return true
	}
	return false
}

// StatusEvent is a single entry of a charge timeline.
type StatusEvent struct {
	Status  string    `json:"status"`
	Context string    `json:"context,omitempty"`
	Time    time.Time `json:"time,omitempty"`
}

// StatusReport is a remote status report for one charge: either a scalar
// {status, context} pair or an ordered timeline of such pairs. When a timeline
// is present only its last entry is authoritative.
type StatusReport struct {
	Status   string        `json:"status,omitempty"`
	Context  string        `json:"context,omitempty"`
	Timeline []StatusEvent `json:"timeline,omitempty"`
}

// CanonicalStatus is the single authoritative status derived from a
// StatusReport.
type CanonicalStatus struct {
	Value   RemoteStatus
	Context string
}

// Order is the merchant order entity as persisted by the order store. The
// gateway reads and mutates the reconciliation fields only; checkout details
// are owned by the storefront.
type Order struct {
	ID       uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	OrderKey string          `gorm:"size:64;index" json:"order_key"`
	Amount   decimal.Decimal `gorm:"type:decimal(36,18)" json:"amount"`
	Currency string          `gorm:"size:16" json:"currency"`

	Status OrderStatus `gorm:"size:32;index" json:"status"`

	// RemoteStatus caches the last canonical processor status observed; it is
	// the idempotence key for transition application.
	RemoteStatus string `gorm:"size:32" json:"remote_status,omitempty"`

	// PaymentAddress is the blockchain address (charge reference) handed out
	// by the processor at payment initiation. Set once, immutable after.
	PaymentAddress string `gorm:"size:128;index" json:"payment_address,omitempty"`

	Archived bool       `gorm:"index" json:"archived"`
	PaidAt   *time.Time `json:"paid_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrderNote is a human-readable annotation attached to an order during
// reconciliation.
type OrderNote struct {
	ID        uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID   uuid.UUID   `gorm:"type:uuid;index" json:"order_id"`
	Status    OrderStatus `gorm:"size:32" json:"status,omitempty"`
	Note      string      `gorm:"size:512" json:"note"`
	CreatedAt time.Time   `json:"created_at"`
}

// WebhookDelivery records an accepted webhook delivery for audit purposes.
type WebhookDelivery struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID      *uuid.UUID `gorm:"type:uuid;index" json:"order_id,omitempty"`
	RemoteStatus string     `gorm:"size:32" json:"remote_status"`
	Signature    string     `gorm:"size:128" json:"signature"`
	ReceivedAt   time.Time  `gorm:"index" json:"received_at"`
}

// Transition describes the outcome of applying a canonical remote status to an
// order.
type Transition struct {
	Changed  bool        `json:"changed"`
	From     OrderStatus `json:"from,omitempty"`
	To       OrderStatus `json:"to,omitempty"`
	Note     string      `json:"note,omitempty"`
	Captured bool        `json:"captured"`
	Archived bool        `json:"archived"`
}

// OrderEvent is published whenever reconciliation changes an order.
type OrderEvent struct {
	ID           uuid.UUID   `json:"id"`
	Type         string      `json:"type"`
	OrderID      uuid.UUID   `json:"order_id"`
	FromStatus   OrderStatus `json:"from_status,omitempty"`
	ToStatus     OrderStatus `json:"to_status,omitempty"`
	RemoteStatus string      `json:"remote_status"`
	Note         string      `json:"note,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

// WalletMetadata accompanies the outbound wallet-creation request so the
// processor can echo the order reference back on webhook deliveries.
type WalletMetadata struct {
	OrderID  string `json:"order_id"`
	OrderKey string `json:"order_key,omitempty"`
	Source   string `json:"source"`
}

// WalletResponse is the processor's answer to a wallet-creation request.
type WalletResponse struct {
	Address string `json:"address"`
}
