// Package repository provides the gorm-backed order store for the gateway
// module.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openfuture/open-commerce/internal/gateway/interfaces"
)

// OrderRepository implements interfaces.OrderStore on a relational database.
type OrderRepository struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewOrderRepository creates a new order repository.
func NewOrderRepository(db *gorm.DB, log *zap.Logger) *OrderRepository {
	return &OrderRepository{db: db, log: log}
}

// CreateOrder persists a new order. Order creation belongs to the storefront;
// this method exists for provisioning and tests.
func (r *OrderRepository) CreateOrder(ctx context.Context, order *interfaces.Order) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(order).Error
}

// GetOrder retrieves an order by ID.
func (r *OrderRepository) GetOrder(ctx context.Context, orderID string) (*interfaces.Order, error) {
	id, err := uuid.Parse(orderID)
	if err != nil {
		return nil, fmt.Errorf("invalid order id %q: %w", orderID, interfaces.ErrOrderNotFound)
	}

	var order interfaces.Order
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, interfaces.ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// QueryReconcilable returns unarchived orders in the given statuses that hold
// a payment address, oldest first.
func (r *OrderRepository) QueryReconcilable(ctx context.Context, statuses []interfaces.OrderStatus) ([]*interfaces.Order, error) {
	var orders []*interfaces.Order
	err := r.db.WithContext(ctx).
		Where("archived = ? AND status IN ? AND payment_address <> ''", false, statuses).
		Order("created_at ASC").
		Find(&orders).Error
	return orders, err
}

// UpdateStatus moves the order to a new status and records an order note.
func (r *OrderRepository) UpdateStatus(ctx context.Context, order *interfaces.Order, status interfaces.OrderStatus, note string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order.Status = status
		if err := tx.Save(order).Error; err != nil {
			return err
		}
		return tx.Create(&interfaces.OrderNote{
			ID:      uuid.New(),
			OrderID: order.ID,
			Status:  status,
			Note:    note,
		}).Error
	})
}

// AddNote records a note without touching the order status.
func (r *OrderRepository) AddNote(ctx context.Context, order *interfaces.Order, note string) error {
	return r.db.WithContext(ctx).Create(&interfaces.OrderNote{
		ID:      uuid.New(),
		OrderID: order.ID,
		Status:  order.Status,
		Note:    note,
	}).Error
}

// MarkPaymentComplete captures the payment. Calling it twice is safe: the
// paid timestamp is only ever set once.
func (r *OrderRepository) MarkPaymentComplete(ctx context.Context, order *interfaces.Order) error {
	if order.PaidAt != nil {
		return nil
	}

	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&interfaces.Order{}).
		Where("id = ? AND paid_at IS NULL", order.ID).
		Update("paid_at", now)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		order.PaidAt = &now
	}
	return nil
}

// SaveOrder persists the order's reconciliation fields.
func (r *OrderRepository) SaveOrder(ctx context.Context, order *interfaces.Order) error {
	return r.db.WithContext(ctx).Save(order).Error
}

// GetOrderNotes returns the notes recorded for an order, newest first.
func (r *OrderRepository) GetOrderNotes(ctx context.Context, orderID uuid.UUID) ([]*interfaces.OrderNote, error) {
	var notes []*interfaces.OrderNote
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at DESC").
		Find(&notes).Error
	return notes, err
}

// RecordDelivery logs an accepted webhook delivery.
func (r *OrderRepository) RecordDelivery(ctx context.Context, delivery *interfaces.WebhookDelivery) error {
	if delivery.ID == uuid.Nil {
		delivery.ID = uuid.New()
	}
	if delivery.ReceivedAt.IsZero() {
		delivery.ReceivedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(delivery).Error
}

// PruneDeliveries deletes webhook delivery rows received before the cutoff.
func (r *OrderRepository) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("received_at < ?", before).
		Delete(&interfaces.WebhookDelivery{})
	return result.RowsAffected, result.Error
}

// HealthCheck verifies database connectivity.
func (r *OrderRepository) HealthCheck(ctx context.Context) error {
	var result int
	return r.db.WithContext(ctx).Raw("SELECT 1").Scan(&result).Error
}

// AutoMigrate creates or updates the gateway tables.
func (r *OrderRepository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&interfaces.Order{},
		&interfaces.OrderNote{},
		&interfaces.WebhookDelivery{},
	)
}

// CreateIndexes creates supporting indexes for the poll query and audit
// lookups.
func (r *OrderRepository) CreateIndexes() error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_orders_status_archived ON orders(status, archived)",
		"CREATE INDEX IF NOT EXISTS idx_orders_payment_address ON orders(payment_address)",
		"CREATE INDEX IF NOT EXISTS idx_order_notes_order_id ON order_notes(order_id)",
		"CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_received_at ON webhook_deliveries(received_at)",
	}
	for _, index := range indexes {
		if err := r.db.Exec(index).Error; err != nil {
			r.log.Warn("failed to create index", zap.String("sql", index), zap.Error(err))
		}
	}
	return nil
}
