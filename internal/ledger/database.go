package ledger

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const reconnectBudget = 10 * time.Second

// Database is the single owner of durable order state. Other components hold
// transient copies obtained through its query methods and mutate persisted
// state only through Create and Transition.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Create assigns the local id, stamps the order PENDING and persists it
// together with the operator idempotency record in one transaction: either
// the full record is durable or nothing is.
func (d *Database) Create(order *Order, idempotencyKey string) error {
	order.LocalID = uuid.New().String()
	order.State = StatePending
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt

	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return storageErr(err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(order).Error; err != nil {
		tx.Rollback()
		return storageErr(err)
	}

	record := IdempotencyRecord{
		IdempotencyKey: idempotencyKey,
		ResourceID:     order.LocalID,
		ResourceType:   "order",
		ExpiresAt:      time.Now().Add(24 * time.Hour),
	}
	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return storageErr(err)
	}

	return storageErr(tx.Commit().Error)
}

// Get returns the order with the given local id.
func (d *Database) Get(localID string) (*Order, error) {
	var order Order
	if err := d.db.Where("local_id = ?", localID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr(err)
	}
	return &order, nil
}

// GetByRemoteID returns the order carrying the given exchange id.
func (d *Database) GetByRemoteID(remoteID string) (*Order, error) {
	var order Order
	if err := d.db.Where("remote_id = ?", remoteID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr(err)
	}
	return &order, nil
}

// ListByState returns every order currently in one of the given states.
func (d *Database) ListByState(states ...State) ([]Order, error) {
	var orders []Order
	if err := d.db.Where("state IN ?", states).Order("id").Find(&orders).Error; err != nil {
		return nil, storageErr(err)
	}
	return orders, nil
}

// Transition is the compare-and-swap every lifecycle change goes through: a
// single UPDATE guarded on the current state. It fails with ErrStaleState
// when the persisted state is no longer `from`, which is what serializes a
// create path and a reconcile path racing on the same order. Extra fields
// (remote id, attempts, failure reason) ride along in the same statement.
func (d *Database) Transition(localID string, from, to State, fields map[string]any) error {
	if !from.CanTransition(to) {
		return ErrInvalidTransition
	}

	updates := map[string]any{
		"state":      to,
		"updated_at": time.Now(),
	}
	for k, v := range fields {
		updates[k] = v
	}

	res := d.db.Model(&Order{}).
		Where("local_id = ? AND state = ?", localID, from).
		Updates(updates)
	if res.Error != nil {
		return storageErr(res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := d.db.Model(&Order{}).Where("local_id = ?", localID).Count(&count).Error; err != nil {
			return storageErr(err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrStaleState
	}
	return nil
}

// TouchReconciled records a successful comparison against the exchange
// without changing lifecycle state.
func (d *Database) TouchReconciled(localID string, at time.Time) error {
	res := d.db.Model(&Order{}).
		Where("local_id = ?", localID).
		Updates(map[string]any{"last_reconciled_at": at, "updated_at": time.Now()})
	if res.Error != nil {
		return storageErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetIdempotencyRecord returns the record for an operator key, or ErrNotFound.
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr(err)
	}
	return &record, nil
}

// Ping verifies the underlying connection, attempting bounded reconnection
// before giving up with ErrStorageUnavailable. Reconnection happens exactly
// when the connection is down, and a persistent failure is a hard stop for
// the caller's cycle rather than license to continue on in-memory state.
func (d *Database) Ping() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return ErrStorageUnavailable
	}
	if err := sqlDB.Ping(); err == nil {
		return nil
	}

	logger := log.With().Str("component", "ledger").Logger()
	logger.Warn().Msg("storage connection lost, attempting to reconnect")

	backoffCfg := backoff.NewExponentialBackOff()
	deadline := time.Now().Add(reconnectBudget)
	for time.Now().Before(deadline) {
		if err := sqlDB.Ping(); err == nil {
			logger.Info().Msg("storage connection restored")
			return nil
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		time.Sleep(sleep)
	}

	logger.Error().Msg("storage reconnection failed")
	return ErrStorageUnavailable
}

func storageErr(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrStorageUnavailable, err)
}
