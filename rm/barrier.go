package rm

import (
	"context"
	"database/sql"
	"errors"

	"gorm.io/gorm"
)

var (
	dbSchema = "dtx"
)

const (
	stateExecuted    = "executed"
	stateCompensated = "compensated"
)

var (
	ErrCompensated = errors.New("step is already compensated")
)

func SetDbSchema(schema string) {
	dbSchema = schema
}

// BarrierRecord is the state of one step of a transaction on a participant.
type BarrierRecord struct {
	Id      int64
	TxnId   string `gorm:"uniqueIndex:idx_rm_barrier_txn_step"`
	Step    string `gorm:"uniqueIndex:idx_rm_barrier_txn_step"`
	State   string
	Payload string
}

func (*BarrierRecord) TableName() string {
	if len(dbSchema) == 0 {
		return "rm_barrier"
	}
	return dbSchema + ".rm_barrier"
}

// Barrier makes the steps and compensations of a participant idempotent
// under redelivery: a step runs at most once, its compensation runs at most
// once and only after the step, and a step arriving after its compensation
// is refused.
type Barrier struct {
	db *gorm.DB
}

func NewBarrier(db *gorm.DB) *Barrier {
	return &Barrier{db: db}
}

func (b *Barrier) Migrate() error {
	return b.db.AutoMigrate(&BarrierRecord{})
}

func findRecord(tx *gorm.DB, txnId, step string) (*BarrierRecord, error) {
	rec := BarrierRecord{}
	txr := tx.Model(&BarrierRecord{}).Where("txn_id=? AND step=?", txnId, step).Find(&rec)
	if txr.Error != nil {
		return nil, txr.Error
	}
	if txr.RowsAffected == 0 {
		return nil, nil
	}
	return &rec, nil
}

// Execute runs fn in a database transaction unless the step already ran.
// payload is kept for Compensate.
func (b *Barrier) Execute(ctx context.Context, txnId, step, payload string, fn func(tx *gorm.DB) error) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := findRecord(tx, txnId, step)
		if err != nil {
			return err
		}
		if rec != nil {
			if rec.State == stateCompensated {
				return ErrCompensated
			}
			return nil
		}

		if err = fn(tx); err != nil {
			return err
		}
		return tx.Create(&BarrierRecord{
			TxnId:   txnId,
			Step:    step,
			State:   stateExecuted,
			Payload: payload,
		}).Error
	}, &sql.TxOptions{
		Isolation: sql.LevelRepeatableRead,
	})
}

// Compensate runs fn with the payload of the step if the step ran and is
// not compensated yet. A compensation of a step that never ran only leaves
// a mark refusing the step.
func (b *Barrier) Compensate(ctx context.Context, txnId, step string, fn func(tx *gorm.DB, payload string) error) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := findRecord(tx, txnId, step)
		if err != nil {
			return err
		}
		if rec == nil {
			return tx.Create(&BarrierRecord{
				TxnId: txnId,
				Step:  step,
				State: stateCompensated,
			}).Error
		}
		if rec.State == stateCompensated {
			return nil
		}

		if err = fn(tx, rec.Payload); err != nil {
			return err
		}
		return tx.Model(&BarrierRecord{}).Where("id=?", rec.Id).
			Update("state", stateCompensated).Error
	}, &sql.TxOptions{
		Isolation: sql.LevelRepeatableRead,
	})
}
