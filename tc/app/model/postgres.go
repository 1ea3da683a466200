package model

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/ratelimit"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	logutil "github.com/ikenchina/sagastream/common/log"
	"github.com/ikenchina/sagastream/define"
)

type postgresStorage struct {
	Db      *gorm.DB
	timeout time.Duration
	opts    options
}

func NewPostgresStorage(dsn string, timeout time.Duration,
	maxConn int, maxIdleConn int, opts ...Option) (Storage, error) {
	store := &postgresStorage{
		timeout: timeout,
		opts:    defaultOptions(),
	}
	for _, opt := range opts {
		opt(&store.opts)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, err
	}
	store.Db = db
	sdb, err := db.DB()
	if err != nil {
		return nil, err
	}
	sdb.SetMaxOpenConns(maxConn)
	sdb.SetMaxIdleConns(maxIdleConn)

	if store.opts.autoMigrate {
		err = db.AutoMigrate(&StreamRecord{}, &ConsumerCursor{}, &PendingRecord{},
			&UndoRecord{}, &StateRecord{})
		if err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (ps *postgresStorage) Close() error {
	sdb, err := ps.Db.DB()
	if err != nil {
		return err
	}
	return sdb.Close()
}

func (ps *postgresStorage) timeoutContext(ctx context.Context) (context.Context, context.CancelFunc) {
	_, ok := ctx.Deadline()
	if ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, ps.timeout)
}

func (ps *postgresStorage) Append(ctx context.Context, txn *define.Transaction) (msgId string, err error) {
	defer modelTimer.Track("postgres", "Append")(&err)

	ctx, cancel := ps.timeoutContext(ctx)
	defer cancel()

	if txn.CreatedTime.IsZero() {
		txn.CreatedTime = time.Now()
	}
	record := newStreamRecord(txn)
	txr := ps.Db.WithContext(ctx).Create(record)
	if txr.Error != nil {
		return "", fmt.Errorf("db error : %w", txr.Error)
	}
	return formatMessageId(record.Id), nil
}

func (ps *postgresStorage) Receive(ctx context.Context, group string, deliver func(Delivery)) error {
	limiter := ratelimit.New(ps.opts.pollRate)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		limiter.Take()

		records, err := ps.claim(ctx, group)
		if err != nil {
			return err
		}
		for _, r := range records {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			deliver(Delivery{
				Transaction: r.toTransaction(),
				MessageId:   formatMessageId(r.Id),
			})
		}
	}
}

// claim returns the expired pending messages of group followed by a batch of
// records past the group cursor, and marks them as delivered.
func (ps *postgresStorage) claim(ctx context.Context, group string) (records []*StreamRecord, err error) {
	defer modelTimer.Track("postgres", "Claim")(&err)

	ctx, cancel := ps.timeoutContext(ctx)
	defer cancel()

	records = make([]*StreamRecord, 0)
	err = ps.Db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()

		expired := []*PendingRecord{}
		txr := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("consumer_group = ? AND delivered_time < ?", group, now.Add(-ps.opts.claimTimeout)).
			Order("message_id ASC").Limit(ps.opts.batchSize).Find(&expired)
		if txr.Error != nil {
			return txr.Error
		}
		ids := make([]int64, 0, len(expired))
		for _, p := range expired {
			ids = append(ids, p.MessageId)
		}
		if len(ids) > 0 {
			txr = tx.Model(&PendingRecord{}).Where("consumer_group = ? AND message_id IN ?", group, ids).
				Updates(map[string]interface{}{
					"delivered_time": now,
					"delivery_count": gorm.Expr("delivery_count + 1")})
			if txr.Error != nil {
				return txr.Error
			}
			txr = tx.Where("id IN ?", ids).Order("id ASC").Find(&records)
			if txr.Error != nil {
				return txr.Error
			}
		}

		cursor := &ConsumerCursor{ConsumerGroup: group}
		txr = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(cursor)
		if txr.Error != nil {
			return txr.Error
		}
		txr = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("consumer_group = ?", group).Find(cursor)
		if txr.Error != nil {
			return txr.Error
		}

		fresh := []*StreamRecord{}
		txr = tx.Where("id > ?", cursor.LastId).Order("id ASC").Limit(ps.opts.batchSize).Find(&fresh)
		if txr.Error != nil {
			return txr.Error
		}
		if len(fresh) == 0 {
			return nil
		}

		pendings := make([]*PendingRecord, 0, len(fresh))
		for _, r := range fresh {
			pendings = append(pendings, &PendingRecord{
				ConsumerGroup: group,
				MessageId:     r.Id,
				DeliveryCount: 1,
				DeliveredTime: now,
			})
		}
		txr = tx.Create(pendings)
		if txr.Error != nil {
			return txr.Error
		}
		txr = tx.Model(&ConsumerCursor{}).Where("consumer_group = ?", group).
			Updates(map[string]interface{}{
				"last_id":      fresh[len(fresh)-1].Id,
				"updated_time": now})
		if txr.Error != nil {
			return txr.Error
		}
		records = append(records, fresh...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("db error : %w", err)
	}
	return records, nil
}

func (ps *postgresStorage) Ack(ctx context.Context, group string, msgId string) (err error) {
	defer modelTimer.Track("postgres", "Ack")(&err)

	id, err := parseMessageId(msgId)
	if err != nil {
		return ErrInvalidMsgId
	}
	ctx, cancel := ps.timeoutContext(ctx)
	defer cancel()

	txr := ps.Db.WithContext(ctx).Where("consumer_group = ? AND message_id = ?", group, id).
		Delete(&PendingRecord{})
	if txr.Error != nil {
		return fmt.Errorf("%w : %v", ErrAckFailed, txr.Error)
	}
	if txr.RowsAffected == 0 {
		return ErrAckFailed
	}
	return nil
}

func (ps *postgresStorage) SetUndo(ctx context.Context, txnId, nodeGroup, undo string) (err error) {
	defer modelTimer.Track("postgres", "SetUndo")(&err)
	return ps.saveUndo(ctx, txnId, nodeGroup, undo, true)
}

func (ps *postgresStorage) SetUndoIfAbsent(ctx context.Context, txnId, nodeGroup, undo string) (err error) {
	defer modelTimer.Track("postgres", "SetUndoIfAbsent")(&err)
	return ps.saveUndo(ctx, txnId, nodeGroup, undo, false)
}

func (ps *postgresStorage) saveUndo(ctx context.Context, txnId, nodeGroup, undo string, overwrite bool) error {
	ctx, cancel := ps.timeoutContext(ctx)
	defer cancel()

	onConflict := clause.OnConflict{
		Columns: []clause.Column{{Name: "txn_id"}, {Name: "node_group"}},
	}
	if overwrite {
		onConflict.DoUpdates = clause.AssignmentColumns([]string{"undo", "updated_time"})
	} else {
		onConflict.DoNothing = true
	}

	txr := ps.Db.WithContext(ctx).Clauses(onConflict).Create(&UndoRecord{
		TxnId:       txnId,
		NodeGroup:   nodeGroup,
		Undo:        undo,
		UpdatedTime: time.Now(),
	})
	if txr.Error != nil {
		return fmt.Errorf("db error : %w", txr.Error)
	}
	return nil
}

func (ps *postgresStorage) GetUndo(ctx context.Context, txnId, nodeGroup string) (undo string, err error) {
	defer modelTimer.Track("postgres", "GetUndo")(&err)

	ctx, cancel := ps.timeoutContext(ctx)
	defer cancel()

	record := &UndoRecord{}
	txr := ps.Db.WithContext(ctx).Where("txn_id = ? AND node_group = ?", txnId, nodeGroup).Find(record)
	if txr.Error != nil {
		return "", fmt.Errorf("db error : %w", txr.Error)
	}
	if txr.RowsAffected == 0 {
		return "", ErrUndoNotFound
	}
	return record.Undo, nil
}

func (ps *postgresStorage) DeleteUndo(ctx context.Context, txnId, nodeGroup string) (err error) {
	defer modelTimer.Track("postgres", "DeleteUndo")(&err)

	ctx, cancel := ps.timeoutContext(ctx)
	defer cancel()

	txr := ps.Db.WithContext(ctx).Where("txn_id = ? AND node_group = ?", txnId, nodeGroup).
		Delete(&UndoRecord{})
	if txr.Error != nil {
		return fmt.Errorf("db error : %w", txr.Error)
	}
	return nil
}

func (ps *postgresStorage) GetState(ctx context.Context, txnId string) (state string, err error) {
	defer modelTimer.Track("postgres", "GetState")(&err)

	ctx, cancel := ps.timeoutContext(ctx)
	defer cancel()

	record := &StateRecord{}
	txr := ps.Db.WithContext(ctx).Where("txn_id = ?", txnId).Find(record)
	if txr.Error != nil {
		return "", fmt.Errorf("db error : %w", txr.Error)
	}
	if txr.RowsAffected == 0 {
		return "", ErrNotExist
	}
	return record.State, nil
}

func (ps *postgresStorage) Transit(ctx context.Context, txnId string, state string,
	cb func(old string) error) (err error) {
	defer modelTimer.Track("postgres", "Transit")(&err)

	ctx, cancel := ps.timeoutContext(ctx)
	defer cancel()

	return ps.Db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		txr := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&StateRecord{
			TxnId:       txnId,
			UpdatedTime: now,
			CreatedTime: now,
		})
		if txr.Error != nil {
			return txr.Error
		}

		record := &StateRecord{}
		txr = tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("txn_id = ?", txnId).Find(record)
		if txr.Error != nil {
			return txr.Error
		}
		if cb != nil {
			if err := cb(record.State); err != nil {
				return err
			}
		}

		txr = tx.Model(&StateRecord{}).Where("txn_id = ?", txnId).
			Updates(map[string]interface{}{"state": state, "updated_time": now})
		if txr.Error != nil {
			logutil.Logger(ctx).Sugar().Errorf("transit %s to %s : %v", txnId, state, txr.Error)
		}
		return txr.Error
	})
}

func (ps *postgresStorage) Purge(ctx context.Context, deadline time.Time) (purged int, err error) {
	defer modelTimer.Track("postgres", "Purge")(&err)

	ctx, cancel := ps.timeoutContext(ctx)
	defer cancel()

	terminal := []string{define.TxnStateCommit, define.TxnStateRollback}
	err = ps.Db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		expired := tx.Model(&StateRecord{}).Select("txn_id").
			Where("state IN ? AND updated_time < ?", terminal, deadline)
		txr := tx.Where("txn_id IN (?)", expired).Delete(&UndoRecord{})
		if txr.Error != nil {
			return txr.Error
		}
		txr = tx.Where("state IN ? AND updated_time < ?", terminal, deadline).Delete(&StateRecord{})
		if txr.Error != nil {
			return txr.Error
		}
		purged = int(txr.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("db error : %w", err)
	}
	return purged, nil
}
