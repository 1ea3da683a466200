package model

import (
	"strconv"
	"time"

	"github.com/ikenchina/sagastream/define"
)

// StreamRecord is one appended transaction record. Id is the message id.
type StreamRecord struct {
	Id          int64 `gorm:"primaryKey;autoIncrement"`
	TxnId       string
	ServerId    string
	TxnGroup    string
	State       string
	Cause       string
	EventType   string
	Event       string
	CreatedTime time.Time
}

func (*StreamRecord) TableName() string {
	return "dtx.txn_stream"
}

func (r *StreamRecord) toTransaction() *define.Transaction {
	return &define.Transaction{
		Id:          r.TxnId,
		ServerId:    r.ServerId,
		Group:       r.TxnGroup,
		State:       r.State,
		Cause:       r.Cause,
		EventType:   r.EventType,
		Event:       r.Event,
		CreatedTime: r.CreatedTime,
	}
}

func newStreamRecord(txn *define.Transaction) *StreamRecord {
	return &StreamRecord{
		TxnId:       txn.Id,
		ServerId:    txn.ServerId,
		TxnGroup:    txn.Group,
		State:       txn.State,
		Cause:       txn.Cause,
		EventType:   txn.EventType,
		Event:       txn.Event,
		CreatedTime: txn.CreatedTime,
	}
}

// ConsumerCursor is the last message id handed out to a consumer group.
type ConsumerCursor struct {
	ConsumerGroup string `gorm:"primaryKey"`
	LastId        int64
	UpdatedTime   time.Time
}

func (*ConsumerCursor) TableName() string {
	return "dtx.txn_stream_consumer"
}

// PendingRecord is a delivered but not yet acknowledged message.
type PendingRecord struct {
	ConsumerGroup string `gorm:"primaryKey"`
	MessageId     int64  `gorm:"primaryKey"`
	DeliveryCount int
	DeliveredTime time.Time
}

func (*PendingRecord) TableName() string {
	return "dtx.txn_stream_pending"
}

// UndoRecord holds the compensating payload a node group stored when it
// joined a transaction.
type UndoRecord struct {
	TxnId       string `gorm:"primaryKey"`
	NodeGroup   string `gorm:"primaryKey"`
	Undo        string
	UpdatedTime time.Time
}

func (*UndoRecord) TableName() string {
	return "dtx.txn_undo"
}

type StateRecord struct {
	TxnId       string `gorm:"primaryKey"`
	State       string
	UpdatedTime time.Time
	CreatedTime time.Time
}

func (*StateRecord) TableName() string {
	return "dtx.txn_state"
}

func formatMessageId(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseMessageId(msgId string) (int64, error) {
	return strconv.ParseInt(msgId, 10, 64)
}
