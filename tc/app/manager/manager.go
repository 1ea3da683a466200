package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ikenchina/sagastream/common/codec"
	"github.com/ikenchina/sagastream/common/idgenerator"
	logutil "github.com/ikenchina/sagastream/common/log"
	"github.com/ikenchina/sagastream/common/metrics"
	"github.com/ikenchina/sagastream/define"
	"github.com/ikenchina/sagastream/tc/app/model"
)

var (
	ErrAlreadyCommitted  = errors.New("transaction already committed")
	ErrAlreadyRolledBack = errors.New("transaction already rolled back")
	ErrAlreadyExist      = errors.New("transaction already exist")
	ErrNotStarted        = errors.New("transaction is not started")
)

var (
	managerTimer = metrics.NewTimer(define.MetricsNamespace, "tc", "manager", "transaction manager timer", []string{"state", "ret"})
)

// RawEvent is an event that is already encoded, as received from a remote
// participant.
type RawEvent struct {
	Type string
	Data string
}

type BreakerConfig struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// ConsecutiveFailures trips the breaker, zero disables it.
	ConsecutiveFailures uint32
}

type Config struct {
	NodeGroup string
	ServerId  string
	// CacheSize bounds the cache of terminated transactions.
	CacheSize int
	Breaker   BreakerConfig
}

// Manager appends transaction records on behalf of this node. Every
// operation moves the transaction state first so that records of a
// terminated transaction are never appended.
type Manager struct {
	cfg      Config
	codec    codec.Codec
	stream   model.Stream
	undo     model.UndoStore
	states   model.StateStore
	idgen    idgenerator.IdGenerator
	terminal *lru.Cache
	breaker  *gobreaker.CircuitBreaker
}

func NewManager(cfg Config, cdc codec.Codec, storage model.Storage, idgen idgenerator.IdGenerator) (*Manager, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		codec:    cdc,
		stream:   storage,
		undo:     storage,
		states:   storage,
		idgen:    idgen,
		terminal: cache,
	}

	settings := gobreaker.Settings{
		Name:        fmt.Sprintf("%s_stream_append", cfg.NodeGroup),
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return cfg.Breaker.ConsecutiveFailures > 0 &&
				counts.ConsecutiveFailures >= cfg.Breaker.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logutil.Logger(context.Background()).Warn("circuit breaker",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	m.breaker = gobreaker.NewCircuitBreaker(settings)
	return m, nil
}

func (m *Manager) NodeGroup() string {
	return m.cfg.NodeGroup
}

func (m *Manager) ServerId() string {
	return m.cfg.ServerId
}

func (m *Manager) Codec() codec.Codec {
	return m.codec
}

// ForGroup returns a manager acting on behalf of the node group group,
// sharing the stores, cache and breaker of m.
func (m *Manager) ForGroup(group string) *Manager {
	if group == "" || group == m.cfg.NodeGroup {
		return m
	}
	mm := *m
	mm.cfg.NodeGroup = group
	return &mm
}

// Start begins a transaction, stores undo for this node group and appends
// the START record.
func (m *Manager) Start(ctx context.Context, undo string, event any) (txnId string, err error) {
	defer managerTimer.Track(define.TxnStateStart)(&err)

	txnId, err = m.idgen.NextTxnId()
	if err != nil {
		return "", err
	}
	if err = m.undo.SetUndo(ctx, txnId, m.cfg.NodeGroup, undo); err != nil {
		return "", err
	}
	err = m.states.Transit(ctx, txnId, define.TxnStateStart, func(old string) error {
		if old != "" {
			return ErrAlreadyExist
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return txnId, m.append(ctx, txnId, define.TxnStateStart, "", event)
}

// Join adds this node group to a running transaction. An empty undo keeps
// the payload stored before, if any.
func (m *Manager) Join(ctx context.Context, txnId string, undo string, event any) (err error) {
	defer managerTimer.Track(define.TxnStateJoin)(&err)

	if err = m.cachedTerminal(txnId, false); err != nil {
		return err
	}
	err = m.states.Transit(ctx, txnId, define.TxnStateJoin, func(old string) error {
		return running(old)
	})
	if err != nil {
		m.remember(txnId, err)
		return err
	}

	if undo == "" {
		err = m.undo.SetUndoIfAbsent(ctx, txnId, m.cfg.NodeGroup, undo)
	} else {
		err = m.undo.SetUndo(ctx, txnId, m.cfg.NodeGroup, undo)
	}
	if err != nil {
		return err
	}
	return m.append(ctx, txnId, define.TxnStateJoin, "", event)
}

func (m *Manager) Commit(ctx context.Context, txnId string, event any) (err error) {
	defer managerTimer.Track(define.TxnStateCommit)(&err)

	if err = m.cachedTerminal(txnId, false); err != nil {
		return err
	}
	err = m.states.Transit(ctx, txnId, define.TxnStateCommit, func(old string) error {
		return running(old)
	})
	if err != nil {
		m.remember(txnId, err)
		return err
	}
	m.terminal.Add(txnId, define.TxnStateCommit)
	return m.append(ctx, txnId, define.TxnStateCommit, "", event)
}

// Rollback appends a ROLLBACK record. A committed transaction can still be
// rolled back by a failing commit step.
func (m *Manager) Rollback(ctx context.Context, txnId string, cause string, event any) (err error) {
	defer managerTimer.Track(define.TxnStateRollback)(&err)

	if err = m.cachedTerminal(txnId, true); err != nil {
		return err
	}
	err = m.states.Transit(ctx, txnId, define.TxnStateRollback, func(old string) error {
		switch old {
		case "":
			return fmt.Errorf("%w : %s", ErrNotStarted, txnId)
		case define.TxnStateRollback:
			return ErrAlreadyRolledBack
		}
		return nil
	})
	if err != nil {
		m.remember(txnId, err)
		return err
	}
	m.terminal.Add(txnId, define.TxnStateRollback)
	return m.append(ctx, txnId, define.TxnStateRollback, cause, event)
}

func (m *Manager) State(ctx context.Context, txnId string) (string, error) {
	return m.states.GetState(ctx, txnId)
}

func running(old string) error {
	switch old {
	case "":
		return ErrNotStarted
	case define.TxnStateCommit:
		return ErrAlreadyCommitted
	case define.TxnStateRollback:
		return ErrAlreadyRolledBack
	}
	return nil
}

func (m *Manager) cachedTerminal(txnId string, rollback bool) error {
	v, ok := m.terminal.Get(txnId)
	if !ok {
		return nil
	}
	switch v.(string) {
	case define.TxnStateCommit:
		if !rollback {
			return ErrAlreadyCommitted
		}
	case define.TxnStateRollback:
		return ErrAlreadyRolledBack
	}
	return nil
}

func (m *Manager) remember(txnId string, err error) {
	if errors.Is(err, ErrAlreadyRolledBack) {
		m.terminal.Add(txnId, define.TxnStateRollback)
	} else if errors.Is(err, ErrAlreadyCommitted) {
		m.terminal.Add(txnId, define.TxnStateCommit)
	}
}

func (m *Manager) append(ctx context.Context, txnId, state, cause string, event any) error {
	eventType, data, err := m.encode(event)
	if err != nil {
		return err
	}
	txn := &define.Transaction{
		Id:          txnId,
		ServerId:    m.cfg.ServerId,
		Group:       m.cfg.NodeGroup,
		State:       state,
		Cause:       cause,
		EventType:   eventType,
		Event:       data,
		CreatedTime: time.Now(),
	}

	_, err = m.breaker.Execute(func() (interface{}, error) {
		return m.stream.Append(ctx, txn)
	})
	if err != nil {
		logutil.Logger(ctx).Error("append transaction",
			zap.String("txn", txnId), zap.String("state", state), zap.Error(err))
		return err
	}
	return nil
}

func (m *Manager) encode(event any) (string, string, error) {
	switch e := event.(type) {
	case nil:
		return "", "", nil
	case RawEvent:
		return e.Type, e.Data, nil
	case *RawEvent:
		return e.Type, e.Data, nil
	}
	data, err := m.codec.Encode(event)
	if err != nil {
		return "", "", err
	}
	return m.codec.TypeName(event), data, nil
}
