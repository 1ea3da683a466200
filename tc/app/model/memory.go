package model

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/btree"

	"github.com/ikenchina/sagastream/define"
)

type undoKey struct {
	txnId     string
	nodeGroup string
}

type stateEntry struct {
	state       string
	updatedTime time.Time
}

type memoryGroup struct {
	lastId  int64
	pending map[int64]time.Time
}

type memoryStorage struct {
	sync.Mutex
	opts   options
	lastId int64
	log    btree.Map[int64, *define.Transaction]
	groups map[string]*memoryGroup
	notify chan struct{}
	closed bool

	undo   *xsync.MapOf[undoKey, string]
	states *xsync.MapOf[string, stateEntry]
}

// NewMemoryStorage returns a process local Storage. Transactions are shared
// by every component holding the same instance.
func NewMemoryStorage(opts ...Option) Storage {
	ms := &memoryStorage{
		opts:   defaultOptions(),
		groups: make(map[string]*memoryGroup),
		notify: make(chan struct{}),
		undo:   xsync.NewMapOf[undoKey, string](),
		states: xsync.NewMapOf[string, stateEntry](),
	}
	for _, opt := range opts {
		opt(&ms.opts)
	}
	return ms
}

func (ms *memoryStorage) Close() error {
	ms.Lock()
	defer ms.Unlock()
	if !ms.closed {
		ms.closed = true
		close(ms.notify)
	}
	return nil
}

func (ms *memoryStorage) Append(ctx context.Context, txn *define.Transaction) (msgId string, err error) {
	defer modelTimer.Track("memory", "Append")(&err)

	ms.Lock()
	defer ms.Unlock()
	if ms.closed {
		return "", ErrStreamClosed
	}

	if txn.CreatedTime.IsZero() {
		txn.CreatedTime = time.Now()
	}
	d := *txn
	ms.lastId++
	ms.log.Set(ms.lastId, &d)
	if ms.opts.maxLen > 0 {
		for ms.log.Len() > ms.opts.maxLen {
			ms.log.PopMin()
		}
	}

	close(ms.notify)
	ms.notify = make(chan struct{})
	return formatMessageId(ms.lastId), nil
}

func (ms *memoryStorage) group(name string) *memoryGroup {
	g, ok := ms.groups[name]
	if !ok {
		g = &memoryGroup{pending: make(map[int64]time.Time)}
		ms.groups[name] = g
	}
	return g
}

func (ms *memoryStorage) Receive(ctx context.Context, group string, deliver func(Delivery)) error {
	ms.Lock()
	if ms.closed {
		ms.Unlock()
		return ErrStreamClosed
	}
	// a new subscription takes over everything still pending
	batch := ms.claimLocked(ms.group(group), 0)
	ms.Unlock()

	for {
		for _, d := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			deliver(d)
		}

		ms.Lock()
		if ms.closed {
			ms.Unlock()
			return ErrStreamClosed
		}
		batch = ms.claimLocked(ms.group(group), ms.opts.claimTimeout)
		wait := ms.notify
		ms.Unlock()
		if len(batch) > 0 {
			continue
		}

		timer := time.NewTimer(ms.opts.claimTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-wait:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// claimLocked collects pending messages delivered more than claimTimeout ago
// and then new records, up to the batch size.
func (ms *memoryStorage) claimLocked(g *memoryGroup, claimTimeout time.Duration) []Delivery {
	now := time.Now()
	batch := make([]Delivery, 0)

	expired := make([]int64, 0)
	for id, deliveredTime := range g.pending {
		if now.Sub(deliveredTime) >= claimTimeout {
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	for _, id := range expired {
		if len(batch) >= ms.opts.batchSize {
			return batch
		}
		txn, ok := ms.log.Get(id)
		if !ok {
			// trimmed
			delete(g.pending, id)
			continue
		}
		g.pending[id] = now
		batch = append(batch, Delivery{Transaction: txn, MessageId: formatMessageId(id)})
	}

	ms.log.Ascend(g.lastId+1, func(id int64, txn *define.Transaction) bool {
		if len(batch) >= ms.opts.batchSize {
			return false
		}
		g.pending[id] = now
		g.lastId = id
		batch = append(batch, Delivery{Transaction: txn, MessageId: formatMessageId(id)})
		return true
	})
	return batch
}

func (ms *memoryStorage) Ack(ctx context.Context, group string, msgId string) (err error) {
	defer modelTimer.Track("memory", "Ack")(&err)

	id, err := parseMessageId(msgId)
	if err != nil {
		return ErrInvalidMsgId
	}

	ms.Lock()
	defer ms.Unlock()
	g, ok := ms.groups[group]
	if !ok {
		return ErrAckFailed
	}
	if _, ok := g.pending[id]; !ok {
		return ErrAckFailed
	}
	delete(g.pending, id)
	return nil
}

// Pending returns the number of unacknowledged messages of group.
func (ms *memoryStorage) Pending(group string) int {
	ms.Lock()
	defer ms.Unlock()
	if g, ok := ms.groups[group]; ok {
		return len(g.pending)
	}
	return 0
}

func (ms *memoryStorage) SetUndo(ctx context.Context, txnId, nodeGroup, undo string) error {
	ms.undo.Store(undoKey{txnId, nodeGroup}, undo)
	return nil
}

func (ms *memoryStorage) SetUndoIfAbsent(ctx context.Context, txnId, nodeGroup, undo string) error {
	ms.undo.LoadOrStore(undoKey{txnId, nodeGroup}, undo)
	return nil
}

func (ms *memoryStorage) GetUndo(ctx context.Context, txnId, nodeGroup string) (string, error) {
	undo, ok := ms.undo.Load(undoKey{txnId, nodeGroup})
	if !ok {
		return "", ErrUndoNotFound
	}
	return undo, nil
}

func (ms *memoryStorage) DeleteUndo(ctx context.Context, txnId, nodeGroup string) error {
	ms.undo.Delete(undoKey{txnId, nodeGroup})
	return nil
}

func (ms *memoryStorage) GetState(ctx context.Context, txnId string) (string, error) {
	entry, ok := ms.states.Load(txnId)
	if !ok {
		return "", ErrNotExist
	}
	return entry.state, nil
}

func (ms *memoryStorage) Transit(ctx context.Context, txnId string, state string, cb func(old string) error) error {
	var err error
	ms.states.Compute(txnId, func(old stateEntry, loaded bool) (stateEntry, bool) {
		if cb != nil {
			err = cb(old.state)
		}
		if err != nil {
			return old, !loaded
		}
		return stateEntry{state: state, updatedTime: time.Now()}, false
	})
	return err
}

func (ms *memoryStorage) Purge(ctx context.Context, deadline time.Time) (int, error) {
	purged := make(map[string]struct{})
	ms.states.Range(func(txnId string, entry stateEntry) bool {
		if !expired(entry, deadline) {
			return true
		}
		ms.states.Compute(txnId, func(old stateEntry, loaded bool) (stateEntry, bool) {
			if loaded && expired(old, deadline) {
				purged[txnId] = struct{}{}
				return old, true
			}
			return old, !loaded
		})
		return true
	})
	if len(purged) > 0 {
		ms.undo.Range(func(key undoKey, _ string) bool {
			if _, ok := purged[key.txnId]; ok {
				ms.undo.Delete(key)
			}
			return true
		})
	}
	return len(purged), nil
}

func expired(entry stateEntry, deadline time.Time) bool {
	return define.TerminalState(entry.state) && entry.updatedTime.Before(deadline)
}
