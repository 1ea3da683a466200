package orchestrate

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/ikenchina/sagastream/common/codec"
	"github.com/ikenchina/sagastream/common/errorutil"
	logutil "github.com/ikenchina/sagastream/common/log"
	"github.com/ikenchina/sagastream/common/metrics"
	"github.com/ikenchina/sagastream/define"
)

var (
	ErrDoubleResolution = errors.New("result of transaction is already resolved")
	ErrResultNotFound   = errors.New("result not found")
)

var (
	holderGauge = metrics.NewGaugeVec(define.MetricsNamespace, "orchestrate", "holder", "held transactions", []string{"holder"})
)

// RequestHolder keeps the encoded request of every rollbackable step a
// transaction executed on this node, for compensation.
type RequestHolder struct {
	requests *xsync.MapOf[string, map[int]string]
}

func NewRequestHolder() *RequestHolder {
	return &RequestHolder{
		requests: xsync.NewMapOf[string, map[int]string](),
	}
}

// Hold stores request for step sequence of txnId, replacing an earlier one.
func (h *RequestHolder) Hold(txnId string, sequence int, request string) {
	h.requests.Compute(txnId, func(old map[int]string, loaded bool) (map[int]string, bool) {
		steps := make(map[int]string, len(old)+1)
		for k, v := range old {
			steps[k] = v
		}
		steps[sequence] = request
		return steps, false
	})
	holderGauge.Set(float64(h.requests.Size()), "request")
}

func (h *RequestHolder) Get(txnId string, sequence int) (string, bool) {
	steps, ok := h.requests.Load(txnId)
	if !ok {
		return "", false
	}
	request, ok := steps[sequence]
	return request, ok
}

// Sequences returns the held step sequences of txnId, highest first.
func (h *RequestHolder) Sequences(txnId string) []int {
	steps, _ := h.requests.Load(txnId)
	seqs := make([]int, 0, len(steps))
	for seq := range steps {
		seqs = append(seqs, seq)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(seqs)))
	return seqs
}

func (h *RequestHolder) Release(txnId string) {
	h.requests.Delete(txnId)
	holderGauge.Set(float64(h.requests.Size()), "request")
}

func (h *RequestHolder) Len() int {
	return h.requests.Size()
}

// Result is the outcome of a transaction. Value is the encoded response of
// the last step.
type Result struct {
	TxnId string
	Value string
	Err   error
	codec codec.Codec
}

// Decode decodes Value into out, or returns Err when the transaction failed.
func (r *Result) Decode(out any) error {
	if r.Err != nil {
		return r.Err
	}
	return r.codec.Decode(r.Value, out)
}

type resultEntry struct {
	done        chan struct{}
	result      *Result
	createdTime time.Time
}

// ResultHolder publishes transaction outcomes to the callers awaiting them.
// Every transaction is resolved at most once; entries are evicted after the
// retention period.
type ResultHolder struct {
	codec     codec.Codec
	retention time.Duration
	results   *xsync.MapOf[string, *resultEntry]

	closed    int32
	closeChan chan struct{}
	wait      sync.WaitGroup
}

func NewResultHolder(cdc codec.Codec, retention time.Duration) *ResultHolder {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &ResultHolder{
		codec:     cdc,
		retention: retention,
		results:   xsync.NewMapOf[string, *resultEntry](),
		closed:    1,
	}
}

func newResultEntry() *resultEntry {
	return &resultEntry{
		done:        make(chan struct{}),
		createdTime: time.Now(),
	}
}

// SetSuccess resolves txnId with the encoded response value.
func (h *ResultHolder) SetSuccess(txnId string, value string) error {
	return h.resolve(&Result{TxnId: txnId, Value: value, codec: h.codec})
}

func (h *ResultHolder) SetFailure(txnId string, err error) error {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return h.resolve(&Result{TxnId: txnId, Err: err, codec: h.codec})
}

func (h *ResultHolder) resolve(result *Result) error {
	var err error
	h.results.Compute(result.TxnId, func(old *resultEntry, loaded bool) (*resultEntry, bool) {
		if !loaded {
			old = newResultEntry()
		}
		if old.result != nil {
			err = ErrDoubleResolution
			return old, false
		}
		old.result = result
		close(old.done)
		return old, false
	})
	holderGauge.Set(float64(h.results.Size()), "result")
	if err != nil {
		logutil.Logger(context.Background()).Error("double resolution",
			zap.String("txn", result.TxnId), zap.Error(err))
	}
	return err
}

// Await blocks until txnId is resolved or ctx is done.
func (h *ResultHolder) Await(ctx context.Context, txnId string) (*Result, error) {
	entry, _ := h.results.LoadOrCompute(txnId, newResultEntry)
	select {
	case <-entry.done:
		return entry.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolved reports whether txnId already has a result.
func (h *ResultHolder) Resolved(txnId string) bool {
	_, err := h.Get(txnId)
	return err == nil
}

// Get returns the result of txnId without waiting.
func (h *ResultHolder) Get(txnId string) (*Result, error) {
	entry, ok := h.results.Load(txnId)
	if !ok {
		return nil, ErrResultNotFound
	}
	select {
	case <-entry.done:
		return entry.result, nil
	default:
		return nil, ErrResultNotFound
	}
}

func (h *ResultHolder) Len() int {
	return h.results.Size()
}

func (h *ResultHolder) Start() error {
	if !atomic.CompareAndSwapInt32(&h.closed, 1, 0) {
		return nil
	}
	h.closeChan = make(chan struct{})
	h.wait.Add(1)
	go h.cronjob(func() time.Duration {
		h.evict(time.Now().Add(-h.retention))
		return h.retention / 2
	})
	return nil
}

func (h *ResultHolder) Stop() error {
	if atomic.CompareAndSwapInt32(&h.closed, 0, 1) {
		close(h.closeChan)
		h.wait.Wait()
	}
	return nil
}

func (h *ResultHolder) cronjob(job func() time.Duration) {
	defer h.wait.Done()
	for {
		duration := func() time.Duration {
			defer errorutil.Recovery()
			return job()
		}()
		if duration <= 0 {
			duration = time.Second
		}
		select {
		case <-time.After(duration):
		case <-h.closeChan:
			return
		}
	}
}

// evict drops entries created before deadline, awaited or not.
func (h *ResultHolder) evict(deadline time.Time) {
	h.results.Range(func(txnId string, entry *resultEntry) bool {
		if entry.createdTime.Before(deadline) {
			h.results.Compute(txnId, func(old *resultEntry, loaded bool) (*resultEntry, bool) {
				return old, !loaded || old.createdTime.Before(deadline)
			})
		}
		return true
	})
	holderGauge.Set(float64(h.results.Size()), "result")
}
