package listener

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ikenchina/sagastream/common/errorutil"
	logutil "github.com/ikenchina/sagastream/common/log"
	"github.com/ikenchina/sagastream/common/metrics"
	"github.com/ikenchina/sagastream/define"
	"github.com/ikenchina/sagastream/tc/app/model"
)

var (
	droppedCounter     = metrics.NewCounterVec(define.MetricsNamespace, "listener", "dropped", "events dropped by backpressure", []string{"group"})
	resubscribeCounter = metrics.NewCounterVec(define.MetricsNamespace, "listener", "resubscribe", "stream resubscriptions", []string{"group"})
	bufferGauge        = metrics.NewGaugeVec(define.MetricsNamespace, "listener", "buffered", "buffered events", []string{"group"})
)

type Config struct {
	// BackpressureSize bounds the events received but not yet dispatched.
	BackpressureSize int
	// Concurrency is the number of dispatch workers. Events of one
	// transaction always go to the same worker.
	Concurrency int
	// ResubscribeInterval spaces out resubscriptions after the first
	// ResubscribeBurst ones. Zero resubscribes immediately.
	ResubscribeInterval time.Duration
	ResubscribeBurst    int
}

func (c *Config) setDefaults() {
	if c.BackpressureSize <= 0 {
		c.BackpressureSize = 1024
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.ResubscribeBurst <= 0 {
		c.ResubscribeBurst = 1
	}
}

type Dispatcher interface {
	Dispatch(ctx context.Context, txn *define.Transaction, messageId string) error
}

// Listener consumes the stream as one consumer group and feeds the
// dispatcher until it is stopped. A failed subscription is replaced by a
// new one.
type Listener struct {
	cfg        Config
	group      string
	stream     model.Stream
	dispatcher Dispatcher
	limiter    *rate.Limiter

	closed       int32
	closeChan    chan struct{}
	cancel       context.CancelFunc
	buffer       *dropOldestBuffer
	workers      []chan model.Delivery
	wait         sync.WaitGroup
	workerWait   sync.WaitGroup
	resubscribes int64
}

func NewListener(group string, stream model.Stream, dispatcher Dispatcher, cfg Config) *Listener {
	cfg.setDefaults()
	limit := rate.Inf
	if cfg.ResubscribeInterval > 0 {
		limit = rate.Every(cfg.ResubscribeInterval)
	}
	l := &Listener{
		cfg:        cfg,
		group:      group,
		stream:     stream,
		dispatcher: dispatcher,
		limiter:    rate.NewLimiter(limit, cfg.ResubscribeBurst),
		closed:     1,
	}
	return l
}

func (l *Listener) Start() error {
	if f, ok := l.dispatcher.(interface{ Freeze() }); ok {
		f.Freeze()
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.closeChan = make(chan struct{})
	l.buffer = newDropOldestBuffer(l.cfg.BackpressureSize, l.drop)
	l.workers = make([]chan model.Delivery, l.cfg.Concurrency)
	atomic.StoreInt32(&l.closed, 0)

	for i := range l.workers {
		ch := make(chan model.Delivery)
		l.workers[i] = ch
		l.workerWait.Add(1)
		go func() {
			defer l.workerWait.Done()
			for d := range ch {
				l.dispatch(d)
			}
		}()
	}

	l.wait.Add(2)
	go func() {
		defer l.wait.Done()
		l.pump(ctx)
	}()
	go func() {
		defer l.wait.Done()
		l.run(ctx)
	}()
	return nil
}

// Stop stops subscribing and waits for in-flight dispatches. Buffered
// events are discarded, they stay unacknowledged in the stream.
func (l *Listener) Stop() error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil
	}
	close(l.closeChan)
	l.cancel()
	l.buffer.Close()
	l.wait.Wait()
	for _, ch := range l.workers {
		close(ch)
	}
	l.workerWait.Wait()
	return nil
}

func (l *Listener) Closed() bool {
	return atomic.LoadInt32(&l.closed) == 1
}

// Resubscribes returns how many times the subscription was replaced.
func (l *Listener) Resubscribes() int64 {
	return atomic.LoadInt64(&l.resubscribes)
}

func (l *Listener) run(ctx context.Context) {
	lg := logutil.Logger(ctx).With(zap.String("group", l.group))
	for !l.Closed() {
		err := l.subscribe(ctx)
		if l.Closed() {
			return
		}
		atomic.AddInt64(&l.resubscribes, 1)
		resubscribeCounter.Inc(l.group)
		lg.Warn("subscription terminated, resubscribe", zap.Error(err))

		if err := l.limiter.Wait(ctx); err != nil {
			return
		}
	}
}

func (l *Listener) subscribe(ctx context.Context) (err error) {
	defer errorutil.RecoverTo(&err)
	return l.stream.Receive(ctx, l.group, l.receive)
}

func (l *Listener) receive(d model.Delivery) {
	if l.Closed() || d.Transaction == nil {
		return
	}
	l.buffer.Push(d)
	bufferGauge.Set(float64(l.buffer.Len()), l.group)
}

func (l *Listener) drop(d model.Delivery) {
	droppedCounter.Inc(l.group)
	logutil.Logger(context.Background()).Warn("buffer is full, drop oldest event",
		zap.String("group", l.group),
		zap.String("txn", d.Transaction.Id),
		zap.String("message", d.MessageId))
}

// pump hands buffered events to the workers in order.
func (l *Listener) pump(ctx context.Context) {
	for {
		d, ok := l.buffer.Pop(ctx)
		if !ok {
			return
		}
		bufferGauge.Set(float64(l.buffer.Len()), l.group)
		worker := l.workers[xxhash.Sum64String(d.Transaction.Id)%uint64(len(l.workers))]
		select {
		case worker <- d:
		case <-l.closeChan:
			return
		}
	}
}

func (l *Listener) dispatch(d model.Delivery) {
	if l.Closed() {
		return
	}
	defer errorutil.Recovery()

	ctx := logutil.WithTransaction(context.Background(), d.Transaction.Id)
	err := l.dispatcher.Dispatch(ctx, d.Transaction, d.MessageId)
	if err != nil {
		logutil.Logger(ctx).Error("dispatch",
			zap.String("state", d.Transaction.State),
			zap.String("message", d.MessageId),
			zap.Error(err))
	}
}
