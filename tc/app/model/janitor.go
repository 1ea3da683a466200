package model

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ikenchina/sagastream/common/errorutil"
	logutil "github.com/ikenchina/sagastream/common/log"
)

// Janitor purges terminated transactions from a StateStore once they are
// older than retention.
type Janitor struct {
	store     StateStore
	retention time.Duration
	interval  time.Duration

	closed    int32
	closeChan chan struct{}
	wait      sync.WaitGroup
}

func NewJanitor(store StateStore, retention time.Duration) *Janitor {
	if retention <= 0 {
		retention = time.Hour
	}
	interval := retention / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	return &Janitor{
		store:     store,
		retention: retention,
		interval:  interval,
		closed:    1,
	}
}

func (j *Janitor) Start() error {
	if !atomic.CompareAndSwapInt32(&j.closed, 1, 0) {
		return nil
	}
	j.closeChan = make(chan struct{})
	j.wait.Add(1)
	go j.run()
	return nil
}

func (j *Janitor) Stop() error {
	if atomic.CompareAndSwapInt32(&j.closed, 0, 1) {
		close(j.closeChan)
		j.wait.Wait()
	}
	return nil
}

func (j *Janitor) run() {
	defer j.wait.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.Purge(context.Background())
		case <-j.closeChan:
			return
		}
	}
}

// Purge removes the transactions terminated more than retention ago.
func (j *Janitor) Purge(ctx context.Context) int {
	defer errorutil.Recovery()
	n, err := j.store.Purge(ctx, time.Now().Add(-j.retention))
	if err != nil {
		logutil.Logger(ctx).Error("purge terminated transactions", zap.Error(err))
		return 0
	}
	if n > 0 {
		logutil.Logger(ctx).Debug("purge terminated transactions", zap.Int("count", n))
	}
	return n
}
