package runner

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/ikenchina/sagastream/common/errorutil"
	logutil "github.com/ikenchina/sagastream/common/log"
)

type Service interface {
	Start() error
	Stop() error
}

type ServiceRunner interface {
	Wait()
}

// RunService starts s and stops it on SIGTERM/SIGQUIT/SIGABRT/SIGINT.
func RunService(s Service) ServiceRunner {
	r := newServiceRunner(s)
	r.run()
	return r
}

// Group runs services in order and stops them in reverse order.
type Group []Service

func (g Group) Start() error {
	for i, s := range g {
		if err := s.Start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = g[j].Stop()
			}
			return err
		}
	}
	return nil
}

func (g Group) Stop() error {
	var first error
	for i := len(g) - 1; i >= 0; i-- {
		if err := g[i].Stop(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func newServiceRunner(s Service) *serviceRunner {
	return &serviceRunner{
		signals: make(chan os.Signal, 1),
		service: s,
	}
}

type serviceRunner struct {
	signals chan os.Signal
	service Service

	stopped int32

	wg sync.WaitGroup
}

func (r *serviceRunner) run() {
	r.wg.Add(1)
	go r.handleSignal()
	go r.handleStart()
}

func (r *serviceRunner) handleStart() {
	failed := false
	func() {
		defer errorutil.Recovery()
		err := r.service.Start()
		if err != nil {
			logutil.Logger(context.Background()).Error("start service", zap.Error(err))
			failed = true
		}
	}()
	if failed && atomic.CompareAndSwapInt32(&r.stopped, 0, 1) {
		r.wg.Done()
	}
}

func (r *serviceRunner) handleSignal() {
	signal.Notify(r.signals, syscall.SIGPIPE, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGABRT)
	for sig := range r.signals {
		logutil.Logger(context.Background()).Info("received ", zap.String("signal", sig.String()))
		if sig == syscall.SIGPIPE {
			continue
		}
		if atomic.CompareAndSwapInt32(&r.stopped, 0, 1) {
			if err := r.service.Stop(); err != nil {
				logutil.Logger(context.Background()).Error("stop service", zap.Error(err))
			}
			r.wg.Done()
		}
		return
	}
}

func (r *serviceRunner) Wait() {
	r.wg.Wait()
	_ = logutil.Sync()
}
