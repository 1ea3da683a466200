// perf sends orders to a node serving the demo order saga:
//
//	go run ./demo -http :18080 -stock 1000000 -balance 1000000
//	go run ./test/perf -qps 200 -count 10000
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/ikenchina/sagastream/client"
	"github.com/ikenchina/sagastream/common/errorutil"
	logutil "github.com/ikenchina/sagastream/common/log"
	"github.com/ikenchina/sagastream/common/metrics"
	"github.com/ikenchina/sagastream/define"
	"github.com/ikenchina/sagastream/demo/order"
)

var (
	serverFlag      = flag.String("server", "http://127.0.0.1:18080", "http address of the coordinator")
	qpsFlag         = flag.Int("qps", 100, "orders per second, negative for unlimited")
	concurrencyFlag = flag.Int("concurrency", 16, "concurrent callers")
	countFlag       = flag.Int("count", 1000, "number of orders")
	failRateFlag    = flag.Float64("fail_rate", 0.1, "rate of undeliverable orders")
	userCountFlag   = flag.Int("user_count", 3, "user count of the demo")
	metricsFlag     = flag.String("metrics", "", "listen address of /metrics")
)

var (
	perfTimer = metrics.NewTimer(define.MetricsNamespace, "perf", "orchestrate", "orchestrate latency", []string{"ret"})
)

func main() {
	flag.Parse()
	logger, _ := zap.NewDevelopment()
	logutil.SetLogger(logger)

	cli, err := client.NewHttpClient(*serverFlag, "perf")
	errorutil.PanicIfError(err)

	if len(*metricsFlag) > 0 {
		gin.SetMode(gin.ReleaseMode)
		app := gin.New()
		app.GET("/metrics", gin.WrapH(promhttp.Handler()))
		go errorutil.SafeGoroutine(func() {
			_ = http.ListenAndServe(*metricsFlag, app)
		})
	}

	var ok, rolledBack, failed int64
	consume := func() {
		o := newOrder()
		timer := perfTimer.Timer()
		_, err := cli.Orchestrate(context.Background(), order.OrchestratorId, o)
		cerr := &client.Error{}
		switch {
		case err == nil:
			atomic.AddInt64(&ok, 1)
			timer("ok")
		case errors.As(err, &cerr) && cerr.Code == http.StatusUnprocessableEntity:
			atomic.AddInt64(&rolledBack, 1)
			timer("rollback")
		default:
			atomic.AddInt64(&failed, 1)
			timer("err")
			logutil.Logger(context.Background()).Sugar().Debugf("order %s : %v", o.Id, err)
		}
	}

	begin := time.Now()
	limitRun(consume)
	elapsed := time.Since(begin)

	logutil.Logger(context.Background()).Info("perf done",
		zap.Int64("ok", ok), zap.Int64("rollback", rolledBack), zap.Int64("err", failed),
		zap.Duration("elapsed", elapsed),
		zap.Float64("qps", float64(*countFlag)/elapsed.Seconds()))
}

func newOrder() *order.Order {
	o := &order.Order{
		Id:      uuid.NewString(),
		User:    fmt.Sprintf("user-%d", rand.Intn(*userCountFlag)),
		Sku:     "book",
		Qty:     1,
		Amount:  1,
		Address: "perf street",
	}
	if rand.Float64() < *failRateFlag {
		o.Address = ""
	}
	return o
}

func limitRun(consume func()) {
	ch := make(chan struct{}, *concurrencyFlag)

	go func() {
		defer close(ch)
		var limiter ratelimit.Limiter = ratelimit.NewUnlimited()
		if *qpsFlag > 0 {
			limiter = ratelimit.New(*qpsFlag)
		}
		for i := 0; i < *countFlag; i++ {
			limiter.Take()
			ch <- struct{}{}
		}
	}()

	wait := sync.WaitGroup{}
	for i := 0; i < *concurrencyFlag; i++ {
		wait.Add(1)
		go func() {
			defer wait.Done()
			for range ch {
				consume()
			}
		}()
	}
	wait.Wait()
}
