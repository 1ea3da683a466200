package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/ikenchina/sagastream/common/codec"
	"github.com/ikenchina/sagastream/common/errorutil"
	sgrpc "github.com/ikenchina/sagastream/common/grpc"
	"github.com/ikenchina/sagastream/common/idgenerator"
	logutil "github.com/ikenchina/sagastream/common/log"
	"github.com/ikenchina/sagastream/common/metrics"
	"github.com/ikenchina/sagastream/common/runner"
	"github.com/ikenchina/sagastream/define"
	"github.com/ikenchina/sagastream/tc/app/dispatcher"
	"github.com/ikenchina/sagastream/tc/app/listener"
	"github.com/ikenchina/sagastream/tc/app/manager"
	"github.com/ikenchina/sagastream/tc/app/model"
	"github.com/ikenchina/sagastream/tc/app/orchestrate"
	"github.com/ikenchina/sagastream/tc/config"
	"github.com/ikenchina/sagastream/tc/service/coordinator"
)

// TcService is a coordinator node: it consumes the transaction stream as
// its node group and serves the coordinator APIs.
type TcService struct {
	cfg         *config.Config
	idGenerator idgenerator.IdGenerator
	storage     model.Storage
	registry    *dispatcher.Registry
	manager     *manager.Manager
	engine      *orchestrate.Engine
	listener    *listener.Listener
	coordinator *coordinator.CoordinatorService
	services    runner.Group

	httpServer *http.Server
	httpAddr   net.Addr
	grpcServer *grpc.Server
	grpcAddr   net.Addr
	wait       sync.WaitGroup
	isClose    int32
}

func NewTc(cfg *config.Config) (*TcService, error) {
	tc := &TcService{cfg: cfg, isClose: 1}
	var err error

	cdc, err := newCodec(cfg.Orchestrate.Codec)
	if err != nil {
		return nil, err
	}

	tc.idGenerator, err = idgenerator.NewSnowflake(int64(cfg.Node.NodeId), int64(cfg.Node.DataCenterId))
	if err != nil {
		return nil, err
	}

	stream := cfg.Stream
	tc.storage, err = model.NewStorage(stream.Driver, stream.Dsn,
		stream.Timeout, stream.MaxConnections, stream.MaxIdleConnections,
		model.WithClaimTimeout(stream.ClaimTimeout),
		model.WithPollRate(stream.PollRate),
		model.WithBatchSize(stream.BatchSize),
		model.WithMaxLen(stream.MaxLen),
		model.WithAutoMigrate(stream.AutoMigrate))
	if err != nil {
		return nil, err
	}

	tc.manager, err = manager.NewManager(manager.Config{
		NodeGroup: cfg.Node.Group,
		ServerId:  cfg.Node.ServerId,
		CacheSize: cfg.Manager.CacheSize,
		Breaker: manager.BreakerConfig{
			MaxRequests:         cfg.Manager.Breaker.MaxRequests,
			Interval:            cfg.Manager.Breaker.Interval,
			Timeout:             cfg.Manager.Breaker.Timeout,
			ConsecutiveFailures: cfg.Manager.Breaker.ConsecutiveFailures,
		},
	}, cdc, tc.storage, tc.idGenerator)
	if err != nil {
		_ = tc.storage.Close()
		return nil, err
	}

	tc.registry = dispatcher.NewRegistry(cdc)
	disp := dispatcher.NewDispatcher(cfg.Node.Group, tc.registry, tc.storage, tc.storage)
	tc.listener = listener.NewListener(cfg.Node.Group, tc.storage, disp, listener.Config{
		BackpressureSize:    cfg.Listener.BackpressureSize,
		Concurrency:         cfg.Listener.Concurrency,
		ResubscribeInterval: cfg.Listener.ResubscribeInterval,
		ResubscribeBurst:    cfg.Listener.ResubscribeBurst,
	})

	results := orchestrate.NewResultHolder(cdc, cfg.Orchestrate.ResultRetention)
	tc.engine = orchestrate.NewEngine(tc.registry, tc.manager, orchestrate.NewRequestHolder(), results)
	tc.coordinator = coordinator.NewCoordinatorService(tc.manager, tc.engine, tc.idGenerator, cfg.Orchestrate.RunTimeout)

	// started in order, stopped in reverse order
	tc.services = runner.Group{model.NewJanitor(tc.storage, stream.Retention), results, tc.listener, tc.coordinator}
	return tc, nil
}

func newCodec(name string) (codec.Codec, error) {
	switch name {
	case "json", "":
		return codec.NewJSONCodec(), nil
	case "proto":
		return codec.NewProtoCodec(), nil
	}
	return nil, fmt.Errorf("unknown codec : %s", name)
}

// Registry accepts handlers until Start.
func (tc *TcService) Registry() *dispatcher.Registry {
	return tc.registry
}

// Engine builds orchestrators, they must be built before Start.
func (tc *TcService) Engine() *orchestrate.Engine {
	return tc.engine
}

func (tc *TcService) Manager() *manager.Manager {
	return tc.manager
}

func (tc *TcService) HttpAddr() net.Addr {
	return tc.httpAddr
}

func (tc *TcService) GrpcAddr() net.Addr {
	return tc.grpcAddr
}

// Start starts the listener and the servers. It returns once they are
// serving.
func (tc *TcService) Start() error {
	logutil.Logger(context.Background()).Info("start service...",
		zap.String("group", tc.cfg.Node.Group), zap.String("server", tc.cfg.Node.ServerId))

	if err := tc.services.Start(); err != nil {
		_ = tc.storage.Close()
		return err
	}
	atomic.StoreInt32(&tc.isClose, 0)

	if len(tc.cfg.HttpListen) > 0 {
		if err := tc.startHttpServer(tc.cfg.HttpListen); err != nil {
			_ = tc.Stop()
			return err
		}
	}
	if len(tc.cfg.GrpcListen) > 0 {
		if err := tc.startGrpcServer(tc.cfg.GrpcListen); err != nil {
			_ = tc.Stop()
			return err
		}
	}
	return nil
}

func (tc *TcService) Stop() error {
	if atomic.CompareAndSwapInt32(&tc.isClose, 0, 1) {
		tc.stop()
	}
	return nil
}

func (tc *TcService) startHttpServer(listen string) error {
	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	tc.httpAddr = lis.Addr()
	logutil.Logger(context.Background()).Sugar().Infof("start http server : listen(%v)", tc.httpAddr)

	tc.httpServer = &http.Server{
		Handler: tc.httpHandler(),
	}

	tc.wait.Add(1)
	go errorutil.SafeGoroutine(func() {
		defer tc.wait.Done()
		err := tc.httpServer.Serve(lis)
		if err != nil && err != http.ErrServerClosed {
			logutil.Logger(context.Background()).Error("http server", zap.Error(err))
			go tc.Stop()
		}
	})
	return nil
}

func (tc *TcService) httpHandler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	app := gin.New()
	app.NoRoute(func(c *gin.Context) {
		c.JSON(404, gin.H{"code": "NOT_FOUND", "message": "not found"})
	})

	app.Use(gin.CustomRecovery(func(c *gin.Context, r interface{}) {
		logutil.Logger(c.Request.Context()).Error("http handler", zap.Error(errorutil.PanicToError(r)))
		c.AbortWithStatus(http.StatusInternalServerError)
	}))
	app.Use(func(c *gin.Context) {
		timer := httpHandleTimer.Timer()
		c.Next()
		timer(c.FullPath(), c.Request.Method, strconv.Itoa(c.Writer.Status()))
	})

	app.Any("/debug/healthcheck", tc.HealthCheck)
	app.GET("/debug/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(app, "debug/pprof")

	tc.coordinator.Register(app)
	return app
}

func (tc *TcService) startGrpcServer(listen string) error {
	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	tc.grpcAddr = lis.Addr()

	tc.grpcServer = grpc.NewServer(grpc_middleware.WithUnaryServerChain(
		grpc_ctxtags.UnaryServerInterceptor(),
		grpc_zap.UnaryServerInterceptor(logutil.Logger(context.Background())),
		grpc_recovery.UnaryServerInterceptor(grpc_recovery.WithRecoveryHandler(func(p interface{}) error {
			return status.Errorf(codes.Internal, "%v", p)
		})),
		sgrpc.UnaryServerLogger(),
	))
	sgrpc.RegisterCoordinatorServer(tc.grpcServer, tc.coordinator)
	reflection.Register(tc.grpcServer)

	logutil.Logger(context.Background()).Sugar().Infof("start grpc server : listen(%v)", tc.grpcAddr)

	tc.wait.Add(1)
	go errorutil.SafeGoroutine(func() {
		defer tc.wait.Done()
		err := tc.grpcServer.Serve(lis)
		if err != nil && err != grpc.ErrServerStopped {
			logutil.Logger(context.Background()).Error("grpc server", zap.Error(err))
			go tc.Stop()
		}
	})
	return nil
}

func (tc *TcService) stopHttpServer() error {
	if tc.httpServer != nil {
		// maximum time for below snippet including service stop
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		defer cancel()
		return tc.httpServer.Shutdown(ctx)
	}
	return nil
}

func (tc *TcService) stopGrpcServer() error {
	if tc.grpcServer != nil {
		tc.grpcServer.GracefulStop()
	}
	return nil
}

func (tc *TcService) stop() {
	log := func(msg string, err error) {
		if err != nil {
			logutil.Logger(context.Background()).Sugar().Errorf(msg+", error(%v)", err)
		} else {
			logutil.Logger(context.Background()).Sugar().Info(msg)
		}
	}

	// stop services first, outstanding requests are completed and incoming
	// requests are refused.
	log("stop services", tc.services.Stop())
	log("stop http server", tc.stopHttpServer())
	log("stop grpc server", tc.stopGrpcServer())
	tc.wait.Wait()
	log("close storage", tc.storage.Close())
	_ = logutil.Sync()
}

// RESTful APIs
func (tc *TcService) HealthCheck(c *gin.Context) {
	if c.Request.Method == http.MethodGet {
		c.Status(200)
	} else if c.Request.Method == http.MethodDelete {
		c.Status(202)
		go tc.Stop()
	}
}

var (
	httpHandleTimer = metrics.NewTimer(define.MetricsNamespace, "http_server", "handler", "http handler metrics", []string{"path", "method", "code"})
)
