package coordinator

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/grpc/codes"

	"github.com/ikenchina/sagastream/common/idgenerator"
	logutil "github.com/ikenchina/sagastream/common/log"
	"github.com/ikenchina/sagastream/define"
	"github.com/ikenchina/sagastream/tc/app/manager"
	"github.com/ikenchina/sagastream/tc/app/model"
	"github.com/ikenchina/sagastream/tc/app/orchestrate"
)

var (
	ErrServiceClosed = errors.New("service is closed")
)

// CoordinatorService serves remote participants and orchestrate callers
// over HTTP and gRPC.
type CoordinatorService struct {
	manager     *manager.Manager
	engine      *orchestrate.Engine
	idGenerator idgenerator.IdGenerator
	runTimeout  time.Duration

	// mu orders admission against Stop so that no request is added to
	// wait once Stop is waiting.
	mu    sync.RWMutex
	wait  sync.WaitGroup
	close int32
}

func NewCoordinatorService(mgr *manager.Manager, engine *orchestrate.Engine,
	idGenerator idgenerator.IdGenerator, runTimeout time.Duration) *CoordinatorService {
	if runTimeout <= 0 {
		runTimeout = 30 * time.Second
	}
	return &CoordinatorService{
		manager:     mgr,
		engine:      engine,
		idGenerator: idGenerator,
		runTimeout:  runTimeout,
		close:       1,
	}
}

func (cs *CoordinatorService) Start() error {
	logutil.Logger(context.Background()).Info("start coordinator service.")
	cs.mu.Lock()
	atomic.StoreInt32(&cs.close, 0)
	cs.mu.Unlock()
	return nil
}

// Stop refuses new requests and waits for outstanding ones.
func (cs *CoordinatorService) Stop() error {
	logutil.Logger(context.Background()).Info("stop coordinator service.")
	cs.mu.Lock()
	stopped := atomic.CompareAndSwapInt32(&cs.close, 0, 1)
	cs.mu.Unlock()
	if stopped {
		cs.wait.Wait()
	}
	return nil
}

func (cs *CoordinatorService) closed() bool {
	return atomic.LoadInt32(&cs.close) == 1
}

// acquire admits a request unless the service is closed. An admitted
// request must call cs.wait.Done.
func (cs *CoordinatorService) acquire() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if cs.closed() {
		return false
	}
	cs.wait.Add(1)
	return true
}

func rawEvent(eventType, event string) any {
	if event == "" {
		return nil
	}
	return manager.RawEvent{Type: eventType, Data: event}
}

func (cs *CoordinatorService) start(ctx context.Context, group string, req *define.StartRequest) (*define.StartResponse, error) {
	txnId, err := cs.manager.ForGroup(group).Start(ctx, req.Undo, rawEvent(req.EventType, req.Event))
	if err != nil {
		return nil, err
	}
	return &define.StartResponse{TxnId: txnId}, nil
}

func (cs *CoordinatorService) join(ctx context.Context, group string, req *define.JoinRequest) error {
	return cs.manager.ForGroup(group).Join(ctx, req.TxnId, req.Undo, rawEvent(req.EventType, req.Event))
}

func (cs *CoordinatorService) commit(ctx context.Context, group string, req *define.CommitRequest) error {
	return cs.manager.ForGroup(group).Commit(ctx, req.TxnId, rawEvent(req.EventType, req.Event))
}

func (cs *CoordinatorService) rollback(ctx context.Context, group string, req *define.RollbackRequest) error {
	return cs.manager.ForGroup(group).Rollback(ctx, req.TxnId, req.Cause, rawEvent(req.EventType, req.Event))
}

func (cs *CoordinatorService) get(ctx context.Context, txnId string) (*define.TxnResponse, error) {
	state, err := cs.manager.State(ctx, txnId)
	if err != nil {
		return nil, err
	}
	return &define.TxnResponse{TxnId: txnId, State: state}, nil
}

func (cs *CoordinatorService) orchestrate(ctx context.Context, orchestratorId string,
	request any, async bool) (*define.OrchestrateResponse, error) {
	o, err := cs.engine.Get(orchestratorId)
	if err != nil {
		return nil, err
	}
	txnId, err := o.Transaction(ctx, request)
	if err != nil {
		return nil, err
	}
	resp := &define.OrchestrateResponse{TxnId: txnId}
	if async {
		return resp, nil
	}

	actx, cancel := context.WithTimeout(ctx, cs.runTimeout)
	defer cancel()
	result, err := cs.engine.Results().Await(actx, txnId)
	if err != nil {
		return resp, err
	}
	resp.Result = result.Value
	return resp, result.Err
}

func (cs *CoordinatorService) result(txnId string) (*define.OrchestrateResponse, error) {
	result, err := cs.engine.Results().Get(txnId)
	if err != nil {
		return nil, err
	}
	return &define.OrchestrateResponse{TxnId: txnId, Result: result.Value}, result.Err
}

func toHttpStatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case errors.Is(err, manager.ErrAlreadyExist):
		return http.StatusConflict
	case errors.Is(err, manager.ErrNotStarted), errors.Is(err, model.ErrNotExist),
		errors.Is(err, orchestrate.ErrOrchestratorNotFound), errors.Is(err, orchestrate.ErrResultNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrAlreadyCommitted), errors.Is(err, manager.ErrAlreadyRolledBack):
		return http.StatusForbidden
	case errors.Is(err, orchestrate.ErrRolledBack):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests),
		errors.Is(err, ErrServiceClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func toGrpcStatusCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, manager.ErrAlreadyExist):
		return codes.AlreadyExists
	case errors.Is(err, manager.ErrNotStarted), errors.Is(err, model.ErrNotExist):
		return codes.NotFound
	case errors.Is(err, manager.ErrAlreadyCommitted), errors.Is(err, manager.ErrAlreadyRolledBack):
		return codes.FailedPrecondition
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests),
		errors.Is(err, ErrServiceClosed):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
