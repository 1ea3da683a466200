package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ikenchina/sagastream/common/codec"
	"github.com/ikenchina/sagastream/define"
	"github.com/ikenchina/sagastream/tc/app/dispatcher"
	"github.com/ikenchina/sagastream/tc/app/manager"
)

var (
	ErrRolledBack            = errors.New("transaction rolled back")
	ErrInvalidChain          = errors.New("invalid orchestrate chain")
	ErrDuplicateOrchestrator = errors.New("orchestrator already exist")
	ErrOrchestratorNotFound  = errors.New("orchestrator not found")
)

// TransactionManager appends transaction records, see manager.Manager.
type TransactionManager interface {
	Start(ctx context.Context, undo string, event any) (string, error)
	Join(ctx context.Context, txnId string, undo string, event any) error
	Commit(ctx context.Context, txnId string, event any) error
	Rollback(ctx context.Context, txnId string, cause string, event any) error
}

// Engine builds orchestrators and owns the holders they share.
type Engine struct {
	registry *dispatcher.Registry
	manager  TransactionManager
	codec    codec.Codec
	requests *RequestHolder
	results  *ResultHolder

	mu            sync.RWMutex
	orchestrators map[string]*Orchestrator
}

func NewEngine(registry *dispatcher.Registry, mgr TransactionManager,
	requests *RequestHolder, results *ResultHolder) *Engine {
	return &Engine{
		registry:      registry,
		manager:       mgr,
		codec:         registry.Codec(),
		requests:      requests,
		results:       results,
		orchestrators: make(map[string]*Orchestrator),
	}
}

func (e *Engine) Requests() *RequestHolder {
	return e.requests
}

func (e *Engine) Results() *ResultHolder {
	return e.results
}

func (e *Engine) Get(orchestratorId string) (*Orchestrator, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.orchestrators[orchestratorId]
	if !ok {
		return nil, fmt.Errorf("%w : %s", ErrOrchestratorNotFound, orchestratorId)
	}
	return o, nil
}

func (e *Engine) rollback(ctx context.Context, txnId string, cause error, oe *OrchestrateEvent) error {
	err := e.manager.Rollback(ctx, txnId, cause.Error(), oe)
	if errors.Is(err, manager.ErrAlreadyRolledBack) {
		return nil
	}
	return err
}

type builtStep struct {
	kind stepKind
	step Step
}

// Builder collects the steps of an orchestrator. An orchestrator is a
// chain of an optional start step, join steps and an optional commit step.
type Builder struct {
	engine *Engine
	id     string
	steps  []builtStep
}

func (e *Engine) NewBuilder(orchestratorId string) *Builder {
	return &Builder{
		engine: e,
		id:     orchestratorId,
	}
}

// AddStart adds the first step, run when the transaction starts.
func (b *Builder) AddStart(step Step) *Builder {
	b.steps = append(b.steps, builtStep{kind: kindStart, step: step})
	return b
}

func (b *Builder) AddJoin(step Step) *Builder {
	b.steps = append(b.steps, builtStep{kind: kindJoin, step: step})
	return b
}

// AddCommit adds the last step, run once the transaction is committed. Its
// response is the result of the orchestrator.
func (b *Builder) AddCommit(step Step) *Builder {
	b.steps = append(b.steps, builtStep{kind: kindCommit, step: step})
	return b
}

// Build registers the step listeners and the rollback handler of the
// orchestrator. A chain that does not end with a commit step gets one that
// returns the last response unchanged.
func (b *Builder) Build() (*Orchestrator, error) {
	if len(b.steps) == 0 {
		return nil, fmt.Errorf("%w : %s has no step", ErrInvalidChain, b.id)
	}
	for i, s := range b.steps {
		if s.kind == kindStart && i != 0 {
			return nil, fmt.Errorf("%w : start step at %d", ErrInvalidChain, i)
		}
		if s.kind == kindCommit && i != len(b.steps)-1 {
			return nil, fmt.Errorf("%w : commit step at %d", ErrInvalidChain, i)
		}
	}
	steps := b.steps
	if steps[len(steps)-1].kind != kindCommit {
		steps = append(steps, builtStep{kind: kindCommit, step: identityStep()})
	}

	e := b.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.orchestrators[b.id]; ok {
		return nil, fmt.Errorf("%w : %s", ErrDuplicateOrchestrator, b.id)
	}

	o := &Orchestrator{
		engine:    e,
		id:        b.id,
		firstKind: steps[0].kind,
	}
	for _, s := range steps {
		o.steps = append(o.steps, s.step)
	}

	for i, s := range steps {
		l := &stepListener{
			engine:         e,
			orchestratorId: b.id,
			sequence:       i,
			kind:           s.kind,
			step:           s.step,
		}
		if i+1 < len(steps) {
			l.nextKind = steps[i+1].kind
		}
		state := define.TxnStateJoin
		switch s.kind {
		case kindStart:
			state = define.TxnStateStart
		case kindCommit:
			state = define.TxnStateCommit
		}
		err := dispatcher.Handle(e.registry, state, l.handle, dispatcher.Owner(l.owner()))
		if err != nil {
			return nil, err
		}
	}

	rl := &rollbackListener{engine: e, orchestrator: o}
	err := dispatcher.Handle(e.registry, define.TxnStateRollback, rl.handle,
		dispatcher.Owner(b.id+"/rollback"))
	if err != nil {
		return nil, err
	}

	e.orchestrators[b.id] = o
	return o, nil
}

// Orchestrator runs transactions through a fixed chain of steps.
type Orchestrator struct {
	engine    *Engine
	id        string
	firstKind stepKind
	steps     []Step
}

func (o *Orchestrator) Id() string {
	return o.id
}

type runOptions struct {
	octx *Context
}

type RunOption func(*runOptions)

// WithContext passes octx to the first step.
func WithContext(octx *Context) RunOption {
	return func(o *runOptions) {
		o.octx = octx
	}
}

// Transaction starts a transaction for request and returns its id without
// waiting for the result.
func (o *Orchestrator) Transaction(ctx context.Context, request any, opts ...RunOption) (string, error) {
	options := runOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	e := o.engine
	data, err := e.codec.Encode(request)
	if err != nil {
		return "", err
	}
	encodedCtx := ""
	if options.octx != nil {
		if encodedCtx, err = options.octx.encode(); err != nil {
			return "", err
		}
	}
	first := &OrchestrateEvent{
		OrchestratorId:      o.id,
		OrchestrateSequence: 0,
		ClientEvent:         data,
		Context:             encodedCtx,
	}

	// the request is the undo of this node
	if o.firstKind == kindStart {
		return e.manager.Start(ctx, data, first)
	}
	txnId, err := e.manager.Start(ctx, data, nil)
	if err != nil {
		return "", err
	}
	if o.firstKind == kindJoin {
		err = e.manager.Join(ctx, txnId, "", first)
	} else {
		err = e.manager.Commit(ctx, txnId, first)
	}
	return txnId, err
}

// Run starts a transaction and waits for its result.
func (o *Orchestrator) Run(ctx context.Context, request any, opts ...RunOption) (*Result, error) {
	txnId, err := o.Transaction(ctx, request, opts...)
	if err != nil {
		return nil, err
	}
	return o.engine.results.Await(ctx, txnId)
}

// RunAs runs o and decodes the result as a V.
func RunAs[V any](ctx context.Context, o *Orchestrator, request any, opts ...RunOption) (V, error) {
	var zero V
	result, err := o.Run(ctx, request, opts...)
	if err != nil {
		return zero, err
	}
	if result.Err != nil {
		return zero, result.Err
	}
	return codec.DecodeAs[V](result.codec, result.Value)
}
