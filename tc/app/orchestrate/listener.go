package orchestrate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	logutil "github.com/ikenchina/sagastream/common/log"
	"github.com/ikenchina/sagastream/tc/app/dispatcher"
	"github.com/ikenchina/sagastream/tc/app/manager"
)

// stepListener executes one step of an orchestrator when a record of its
// trigger state carries an OrchestrateEvent with its identity.
type stepListener struct {
	engine         *Engine
	orchestratorId string
	sequence       int
	kind           stepKind
	step           Step
	// nextKind is the kind of the following step, unused for commit steps.
	nextKind stepKind
}

func (l *stepListener) owner() string {
	return fmt.Sprintf("%s/%d/%s", l.orchestratorId, l.sequence, l.kind)
}

func (l *stepListener) handle(ctx context.Context, event dispatcher.TransactionEvent, oe *OrchestrateEvent) error {
	if !oe.matches(l.orchestratorId, l.sequence) {
		return nil
	}
	txnId := event.TransactionId()
	lg := logutil.Logger(ctx).With(zap.String("step", l.owner()))
	if l.kind == kindCommit && l.engine.redelivered(ctx, txnId) {
		return nil
	}

	response, octx, err := l.execute(ctx, txnId, oe)
	if err == nil {
		var data, encodedCtx string
		data, err = encodeResponse(l.engine.codec, response)
		if err == nil {
			encodedCtx, err = octx.encode()
		}
		if err == nil {
			if l.kind == kindCommit {
				return l.finish(ctx, txnId, data)
			}
			return l.advance(ctx, txnId, &OrchestrateEvent{
				OrchestratorId:      l.orchestratorId,
				OrchestrateSequence: l.sequence + 1,
				ClientEvent:         data,
				Context:             encodedCtx,
			})
		}
	}

	lg.Info("step failed, rollback", zap.Error(err))
	return l.engine.rollback(ctx, txnId, err, oe)
}

func (l *stepListener) execute(ctx context.Context, txnId string, oe *OrchestrateEvent) (any, *Context, error) {
	octx, err := decodeContext(l.engine.codec, oe.Context)
	if err != nil {
		return nil, nil, err
	}
	if l.step.rollbackable() {
		l.engine.requests.Hold(txnId, l.sequence, oe.ClientEvent)
	}
	response, err := l.step.command(ctx, l.engine.codec, oe.ClientEvent, octx)
	if err != nil {
		return nil, nil, err
	}
	return response, octx, nil
}

// advance appends the record triggering the next step.
func (l *stepListener) advance(ctx context.Context, txnId string, next *OrchestrateEvent) error {
	var err error
	if l.nextKind == kindCommit {
		err = l.engine.manager.Commit(ctx, txnId, next)
	} else {
		err = l.engine.manager.Join(ctx, txnId, "", next)
	}
	if errors.Is(err, manager.ErrAlreadyCommitted) || errors.Is(err, manager.ErrAlreadyRolledBack) {
		logutil.Logger(ctx).Info("transaction already terminated",
			zap.String("step", l.owner()), zap.Error(err))
		return nil
	}
	return err
}

// finish publishes the response of the commit step.
func (l *stepListener) finish(ctx context.Context, txnId string, response string) error {
	l.engine.requests.Release(txnId)
	return l.engine.results.SetSuccess(txnId, response)
}

// redelivered reports whether txnId was already resolved on this node, in
// which case its terminal record is acknowledged without running steps.
func (e *Engine) redelivered(ctx context.Context, txnId string) bool {
	if !e.results.Resolved(txnId) {
		return false
	}
	logutil.Logger(ctx).Error("double resolution, skip steps",
		zap.String("txn", txnId), zap.Error(ErrDoubleResolution))
	return true
}

// rollbackListener compensates the steps an orchestrator executed for a
// transaction on this node, highest sequence first.
type rollbackListener struct {
	engine       *Engine
	orchestrator *Orchestrator
}

func (l *rollbackListener) handle(ctx context.Context, event dispatcher.TransactionEvent, oe *OrchestrateEvent) error {
	if oe.OrchestratorId != l.orchestrator.id {
		return nil
	}
	txnId := event.TransactionId()
	if l.engine.redelivered(ctx, txnId) {
		return nil
	}
	cause := ""
	if rb, ok := event.(*dispatcher.TransactionRollbackEvent); ok {
		cause = rb.Cause
	}

	octx, err := decodeContext(l.engine.codec, oe.Context)
	if err != nil {
		logutil.Logger(ctx).Warn("decode context for rollback", zap.Error(err))
		octx = NewContext(l.engine.codec)
	}

	for _, seq := range l.engine.requests.Sequences(txnId) {
		if seq > oe.OrchestrateSequence || seq >= len(l.orchestrator.steps) {
			continue
		}
		step := l.orchestrator.steps[seq]
		if !step.rollbackable() {
			continue
		}
		request, _ := l.engine.requests.Get(txnId, seq)
		if err := step.rollback(ctx, l.engine.codec, request, octx); err != nil {
			logutil.Logger(ctx).Error("compensate step",
				zap.String("orchestrator", l.orchestrator.id), zap.Int("sequence", seq), zap.Error(err))
		}
	}

	l.engine.requests.Release(txnId)
	return l.engine.results.SetFailure(txnId, fmt.Errorf("%w : %s", ErrRolledBack, cause))
}
