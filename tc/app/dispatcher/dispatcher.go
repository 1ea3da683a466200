package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ikenchina/sagastream/common/codec"
	"github.com/ikenchina/sagastream/common/errorutil"
	logutil "github.com/ikenchina/sagastream/common/log"
	"github.com/ikenchina/sagastream/common/metrics"
	"github.com/ikenchina/sagastream/define"
	"github.com/ikenchina/sagastream/tc/app/model"
)

var ErrAckFailed = errors.New("fail to ack transaction")

var (
	dispatchTimer = metrics.NewTimer(define.MetricsNamespace, "tc", "dispatch", "dispatch timer", []string{"state", "ret"})
	handlerErrors = metrics.NewCounterVec(define.MetricsNamespace, "tc", "handler_errors", "handler errors", []string{"state", "kind"})
)

// Dispatcher routes received transaction records to the registered handlers
// and acknowledges them once the awaited handlers succeeded.
type Dispatcher struct {
	group    string
	registry *Registry
	codec    codec.Codec
	stream   model.Stream
	undo     model.UndoStore
	tracer   trace.Tracer
}

// NewDispatcher returns a dispatcher acknowledging messages and looking up
// undo payloads as nodeGroup.
func NewDispatcher(nodeGroup string, registry *Registry, stream model.Stream, undo model.UndoStore) *Dispatcher {
	return &Dispatcher{
		group:    nodeGroup,
		registry: registry,
		codec:    registry.Codec(),
		stream:   stream,
		undo:     undo,
		tracer:   otel.Tracer("github.com/ikenchina/sagastream/tc/app/dispatcher"),
	}
}

func (d *Dispatcher) Group() string {
	return d.group
}

func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Freeze freezes the registry, the listener calls it before consuming.
func (d *Dispatcher) Freeze() {
	d.registry.Freeze()
}

// Dispatch runs the handlers matching txn and acknowledges messageId.
// Nothing is acknowledged when the state is unknown, when the event cannot
// be built or when an async handler fails.
func (d *Dispatcher) Dispatch(ctx context.Context, txn *define.Transaction, messageId string) (err error) {
	defer dispatchTimer.Track(txn.State)(&err)
	ctx, span := d.tracer.Start(ctx, "dispatch", trace.WithAttributes(
		attribute.String("txn.id", txn.Id),
		attribute.String("txn.state", txn.State),
		attribute.String("txn.event_type", txn.EventType),
		attribute.String("message.id", messageId)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	ctx = logutil.WithTransaction(ctx, txn.Id)

	if !define.ValidState(txn.State) {
		return fmt.Errorf("%w : %s", ErrUnmappedState, txn.State)
	}

	async, inline := d.registry.match(txn.State, txn.EventType)
	if len(async) > 0 || len(inline) > 0 {
		event, err := d.newEvent(ctx, txn)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, h := range async {
			h := h
			g.Go(func() (err error) {
				defer errorutil.RecoverTo(&err)
				return h.fn(gctx, event)
			})
		}
		if err = g.Wait(); err != nil {
			handlerErrors.Inc(txn.State, "async")
			return err
		}

		for _, h := range inline {
			d.invokeInline(ctx, h, event)
		}
	}

	if err = d.stream.Ack(ctx, d.group, messageId); err != nil {
		logutil.Logger(ctx).Error("ack",
			zap.String("group", d.group), zap.String("message", messageId), zap.Error(err))
		return fmt.Errorf("%w : %v", ErrAckFailed, err)
	}

	// ROLLBACK is the last record of a transaction, the undo of this group
	// is not read again once it is acknowledged.
	if txn.State == define.TxnStateRollback {
		if derr := d.undo.DeleteUndo(ctx, txn.Id, d.group); derr != nil {
			logutil.Logger(ctx).Warn("release undo", zap.String("group", d.group), zap.Error(derr))
		}
	}
	return nil
}

func (d *Dispatcher) invokeInline(ctx context.Context, h *handler, event TransactionEvent) {
	defer errorutil.Recovery(func(r interface{}) {
		handlerErrors.Inc(event.State(), "sync")
		logutil.Logger(ctx).Error("sync handler panic",
			zap.String("owner", h.owner), zap.Any("panic", r))
	})
	if err := h.fn(ctx, event); err != nil {
		handlerErrors.Inc(event.State(), "sync")
		logutil.Logger(ctx).Warn("sync handler",
			zap.String("owner", h.owner), zap.Error(err))
	}
}

func (d *Dispatcher) newEvent(ctx context.Context, txn *define.Transaction) (TransactionEvent, error) {
	base := baseEvent{txn: txn, codec: d.codec}
	switch txn.State {
	case define.TxnStateStart:
		return &TransactionStartEvent{baseEvent: base}, nil
	case define.TxnStateJoin:
		return &TransactionJoinEvent{baseEvent: base}, nil
	case define.TxnStateCommit:
		return &TransactionCommitEvent{baseEvent: base}, nil
	case define.TxnStateRollback:
		undo, err := d.undo.GetUndo(ctx, txn.Id, d.group)
		if err != nil {
			return nil, fmt.Errorf("cannot find undo state of transaction %s : %w", txn.Id, err)
		}
		return &TransactionRollbackEvent{baseEvent: base, Cause: txn.Cause, Undo: undo}, nil
	}
	return nil, fmt.Errorf("%w : %s", ErrUnmappedState, txn.State)
}
