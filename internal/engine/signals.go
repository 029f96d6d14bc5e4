package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

func (e *engineImpl) Signal(ctx context.Context, runID, callbackToken string, sig schema.Signal) error {
	reg, err := e.callbacks.Resolve(ctx, callbackToken)
	if err != nil {
		return err
	}
	if reg.RunID != runID {
		return schema.NewErrorf(schema.ErrCodeTokenInvalid, "callback token does not belong to run %s", runID)
	}
	if sig.TargetNode != "" && sig.TargetNode != reg.NodeID {
		return schema.NewErrorf(schema.ErrCodeTokenInvalid, "callback token does not address node %s", sig.TargetNode).WithNode(sig.TargetNode)
	}
	if err := checkSignal(reg, sig.Type); err != nil {
		return err
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = e.now().UTC()
	}
	sig.TargetNode = reg.NodeID
	return e.deliver(ctx, reg, sig)
}

// checkSignal matches a signal type against the registration it resolves.
// Timer registrations accept only TIMER; a signal registration restricted to
// one type still accepts REJECT.
func checkSignal(reg *schema.CallbackRegistration, typ schema.SignalType) error {
	switch typ {
	case schema.SignalResume, schema.SignalApprove, schema.SignalReject, schema.SignalTimer:
	case "":
		return schema.NewError(schema.ErrCodeValidation, "signal type is required").WithNode(reg.NodeID)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown signal type %q", typ).WithNode(reg.NodeID)
	}

	timer := reg.Kind == schema.CallbackTimer
	if timer != (typ == schema.SignalTimer) {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s signal cannot resume a %s registration", typ, reg.Kind).WithNode(reg.NodeID)
	}
	if reg.SignalType != "" && typ != reg.SignalType && typ != schema.SignalReject {
		return schema.NewErrorf(schema.ErrCodeValidation, "node %s expects a %s signal, got %s", reg.NodeID, reg.SignalType, typ).WithNode(reg.NodeID)
	}
	return nil
}

// deliver resolves the waiting node a registration belongs to. The
// registration is consumed in the same mutation, so a signal is accepted at
// most once.
func (e *engineImpl) deliver(ctx context.Context, reg *schema.CallbackRegistration, sig schema.Signal) error {
	_, err := e.mutate(ctx, reg.RunID, "signal", func(t *txn) error {
		if !activeRun(t.run.Status) {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is %s", t.run.ID, t.run.Status).WithNode(reg.NodeID)
		}
		ne := t.run.Nodes[reg.NodeID]
		node := t.def.Node(reg.NodeID)
		if node == nil || ne == nil || ne.Status != schema.NodeStatusWaiting || ne.CallbackID != reg.ID {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition, "node %s is not waiting on callback %s", reg.NodeID, reg.ID).WithNode(reg.NodeID)
		}

		if err := t.emit(schema.EventSignalReceived, reg.NodeID, ne.Attempt, schema.SignalPayload{Signal: sig, CallbackID: reg.ID}); err != nil {
			return err
		}
		t.consumed = append(t.consumed, reg.ID)

		var err error
		if sig.Type == schema.SignalReject {
			err = t.handleFailure(node, ne.Attempt, &schema.NodeError{
				Code:    schema.NodeErrRejected,
				Message: "signal rejected",
				Source:  "signal",
				Context: sig.Payload,
			})
		} else {
			err = t.succeed(node, ne.Attempt, sig.Payload)
		}
		if err != nil {
			return err
		}
		return t.advance()
	})
	return err
}

func (e *engineImpl) SweepCallbacks(ctx context.Context, now time.Time) (int, error) {
	fired := 0

	due, err := e.callbacks.Due(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, reg := range due {
		sig := schema.Signal{Type: schema.SignalTimer, TargetNode: reg.NodeID, Timestamp: now.UTC()}
		switch err := e.deliver(ctx, reg, sig); {
		case err == nil:
			fired++
		case schema.HasCode(err, schema.ErrCodeInvalidTransition), schema.HasCode(err, schema.ErrCodeRunNotFound):
			e.release(ctx, reg)
		default:
			e.logger.Warn("timer not fired", slog.String("run_id", reg.RunID), slog.String("callback_id", reg.ID), slog.Any("error", err))
		}
	}

	expired, err := e.callbacks.Expired(ctx, now)
	if err != nil {
		return fired, err
	}
	for _, reg := range expired {
		ok, err := e.expire(ctx, reg)
		switch {
		case err != nil && schema.HasCode(err, schema.ErrCodeRunNotFound):
			e.release(ctx, reg)
		case err != nil:
			e.logger.Warn("callback not expired", slog.String("run_id", reg.RunID), slog.String("callback_id", reg.ID), slog.Any("error", err))
		case ok:
			fired++
		default:
			e.release(ctx, reg)
		}
	}
	return fired, nil
}

// expire fails the node still waiting on an expired registration. It reports
// false when no node waits on it any more.
func (e *engineImpl) expire(ctx context.Context, reg *schema.CallbackRegistration) (bool, error) {
	applied := false
	_, err := e.mutate(ctx, reg.RunID, "expire_callback", func(t *txn) error {
		applied = false
		ne := t.run.Nodes[reg.NodeID]
		node := t.def.Node(reg.NodeID)
		if !activeRun(t.run.Status) || node == nil || ne == nil || ne.Status != schema.NodeStatusWaiting || ne.CallbackID != reg.ID {
			return nil
		}
		applied = true
		t.consumed = append(t.consumed, reg.ID)
		if err := t.handleFailure(node, ne.Attempt, &schema.NodeError{
			Code:    schema.NodeErrCallbackExpired,
			Message: "callback expired at " + reg.ExpiresAt.UTC().Format(time.RFC3339),
			Source:  "callback",
		}); err != nil {
			return err
		}
		return t.advance()
	})
	return applied && err == nil, err
}

// release consumes a registration no node waits on.
func (e *engineImpl) release(ctx context.Context, reg *schema.CallbackRegistration) {
	if err := e.callbacks.Consume(ctx, reg.ID); err != nil {
		e.logger.Debug("orphan callback not released", slog.String("callback_id", reg.ID), slog.Any("error", err))
	}
}
