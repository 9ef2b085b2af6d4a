package collaboration

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/developer-mesh/gridsync/pkg/collaboration/store"
	syncerrors "github.com/developer-mesh/gridsync/pkg/errors"
)

// listen relays latest-number notifications into the loop.
func (e *Engine) listen(sub store.Subscription) {
	e.async(func(ctx context.Context) {
		for ev := range sub.Events() {
			num, err := store.DecodeNum(ev.Value, ev.Exists)
			if err != nil {
				e.post(func() {
					e.logger.Warn("Ignoring malformed latest number", map[string]interface{}{"error": err.Error()})
					e.setStatus(StatusUpdateError)
				})
				continue
			}
			if !e.post(func() { e.onNotify(num) }) {
				return
			}
		}
	})
}

// onNotify handles a latest number delivered by the subscription. The store
// only moves forward, so a number below the highest one delivered so far is an
// ordering violation. A number below lastOpNum alone is the late echo of an
// accepted send.
func (e *Engine) onNotify(num int64) {
	if num < e.lastNotified {
		err := syncerrors.New(syncerrors.ClassOrderingViolation, "listen",
			fmt.Sprintf("remote latest %d below previously notified %d", num, e.lastNotified))
		e.metrics.IncrementCounter("ordering_violations_total", 1)
		e.logger.Error("Ordering violation", map[string]interface{}{"error": err.Error()})
		e.setStatus(StatusUpdateError)
		return
	}
	e.lastNotified = num
	e.observe(num)
}

// observe acts on a remote latest number. While a send is in flight the
// number is parked so the echo of that send is recognized exactly.
func (e *Engine) observe(num int64) {
	if e.state == SendSending {
		e.parked = append(e.parked, num)
		return
	}

	if num <= e.lastOpNum {
		if e.lastStatus == StatusUpdating && !e.ingesting {
			e.setStatus(StatusReady)
			e.start()
		}
		return
	}

	e.lastOpNum = num
	if e.ingesting {
		return
	}
	e.ingesting = true
	e.setStatus(StatusUpdating)
	e.fetchNext()
}

// fetchNext fetches the operation after appliedNum. Only one fetch is ever
// outstanding; the next is issued once this one is reconciled.
func (e *Engine) fetchNext() {
	num := e.appliedNum + 1
	path := e.layout.Op(num)
	e.async(func(ctx context.Context) {
		ctx, span := e.tracer.Start(ctx, "collaboration.fetch", trace.WithAttributes(attribute.Int64("num", num)))
		defer span.End()

		var op *Operation
		data, err := store.WaitFor(ctx, e.store, path)
		if err == nil {
			op, err = UnmarshalOperation(data)
		}
		if err == nil && op.Num != num {
			err = fmt.Errorf("payload under %d carries number %d", num, op.Num)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "fetch failed")
		}
		e.post(func() { e.onFetched(num, op, err) })
	})
}

func (e *Engine) onFetched(num int64, op *Operation, err error) {
	if err != nil {
		if e.runCtx.Err() != nil {
			return
		}
		ferr := syncerrors.Wrap(err, syncerrors.ClassTransportFailure, "fetch").WithNum(num)
		e.logger.Error("Failed to fetch remote operation", map[string]interface{}{"error": ferr.Error()})
		// Forget the unreached numbers so the next notification or Resume
		// starts ingestion again.
		e.ingesting = false
		e.lastOpNum = e.appliedNum
		e.setStatus(StatusUpdateError)
		return
	}

	e.reconcile(op)
	e.appliedNum = num
	e.metrics.IncrementCounter("remote_operations_total", 1)

	if e.appliedNum < e.lastOpNum {
		e.fetchNext()
		return
	}
	e.ingesting = false
	e.setStatus(StatusReady)
	e.start()
}

// reconcile rebases the pending queue onto remote operation r: unwind the
// pending operations, apply r, then replay those that still apply and drop
// the rest.
func (e *Engine) reconcile(r *Operation) {
	_, span := e.tracer.Start(e.runCtx, "collaboration.reconcile", trace.WithAttributes(
		attribute.Int64("num", r.Num),
		attribute.Int("pending", e.pending.Len()),
	))
	defer span.End()

	e.finalize()

	pending := e.pending.Ops()
	for i := len(pending) - 1; i >= 0; i-- {
		pending[i].Unapply(e.doc)
	}

	e.history.Push(r)
	r.Apply(e.doc)

	kept := make([]*Operation, 0, len(pending))
	for _, p := range pending {
		if p.CanApply(e.doc) {
			p.Apply(e.doc)
			kept = append(kept, p)
			continue
		}
		e.drop(p, r)
	}
	e.pending.Replace(kept)

	span.SetAttributes(attribute.Int("dropped", len(pending)-len(kept)))
	e.metrics.RecordGauge("pending_operations", float64(len(kept)), nil)
	e.logger.Debug("Applied remote operation", map[string]interface{}{
		"num":     r.Num,
		"author":  r.Author,
		"replays": len(kept),
	})
}

// drop discards a pending operation that no longer applies, together with
// the history entry it came from, so undo never reaches it.
func (e *Engine) drop(p, r *Operation) {
	entry := p.origin
	if entry == nil {
		entry = p
	}
	removed := e.history.Remove(entry)

	err := syncerrors.New(syncerrors.ClassIllegalReplay, "reconcile", "pending operation no longer applies").WithNum(r.Num)
	e.metrics.IncrementCounter("replays_dropped_total", 1)
	e.logger.Info("Dropped pending operation", map[string]interface{}{
		"id":              p.ID.String(),
		"conflicts":       p.Touches(r),
		"history_removed": removed,
		"reason":          err.Error(),
	})
}
