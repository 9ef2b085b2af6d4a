package collaboration

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/developer-mesh/gridsync/pkg/collaboration/store"
	syncerrors "github.com/developer-mesh/gridsync/pkg/errors"
)

// start sends the pending head unless a send is in flight or ingestion has
// paused the queue.
func (e *Engine) start() {
	if !e.opened || e.ingesting || e.state == SendSending {
		return
	}
	head := e.pending.Head()
	if head == nil {
		if e.state != SendIdle || e.lastStatus == StatusSaving {
			e.state = SendIdle
			e.setStatus(StatusSaved)
		}
		return
	}
	e.sendHead(head)
}

// sendHead proposes op as number lastOpNum+1. The store commits only while
// the latest number is still lastOpNum, keeping the global order gap-free.
func (e *Engine) sendHead(op *Operation) {
	candidate := e.lastOpNum + 1
	op.Num = candidate
	e.state = SendSending
	e.setStatus(StatusSaving)

	latest := e.layout.Latest()
	started := time.Now()
	e.async(func(ctx context.Context) {
		ctx, span := e.tracer.Start(ctx, "collaboration.send", trace.WithAttributes(
			attribute.Int64("num", candidate),
			attribute.Int("changes", op.Len()),
		))
		defer span.End()

		committed, err := e.store.CompareAndSwap(ctx, []string{latest}, func(cur map[string][]byte) (map[string][]byte, error) {
			v, ok := cur[latest]
			n, err := store.DecodeNum(v, ok)
			if err != nil {
				return nil, err
			}
			if n != candidate-1 {
				return nil, store.ErrAbort
			}
			return map[string][]byte{latest: store.EncodeNum(candidate)}, nil
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "compare-and-swap failed")
		}
		span.SetAttributes(attribute.Bool("committed", committed))
		e.post(func() { e.onSendResult(op, candidate, committed, err, time.Since(started)) })
	})
}

func (e *Engine) onSendResult(op *Operation, num int64, committed bool, err error, took time.Duration) {
	e.metrics.RecordDuration("send_latency_seconds", took, nil)

	switch {
	case err != nil:
		op.Num = 0
		e.state = SendStalled
		e.stallErr = syncerrors.Wrap(err, syncerrors.ClassTransportFailure, "send").WithNum(num)
		e.metrics.RecordCounter("sends_total", 1, map[string]string{"result": "failed"})
		e.logger.Warn("Send failed", map[string]interface{}{
			"num":   num,
			"error": e.stallErr.Error(),
		})
		e.setStatus(StatusSaveError)
		e.drainParked()

	case !committed:
		// Another client took this number. Its notification drives the
		// rebase and the resend.
		op.Num = 0
		e.state = SendStalled
		e.stallErr = syncerrors.New(syncerrors.ClassWriteContention, "send", "latest number moved").WithNum(num)
		e.metrics.RecordCounter("sends_total", 1, map[string]string{"result": "contended"})
		e.logger.Debugf("Lost send race for number %d", num)
		e.drainParked()

	default:
		e.lastOpNum = num
		e.appliedNum = num
		e.pending.Remove(op)
		e.state = SendIdle
		e.stallErr = nil
		e.metrics.RecordCounter("sends_total", 1, map[string]string{"result": "accepted"})
		e.metrics.RecordGauge("pending_operations", float64(e.pending.Len()), nil)
		e.logger.Debug("Operation accepted", map[string]interface{}{
			"num":     num,
			"id":      op.ID.String(),
			"changes": op.Len(),
		})

		e.writePayload(op)
		e.drainParked()
		e.start()
	}
}

// drainParked replays notifications that arrived while a send was in flight.
func (e *Engine) drainParked() {
	parked := e.parked
	e.parked = nil
	for _, num := range parked {
		e.observe(num)
	}
}

// writePayload stores the accepted operation under its number without
// holding up the queue, then checks compaction.
func (e *Engine) writePayload(op *Operation) {
	num := op.Num
	payload, err := op.Marshal()
	if err != nil {
		e.logger.Error("Failed to encode operation payload", map[string]interface{}{
			"num":   num,
			"error": err.Error(),
		})
		return
	}
	path := e.layout.Op(num)
	e.writing++
	e.async(func(ctx context.Context) {
		err := e.store.Write(ctx, path, payload)
		e.post(func() { e.onPayloadWritten(num, err) })
	})
}

func (e *Engine) onPayloadWritten(num int64, err error) {
	e.writing--
	if err != nil {
		werr := syncerrors.Wrap(err, syncerrors.ClassTransportFailure, "write-payload").WithNum(num)
		e.metrics.RecordCounter("payload_writes_total", 1, map[string]string{"result": "failed"})
		e.logger.Error("Failed to write operation payload", map[string]interface{}{
			"num":   num,
			"error": werr.Error(),
		})
		e.setStatus(StatusSaveError)
		return
	}
	e.metrics.RecordCounter("payload_writes_total", 1, map[string]string{"result": "ok"})
	e.maybeCompact()
}
