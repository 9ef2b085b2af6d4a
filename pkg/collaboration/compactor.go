package collaboration

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/developer-mesh/gridsync/pkg/collaboration/store"
)

// compactionDue reports whether the local state may be written back as a
// snapshot: nothing in flight or unconfirmed, enough operations since the
// last snapshot, and lastOpNum on the modulo gate so that clients rarely
// rewrite the snapshot at the same time.
func (e *Engine) compactionDue() bool {
	if e.compacting || e.ingesting || e.state != SendIdle {
		return false
	}
	if e.pending.Len() > 0 || e.batcher.Dirty() || e.appliedNum != e.lastOpNum {
		return false
	}
	if e.lastOpNum-e.lastFullMapNum <= e.cfg.CompactionThreshold {
		return false
	}
	return e.lastOpNum%e.cfg.CompactionModulo == 0
}

func (e *Engine) maybeCompact() {
	if !e.compactionDue() {
		return
	}

	candidate := e.lastOpNum
	data, err := e.doc.Snapshot()
	if err == nil {
		data, err = e.codec.Encode(SnapshotRecord{Mid: e.mid, Num: candidate, Data: data})
	}
	if err != nil {
		e.logger.Error("Failed to build snapshot", map[string]interface{}{"num": candidate, "error": err.Error()})
		return
	}

	e.compacting = true
	snapPath, latestPath := e.layout.Snapshot(), e.layout.Latest()
	e.async(func(ctx context.Context) {
		ctx, span := e.tracer.Start(ctx, "collaboration.compact", trace.WithAttributes(attribute.Int64("num", candidate)))
		defer span.End()

		committed, err := e.store.CompareAndSwap(ctx, []string{snapPath, latestPath}, func(cur map[string][]byte) (map[string][]byte, error) {
			if v, ok := cur[snapPath]; ok {
				stored, err := e.codec.Decode(v)
				if err != nil {
					return nil, err
				}
				if stored.Num >= candidate {
					return nil, store.ErrAbort
				}
			}
			v, ok := cur[latestPath]
			latest, err := store.DecodeNum(v, ok)
			if err != nil {
				return nil, err
			}
			if latest != candidate {
				return nil, store.ErrAbort
			}
			return map[string][]byte{snapPath: data}, nil
		})
		if err != nil {
			span.RecordError(err)
		}
		span.SetAttributes(attribute.Bool("committed", committed))
		e.post(func() { e.onCompacted(candidate, committed, err) })
	})
}

func (e *Engine) onCompacted(num int64, committed bool, err error) {
	e.compacting = false
	switch {
	case err != nil:
		e.metrics.RecordCounter("compactions_total", 1, map[string]string{"result": "failed"})
		e.logger.Debug("Compaction failed", map[string]interface{}{"num": num, "error": err.Error()})
	case !committed:
		e.metrics.RecordCounter("compactions_total", 1, map[string]string{"result": "skipped"})
	default:
		if num > e.lastFullMapNum {
			e.lastFullMapNum = num
		}
		e.metrics.RecordCounter("compactions_total", 1, map[string]string{"result": "committed"})
		e.logger.Info("Compacted document", map[string]interface{}{"num": num})
	}
}
