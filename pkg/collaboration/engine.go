// Package collaboration implements the operation sync engine: local edits
// are batched into reversible operations, sent to a remote ordered log under
// a linear compare-and-swap, rebased against remote operations and
// periodically compacted into snapshots.
package collaboration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/developer-mesh/gridsync/pkg/collaboration/store"
	syncerrors "github.com/developer-mesh/gridsync/pkg/errors"
	"github.com/developer-mesh/gridsync/pkg/observability"
)

const tracerName = "github.com/developer-mesh/gridsync/pkg/collaboration"

// Defaults for compaction eligibility.
const (
	DefaultCompactionThreshold = 10
	DefaultCompactionModulo    = 3
)

var (
	// ErrNotOpen is returned by edits made before Open.
	ErrNotOpen = errors.New("collaboration: no document open")
	// ErrStopped is returned once the engine loop has exited.
	ErrStopped = errors.New("collaboration: engine stopped")
	// ErrStaleChange is returned by RecordChange when the change's old value
	// does not match the document.
	ErrStaleChange = errors.New("collaboration: change does not match document")
)

// Config holds the engine settings
type Config struct {
	IdleWindow          time.Duration `mapstructure:"idle_window"`
	HistoryCapacity     int           `mapstructure:"history_capacity"`
	CompactionThreshold int64         `mapstructure:"compaction_threshold"`
	CompactionModulo    int64         `mapstructure:"compaction_modulo"`

	// KeyPrefix is prepended to every store path.
	KeyPrefix string `mapstructure:"-"`
	// ClientID tags the operations this engine authors.
	ClientID string `mapstructure:"-"`
	// Scheduler drives the idle timer; tests pass a fake clock.
	Scheduler Scheduler `mapstructure:"-"`
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		IdleWindow:          DefaultIdleWindow,
		HistoryCapacity:     DefaultHistoryCapacity,
		CompactionThreshold: DefaultCompactionThreshold,
		CompactionModulo:    DefaultCompactionModulo,
	}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithStatusSink sets the status collaborator.
func WithStatusSink(s StatusSink) Option {
	return func(e *Engine) { e.status = s }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// Stats is a read-only view of the engine state.
type Stats struct {
	Mid            string `json:"mid"`
	ClientID       string `json:"client_id"`
	LastOpNum      int64  `json:"last_op_num"`
	AppliedNum     int64  `json:"applied_num"`
	LastFullMapNum int64  `json:"last_full_map_num"`
	Pending        int    `json:"pending"`
	History        int    `json:"history"`
	Cursor         int    `json:"cursor"`
	SendState      string `json:"send_state"`
	Ingesting      bool   `json:"ingesting"`
	Dirty          bool   `json:"dirty"`
	Writing        int    `json:"writing"`
	Compacting     bool   `json:"compacting"`
	Status         Status `json:"status"`
	LastError      string `json:"last_error,omitempty"`
	StallReason    string `json:"stall_reason,omitempty"`
}

// Engine synchronizes one document with the remote store. All state below
// the loop marker is owned by the Run goroutine; public methods hand
// closures to it and wait.
type Engine struct {
	cfg     Config
	store   store.Store
	doc     Document
	codec   *SnapshotCodec
	logger  observability.Logger
	metrics observability.MetricsClient
	tracer  trace.Tracer
	status  StatusSink

	events  chan func()
	done    chan struct{}
	running atomic.Bool
	wg      sync.WaitGroup

	// loop
	runCtx         context.Context
	mid            string
	layout         store.Layout
	opened         bool
	sub            store.Subscription
	batcher        *Batcher
	history        *History
	pending        PendingQueue
	lastOpNum      int64
	appliedNum     int64
	lastFullMapNum int64
	state          SendState
	stallErr       error
	lastNotified   int64
	parked         []int64
	ingesting      bool
	compacting     bool
	writing        int
	lastStatus     Status
}

// NewEngine creates an engine editing doc against st. Call Run, then Open.
func NewEngine(cfg Config, st store.Store, doc Document, logger observability.Logger, metrics observability.MetricsClient, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if doc == nil {
		return nil, fmt.Errorf("document is required")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = DefaultHistoryCapacity
	}
	if cfg.CompactionThreshold <= 0 {
		cfg.CompactionThreshold = DefaultCompactionThreshold
	}
	if cfg.CompactionModulo <= 0 {
		cfg.CompactionModulo = DefaultCompactionModulo
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.New().String()
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = TimerScheduler
	}

	codec, err := NewSnapshotCodec()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		store:   st,
		doc:     doc,
		codec:   codec,
		logger:  logger.WithPrefix("engine").With(map[string]interface{}{"client": cfg.ClientID}),
		metrics: metrics,
		tracer:  otel.Tracer(tracerName),
		status:  StatusFunc(func(Status) {}),
		events:  make(chan func()),
		done:    make(chan struct{}),
		history: NewHistory(cfg.HistoryCapacity),
		runCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(e)
	}

	schedule := func(d time.Duration, f func()) func() {
		return cfg.Scheduler(d, func() { e.post(f) })
	}
	e.batcher = NewBatcher(cfg.IdleWindow, cfg.ClientID, schedule, e.finalize)
	return e, nil
}

// Run processes engine events until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	e.runCtx = ctx
	defer func() {
		cancel()
		close(e.done)
		e.batcher.Stop()
		if e.sub != nil {
			_ = e.sub.Close()
		}
		e.wg.Wait()
		_ = e.codec.Close()
	}()

	for {
		select {
		case fn := <-e.events:
			fn()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// post hands fn to the loop. It reports false once the loop has exited.
func (e *Engine) post(fn func()) bool {
	select {
	case e.events <- fn:
		return true
	case <-e.done:
		return false
	}
}

// do runs fn on the loop and waits for its result.
func (e *Engine) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case e.events <- func() { result <- fn() }:
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// async runs a remote call off the loop. fn reports back with post.
func (e *Engine) async(fn func(ctx context.Context)) {
	ctx := e.runCtx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

// Open loads document mid, creating it when the store has no snapshot, and
// starts listening for remote operations. An empty mid sets up a new
// document. It returns the document id.
func (e *Engine) Open(ctx context.Context, mid string) (string, error) {
	if mid == "" {
		mid = uuid.New().String()
	}
	layout := store.NewLayout(e.cfg.KeyPrefix, mid)

	var initial []byte
	if err := e.do(ctx, func() error {
		if e.opened {
			return fmt.Errorf("engine already opened document %s", e.mid)
		}
		var err error
		initial, err = e.doc.Snapshot()
		return err
	}); err != nil {
		return "", err
	}

	rec, err := e.bootstrap(ctx, layout, mid, initial)
	if err != nil {
		return "", err
	}

	sub, err := e.store.Subscribe(ctx, layout.Latest())
	if err != nil {
		return "", fmt.Errorf("failed to subscribe to %s: %w", layout.Latest(), err)
	}

	err = e.do(ctx, func() error {
		if err := e.doc.Load(rec.Data); err != nil {
			return err
		}
		e.mid = mid
		e.layout = layout
		e.opened = true
		e.lastOpNum = rec.Num
		e.appliedNum = rec.Num
		e.lastFullMapNum = rec.Num
		e.lastNotified = rec.Num
		e.sub = sub
		e.logger = e.logger.With(map[string]interface{}{"mid": mid})
		e.setStatus(StatusUpdating)
		e.listen(sub)
		e.logger.Info("Opened document", map[string]interface{}{"snapshot_num": rec.Num})
		return nil
	})
	if err != nil {
		_ = sub.Close()
		return "", err
	}
	return mid, nil
}

// bootstrap returns the stored snapshot, creating the document at number 0
// from initial when none exists.
func (e *Engine) bootstrap(ctx context.Context, layout store.Layout, mid string, initial []byte) (SnapshotRecord, error) {
	snapPath, latestPath := layout.Snapshot(), layout.Latest()

	data, ok, err := e.store.Read(ctx, snapPath)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if !ok {
		seed, err := e.codec.Encode(SnapshotRecord{Mid: mid, Num: 0, Data: initial})
		if err != nil {
			return SnapshotRecord{}, err
		}
		created, err := e.store.CompareAndSwap(ctx, []string{snapPath, latestPath}, func(cur map[string][]byte) (map[string][]byte, error) {
			if _, exists := cur[snapPath]; exists {
				return nil, store.ErrAbort
			}
			writes := map[string][]byte{snapPath: seed}
			if _, exists := cur[latestPath]; !exists {
				writes[latestPath] = store.EncodeNum(0)
			}
			return writes, nil
		})
		if err != nil {
			return SnapshotRecord{}, fmt.Errorf("failed to create document: %w", err)
		}
		if created {
			e.logger.Info("Created document", map[string]interface{}{"mid": mid})
			return SnapshotRecord{Mid: mid, Num: 0, Data: initial}, nil
		}
		data, ok, err = e.store.Read(ctx, snapPath)
		if err != nil {
			return SnapshotRecord{}, fmt.Errorf("failed to read snapshot: %w", err)
		}
		if !ok {
			return SnapshotRecord{}, fmt.Errorf("snapshot of %s vanished during creation", mid)
		}
	}

	rec, err := e.codec.Decode(data)
	if err != nil {
		return SnapshotRecord{}, err
	}
	if rec.Mid != "" && rec.Mid != mid {
		return SnapshotRecord{}, fmt.Errorf("snapshot belongs to document %s, not %s", rec.Mid, mid)
	}
	return rec, nil
}

// Set edits one field and records the change in the in-progress operation.
func (e *Engine) Set(ctx context.Context, scope Scope, field, value string) error {
	return e.do(ctx, func() error {
		if !e.opened {
			return ErrNotOpen
		}
		old := e.doc.Get(scope, field)
		if old == value {
			return nil
		}
		e.recordChange(Change{Scope: scope, Field: field, Old: old, New: value})
		return nil
	})
}

// RecordChange applies a prepared change. Its old value must match the
// document.
func (e *Engine) RecordChange(ctx context.Context, c Change) error {
	return e.do(ctx, func() error {
		if !e.opened {
			return ErrNotOpen
		}
		if cur := e.doc.Get(c.Scope, c.Field); cur != c.Old {
			return fmt.Errorf("%w: %s %s is %q, not %q", ErrStaleChange, c.Scope, c.Field, cur, c.Old)
		}
		if c.Old == c.New {
			return nil
		}
		e.recordChange(c)
		return nil
	})
}

func (e *Engine) recordChange(c Change) {
	e.doc.Set(c.Scope, c.Field, c.New)
	e.batcher.Record(c)
	if e.state == SendStalled {
		e.start()
	}
}

// Get returns a field of the local document.
func (e *Engine) Get(ctx context.Context, scope Scope, field string) (string, error) {
	var v string
	err := e.do(ctx, func() error {
		v = e.doc.Get(scope, field)
		return nil
	})
	return v, err
}

// Snapshot serializes the local document.
func (e *Engine) Snapshot(ctx context.Context) ([]byte, error) {
	var data []byte
	err := e.do(ctx, func() error {
		var err error
		data, err = e.doc.Snapshot()
		return err
	})
	return data, err
}

// Flush finalizes the in-progress operation now.
func (e *Engine) Flush(ctx context.Context) error {
	return e.do(ctx, func() error {
		e.finalize()
		return nil
	})
}

// Undo reverts the entry at the history cursor. It reports whether anything
// was undone.
func (e *Engine) Undo(ctx context.Context) (bool, error) {
	var changed bool
	err := e.do(ctx, func() error {
		if !e.opened {
			return ErrNotOpen
		}
		changed = e.undo()
		return nil
	})
	return changed, err
}

// Redo re-applies the entry after the history cursor.
func (e *Engine) Redo(ctx context.Context) (bool, error) {
	var changed bool
	err := e.do(ctx, func() error {
		if !e.opened {
			return ErrNotOpen
		}
		changed = e.redo()
		return nil
	})
	return changed, err
}

// Resume retries a stalled send queue and re-reads the remote latest number
// to catch up on anything missed.
func (e *Engine) Resume(ctx context.Context) error {
	return e.do(ctx, func() error {
		if !e.opened {
			return ErrNotOpen
		}
		latest := e.layout.Latest()
		e.async(func(ctx context.Context) {
			v, ok, err := e.store.Read(ctx, latest)
			if err == nil {
				var num int64
				num, err = store.DecodeNum(v, ok)
				if err == nil {
					// A read can race the subscription either way, so it
					// is not checked against the delivered order.
					e.post(func() { e.observe(num) })
					return
				}
			}
			e.post(func() {
				e.logger.Warn("Failed to re-read latest number", map[string]interface{}{"error": err.Error()})
			})
		})
		if syncerrors.IsTransport(e.stallErr) {
			e.logger.Info("Retrying failed send", map[string]interface{}{"error": e.stallErr.Error()})
		}
		e.stallErr = nil
		e.start()
		return nil
	})
}

// Stats returns a snapshot of the engine state.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := e.do(ctx, func() error {
		s = Stats{
			Mid:            e.mid,
			ClientID:       e.cfg.ClientID,
			LastOpNum:      e.lastOpNum,
			AppliedNum:     e.appliedNum,
			LastFullMapNum: e.lastFullMapNum,
			Pending:        e.pending.Len(),
			History:        e.history.Len(),
			Cursor:         e.history.Cursor(),
			SendState:      e.state.String(),
			Ingesting:      e.ingesting,
			Dirty:          e.batcher.Dirty(),
			Writing:        e.writing,
			Compacting:     e.compacting,
			Status:         e.lastStatus,
		}
		if e.stallErr != nil {
			s.LastError = e.stallErr.Error()
			s.StallReason = syncerrors.ClassOf(e.stallErr).String()
		}
		return nil
	})
	return s, err
}

// finalize closes the in-progress operation and queues it.
func (e *Engine) finalize() {
	op := e.batcher.Finalize()
	if op == nil {
		return
	}
	e.history.Push(op)
	e.pending.Push(op)
	e.metrics.IncrementCounter("operations_finalized_total", 1)
	e.metrics.RecordGauge("pending_operations", float64(e.pending.Len()), nil)
	e.logger.Debug("Finalized operation", map[string]interface{}{
		"id":      op.ID.String(),
		"changes": op.Len(),
	})
	e.start()
}

func (e *Engine) undo() bool {
	e.finalize()
	entry := e.history.Current()
	if entry == nil {
		return false
	}
	rev := entry.Reverse()
	if !rev.CanApply(e.doc) {
		e.history.Remove(entry)
		e.logger.Info("Evicted stale history entry on undo", map[string]interface{}{"id": entry.ID.String()})
		return false
	}
	rev.Apply(e.doc)
	e.history.StepBack()
	rev.origin = entry
	e.pending.Push(rev)
	e.start()
	return true
}

func (e *Engine) redo() bool {
	e.finalize()
	entry := e.history.Next()
	if entry == nil {
		return false
	}
	fwd := entry.Clone()
	if !fwd.CanApply(e.doc) {
		e.history.Remove(entry)
		e.logger.Info("Evicted stale history entry on redo", map[string]interface{}{"id": entry.ID.String()})
		return false
	}
	fwd.Apply(e.doc)
	e.history.StepForward()
	fwd.origin = entry
	e.pending.Push(fwd)
	e.start()
	return true
}

func (e *Engine) setStatus(s Status) {
	e.lastStatus = s
	e.status.SetStatus(s)
}
