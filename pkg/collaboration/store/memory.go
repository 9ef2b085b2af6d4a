package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store. Several engines sharing one
// MemoryStore behave like clients of one remote database.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
	subs   map[string]map[*memSub]struct{}
	closed bool

	// gate, when set, holds compare-and-swap calls until Release.
	gate    chan struct{}
	waiting int
	failNext error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string][]byte),
		subs:   make(map[string]map[*memSub]struct{}),
	}
}

// Hold makes subsequent compare-and-swap calls block until Release. Tests use
// it to line up competing writers.
func (m *MemoryStore) Hold() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate == nil {
		m.gate = make(chan struct{})
	}
}

// Release lets held compare-and-swap calls proceed.
func (m *MemoryStore) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
}

// Waiting reports how many compare-and-swap calls are blocked by Hold.
func (m *MemoryStore) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting
}

// FailNext makes the next Write or CompareAndSwap return err.
func (m *MemoryStore) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MemoryStore) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

// Read returns the value at path.
func (m *MemoryStore) Read(ctx context.Context, path string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.values[path]
	return clone(v), ok, nil
}

// Write overwrites the value at path.
func (m *MemoryStore) Write(ctx context.Context, path string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.setLocked(path, value)
	return nil
}

// CompareAndSwap runs fn under the store lock.
func (m *MemoryStore) CompareAndSwap(ctx context.Context, paths []string, fn UpdateFunc) (bool, error) {
	if err := m.waitGate(ctx); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if err := m.takeFailure(); err != nil {
		return false, err
	}

	current := make(map[string][]byte, len(paths))
	for _, p := range paths {
		if v, ok := m.values[p]; ok {
			current[p] = clone(v)
		}
	}
	writes, err := fn(current)
	if err == ErrAbort {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for p, v := range writes {
		m.setLocked(p, v)
	}
	return true, nil
}

func (m *MemoryStore) waitGate(ctx context.Context) error {
	m.mu.Lock()
	gate := m.gate
	if gate == nil {
		m.mu.Unlock()
		return nil
	}
	m.waiting++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.waiting--
		m.mu.Unlock()
	}()
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe delivers the current value of path and every later change.
func (m *MemoryStore) Subscribe(ctx context.Context, path string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	sub := newMemSub(m, path)
	if m.subs[path] == nil {
		m.subs[path] = make(map[*memSub]struct{})
	}
	m.subs[path][sub] = struct{}{}

	v, ok := m.values[path]
	sub.push(Event{Path: path, Value: clone(v), Exists: ok})
	return sub, nil
}

// Close closes the store and every subscription.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]map[*memSub]struct{})
	m.closed = true
	m.mu.Unlock()

	for _, set := range subs {
		for sub := range set {
			sub.stop()
		}
	}
	return nil
}

func (m *MemoryStore) setLocked(path string, value []byte) {
	m.values[path] = clone(value)
	for sub := range m.subs[path] {
		sub.push(Event{Path: path, Value: clone(value), Exists: true})
	}
}

func (m *MemoryStore) unsubscribe(sub *memSub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set := m.subs[sub.path]; set != nil {
		delete(set, sub)
	}
}

// memSub queues events without blocking the publisher and pumps them to the
// consumer in order.
type memSub struct {
	store *MemoryStore
	path  string
	out   chan Event

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newMemSub(m *MemoryStore, path string) *memSub {
	s := &memSub{
		store:  m,
		path:   path,
		out:    make(chan Event),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *memSub) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memSub) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}

func (s *memSub) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *memSub) Events() <-chan Event { return s.out }

func (s *memSub) Close() error {
	s.store.unsubscribe(s)
	s.stop()
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
