// Package store defines the remote atomic document store the sync engine
// talks to, plus in-memory and Redis implementations.
//
// A store is a flat namespace of paths holding opaque byte values. It offers
// unconditional writes, multi-path compare-and-swap and change notification.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrAbort is returned by an UpdateFunc to decline a compare-and-swap.
var ErrAbort = errors.New("store: compare-and-swap aborted")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Event reports the value of a path. Exists is false when the path is absent.
type Event struct {
	Path   string
	Value  []byte
	Exists bool
}

// Subscription delivers value-changed events for one path. The first event
// carries the value current at subscription time.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// UpdateFunc receives the current values of the watched paths (absent paths
// are missing from the map) and returns the values to write, or ErrAbort.
type UpdateFunc func(current map[string][]byte) (map[string][]byte, error)

// Store is the remote atomic document store.
type Store interface {
	Subscribe(ctx context.Context, path string) (Subscription, error)
	Read(ctx context.Context, path string) ([]byte, bool, error)
	Write(ctx context.Context, path string, value []byte) error
	// CompareAndSwap applies fn atomically relative to other writers of paths.
	// committed is false when fn aborted or another writer won the race.
	CompareAndSwap(ctx context.Context, paths []string, fn UpdateFunc) (committed bool, err error)
	Close() error
}

// WaitFor blocks until path has a value and returns it.
func WaitFor(ctx context.Context, s Store, path string) ([]byte, error) {
	sub, err := s.Subscribe(ctx, path)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil, fmt.Errorf("subscription to %s closed", path)
			}
			if ev.Exists {
				return ev.Value, nil
			}
		}
	}
}

// Layout names the records of one document. The document id is wrapped in a
// hash tag so every key of a document lands on the same Redis cluster slot.
type Layout struct {
	Root string
}

// NewLayout returns the layout of document mid under prefix.
func NewLayout(prefix, mid string) Layout {
	if prefix == "" {
		return Layout{Root: "{" + mid + "}"}
	}
	return Layout{Root: prefix + "/{" + mid + "}"}
}

// Snapshot is the full-state snapshot record.
func (l Layout) Snapshot() string { return l.Root + "/snapshot" }

// Latest is the latest operation number record.
func (l Layout) Latest() string { return l.Root + "/latest" }

// Op is the payload record of operation num.
func (l Layout) Op(num int64) string { return l.Root + "/ops/" + strconv.FormatInt(num, 10) }

// IsOp reports whether path names an operation payload record, that is it
// ends in "}/ops/<num>" after the document root.
func IsOp(path string) bool {
	i := strings.LastIndex(path, "}/ops/")
	if i < 0 {
		return false
	}
	num := path[i+len("}/ops/"):]
	if num == "" {
		return false
	}
	for _, c := range num {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// EncodeNum renders a sequence number record.
func EncodeNum(n int64) []byte {
	return []byte(strconv.FormatInt(n, 10))
}

// DecodeNum parses a sequence number record; an absent record is 0.
func DecodeNum(b []byte, exists bool) (int64, error) {
	if !exists || len(b) == 0 {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid sequence number %q: %w", b, err)
	}
	return n, nil
}
