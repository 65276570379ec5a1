package natstore

import (
	"context"
	"sync"
	"time"

	"github.com/matst80/natrelay/internal/nat"
	"github.com/matst80/natrelay/internal/obs"
	"github.com/pkg/errors"
)

const (
	DefaultQueueSize = 1024
	DefaultOpTimeout = 2 * time.Second
)

type opKind uint8

const (
	opRecord opKind = iota
	opForget
)

func (k opKind) String() string {
	if k == opForget {
		return "forget"
	}
	return "record"
}

type op struct {
	kind opKind
	m    nat.Mapping
}

// Queue hands Record and Forget calls to a single worker goroutine so the
// caller never waits on the backend. Calls are applied in the order they were
// queued. A call made while the queue is full or closed is dropped.
type Queue struct {
	rec     Recorder
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	ops    chan op
	done   chan struct{}
}

// NewQueue starts the worker. Non-positive size or timeout use the defaults.
func NewQueue(rec Recorder, size int, timeout time.Duration) *Queue {
	if rec == nil {
		rec = Nop{}
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}
	q := &Queue{
		rec:     rec,
		timeout: timeout,
		ops:     make(chan op, size),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Record queues m for recording and reports whether it was accepted.
func (q *Queue) Record(m nat.Mapping) bool { return q.push(op{kind: opRecord, m: m}) }

// Forget queues the removal of m and reports whether it was accepted.
func (q *Queue) Forget(m nat.Mapping) bool { return q.push(op{kind: opForget, m: m}) }

func (q *Queue) push(o op) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		obs.Debug("natstore.closed", obs.Fields{"op": o.kind.String(), "client": o.m.Client.String()})
		return false
	}
	select {
	case q.ops <- o:
		return true
	default:
		obs.ErrorsTotal.WithLabelValues("nat_mirror_dropped").Inc()
		obs.Warn("natstore.dropped", obs.Fields{"op": o.kind.String(), "client": o.m.Client.String()})
		return false
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for o := range q.ops {
		q.apply(o)
	}
}

func (q *Queue) apply(o op) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	var err error
	switch o.kind {
	case opRecord:
		err = q.rec.Record(ctx, o.m)
	case opForget:
		err = q.rec.Forget(ctx, o.m)
	}
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("nat_mirror").Inc()
		obs.Error("nat.mirror", obs.Fields{
			"op":             o.kind.String(),
			"client":         o.m.Client.String(),
			"upstream_local": o.m.UpstreamLocal.String(),
			"err":            err.Error(),
		})
	}
}

// Close stops taking new calls and waits until the queued ones are applied
// or ctx is done. It is safe to call more than once.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ops)
	}
	q.mu.Unlock()
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "natstore drain")
	}
}
