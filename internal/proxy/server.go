// Package proxy relays TCP sessions between inbound clients and one fixed
// upstream, keeping a NAT-style translation table of every active session.
package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/matst80/natrelay/internal/nat"
	"github.com/matst80/natrelay/internal/natstore"
	"github.com/matst80/natrelay/internal/obs"
	"github.com/matst80/natrelay/internal/ratelimit"
	"github.com/pkg/errors"
)

const defaultBufferSize = 4096

// DialFunc opens the upstream connection of a session.
type DialFunc func(network, address string) (net.Conn, error)

type Options struct {
	Listen     string
	Upstream   string
	BufferSize int
	Table      *nat.Table
	Recorder   natstore.Recorder
	Limiter    *ratelimit.Limiter
	Dial       DialFunc
	// MirrorQueue bounds the Record/Forget calls waiting for Recorder.
	MirrorQueue int
}

// Stats are process-lifetime counters for the admin API.
type Stats struct {
	Active       int64 `json:"active_sessions"`
	Total        int64 `json:"sessions_total"`
	DialFailures int64 `json:"upstream_dial_failures"`
	Rejected     int64 `json:"rejected"`
}

type Server struct {
	listen   string
	upstream string
	bufSize  int
	table    *nat.Table
	mirror   *natstore.Queue
	limiter  *ratelimit.Limiter
	dial     DialFunc
	bufPool  sync.Pool

	ready   atomic.Bool
	closing atomic.Bool
	nextID  atomic.Uint64

	active       atomic.Int64
	total        atomic.Int64
	dialFailures atomic.Int64
	rejected     atomic.Int64

	sessions sync.WaitGroup
}

func NewServer(opts Options) *Server {
	s := &Server{
		listen:   opts.Listen,
		upstream: opts.Upstream,
		bufSize:  opts.BufferSize,
		table:    opts.Table,
		limiter:  opts.Limiter,
		dial:     opts.Dial,
	}
	if s.bufSize <= 0 {
		s.bufSize = defaultBufferSize
	}
	if s.table == nil {
		s.table = nat.NewTable()
	}
	s.mirror = natstore.NewQueue(opts.Recorder, opts.MirrorQueue, natstore.DefaultOpTimeout)
	if s.dial == nil {
		var d net.Dialer
		s.dial = d.Dial
	}
	size := s.bufSize
	s.bufPool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return s
}

func (s *Server) Table() *nat.Table { return s.table }
func (s *Server) Ready() bool       { return s.ready.Load() && !s.closing.Load() }
func (s *Server) Closing() bool     { return s.closing.Load() }

func (s *Server) Stats() Stats {
	return Stats{
		Active:       s.active.Load(),
		Total:        s.total.Load(),
		DialFailures: s.dialFailures.Load(),
		Rejected:     s.rejected.Load(),
	}
}

// Serve binds the inbound address and accepts until ctx is done or accepting
// fails. A bind or accept failure is returned and is meant to end the process.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		obs.Error("listen.bind", obs.Fields{"err": err.Error(), "addr": s.listen})
		return errors.Wrapf(err, "listen %s", s.listen)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener runs the accept loop on an already bound listener and closes
// it on return. Sessions still running are left to finish on their own.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() {
		s.closing.Store(true)
		_ = ln.Close()
	})
	defer stop()

	obs.Info("listen.ready", obs.Fields{"addr": ln.Addr().String(), "upstream": s.upstream, "buffer_size": s.bufSize})
	s.ready.Store(true)
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.closing.Load() {
				obs.Info("listen.stopped", obs.Fields{"addr": ln.Addr().String()})
				return nil
			}
			s.closing.Store(true)
			obs.Error("listen.accept", obs.Fields{"err": err.Error(), "addr": ln.Addr().String()})
			return errors.Wrap(err, "accept")
		}
		if !s.admit(c) {
			continue
		}
		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			s.handle(c)
		}()
	}
}

func (s *Server) admit(c net.Conn) bool {
	if !s.limiter.Enabled() {
		return true
	}
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		host = c.RemoteAddr().String()
	}
	if s.limiter.Allow(host) {
		return true
	}
	s.rejected.Add(1)
	obs.RejectedTotal.Inc()
	obs.Warn("listen.rejected", obs.Fields{"client": c.RemoteAddr().String()})
	_ = c.Close()
	return false
}

// Wait blocks until every session started by this server has closed.
func (s *Server) Wait() { s.sessions.Wait() }

// Close flushes the NAT mirror. Sessions ending afterwards are not mirrored.
func (s *Server) Close(ctx context.Context) error { return s.mirror.Close(ctx) }

func (s *Server) getBuf() *[]byte  { return s.bufPool.Get().(*[]byte) }
func (s *Server) putBuf(b *[]byte) { s.bufPool.Put(b) }

// Snapshot lists the active mappings. Observability only.
func (s *Server) Snapshot() []nat.Mapping { return s.table.Snapshot() }
