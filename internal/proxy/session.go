package proxy

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/matst80/natrelay/internal/nat"
	"github.com/matst80/natrelay/internal/obs"
)

// ErrUpstreamUnreachable wraps a failed upstream dial.
var ErrUpstreamUnreachable = errors.New("upstream unreachable")

// State is the lifecycle position of a session.
type State int32

const (
	Connecting State = iota
	Active
	Draining
	Closed
)

func (st State) String() string {
	switch st {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

type session struct {
	id            uint64
	client        net.Conn
	clientEP      nat.Endpoint
	upstream      net.Conn
	upstreamLocal nat.Endpoint
	started       time.Time
}

func (ss *session) set(st State) {
	obs.Debug("session.state", ss.fields(obs.Fields{"state": st.String()}))
}

func (ss *session) fields(extra obs.Fields) obs.Fields {
	f := obs.Fields{"session": ss.id, "client": ss.clientEP.String()}
	if ss.upstreamLocal.IsValid() {
		f["upstream_local"] = ss.upstreamLocal.String()
	}
	for k, v := range extra {
		f[k] = v
	}
	return f
}

func (ss *session) mapping() nat.Mapping {
	return nat.Mapping{Client: ss.clientEP, UpstreamLocal: ss.upstreamLocal, Created: ss.started}
}

// handle runs one client connection through Connecting, Active, Draining and
// Closed. Every failure ends this session only.
func (s *Server) handle(client net.Conn) {
	ss := &session{id: s.nextID.Add(1), client: client, started: time.Now()}
	s.active.Add(1)
	obs.ActiveSessions.Inc()
	defer func() {
		s.active.Add(-1)
		obs.ActiveSessions.Dec()
	}()
	ss.set(Connecting)

	clientEP, err := nat.EndpointFrom(client.RemoteAddr())
	if err != nil {
		obs.Error("session.client_addr", obs.Fields{"session": ss.id, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("client_addr").Inc()
		_ = client.Close()
		ss.set(Closed)
		return
	}
	ss.clientEP = clientEP

	upstream, err := s.dial("tcp", s.upstream)
	if err != nil {
		s.dialFailures.Add(1)
		obs.UpstreamDialFailsTotal.Inc()
		obs.Error("session.dial", ss.fields(obs.Fields{"upstream": s.upstream, "err": fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err).Error()}))
		_ = client.Close()
		ss.set(Closed)
		return
	}
	ss.upstream = upstream

	upstreamLocal, err := nat.EndpointFrom(upstream.LocalAddr())
	if err != nil {
		obs.Error("session.upstream_addr", ss.fields(obs.Fields{"err": err.Error()}))
		obs.ErrorsTotal.WithLabelValues("upstream_addr").Inc()
		s.closeBoth(ss)
		return
	}
	ss.upstreamLocal = upstreamLocal

	err = s.table.Insert(clientEP, nat.Forward{Upstream: upstream, UpstreamLocal: upstreamLocal},
		upstreamLocal, nat.Reverse{Client: client, ClientEP: clientEP})
	if err != nil {
		// Keys already owned by another session; leave them alone.
		obs.Error("nat.add", ss.fields(obs.Fields{"err": err.Error()}))
		obs.ErrorsTotal.WithLabelValues("nat_insert").Inc()
		s.closeBoth(ss)
		return
	}
	obs.Info("nat.add", ss.fields(nil))
	s.mirror.Record(ss.mapping())

	ss.set(Active)
	s.total.Add(1)
	obs.SessionsTotal.Inc()
	obs.Info("session.open", ss.fields(obs.Fields{"upstream": s.upstream}))

	results := s.runLoops(ss)

	ss.set(Draining)
	removed := s.table.Remove(clientEP, upstreamLocal)
	obs.Info("nat.del", ss.fields(obs.Fields{"removed": removed}))
	s.mirror.Forget(ss.mapping())

	s.closeBoth(ss)
	dur := time.Since(ss.started)
	obs.SessionDurationSeconds.Observe(dur.Seconds())
	obs.Info("session.close", ss.fields(obs.Fields{
		"bytes_up":    results[0].Bytes,
		"bytes_down":  results[1].Bytes,
		"end_up":      string(results[0].Reason),
		"end_down":    string(results[1].Reason),
		"duration_ms": dur.Milliseconds(),
	}))
}

// runLoops starts both relay loops and waits for both completion signals.
// When one direction finishes, the write side it fed is shut down so the far
// end sees EOF; the other direction keeps running until it ends by itself.
func (s *Server) runLoops(ss *session) [2]LoopResult {
	up := make(chan LoopResult, 1)
	down := make(chan LoopResult, 1)

	go func() {
		buf := s.getBuf()
		defer s.putBuf(buf)
		up <- relayLoop(ClientToUpstream, ss.client, *buf, forwardResolver(s.table, ss.clientEP))
	}()
	go func() {
		buf := s.getBuf()
		defer s.putBuf(buf)
		down <- relayLoop(UpstreamToClient, ss.upstream, *buf, reverseResolver(s.table, ss.upstreamLocal))
	}()

	var results [2]LoopResult
	for pending := 2; pending > 0; pending-- {
		select {
		case r := <-up:
			results[0] = r
			up = nil
			s.loopDone(ss, r)
			closeWrite(ss.upstream)
		case r := <-down:
			results[1] = r
			down = nil
			s.loopDone(ss, r)
			closeWrite(ss.client)
		}
	}
	return results
}

func (s *Server) loopDone(ss *session, r LoopResult) {
	f := ss.fields(obs.Fields{"direction": string(r.Direction), "bytes": r.Bytes, "reason": string(r.Reason)})
	if r.Err == nil {
		obs.Debug("relay.end", f)
		return
	}
	op := "read"
	if r.Reason == EndWriteFault {
		op = "write"
	}
	f["err"] = r.Err.Error()
	obs.RelayFaultsTotal.WithLabelValues(string(r.Direction), op).Inc()
	obs.Error("relay.fault", f)
}

// closeBoth closes whatever connections the session holds. Errors from an
// already reset or closed peer are expected here.
func (s *Server) closeBoth(ss *session) {
	_ = ss.client.Close()
	if ss.upstream != nil {
		_ = ss.upstream.Close()
	}
	ss.set(Closed)
}

type closeWriter interface {
	CloseWrite() error
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}
