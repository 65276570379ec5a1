package proxy

import (
	"errors"
	"io"
	"net"

	"github.com/matst80/natrelay/internal/nat"
	"github.com/matst80/natrelay/internal/obs"
)

// Direction names one half of a session's byte flow.
type Direction string

const (
	ClientToUpstream Direction = "client_to_upstream"
	UpstreamToClient Direction = "upstream_to_client"
)

// EndReason records why a relay loop stopped.
type EndReason string

const (
	EndEOF        EndReason = "eof"
	EndPeerGone   EndReason = "peer_gone"
	EndReadFault  EndReason = "read_fault"
	EndWriteFault EndReason = "write_fault"
)

// LoopResult is the completion signal of one relay loop.
type LoopResult struct {
	Direction Direction
	Bytes     int64
	Reason    EndReason
	Err       error
}

// resolver returns the connection currently mapped as the destination.
type resolver func() (net.Conn, bool)

func forwardResolver(tbl *nat.Table, client nat.Endpoint) resolver {
	return func() (net.Conn, bool) {
		f, ok := tbl.LookupForward(client)
		return f.Upstream, ok
	}
}

func reverseResolver(tbl *nat.Table, upstreamLocal nat.Endpoint) resolver {
	return func() (net.Conn, bool) {
		r, ok := tbl.LookupReverse(upstreamLocal)
		return r.Client, ok
	}
}

// relayLoop copies src to whatever the resolver yields, one chunk at a time,
// until src ends, the mapping disappears or an I/O fault occurs. It never
// closes a connection and never mutates the table.
func relayLoop(dir Direction, src net.Conn, buf []byte, resolve resolver) LoopResult {
	res := LoopResult{Direction: dir}
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			dst, ok := resolve()
			if !ok {
				res.Reason = EndPeerGone
				return res
			}
			if err := writeAll(dst, buf[:nr]); err != nil {
				res.Reason = EndWriteFault
				res.Err = err
				return res
			}
			res.Bytes += int64(nr)
			obs.RelayedBytesTotal.WithLabelValues(string(dir)).Add(float64(nr))
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				res.Reason = EndEOF
				return res
			}
			res.Reason = EndReadFault
			res.Err = rerr
			return res
		}
	}
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
