package nat

import (
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/matst80/natrelay/internal/obs"
)

var (
	// ErrDuplicateSession means a key of the insert is already mapped.
	ErrDuplicateSession = errors.New("nat: duplicate session")
	// ErrInconsistentEntry means the forward and reverse values of an insert
	// do not point at each other's keys.
	ErrInconsistentEntry = errors.New("nat: inconsistent entry pair")
)

// Forward is the value stored under a client Endpoint.
type Forward struct {
	Upstream      net.Conn
	UpstreamLocal Endpoint
}

// Reverse is the value stored under an upstream-local Endpoint.
type Reverse struct {
	Client   net.Conn
	ClientEP Endpoint
}

// Mapping is the observable form of one session's entry pair.
type Mapping struct {
	Client        Endpoint  `json:"client"`
	UpstreamLocal Endpoint  `json:"upstream_local"`
	Created       time.Time `json:"created"`
}

type forwardEntry struct {
	Forward
	created time.Time
}

// Table is the process-wide translation table. Every operation holds mu for
// the map access only.
type Table struct {
	mu      sync.Mutex
	forward map[Endpoint]forwardEntry
	reverse map[Endpoint]Reverse
}

func NewTable() *Table {
	return &Table{forward: make(map[Endpoint]forwardEntry), reverse: make(map[Endpoint]Reverse)}
}

// Insert installs both entries of a session or neither.
func (t *Table) Insert(client Endpoint, fwd Forward, upstreamLocal Endpoint, rev Reverse) error {
	if fwd.UpstreamLocal != upstreamLocal || rev.ClientEP != client {
		return ErrInconsistentEntry
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.forward[client]; exists {
		return ErrDuplicateSession
	}
	if _, exists := t.reverse[upstreamLocal]; exists {
		return ErrDuplicateSession
	}
	t.forward[client] = forwardEntry{Forward: fwd, created: time.Now()}
	t.reverse[upstreamLocal] = rev
	obs.NATEntries.Set(float64(len(t.forward)))
	return nil
}

func (t *Table) LookupForward(client Endpoint) (Forward, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.forward[client]
	return e.Forward, ok
}

func (t *Table) LookupReverse(upstreamLocal Endpoint) (Reverse, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.reverse[upstreamLocal]
	return r, ok
}

// Remove deletes both entries of a session. Absent keys are ignored; it
// reports how many entries were actually removed.
func (t *Table) Remove(client, upstreamLocal Endpoint) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	if _, ok := t.forward[client]; ok {
		delete(t.forward, client)
		removed++
	}
	if _, ok := t.reverse[upstreamLocal]; ok {
		delete(t.reverse, upstreamLocal)
		removed++
	}
	obs.NATEntries.Set(float64(len(t.forward)))
	return removed
}

// Len returns the number of forward and reverse entries. Observability only.
func (t *Table) Len() (forward, reverse int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.forward), len(t.reverse)
}

// Snapshot copies the current mappings, oldest first. Observability only.
func (t *Table) Snapshot() []Mapping {
	t.mu.Lock()
	out := make([]Mapping, 0, len(t.forward))
	for client, e := range t.forward {
		out = append(out, Mapping{Client: client, UpstreamLocal: e.UpstreamLocal, Created: e.created})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].Client.String() < out[j].Client.String()
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}
