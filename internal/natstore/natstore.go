// Package natstore mirrors translation table entries to an external store so
// operators can see active sessions across instances. The mirror is write-only
// from the proxy's point of view: nothing is ever restored from it.
package natstore

import (
	"context"

	"github.com/matst80/natrelay/internal/nat"
)

// Recorder receives a mapping after it was inserted into, or removed from, the
// translation table. Implementations must not be called with the table lock held.
type Recorder interface {
	Record(ctx context.Context, m nat.Mapping) error
	Forget(ctx context.Context, m nat.Mapping) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(context.Context, nat.Mapping) error { return nil }
func (Nop) Forget(context.Context, nat.Mapping) error { return nil }

var _ Recorder = Nop{}
