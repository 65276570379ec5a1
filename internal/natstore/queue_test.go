package natstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matst80/natrelay/internal/nat"
	"github.com/stretchr/testify/require"
)

type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) Record(_ context.Context, m nat.Mapping) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, "record "+m.Client.String())
	return nil
}

func (j *journal) Forget(_ context.Context, m nat.Mapping) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, "forget "+m.Client.String())
	return nil
}

// gated blocks every call until the gate opens or the call times out.
type gated struct {
	started chan struct{}
	gate    chan struct{}
}

func (g *gated) wait(ctx context.Context) error {
	select {
	case g.started <- struct{}{}:
	default:
	}
	select {
	case <-g.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gated) Record(ctx context.Context, _ nat.Mapping) error { return g.wait(ctx) }
func (g *gated) Forget(ctx context.Context, _ nat.Mapping) error { return g.wait(ctx) }

func mappingFor(port int) nat.Mapping {
	return nat.Mapping{
		Client:        nat.MustEndpoint(fmt.Sprintf("10.0.0.1:%d", port)),
		UpstreamLocal: nat.MustEndpoint(fmt.Sprintf("127.0.0.1:%d", port+1)),
	}
}

func TestQueueKeepsOrder(t *testing.T) {
	j := &journal{}
	q := NewQueue(j, 256, time.Second)

	var want []string
	for i := 0; i < 50; i++ {
		m := mappingFor(40000 + 2*i)
		require.True(t, q.Record(m))
		require.True(t, q.Forget(m))
		want = append(want, "record "+m.Client.String(), "forget "+m.Client.String())
	}
	require.NoError(t, q.Close(context.Background()))

	j.mu.Lock()
	defer j.mu.Unlock()
	require.Equal(t, want, j.calls)
}

func TestQueueDropsWhenFull(t *testing.T) {
	g := &gated{started: make(chan struct{}, 1), gate: make(chan struct{})}
	q := NewQueue(g, 1, 5*time.Second)

	require.True(t, q.Record(mappingFor(40000)))
	select {
	case <-g.started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not pick up the first call")
	}
	require.True(t, q.Forget(mappingFor(40000)))
	require.False(t, q.Record(mappingFor(40002)))

	close(g.gate)
	require.NoError(t, q.Close(context.Background()))
	require.False(t, q.Record(mappingFor(40004)))
}

func TestQueueCallsDoNotBlock(t *testing.T) {
	g := &gated{started: make(chan struct{}, 1), gate: make(chan struct{})}
	q := NewQueue(g, 8, time.Minute)
	t.Cleanup(func() { close(g.gate) })

	start := time.Now()
	for i := 0; i < 4; i++ {
		q.Record(mappingFor(41000 + 2*i))
	}
	require.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)
	require.False(t, q.Record(mappingFor(42000)))
}
