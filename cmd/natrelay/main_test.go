package main

import (
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/matst80/natrelay/internal/obs"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	obs.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func TestRunBadFlags(t *testing.T) {
	require.Equal(t, 2, run("natrelay", []string{"-buffer-size", "0"}))
}

func TestRunRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	require.Equal(t, 1, run("natrelay", []string{"-redis-addr", addr, "-metrics", ""}))
}

func TestRunBindFailureClosesRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	code := run("natrelay", []string{
		"-listen", busy.Addr().String(),
		"-redis-addr", mr.Addr(),
		"-metrics", "",
	})
	require.Equal(t, 1, code)
	require.Eventually(t, func() bool { return mr.CurrentConnectionCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}
