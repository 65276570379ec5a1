package obs

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogJSONLine(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stdout); Configure("info", "json") })
	Configure("info", "json")

	Info("session.open", Fields{"client": "127.0.0.1:5000"})

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, "session.open", got["msg"])
	require.Equal(t, "info", got["level"])
	require.Equal(t, "127.0.0.1:5000", got["client"])
	require.Contains(t, got, "ts")
}

func TestDebugGatedByLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stdout); Configure("info", "json") })
	Configure("info", "json")

	Debug("hidden", nil)
	require.Zero(t, buf.Len())

	EnableDebug(true)
	Debug("shown", nil)
	require.Contains(t, buf.String(), "shown")

	EnableDebug(false)
	buf.Reset()
	Debug("hidden again", nil)
	require.Zero(t, buf.Len())
}

func TestConfigureUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stdout); Configure("info", "json") })
	Configure("loud", "text")

	Info("text.event", Fields{"k": "v"})
	require.Contains(t, buf.String(), "text.event")
	require.Contains(t, buf.String(), "k=v")
}
