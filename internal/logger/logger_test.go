package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesSessionFile(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer

	l, err := New(Options{SessionID: "ab12cd34", Dir: dir, Out: &buf})
	require.NoError(t, err)
	defer l.Close()

	l.Info().Str("role", "desktop").Msg("initialized")
	l.Debug().Msg("hidden at info level")

	require.Contains(t, buf.String(), `"session_id":"ab12cd34"`)
	require.NotContains(t, buf.String(), "hidden at info level")

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(l.Path(), "ab12cd34.log"))
	require.Contains(t, string(data), `"role":"desktop"`)
}

func TestNewDebugWithoutSession(t *testing.T) {
	var buf bytes.Buffer

	l, err := New(Options{Debug: true, Out: &buf})
	require.NoError(t, err)
	require.Empty(t, l.Path())
	require.NoError(t, l.Close())

	l.Debug().Msg("visible")
	require.Contains(t, buf.String(), "visible")
}
