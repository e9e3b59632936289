package commands

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cardboardhrv/internal/constants"
	"cardboardhrv/internal/ppg"
	"cardboardhrv/internal/security"
)

func TestNewSessionID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := newSessionID()
		require.Len(t, id, constants.SessionIDLength)
		require.True(t, security.ValidateSessionID(id))
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestMobileSource(t *testing.T) {
	m := &MobileCmd{Source: "synthetic", BPM: 90}
	src, ok := m.source().(*ppg.SyntheticSource)
	require.True(t, ok)
	require.Equal(t, 90.0, src.BPM)

	m = &MobileCmd{Source: "screen", Display: 1}
	screen, ok := m.source().(*ppg.ScreenSource)
	require.True(t, ok)
	require.Equal(t, 1, screen.Display)
}

func TestGlobalsLoadRejectsMissingConfig(t *testing.T) {
	g := &Globals{Config: t.TempDir() + "/missing.yaml"}
	_, _, err := g.load("")
	require.Error(t, err)
}
