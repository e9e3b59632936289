//go:build integration

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"cardboardhrv/internal/config"
	"cardboardhrv/internal/protocol"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return endpoint
}

func TestRedisChannel(t *testing.T) {
	addr := startRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := config.RedisConfig{Addr: addr}
	log := zerolog.Nop()

	mobile, err := NewRedisChannel(ctx, cfg, time.Second, Target{SessionID: "s1", DeviceID: "mobile-1"}, log)
	require.NoError(t, err)
	defer mobile.Close()
	desktop, err := NewRedisChannel(ctx, cfg, time.Second, Target{SessionID: "s1", DeviceID: "desktop-1"}, log)
	require.NoError(t, err)
	defer desktop.Close()

	exercise(t, mobile, desktop)

	sample, err := desktop.LatestHeartRate(ctx)
	require.NoError(t, err)
	require.Equal(t, 72.0, sample.HeartRate)

	require.NoError(t, mobile.Send(ctx, register("s1", "mobile-1", protocol.RoleMobile)))
	require.NoError(t, desktop.Send(ctx, register("s1", "desktop-1", protocol.RoleDesktop)))

	devices, err := desktop.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	now := time.Now().UnixMilli()
	require.NoError(t, mobile.Send(ctx, protocol.Envelope{
		Type: protocol.TypeMessage, SessionID: "s1", DeviceID: "mobile-1", Role: protocol.RoleMobile, Timestamp: now,
		Message: &protocol.Message{ID: "m1", Text: "hello", FromDeviceID: "mobile-1", FromRole: protocol.RoleMobile, Timestamp: now},
	}))
	msgs, err := desktop.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", msgs[0].Text)

	// Presence keys expire when the device stops refreshing them.
	require.Eventually(t, func() bool {
		devices, err := desktop.Devices(ctx)
		return err == nil && len(devices) == 0
	}, 5*time.Second, 200*time.Millisecond)
}
