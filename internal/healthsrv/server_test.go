package healthsrv

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/caesar-terminal/arbwatch/internal/adapter"
	"github.com/caesar-terminal/arbwatch/internal/supervisor"
)

func startServer(t *testing.T) (*Server, healthpb.HealthClient, string) {
	t.Helper()

	dir, err := os.MkdirTemp("", "hs")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "health.sock")

	srv, err := New(sock, []adapter.Venue{adapter.VenuePolymarket, adapter.VenueKalshi}, zerolog.Nop())
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(srv.GracefulStop)

	conn, err := grpc.NewClient("unix://"+sock, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return srv, healthpb.NewHealthClient(conn), sock
}

func check(t *testing.T, c healthpb.HealthClient, v adapter.Venue) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName(v)})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestServer_ReflectsVenueState(t *testing.T) {
	srv, client, _ := startServer(t)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, adapter.VenueKalshi))

	srv.Update(supervisor.Health{Venue: adapter.VenueKalshi, State: supervisor.Streaming})
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, adapter.VenueKalshi))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, adapter.VenuePolymarket))

	srv.Update(supervisor.Health{Venue: adapter.VenueKalshi, State: supervisor.Backoff, AuthDegraded: true})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, adapter.VenueKalshi))
}

func TestServer_SocketPermissionsAndCleanup(t *testing.T) {
	srv, _, sock := startServer(t)

	info, err := os.Stat(sock)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	srv.GracefulStop()
	_, err = os.Stat(sock)
	assert.True(t, os.IsNotExist(err))
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "arbwatch.venue.polymarket", ServiceName(adapter.VenuePolymarket))
	assert.Equal(t, "arbwatch.venue.kalshi", ServiceName(adapter.VenueKalshi))
}
