// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package service

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

// serveHealth starts the gRPC health endpoint of a server for e on an
// in-memory listener and returns a client for it.
func serveHealth(t *testing.T, ctx context.Context, e Engine) (grpc_health_v1.HealthClient, <-chan error) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	errs := make(chan error, 1)
	go func() { errs <- NewServer(e, DefaultConfig(), nil).ServeGRPC(ctx, lis) }()

	conn, err := grpc.DialContext(ctx, "bufconn",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithInsecure(),
		grpc.WithBlock(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return grpc_health_v1.NewHealthClient(conn), errs
}

func TestGRPCHealth(t *testing.T) {
	for _, tc := range []struct {
		loaded bool
		want   grpc_health_v1.HealthCheckResponse_ServingStatus
	}{
		{true, grpc_health_v1.HealthCheckResponse_SERVING},
		{false, grpc_health_v1.HealthCheckResponse_NOT_SERVING},
	} {
		ctx, cancel := context.WithCancel(context.Background())
		client, errs := serveHealth(t, ctx, &fakeEngine{loaded: tc.loaded})

		for _, service := range []string{"", HealthServiceName} {
			resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
			require.NoError(t, err)
			assert.Equal(t, tc.want, resp.GetStatus(), "loaded=%v service=%q", tc.loaded, service)
		}

		cancel()
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("gRPC server did not shut down")
		}
	}
}

func TestGRPCHealthUnknownService(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, _ := serveHealth(t, ctx, &fakeEngine{loaded: true})

	_, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: "unknown"})
	assert.Error(t, err)
}

func TestStartWithGRPC(t *testing.T) {
	config := DefaultConfig()
	config.ListenAddress = "127.0.0.1:0"
	config.GRPCAddress = "127.0.0.1:0"

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, NewServer(&fakeEngine{loaded: true}, config, nil).Start(ctx))

	config.GRPCAddress = "not an address"
	assert.Error(t, NewServer(&fakeEngine{loaded: true}, config, nil).Start(context.Background()))
}
