// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package service

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the service reported by the gRPC health endpoint,
// along with the overall "" status.
const HealthServiceName = "terravit.Engine"

// healthPollInterval is how often the gRPC health status follows the engine
// until it is loaded.
const healthPollInterval = time.Second

// ServeGRPC serves the standard gRPC health protocol on lis until ctx is
// done. The status is SERVING once the engine is loaded, NOT_SERVING before.
func (s *Server) ServeGRPC(ctx context.Context, lis net.Listener) error {
	log.Info().Msgf("gRPC health listening on %v", lis.Addr())

	s.updateHealth()
	go s.followEngine(ctx)
	go s.stopGRPCWhenContextIsDone(ctx)
	return s.grpcServer.Serve(lis)
}

// followEngine polls the engine until it is loaded or ctx is done.
func (s *Server) followEngine(ctx context.Context) {
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()
	for !s.updateHealth() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// updateHealth publishes the engine status and reports whether it is loaded.
func (s *Server) updateHealth() bool {
	loaded := s.engine.IsLoaded()
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if loaded {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(HealthServiceName, status)
	return loaded
}

// stopGRPCWhenContextIsDone stops the gRPC server when the context is done.
func (s *Server) stopGRPCWhenContextIsDone(ctx context.Context) {
	<-ctx.Done()
	log.Info().Msg("context done, shutting down gRPC server")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	log.Info().Msg("gRPC server shut down successfully")
}
