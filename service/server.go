// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package service exposes a TerraViT engine over HTTP, with an optional
// gRPC health endpoint.
package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nlpodyssey/terravit"
	"github.com/nlpodyssey/terravit/history"
	"github.com/nlpodyssey/terravit/satvit"
	corspkg "github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Engine is the inference surface the server needs.
// *terravit.Engine implements it.
type Engine interface {
	IsLoaded() bool
	Variant() satvit.Variant
	Predict(ctx context.Context, img image.Image) (terravit.Prediction, error)
	DetectChange(ctx context.Context, before, after image.Image) (terravit.ChangeReport, error)
	Reconstruct(ctx context.Context, img image.Image, maskRatio float64) (terravit.Reconstruction, error)
}

var _ Engine = &terravit.Engine{}

// History records served inferences. *history.Store implements it.
type History interface {
	Add(ctx context.Context, r *history.Record) error
	Recent(ctx context.Context, limit int) ([]history.Record, error)
}

var _ History = &history.Store{}

// RequestIDHeader carries the request id in requests and responses.
const RequestIDHeader = "X-Request-ID"

type Server struct {
	engine     Engine
	history    History
	config     Config
	httpServer *http.Server
	health     *health.Server
	grpcServer *grpc.Server
}

// NewServer returns a server for engine. A nil hist disables the history.
func NewServer(engine Engine, config Config, hist History) *Server {
	s := &Server{
		engine:     engine,
		history:    hist,
		config:     config,
		health:     health.NewServer(),
		grpcServer: grpc.NewServer(),
	}
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	return s
}

// Handler returns the routes wrapped with CORS, request ids and access logs.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /predict/image", s.handlePredict)
	mux.HandleFunc("POST /change/detect", s.handleChangeDetect)
	mux.HandleFunc("POST /reconstruct/image", s.handleReconstruct)
	mux.HandleFunc("GET /history", s.handleHistory)

	return newCORS(s.config.CORSOrigins).Handler(withRequestID(mux))
}

// Start listens on the configured addresses and serves until ctx is done.
// The gRPC health endpoint is only started when GRPCAddress is set.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if s.config.GRPCAddress == "" {
		return s.Serve(ctx, lis)
	}
	grpcLis, err := net.Listen("tcp", s.config.GRPCAddress)
	if err != nil {
		_ = lis.Close()
		return fmt.Errorf("failed to listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Serve(gctx, lis) })
	g.Go(func() error { return s.ServeGRPC(gctx, grpcLis) })
	return g.Wait()
}

// Serve accepts connections on lis until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	log.Info().Msgf("listening on %v", lis.Addr())

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.shutDownServerWhenContextIsDone(ctx)
	}()

	err := s.httpServer.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return err
}

// shutDownServerWhenContextIsDone shuts down the server when the context is done.
func (s *Server) shutDownServerWhenContextIsDone(ctx context.Context) {
	<-ctx.Done()
	log.Info().Msg("context done, shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Err(err).Msg("failed to shutdown server")
		return
	}
	log.Info().Msg("server shut down successfully")
}

func newCORS(allowedOrigins []string) *corspkg.Cors {
	return corspkg.New(corspkg.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: true,
	})
}

// withRequestID tags every request with an id, attaches a logger carrying it
// to the request context and logs the outcome.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		r.Header.Set(RequestIDHeader, id)

		logger := log.With().Str("request_id", id).Logger()
		r = r.WithContext(logger.WithContext(r.Context()))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func requestLogger(r *http.Request) *zerolog.Logger {
	return zerolog.Ctx(r.Context())
}

func requestID(r *http.Request) string {
	return r.Header.Get(RequestIDHeader)
}
