/*
 * Copyright (c) 2022 Cisco and/or its affiliates.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at:
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package core

import (
	"context"
	"net"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/media-streaming-mesh/msm-rtsp/internal/config"
	"github.com/media-streaming-mesh/msm-rtsp/internal/metrics"
	"github.com/media-streaming-mesh/msm-rtsp/internal/rtm"
	"github.com/media-streaming-mesh/msm-rtsp/internal/rtm/rtsp"
	"github.com/media-streaming-mesh/msm-rtsp/internal/session"
	"github.com/media-streaming-mesh/msm-rtsp/internal/transport"
	"github.com/media-streaming-mesh/msm-rtsp/pkg/stream_api"
	msm_url "github.com/media-streaming-mesh/msm-rtsp/pkg/url-routing/handler"
)

// App contains minimal list of dependencies to be able to start an application.
type App struct {
	cfg *config.Cfg

	manager    *session.Manager
	protocol   *rtm.Protocol
	urlHandler *msm_url.UrlHandler
	metrics    *metrics.Metrics
	registry   *stream_api.StreamAPI
	health     *health.Server
}

// NewApp assembles the application. registry may be nil.
func NewApp(cfg *config.Cfg, manager *session.Manager, protocol *rtm.Protocol,
	urlHandler *msm_url.UrlHandler, m *metrics.Metrics, registry *stream_api.StreamAPI) *App {
	return &App{
		cfg:        cfg,
		manager:    manager,
		protocol:   protocol,
		urlHandler: urlHandler,
		metrics:    m,
		registry:   registry,
		health:     health.NewServer(),
	}
}

// Start, starts the MSM RTSP server application.
// It will block until the application exits either by:
// 1. a termination signal
// 2. unrecovered error
func (a *App) Start() error {
	// Capture signals and block before exit
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer cancel()

	return a.Run(ctx)
}

// Run serves until ctx is done or one of the servers fails. Every session
// is torn down before it returns.
func (a *App) Run(ctx context.Context) error {
	logger := a.cfg.Logger
	logger.Info("Starting MSM RTSP server")

	ln, err := net.Listen("tcp", a.cfg.RtspAddr)
	if err != nil {
		return err
	}
	server, err := rtsp.NewServer(
		rtsp.UseLogger(logger),
		rtsp.UseListener(ln),
		rtsp.UseHandler(a.protocol),
		rtsp.UseUrlHandler(a.urlHandler),
		rtsp.UseTeardownOnDisconnect(a.cfg.File.Sessions.TeardownOnDisconnect),
	)
	if err != nil {
		ln.Close()
		return err
	}

	// Listen on a port given from initial config
	grpcLn, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", a.cfg.Grpc.Port))
	if err != nil {
		server.Close()
		return err
	}

	var metricsLn net.Listener
	if a.cfg.MetricsAddr != "" {
		if metricsLn, err = net.Listen("tcp", a.cfg.MetricsAddr); err != nil {
			server.Close()
			grpcLn.Close()
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	// the registry outlives the manager so the final teardowns are published
	registryCtx, stopRegistry := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRegistry()

	g.Go(func() error {
		defer stopRegistry()
		return a.manager.Run(ctx)
	})

	g.Go(func() error {
		defer a.health.SetServingStatus(transport.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		a.health.SetServingStatus(transport.ServiceName, healthpb.HealthCheckResponse_SERVING)
		return server.Serve(ctx)
	})

	g.Go(func() error {
		return transport.Run(
			transport.UseContext(ctx),
			transport.UseLogger(logger),
			transport.UseListener(grpcLn),
			transport.UseHealth(a.health),
		)
	})

	if metricsLn != nil {
		g.Go(func() error {
			return a.metrics.Serve(ctx, metricsLn, logger)
		})
	}

	if a.registry != nil {
		clearRegistry(ctx, logger, a.registry)
		g.Go(func() error {
			defer a.registry.Close()
			return a.registry.Run(registryCtx)
		})
	}

	err = g.Wait()
	if err != nil {
		logger.Errorf("[Core] exiting: %v", err)
	} else {
		logger.Info("MSM RTSP server stopped")
	}
	return err
}
