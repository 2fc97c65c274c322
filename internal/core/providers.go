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
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/media-streaming-mesh/msm-rtsp/internal/config"
	"github.com/media-streaming-mesh/msm-rtsp/internal/metrics"
	"github.com/media-streaming-mesh/msm-rtsp/internal/rtm"
	"github.com/media-streaming-mesh/msm-rtsp/internal/session"
	"github.com/media-streaming-mesh/msm-rtsp/pkg/pipeline"
	"github.com/media-streaming-mesh/msm-rtsp/pkg/pipeline/gst"
	port_mapper "github.com/media-streaming-mesh/msm-rtsp/pkg/port-mapper"
	stream_mapper "github.com/media-streaming-mesh/msm-rtsp/pkg/stream-mapper"
	"github.com/media-streaming-mesh/msm-rtsp/pkg/stream_api"
	msm_url "github.com/media-streaming-mesh/msm-rtsp/pkg/url-routing/handler"
)

// NewFramework selects the media framework named in the configuration
func NewFramework(cfg *config.Cfg) (pipeline.Framework, error) {
	switch cfg.Framework {
	case config.FrameworkGst:
		fw, err := gst.New(cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("gstreamer framework: %w", err)
		}
		return fw, nil
	case config.FrameworkSimulated:
		cfg.Logger.Warn("[Core] using the simulated media framework, no video will be captured")
		return pipeline.NewSimulated(), nil
	default:
		return nil, fmt.Errorf("unknown framework %q", cfg.Framework)
	}
}

// NewFactory wraps the framework in a pipeline factory
func NewFactory(cfg *config.Cfg, fw pipeline.Framework) *pipeline.Factory {
	return pipeline.NewFactory(cfg.Logger, fw)
}

// NewPortMapper builds the server port pool
func NewPortMapper(cfg *config.Cfg) (*port_mapper.PortMapper, error) {
	return port_mapper.NewPortMapper(cfg.Logger, cfg.File.Ports.Min, cfg.File.Ports.Max)
}

// NewStreamMapper builds the shared source table
func NewStreamMapper(cfg *config.Cfg, factory *pipeline.Factory) *stream_mapper.StreamMapper {
	return stream_mapper.NewStreamMapper(cfg.Logger, factory)
}

// NewRegistry connects to etcd. It returns nil when no endpoints are configured.
func NewRegistry(cfg *config.Cfg) (*stream_api.StreamAPI, error) {
	r := cfg.File.Registry
	if len(r.Endpoints) == 0 {
		return nil, nil
	}
	return stream_api.NewStreamAPI(cfg.Logger, r.Endpoints, r.DialTimeoutDuration(), r.Prefix)
}

// NewSessionManager builds the session manager and hooks up its observers
func NewSessionManager(cfg *config.Cfg, ports *port_mapper.PortMapper, streams *stream_mapper.StreamMapper,
	factory *pipeline.Factory, m *metrics.Metrics, registry *stream_api.StreamAPI) *session.Manager {

	opts := []session.Option{
		session.UseLogger(cfg.Logger),
		session.UseIdleTimeout(cfg.File.Sessions.IdleTimeoutDuration()),
		session.UseTickInterval(cfg.File.Sessions.TickIntervalDuration()),
		session.UseObserver(m),
	}
	if registry != nil {
		opts = append(opts, session.UseObserver(registry))
	}

	mgr := session.NewManager(cfg.File.MediaDescriptions(), ports, streams, factory, opts...)

	m.TrackSessions(mgr.Count)
	m.TrackFreePorts(ports.Available)
	m.TrackSources(func() int { return len(streams.Sources()) })
	m.TrackUpstreamBuilds(func() int {
		total := 0
		for _, id := range cfg.File.MediaIDs() {
			total += streams.Builds(id)
		}
		return total
	})
	return mgr
}

// NewProtocol builds the command dispatcher
func NewProtocol(cfg *config.Cfg, mgr *session.Manager, m *metrics.Metrics) *rtm.Protocol {
	return rtm.New(mgr,
		rtm.UseLogger(cfg.Logger),
		rtm.UseSessionTimeout(cfg.File.Sessions.IdleTimeoutDuration()),
		rtm.UseRequestObserver(m),
	)
}

// NewUrlHandler builds the url to media resolver
func NewUrlHandler(cfg *config.Cfg) *msm_url.UrlHandler {
	return msm_url.NewUrlHandler(cfg.Logger, cfg.File.MediaIDs())
}

// clearRegistry drops records left behind by a previous run
func clearRegistry(ctx context.Context, logger *logrus.Logger, registry *stream_api.StreamAPI) {
	if err := registry.DeleteSessions(ctx); err != nil {
		logger.Warnf("[Core] could not clear stale registry entries: %v", err)
	}
}
