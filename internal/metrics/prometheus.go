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

// Package metrics exposes the server's Prometheus metrics
package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/media-streaming-mesh/msm-rtsp/internal/session"
	"github.com/media-streaming-mesh/msm-rtsp/pkg/model"
)

const namespace = "msm_rtsp"

// Metrics contains all Prometheus metrics for the RTSP server
type Metrics struct {
	registry *prometheus.Registry
	factory  promauto.Factory

	// Session metrics
	SessionsOpened     prometheus.Counter
	SessionsTerminated prometheus.Counter
	SessionsTimedOut   prometheus.Counter
	PipelineErrors     *prometheus.CounterVec

	// RTSP metrics
	Requests *prometheus.CounterVec
}

// NewMetrics creates the metrics on their own registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		factory:  f,

		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Total number of sessions opened",
		}),
		SessionsTerminated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_terminated_total",
			Help:      "Total number of sessions terminated for any reason",
		}),
		SessionsTimedOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_timed_out_total",
			Help:      "Total number of sessions torn down by the idle timeout",
		}),
		PipelineErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_errors_total",
			Help:      "Total number of pipeline build or start failures",
		}, []string{"media"}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of RTSP requests",
		}, []string{"method", "status_code"}),
	}
}

// Registry returns the registry all metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SessionChanged records session lifecycle events
func (m *Metrics) SessionChanged(ev session.Event) {
	switch ev.Info.State {
	case model.StateInit:
		m.SessionsOpened.Inc()
	case model.StateTerminated:
		m.SessionsTerminated.Inc()
		if errors.Is(ev.Reason, model.ErrSessionTimeout) {
			m.SessionsTimedOut.Inc()
		}
	}
	if errors.Is(ev.Reason, model.ErrPipelineBuild) {
		m.PipelineErrors.WithLabelValues(ev.Info.MediaID).Inc()
	}
}

// ObserveRequest records an answered RTSP request
func (m *Metrics) ObserveRequest(method string, status int) {
	m.Requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// TrackSessions reports the number of sessions in the table
func (m *Metrics) TrackSessions(count func() int) {
	m.gauge("active_sessions", "Current number of sessions", count)
}

// TrackFreePorts reports the number of unleased port pairs
func (m *Metrics) TrackFreePorts(count func() int) {
	m.gauge("free_port_pairs", "Current number of free server port pairs", count)
}

// TrackSources reports the number of shared upstream sources
func (m *Metrics) TrackSources(count func() int) {
	m.gauge("shared_sources", "Current number of shared upstream sources", count)
}

// TrackUpstreamBuilds reports how many upstream graphs were built
func (m *Metrics) TrackUpstreamBuilds(count func() int) {
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_builds_total",
		Help:      "Total number of upstream graphs built",
	}, func() float64 { return float64(count()) })
}

func (m *Metrics) gauge(name, help string, count func() int) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(count()) })
}
