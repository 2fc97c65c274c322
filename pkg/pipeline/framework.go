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

package pipeline

import (
	"context"
	"errors"

	"github.com/media-streaming-mesh/msm-rtsp/pkg/model"
)

// ErrEndOfStream is reported when an upstream graph runs out of data
var ErrEndOfStream = errors.New("end of stream")

type GraphKind int

const (
	KindUpstream GraphKind = iota
	KindDownstream
)

func (k GraphKind) String() string {
	if k == KindUpstream {
		return "upstream"
	}
	return "downstream"
}

// GraphSpec is everything a framework needs to construct one graph
type GraphSpec struct {
	Name string
	Kind GraphKind

	// Launch is a gst-launch style description of the graph
	Launch string

	// Tap names the element other graphs are linked through: the upstream
	// sink feeding downstream branches, or the downstream source being fed.
	Tap string

	// Lease is only set on downstream graphs
	Lease *model.TransportLease
}

// Graph is an opaque handle owned by the framework
type Graph interface {
	Name() string
}

// Message is a bus message from a running graph
type Message struct {
	Graph string
	EOS   bool
	Err   error
}

// Framework is the media pipeline framework the core drives. Every call may
// fail with a framework-native diagnostic.
type Framework interface {
	BuildGraph(ctx context.Context, spec GraphSpec) (Graph, error)
	Link(ctx context.Context, upstream, downstream Graph) error
	Start(g Graph) error
	Stop(g Graph) error

	// Destroy releases the graph and unlinks it from any peer. The channel
	// returned by Watch is closed once the graph is destroyed.
	Destroy(g Graph) error
	Watch(g Graph) <-chan Message
}
