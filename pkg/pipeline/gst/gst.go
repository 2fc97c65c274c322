//go:build gst

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

package gst

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/media-streaming-mesh/msm-rtsp/pkg/pipeline"
)

const busPollInterval = 50 * time.Millisecond

var initOnce sync.Once

// Available reports whether this binary was built with GStreamer support
const Available = true

// Framework is a pipeline.Framework backed by GStreamer. Upstream graphs end
// in an appsink whose samples are copied into the appsrc of every linked
// downstream graph.
type Framework struct {
	logger *logrus.Logger
}

type graph struct {
	name     string
	kind     pipeline.GraphKind
	pipeline *gst.Pipeline

	sink *app.Sink
	src  *app.Source

	mu      sync.Mutex
	feeds   map[string]*graph
	peer    *graph
	playing bool
	capsSet bool

	bus      chan pipeline.Message
	done     chan struct{}
	doneOnce sync.Once
}

func (g *graph) Name() string {
	return g.name
}

func New(logger *logrus.Logger) (*Framework, error) {
	initOnce.Do(func() {
		gst.Init(nil)
	})
	return &Framework{logger: logger}, nil
}

func (f *Framework) log(format string, args ...interface{}) {
	f.logger.Debugf("[GStreamer] " + fmt.Sprintf(format, args...))
}

func (f *Framework) BuildGraph(ctx context.Context, spec pipeline.GraphSpec) (pipeline.Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := gst.NewPipelineFromString(spec.Launch)
	if err != nil {
		return nil, err
	}

	tap, err := p.GetElementByName(spec.Tap)
	if err != nil {
		p.SetState(gst.StateNull)
		return nil, fmt.Errorf("element %q not found: %w", spec.Tap, err)
	}

	g := &graph{
		name:     spec.Name,
		kind:     spec.Kind,
		pipeline: p,
		feeds:    make(map[string]*graph),
		bus:      make(chan pipeline.Message, 4),
		done:     make(chan struct{}),
	}

	switch spec.Kind {
	case pipeline.KindUpstream:
		g.sink = app.SinkFromElement(tap)
		g.sink.SetCallbacks(&app.SinkCallbacks{
			NewSampleFunc: g.onSample,
		})
	case pipeline.KindDownstream:
		g.src = app.SrcFromElement(tap)
	}

	if err := p.SetState(gst.StateReady); err != nil {
		p.SetState(gst.StateNull)
		return nil, err
	}

	go f.monitor(g)

	f.log("built %s graph %s", spec.Kind, spec.Name)
	return g, nil
}

func (g *graph) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	caps := sample.GetCaps()

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, feed := range g.feeds {
		feed.push(caps, buffer)
	}
	return gst.FlowOK
}

func (g *graph) push(caps *gst.Caps, buffer *gst.Buffer) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.playing {
		return
	}
	if !g.capsSet && caps != nil {
		g.src.SetCaps(caps)
		g.capsSet = true
	}
	g.src.PushBuffer(buffer.Copy())
}

// monitor forwards EOS and error messages until the graph is destroyed
func (f *Framework) monitor(g *graph) {
	defer close(g.bus)

	bus := g.pipeline.GetPipelineBus()
	for {
		select {
		case <-g.done:
			return
		default:
		}

		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			f.log("%s: end of stream", g.name)
			g.post(pipeline.Message{Graph: g.name, EOS: true})
		case gst.MessageError:
			gerr := msg.ParseError()
			f.logger.WithFields(logrus.Fields{
				"graph": g.name,
				"debug": gerr.DebugString(),
			}).Errorf("[GStreamer] %s", gerr.Error())
			g.post(pipeline.Message{Graph: g.name, Err: fmt.Errorf("%s", gerr.Error())})
		}
	}
}

func (g *graph) post(msg pipeline.Message) {
	select {
	case g.bus <- msg:
	case <-g.done:
	}
}

func (f *Framework) Link(ctx context.Context, up, down pipeline.Graph) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	u, ok := up.(*graph)
	if !ok || u.kind != pipeline.KindUpstream {
		return fmt.Errorf("%s is not an upstream graph", up.Name())
	}
	d, ok := down.(*graph)
	if !ok || d.kind != pipeline.KindDownstream {
		return fmt.Errorf("%s is not a downstream graph", down.Name())
	}

	u.mu.Lock()
	u.feeds[d.name] = d
	u.mu.Unlock()

	d.mu.Lock()
	d.peer = u
	d.mu.Unlock()

	f.log("linked %s -> %s", u.name, d.name)
	return nil
}

func (f *Framework) Start(pg pipeline.Graph) error {
	g := pg.(*graph)
	if err := g.pipeline.SetState(gst.StatePlaying); err != nil {
		return err
	}
	g.mu.Lock()
	g.playing = true
	g.mu.Unlock()
	return nil
}

func (f *Framework) Stop(pg pipeline.Graph) error {
	g := pg.(*graph)
	g.mu.Lock()
	g.playing = false
	g.mu.Unlock()
	return g.pipeline.SetState(gst.StateReady)
}

func (f *Framework) Destroy(pg pipeline.Graph) error {
	g := pg.(*graph)

	g.mu.Lock()
	peer := g.peer
	g.peer = nil
	g.playing = false
	g.mu.Unlock()

	if peer != nil {
		peer.mu.Lock()
		delete(peer.feeds, g.name)
		peer.mu.Unlock()
	}
	if g.src != nil {
		g.src.EndStream()
	}

	g.doneOnce.Do(func() {
		close(g.done)
	})
	return g.pipeline.SetState(gst.StateNull)
}

func (f *Framework) Watch(pg pipeline.Graph) <-chan pipeline.Message {
	return pg.(*graph).bus
}
