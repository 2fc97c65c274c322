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
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/media-streaming-mesh/msm-rtsp/pkg/model"
)

// Factory builds the split upstream/downstream graphs that make multiplexing
// possible: one upstream per media, one downstream branch per session.
type Factory struct {
	logger *logrus.Logger
	fw     Framework
	seq    model.Sequence
}

func NewFactory(logger *logrus.Logger, fw Framework) *Factory {
	return &Factory{
		logger: logger,
		fw:     fw,
	}
}

func (f *Factory) log(format string, args ...interface{}) {
	f.logger.Debugf("[Pipeline Factory] " + fmt.Sprintf(format, args...))
}

func (f *Factory) logError(format string, args ...interface{}) {
	f.logger.Errorf("[Pipeline Factory] " + fmt.Sprintf(format, args...))
}

type handle struct {
	graph Graph
	once  sync.Once
}

// Handle is anything the factory built and can tear down
type Handle interface {
	base() *handle
}

// Upstream is the running capture graph shared by every session of a media
type Upstream struct {
	handle

	Media model.MediaDescription

	failOnce sync.Once
	done     chan struct{}
	err      error
}

func (u *Upstream) base() *handle {
	if u == nil {
		return nil
	}
	return &u.handle
}

// Done is closed when the graph reported end of stream or an error
func (u *Upstream) Done() <-chan struct{} {
	return u.done
}

// Err returns the reason Done was closed
func (u *Upstream) Err() error {
	select {
	case <-u.done:
		return u.err
	default:
		return nil
	}
}

func (u *Upstream) Name() string {
	return u.graph.Name()
}

func (u *Upstream) fail(err error) {
	u.failOnce.Do(func() {
		u.err = err
		close(u.done)
	})
}

// Downstream is one session's encode → payload → sink branch
type Downstream struct {
	handle

	Media model.MediaDescription
	Lease *model.TransportLease
}

func (d *Downstream) base() *handle {
	if d == nil {
		return nil
	}
	return &d.handle
}

func (d *Downstream) Name() string {
	return d.graph.Name()
}

// BuildUpstream constructs and starts the capture stage for md
func (f *Factory) BuildUpstream(ctx context.Context, md model.MediaDescription) (*Upstream, error) {
	spec := GraphSpec{
		Name:   fmt.Sprintf("up-%s-%d", md.ID, f.seq.Next()),
		Kind:   KindUpstream,
		Launch: UpstreamLaunch(md),
		Tap:    TapName,
	}
	f.log("building %s: %s", spec.Name, spec.Launch)

	g, err := f.fw.BuildGraph(ctx, spec)
	if err != nil {
		return nil, buildError("upstream", md, err)
	}

	if err := ctx.Err(); err != nil {
		f.destroy(g)
		return nil, buildError("upstream", md, err)
	}

	if err := f.fw.Start(g); err != nil {
		f.destroy(g)
		return nil, buildError("upstream", md, err)
	}

	u := &Upstream{
		handle: handle{graph: g},
		Media:  md,
		done:   make(chan struct{}),
	}
	go u.watch(f.fw.Watch(g))

	f.logger.WithFields(logrus.Fields{
		"graph": spec.Name,
		"media": md.ID,
	}).Info("[Pipeline Factory] upstream running")
	return u, nil
}

func (u *Upstream) watch(bus <-chan Message) {
	if bus == nil {
		return
	}
	for msg := range bus {
		switch {
		case msg.Err != nil:
			u.fail(msg.Err)
			return
		case msg.EOS:
			u.fail(ErrEndOfStream)
			return
		}
	}
}

// BuildDownstream constructs a session branch, links it to the shared tap and
// binds it to the leased endpoint. The branch is left stopped.
func (f *Factory) BuildDownstream(ctx context.Context, up *Upstream, l *model.TransportLease) (*Downstream, error) {
	if up == nil {
		return nil, fmt.Errorf("downstream needs a running upstream")
	}
	md := up.Media

	launch, err := DownstreamLaunch(md, l)
	if err != nil {
		return nil, buildError("downstream", md, err)
	}

	spec := GraphSpec{
		Name:   fmt.Sprintf("down-%s-%d", md.ID, l.ServerRTPPort),
		Kind:   KindDownstream,
		Launch: launch,
		Tap:    FeedName,
		Lease:  l,
	}
	f.log("building %s: %s", spec.Name, spec.Launch)

	g, err := f.fw.BuildGraph(ctx, spec)
	if err != nil {
		return nil, buildError("downstream", md, err)
	}

	if err := f.fw.Link(ctx, up.graph, g); err != nil {
		f.destroy(g)
		return nil, buildError("downstream", md, err)
	}

	if err := ctx.Err(); err != nil {
		f.destroy(g)
		return nil, buildError("downstream", md, err)
	}

	return &Downstream{
		handle: handle{graph: g},
		Media:  md,
		Lease:  l,
	}, nil
}

// Start sets a downstream branch playing without touching its siblings
func (f *Factory) Start(d *Downstream) error {
	if err := f.fw.Start(d.graph); err != nil {
		return buildError("downstream", d.Media, err)
	}
	return nil
}

// Stop halts a downstream branch, keeping it linked for a later Start
func (f *Factory) Stop(d *Downstream) error {
	if err := f.fw.Stop(d.graph); err != nil {
		return buildError("downstream", d.Media, err)
	}
	return nil
}

// Teardown stops and releases everything the handle owns. Safe to call
// more than once and on nil handles.
func (f *Factory) Teardown(h Handle) error {
	if h == nil {
		return nil
	}
	b := h.base()
	if b == nil {
		return nil
	}

	var err error
	b.once.Do(func() {
		err = f.destroy(b.graph)
	})
	return err
}

func (f *Factory) destroy(g Graph) error {
	if err := f.fw.Stop(g); err != nil {
		f.log("stop %s before destroy: %v", g.Name(), err)
	}
	if err := f.fw.Destroy(g); err != nil {
		f.logError("destroy %s: %v", g.Name(), err)
		return err
	}
	f.log("destroyed %s", g.Name())
	return nil
}

func buildError(stage string, md model.MediaDescription, err error) error {
	pe := &model.PipelineBuildError{
		Stage: stage,
		Media: md.ID,
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		pe.Diagnostic = "interrupted"
		pe.Err = err
	} else {
		pe.Diagnostic = err.Error()
	}
	return pe
}
