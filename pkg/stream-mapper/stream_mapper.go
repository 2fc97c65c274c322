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

package stream_mapper

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/media-streaming-mesh/msm-rtsp/pkg/model"
	"github.com/media-streaming-mesh/msm-rtsp/pkg/pipeline"
)

// LostFunc is called once when a running source ends on its own
type LostFunc func(mediaID string, err error)

// SourceRef is one session's hold on a shared source
type SourceRef struct {
	ID    uint64
	Media model.MediaDescription

	stream *stream
}

// Upstream returns the running capture graph the reference holds
func (r *SourceRef) Upstream() *pipeline.Upstream {
	return r.stream.upstream
}

type stream struct {
	media    model.MediaDescription
	upstream *pipeline.Upstream

	refs    int
	holders map[uint64]struct{}

	building bool
	cancel   context.CancelFunc
	ready    chan struct{}
	err      error

	released bool
	closed   chan struct{}
}

// StreamMapper shares one upstream graph per media among every session
// playing it. The graph is built on the first attach and torn down when the
// last reference detaches.
type StreamMapper struct {
	logger  *logrus.Logger
	factory *pipeline.Factory

	mu      sync.Mutex
	streams map[string]*stream
	seq     model.Sequence
	builds  map[string]int
	lost    LostFunc
}

func NewStreamMapper(logger *logrus.Logger, factory *pipeline.Factory) *StreamMapper {
	return &StreamMapper{
		logger:  logger,
		factory: factory,
		streams: make(map[string]*stream),
		builds:  make(map[string]int),
	}
}

func (m *StreamMapper) log(format string, args ...interface{}) {
	m.logger.Debugf("[Stream Mapper] " + fmt.Sprintf(format, args...))
}

// OnSourceLost registers the callback for sources that end by themselves
func (m *StreamMapper) OnSourceLost(fn LostFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost = fn
}

// Attach returns a reference to the running source for md, building it if
// nobody holds one. Concurrent attachers for the same media wait for a
// single build. The build belongs to the source, not to the caller that
// started it: a cancelled ctx only withdraws the caller's own reference.
func (m *StreamMapper) Attach(ctx context.Context, md model.MediaDescription) (*SourceRef, error) {
	m.mu.Lock()
	id := m.seq.Next()

	if s, ok := m.streams[md.ID]; ok {
		s.refs++
		s.holders[id] = struct{}{}
		building := s.building
		m.mu.Unlock()

		ref := &SourceRef{ID: id, Media: md, stream: s}
		if !building {
			m.log("attached ref %d to %s, refs %d", id, md.ID, s.refs)
			return ref, nil
		}
		return m.await(ctx, ref)
	}

	buildCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &stream{
		media:    md,
		refs:     1,
		holders:  map[uint64]struct{}{id: {}},
		building: true,
		cancel:   cancel,
		ready:    make(chan struct{}),
		closed:   make(chan struct{}),
	}
	m.streams[md.ID] = s
	m.builds[md.ID]++
	m.mu.Unlock()

	go m.build(buildCtx, s)
	return m.await(ctx, &SourceRef{ID: id, Media: md, stream: s})
}

func (m *StreamMapper) build(ctx context.Context, s *stream) {
	defer s.cancel()

	m.log("building source for %s", s.media.ID)
	up, err := m.factory.BuildUpstream(ctx, s.media)

	m.mu.Lock()
	s.building = false
	if err != nil {
		if m.streams[s.media.ID] == s {
			delete(m.streams, s.media.ID)
		}
		s.err = err
		s.released = true
		close(s.ready)
		close(s.closed)
		abandoned := s.refs == 0
		m.mu.Unlock()

		if abandoned {
			m.log("abandoned build of %s ended: %v", s.media.ID, err)
			return
		}
		m.logger.WithFields(logrus.Fields{
			"media": s.media.ID,
			"error": err,
		}).Error("[Stream Mapper] source build failed")
		return
	}

	s.upstream = up
	close(s.ready)

	if s.refs == 0 {
		m.releaseLocked(s)
		m.mu.Unlock()
		m.log("source %s built with no references left, releasing", s.media.ID)
		m.factory.Teardown(up)
		return
	}
	m.mu.Unlock()

	m.log("source %s running", s.media.ID)
	go m.watch(s)
}

func (m *StreamMapper) await(ctx context.Context, ref *SourceRef) (*SourceRef, error) {
	s := ref.stream
	select {
	case <-s.ready:
		if s.err != nil {
			return nil, s.err
		}
		if ctx.Err() == nil {
			m.log("attached ref %d to %s after build", ref.ID, ref.Media.ID)
			return ref, nil
		}
	case <-ctx.Done():
	}

	m.log("ref %d to %s withdrawn: %v", ref.ID, ref.Media.ID, ctx.Err())
	m.Detach(ref)
	return nil, ctx.Err()
}

// Detach drops a reference. The last one out tears the source down. Detaching
// the same reference twice is a no-op.
func (m *StreamMapper) Detach(ref *SourceRef) error {
	if ref == nil || ref.stream == nil {
		return nil
	}
	s := ref.stream

	m.mu.Lock()
	if !m.withdrawLocked(s, ref.ID) {
		m.mu.Unlock()
		return nil
	}
	m.log("detached ref %d from %s, refs %d", ref.ID, s.media.ID, s.refs)

	if s.refs > 0 {
		m.mu.Unlock()
		return nil
	}
	if s.building {
		// nobody wants the source any more; later attachers start afresh
		if m.streams[s.media.ID] == s {
			delete(m.streams, s.media.ID)
		}
		s.cancel()
		m.mu.Unlock()
		m.log("build of %s abandoned", s.media.ID)
		return nil
	}
	m.releaseLocked(s)
	up := s.upstream
	m.mu.Unlock()

	m.logger.WithField("media", s.media.ID).Info("[Stream Mapper] last reference gone, releasing source")
	return m.factory.Teardown(up)
}

func (m *StreamMapper) withdrawLocked(s *stream, id uint64) bool {
	if _, ok := s.holders[id]; !ok {
		return false
	}
	delete(s.holders, id)
	s.refs--
	return true
}

func (m *StreamMapper) releaseLocked(s *stream) {
	if m.streams[s.media.ID] == s {
		delete(m.streams, s.media.ID)
	}
	if !s.released {
		s.released = true
		close(s.closed)
	}
}

func (m *StreamMapper) watch(s *stream) {
	select {
	case <-s.closed:
		return
	case <-s.upstream.Done():
	}

	err := s.upstream.Err()

	m.mu.Lock()
	if m.streams[s.media.ID] == s {
		delete(m.streams, s.media.ID)
	}
	lost := m.lost
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"media": s.media.ID,
		"error": err,
	}).Warn("[Stream Mapper] source lost")

	if lost != nil {
		lost(s.media.ID, err)
	}
}

// RefCount is the number of references held on the current source for media
func (m *StreamMapper) RefCount(mediaID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.streams[mediaID]; ok {
		return s.refs
	}
	return 0
}

// Builds counts upstream builds started for media since creation
func (m *StreamMapper) Builds(mediaID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.builds[mediaID]
}

// Sources lists the media ids with a live or building source
func (m *StreamMapper) Sources() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
