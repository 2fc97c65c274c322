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

package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/media-streaming-mesh/msm-rtsp/pkg/model"
	"github.com/media-streaming-mesh/msm-rtsp/pkg/pipeline"
	port_mapper "github.com/media-streaming-mesh/msm-rtsp/pkg/port-mapper"
	stream_mapper "github.com/media-streaming-mesh/msm-rtsp/pkg/stream-mapper"
)

const (
	defaultIdleTimeout  = 60 * time.Second
	defaultTickInterval = time.Second
)

type session struct {
	mu sync.Mutex

	id    model.SessionID
	media model.MediaDescription
	state model.SessionState

	lease  *model.TransportLease
	source *stream_mapper.SourceRef
	down   *pipeline.Downstream

	created      time.Time
	lastActivity time.Time

	// cancelled by teardown so an in-flight play gives up
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *session) info() model.SessionInfo {
	info := model.SessionInfo{
		ID:           s.id,
		MediaID:      s.media.ID,
		State:        s.state,
		CreatedAt:    s.created,
		LastActivity: s.lastActivity,
	}
	if s.lease != nil {
		info.ServerPorts = []int{s.lease.ServerRTPPort, s.lease.ServerRTCPPort}
		info.ClientAddr = s.lease.ClientAddr
		info.ClientPorts = []int{s.lease.ClientRTPPort, s.lease.ClientRTCPPort}
	}
	return info
}

// Manager owns every client session and drives it through
// INIT → READY → PLAYING ⇄ PAUSED → TERMINATED.
type Manager struct {
	logger  *logrus.Logger
	opts    options
	catalog map[string]model.MediaDescription

	ports   *port_mapper.PortMapper
	streams *stream_mapper.StreamMapper
	factory *pipeline.Factory

	mu       sync.RWMutex
	sessions map[model.SessionID]*session
}

func NewManager(media []model.MediaDescription, ports *port_mapper.PortMapper,
	streams *stream_mapper.StreamMapper, factory *pipeline.Factory, opts ...Option) *Manager {
	o := options{
		logger:       logrus.StandardLogger(),
		idleTimeout:  defaultIdleTimeout,
		tickInterval: defaultTickInterval,
		now:          time.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}

	catalog := make(map[string]model.MediaDescription, len(media))
	for _, md := range media {
		catalog[md.ID] = md
	}

	m := &Manager{
		logger:   o.logger,
		opts:     o,
		catalog:  catalog,
		ports:    ports,
		streams:  streams,
		factory:  factory,
		sessions: make(map[model.SessionID]*session),
	}
	streams.OnSourceLost(m.OnSourceLost)
	return m
}

func (m *Manager) log(format string, args ...interface{}) {
	m.logger.Debugf("[Session Manager] " + fmt.Sprintf(format, args...))
}

func (m *Manager) notify(s *session, reason error) {
	ev := Event{Info: s.info(), Reason: reason}
	for _, o := range m.opts.observers {
		o.SessionChanged(ev)
	}
}

func (m *Manager) get(id model.SessionID) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, model.ErrSessionNotFound)
	}
	return s, nil
}

// Describe returns the registered description of a media
func (m *Manager) Describe(mediaID string) (model.MediaDescription, error) {
	md, ok := m.catalog[mediaID]
	if !ok {
		return model.MediaDescription{}, fmt.Errorf("%q: %w", mediaID, model.ErrUnknownMedia)
	}
	return md, nil
}

// Media lists every registered media description ordered by id
func (m *Manager) Media() []model.MediaDescription {
	list := make([]model.MediaDescription, 0, len(m.catalog))
	for _, md := range m.catalog {
		list = append(list, md)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Open creates a session in INIT for a registered media
func (m *Manager) Open(mediaID string) (model.SessionID, error) {
	md, err := m.Describe(mediaID)
	if err != nil {
		return "", err
	}

	now := m.opts.now()
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:           model.SessionID(strings.ReplaceAll(uuid.NewString(), "-", "")),
		media:        md,
		state:        model.StateInit,
		created:      now,
		lastActivity: now,
		ctx:          ctx,
		cancel:       cancel,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	s.mu.Lock()
	m.notify(s, nil)
	s.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"session": s.id,
		"media":   md.ID,
	}).Info("[Session Manager] session opened")
	return s.id, nil
}

// Setup leases a server port pair and binds it to the client endpoint
func (m *Manager) Setup(ctx context.Context, id model.SessionID, ct model.ClientTransport) (*model.TransportLease, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != model.StateInit {
		return nil, &model.InvalidStateError{Op: "SETUP", State: s.state}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lease, err := m.ports.Lease()
	if err != nil {
		m.logger.WithField("session", id).Warnf("[Session Manager] setup failed: %v", err)
		return nil, err
	}
	lease.Bind(ct)

	s.lease = lease
	s.state = model.StateReady
	s.lastActivity = m.opts.now()
	m.notify(s, nil)

	m.log("session %s ready on %s", id, lease)
	return lease, nil
}

// Play starts delivery, attaching to the shared source on the first play.
// On failure the session is left in READY holding only its lease.
func (m *Manager) Play(ctx context.Context, id model.SessionID) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buildCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	switch s.state {
	case model.StatePaused:
		if err := m.factory.Start(s.down); err != nil {
			m.revert(s, err)
			return err
		}
	case model.StateReady:
		if err := m.attach(buildCtx, s); err != nil {
			m.revert(s, err)
			return err
		}
	default:
		return &model.InvalidStateError{Op: "PLAY", State: s.state}
	}

	s.state = model.StatePlaying
	s.lastActivity = m.opts.now()
	m.notify(s, nil)

	m.logger.WithFields(logrus.Fields{
		"session": id,
		"media":   s.media.ID,
		"client":  fmt.Sprintf("%s:%d", s.lease.ClientAddr, s.lease.ClientRTPPort),
	}).Info("[Session Manager] playing")
	return nil
}

func (m *Manager) attach(ctx context.Context, s *session) error {
	ref, err := m.streams.Attach(ctx, s.media)
	if err != nil {
		return asBuildError("source", s.media, err)
	}
	s.source = ref

	down, err := m.factory.BuildDownstream(ctx, ref.Upstream(), s.lease)
	if err != nil {
		return asBuildError("downstream", s.media, err)
	}
	s.down = down

	if err := m.factory.Start(down); err != nil {
		return asBuildError("downstream", s.media, err)
	}
	return nil
}

// revert drops everything play acquired and returns the session to READY
func (m *Manager) revert(s *session, reason error) {
	m.releasePipeline(s)
	s.state = model.StateReady
	m.notify(s, reason)

	m.logger.WithFields(logrus.Fields{
		"session": s.id,
		"media":   s.media.ID,
		"error":   reason,
	}).Error("[Session Manager] play failed")
}

func asBuildError(stage string, md model.MediaDescription, err error) error {
	var pe *model.PipelineBuildError
	if errors.As(err, &pe) {
		return err
	}
	return &model.PipelineBuildError{
		Stage:      stage,
		Media:      md.ID,
		Diagnostic: "interrupted",
		Err:        err,
	}
}

// Pause stops the session's branch. The lease and source stay held.
func (m *Manager) Pause(ctx context.Context, id model.SessionID) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != model.StatePlaying {
		return &model.InvalidStateError{Op: "PAUSE", State: s.state}
	}
	if err := m.factory.Stop(s.down); err != nil {
		return err
	}

	s.state = model.StatePaused
	s.lastActivity = m.opts.now()
	m.notify(s, nil)

	m.log("session %s paused", id)
	return nil
}

// Teardown releases everything the session holds and removes it. Unknown
// and already removed sessions are not an error.
func (m *Manager) Teardown(id model.SessionID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	m.terminate(s, nil)
	return nil
}

// terminate must be called with s.mu held and s already out of the table
func (m *Manager) terminate(s *session, reason error) {
	if s.state == model.StateTerminated {
		return
	}
	s.cancel()
	m.releasePipeline(s)
	if s.lease != nil {
		m.ports.Release(s.lease)
		s.lease = nil
	}
	s.state = model.StateTerminated
	m.notify(s, reason)

	m.logger.WithFields(logrus.Fields{
		"session": s.id,
		"media":   s.media.ID,
		"reason":  reason,
	}).Info("[Session Manager] session terminated")
}

func (m *Manager) releasePipeline(s *session) {
	if s.down != nil {
		if err := m.factory.Teardown(s.down); err != nil {
			m.log("session %s downstream teardown: %v", s.id, err)
		}
		s.down = nil
	}
	if s.source != nil {
		if err := m.streams.Detach(s.source); err != nil {
			m.log("session %s source detach: %v", s.id, err)
		}
		s.source = nil
	}
}

// evict removes s from the table; s.mu must be held
func (m *Manager) evict(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[s.id] != s {
		return false
	}
	delete(m.sessions, s.id)
	return true
}

func (m *Manager) list() []*session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	return list
}

// Tick tears down sessions idle for longer than the idle timeout. Sessions
// busy with an operation are skipped until the next tick.
func (m *Manager) Tick(now time.Time) int {
	if m.opts.idleTimeout <= 0 {
		return 0
	}

	expired := 0
	for _, s := range m.list() {
		if !s.mu.TryLock() {
			continue
		}
		if s.state != model.StateTerminated && now.Sub(s.lastActivity) > m.opts.idleTimeout {
			if m.evict(s) {
				m.logger.WithFields(logrus.Fields{
					"session": s.id,
					"idle":    now.Sub(s.lastActivity).String(),
				}).Warn("[Session Manager] session timed out")
				m.terminate(s, model.ErrSessionTimeout)
				expired++
			}
		}
		s.mu.Unlock()
	}
	return expired
}

// Run calls Tick on every tick interval until ctx is done, then tears
// down every remaining session.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Close()
			return nil
		case <-ticker.C:
			m.Tick(m.opts.now())
		}
	}
}

// Close tears down every session
func (m *Manager) Close() {
	for _, s := range m.list() {
		m.Teardown(s.id)
	}
}

// Touch records client activity on a session
func (m *Manager) Touch(id model.SessionID) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == model.StateTerminated {
		return &model.InvalidStateError{Op: "KEEPALIVE", State: s.state}
	}
	s.lastActivity = m.opts.now()
	return nil
}

// OnSourceLost tears down every session attached to a source that ended
func (m *Manager) OnSourceLost(mediaID string, reason error) {
	for _, s := range m.list() {
		if s.media.ID != mediaID {
			continue
		}

		s.mu.Lock()
		if s.source != nil && lost(s.source) && m.evict(s) {
			m.terminate(s, reason)
		}
		s.mu.Unlock()
	}
}

func lost(ref *stream_mapper.SourceRef) bool {
	select {
	case <-ref.Upstream().Done():
		return true
	default:
		return false
	}
}

// State returns the current state of a session
func (m *Manager) State(id model.SessionID) (model.SessionState, error) {
	s, err := m.get(id)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

// Info returns a snapshot of one session
func (m *Manager) Info(id model.SessionID) (model.SessionInfo, error) {
	s, err := m.get(id)
	if err != nil {
		return model.SessionInfo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info(), nil
}

// Snapshot returns every live session ordered by creation time
func (m *Manager) Snapshot() []model.SessionInfo {
	list := m.list()
	infos := make([]model.SessionInfo, 0, len(list))
	for _, s := range list {
		s.mu.Lock()
		infos = append(infos, s.info())
		s.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Count is the number of live sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
