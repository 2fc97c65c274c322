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
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// GraphState mirrors the few framework states the core drives through
type GraphState int

const (
	StateNull GraphState = iota
	StateReady
	StatePlaying
)

func (s GraphState) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StatePlaying:
		return "PLAYING"
	default:
		return "NULL"
	}
}

// Simulated is an in-memory framework. It records every graph it builds
// and lets callers inject faults and bus messages.
type Simulated struct {
	mu sync.Mutex

	// FailBuild, when set, is consulted before every graph construction
	FailBuild func(spec GraphSpec) error
	// FailLink, when set, is consulted before linking two graphs
	FailLink func(up, down string) error
	// FailStart, when set, is consulted before a graph goes to PLAYING
	FailStart func(name string) error
	// BuildDelay stalls BuildGraph, honouring the context
	BuildDelay time.Duration

	graphs  map[string]*simGraph
	builds  map[GraphKind]int
	ssrc    uint32
	emitted map[string][]*rtp.Packet
}

type simGraph struct {
	spec   GraphSpec
	state  GraphState
	peer   string
	bus    chan Message
	closed bool
	seq    uint16
}

func (g *simGraph) Name() string {
	return g.spec.Name
}

func NewSimulated() *Simulated {
	return &Simulated{
		graphs:  make(map[string]*simGraph),
		builds:  make(map[GraphKind]int),
		emitted: make(map[string][]*rtp.Packet),
		ssrc:    0x5eed0000,
	}
}

func (s *Simulated) BuildGraph(ctx context.Context, spec GraphSpec) (Graph, error) {
	if s.BuildDelay > 0 {
		t := time.NewTimer(s.BuildDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.FailBuild != nil {
		if err := s.FailBuild(spec); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(spec.Launch) == "" {
		return nil, errors.New("empty pipeline description")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.graphs[spec.Name]; ok {
		return nil, fmt.Errorf("graph %s already exists", spec.Name)
	}
	g := &simGraph{
		spec:  spec,
		state: StateReady,
		bus:   make(chan Message, 4),
	}
	s.graphs[spec.Name] = g
	s.builds[spec.Kind]++
	return g, nil
}

func (s *Simulated) Link(ctx context.Context, up, down Graph) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.FailLink != nil {
		if err := s.FailLink(up.Name(), down.Name()); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.graphs[up.Name()]
	if !ok {
		return fmt.Errorf("no such graph %s", up.Name())
	}
	d, ok := s.graphs[down.Name()]
	if !ok {
		return fmt.Errorf("no such graph %s", down.Name())
	}
	if u.spec.Kind != KindUpstream || d.spec.Kind != KindDownstream {
		return fmt.Errorf("cannot link %s to %s", up.Name(), down.Name())
	}
	d.peer = u.spec.Name
	return nil
}

func (s *Simulated) Start(g Graph) error {
	if s.FailStart != nil {
		if err := s.FailStart(g.Name()); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sg, ok := s.graphs[g.Name()]
	if !ok {
		return fmt.Errorf("no such graph %s", g.Name())
	}
	if sg.spec.Kind == KindDownstream {
		if _, ok := s.graphs[sg.peer]; !ok {
			return fmt.Errorf("%s has no upstream", sg.spec.Name)
		}
	}
	sg.state = StatePlaying
	if sg.spec.Kind == KindDownstream {
		s.emit(sg)
	}
	return nil
}

// emit records one RTP packet as the first thing a started branch would send
func (s *Simulated) emit(g *simGraph) {
	g.seq++
	ssrc := s.ssrc
	if g.spec.Lease != nil {
		ssrc += uint32(g.spec.Lease.ServerRTPPort)
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    96,
			SequenceNumber: g.seq,
			Timestamp:      uint32(time.Now().UnixNano() / int64(time.Millisecond) * 90),
			SSRC:           ssrc,
		},
		Payload: []byte(g.spec.Name),
	}
	s.emitted[g.spec.Name] = append(s.emitted[g.spec.Name], pkt)
}

func (s *Simulated) Stop(g Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sg, ok := s.graphs[g.Name()]
	if !ok {
		return fmt.Errorf("no such graph %s", g.Name())
	}
	sg.state = StateReady
	return nil
}

func (s *Simulated) Destroy(g Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sg, ok := s.graphs[g.Name()]
	if !ok {
		return fmt.Errorf("no such graph %s", g.Name())
	}
	sg.state = StateNull
	if !sg.closed {
		sg.closed = true
		close(sg.bus)
	}
	delete(s.graphs, g.Name())
	return nil
}

func (s *Simulated) Watch(g Graph) <-chan Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	sg, ok := s.graphs[g.Name()]
	if !ok {
		return nil
	}
	return sg.bus
}

// Inject posts a bus message on a live graph as if the framework raised it
func (s *Simulated) Inject(name string, msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sg, ok := s.graphs[name]
	if !ok || sg.closed {
		return false
	}
	msg.Graph = name
	select {
	case sg.bus <- msg:
		return true
	default:
		return false
	}
}

// Builds counts every graph of the given kind ever constructed
func (s *Simulated) Builds(kind GraphKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.builds[kind]
}

// Live lists the names of graphs that have not been destroyed
func (s *Simulated) Live(kind GraphKind) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for name, g := range s.graphs {
		if g.spec.Kind == kind {
			names = append(names, name)
		}
	}
	return names
}

// State reports the state of a graph, NULL once destroyed
func (s *Simulated) State(name string) GraphState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.graphs[name]; ok {
		return g.state
	}
	return StateNull
}

// Spec returns the spec a live graph was built from
func (s *Simulated) Spec(name string) (GraphSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.graphs[name]; ok {
		return g.spec, true
	}
	return GraphSpec{}, false
}

// Emitted returns the RTP packets a downstream branch sent so far
func (s *Simulated) Emitted(name string) []*rtp.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*rtp.Packet(nil), s.emitted[name]...)
}
