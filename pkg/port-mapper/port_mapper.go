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

package port_mapper

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/media-streaming-mesh/msm-rtsp/pkg/model"
)

// PortMapper hands out server RTP/RTCP port pairs from a bounded pool.
// RTP ports are even and RTCP is always RTP+1.
type PortMapper struct {
	logger *logrus.Logger

	mu     sync.Mutex
	pairs  []int          // RTP port of every pair, ascending
	leased map[int]uint64 // RTP port -> lease id
	seq    model.Sequence
}

// NewPortMapper builds a pool over [minPort, maxPort). An odd minPort is
// rounded up so every pair starts on an even port.
func NewPortMapper(logger *logrus.Logger, minPort, maxPort int) (*PortMapper, error) {
	if minPort <= 0 || maxPort > 65536 {
		return nil, fmt.Errorf("port range %d-%d out of bounds", minPort, maxPort)
	}
	if minPort%2 != 0 {
		minPort++
	}

	var pairs []int
	for p := minPort; p+1 < maxPort; p += 2 {
		pairs = append(pairs, p)
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("port range %d-%d holds no RTP/RTCP pair", minPort, maxPort)
	}

	return &PortMapper{
		logger: logger,
		pairs:  pairs,
		leased: make(map[int]uint64, len(pairs)),
	}, nil
}

func (m *PortMapper) log(format string, args ...interface{}) {
	m.logger.Debugf("[Port Mapper] " + fmt.Sprintf(format, args...))
}

// Lease reserves the lowest free pair
func (m *PortMapper) Lease() (*model.TransportLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pairs {
		if _, busy := m.leased[p]; busy {
			continue
		}
		l := &model.TransportLease{
			ID:             m.seq.Next(),
			ServerRTPPort:  p,
			ServerRTCPPort: p + 1,
		}
		m.leased[p] = l.ID
		m.log("leased %d-%d as #%d, %d free", l.ServerRTPPort, l.ServerRTCPPort, l.ID, len(m.pairs)-len(m.leased))
		return l, nil
	}

	return nil, fmt.Errorf("no free port pair in pool of %d: %w", len(m.pairs), model.ErrResourceExhausted)
}

// Release returns the pair to the pool. Releasing twice, or releasing a lease
// whose pair was already handed to someone else, is a no-op.
func (m *PortMapper) Release(l *model.TransportLease) {
	if l == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.leased[l.ServerRTPPort]
	if !ok || id != l.ID {
		m.log("ignoring stale release of #%d (%d-%d)", l.ID, l.ServerRTPPort, l.ServerRTCPPort)
		return
	}
	delete(m.leased, l.ServerRTPPort)
	m.log("released %d-%d (#%d), %d free", l.ServerRTPPort, l.ServerRTCPPort, l.ID, len(m.pairs)-len(m.leased))
}

// Available returns the number of free pairs
func (m *PortMapper) Available() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pairs) - len(m.leased)
}

// Size returns the number of pairs in the pool
func (m *PortMapper) Size() int {
	return len(m.pairs)
}
