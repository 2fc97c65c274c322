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

package model

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// ============================================= Media =============================================

// Codec names the encoding a media description is served with
type Codec string

const (
	CodecH264  Codec = "h264"
	CodecH265  Codec = "h265"
	CodecVP8   Codec = "vp8"
	CodecMJPEG Codec = "mjpeg"
)

// ParseCodec normalizes a configured codec hint
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(strings.ToLower(strings.TrimSpace(s))); c {
	case CodecH264, CodecH265, CodecVP8, CodecMJPEG:
		return c, nil
	case "":
		return CodecH264, nil
	default:
		return "", fmt.Errorf("unsupported codec %q", s)
	}
}

// MediaDescription identifies a requestable stream. Registered once at startup
// and never mutated afterwards.
type MediaDescription struct {
	ID        string
	Title     string
	Source    string
	Codec     Codec
	Width     int
	Height    int
	FrameRate int
	Bitrate   int // kbit/s
}

// ============================================= Session =============================================

// SessionID is the opaque token handed to clients in the Session header
type SessionID string

type SessionState int

const (
	StateInit SessionState = iota
	StateReady
	StatePlaying
	StatePaused
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StatePlaying:
		return "PLAYING"
	case StatePaused:
		return "PAUSED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// ParseSessionState is the inverse of SessionState.String
func ParseSessionState(s string) (SessionState, error) {
	for st := StateInit; st <= StateTerminated; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown session state %q", s)
}

// SessionInfo is a point-in-time copy of a session used by the registry and
// the admin surface.
type SessionInfo struct {
	ID           SessionID
	MediaID      string
	State        SessionState
	ServerPorts  []int
	ClientAddr   string
	ClientPorts  []int
	CreatedAt    time.Time
	LastActivity time.Time
}

// ============================================= Transport =============================================

// ClientTransport is what the client asked for in its SETUP request
type ClientTransport struct {
	Addr     string
	RTPPort  int
	RTCPPort int
}

// TransportLease is a reserved server port pair plus the sink bound to it
type TransportLease struct {
	ID             uint64
	ServerRTPPort  int
	ServerRTCPPort int
	ClientAddr     string
	ClientRTPPort  int
	ClientRTCPPort int
	Sink           string
}

// Bind records the client endpoint the lease delivers to
func (l *TransportLease) Bind(ct ClientTransport) {
	l.ClientAddr = ct.Addr
	l.ClientRTPPort = ct.RTPPort
	l.ClientRTCPPort = ct.RTCPPort
	l.Sink = fmt.Sprintf("udpsink-%d", l.ServerRTPPort)
}

func (l *TransportLease) String() string {
	return fmt.Sprintf("lease#%d server_port=%d-%d client=%s:%d-%d",
		l.ID, l.ServerRTPPort, l.ServerRTCPPort, l.ClientAddr, l.ClientRTPPort, l.ClientRTCPPort)
}

// ============================================= Sequence =============================================

// Sequence is a uint64 auto increment shared by leases and source references
type Sequence struct {
	sync.Mutex
	id uint64
}

func (s *Sequence) Next() (id uint64) {
	s.Lock()
	defer s.Unlock()
	s.id++
	id = s.id
	return
}

//============================================= Connection Key =======================================

type ConnectionKey struct {
	Local  string
	Remote string
	Key    string
}

func NewConnectionKey(local string, remote string) ConnectionKey {
	return ConnectionKey{
		local,
		remote,
		fmt.Sprintf("%s%s", local, remote),
	}
}
