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

package rtm

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	// ErrUnsupportedTransport covers interleaved TCP and multicast delivery
	ErrUnsupportedTransport = errors.New("unsupported transport")

	// ErrMalformed is returned for requests that cannot be parsed
	ErrMalformed = errors.New("malformed request")
)

// Transport is a parsed client Transport header
type Transport struct {
	Profile     string
	Destination string
	RTPPort     int
	RTCPPort    int
}

// ParseTransport reads the first acceptable spec of a Transport header.
// Only unicast RTP over UDP is served.
func ParseTransport(raw string) (*Transport, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("transport header missing: %w", ErrMalformed)
	}

	var firstErr error
	for _, spec := range strings.Split(raw, ",") {
		t, err := parseTransportSpec(spec)
		if err == nil {
			return t, nil
		}
		if firstErr == nil || errors.Is(err, ErrUnsupportedTransport) {
			firstErr = err
		}
	}
	return nil, firstErr
}

func parseTransportSpec(spec string) (*Transport, error) {
	parts := strings.Split(strings.TrimSpace(spec), ";")

	t := &Transport{Profile: strings.ToUpper(strings.TrimSpace(parts[0]))}
	switch t.Profile {
	case "RTP/AVP", "RTP/AVP/UDP":
	case "RTP/AVP/TCP":
		return nil, fmt.Errorf("%s: %w", t.Profile, ErrUnsupportedTransport)
	default:
		return nil, fmt.Errorf("transport profile %q: %w", parts[0], ErrMalformed)
	}

	for _, p := range parts[1:] {
		key, val, _ := strings.Cut(strings.TrimSpace(p), "=")
		switch strings.ToLower(key) {
		case "multicast":
			return nil, fmt.Errorf("multicast: %w", ErrUnsupportedTransport)
		case "interleaved":
			return nil, fmt.Errorf("interleaved: %w", ErrUnsupportedTransport)
		case "client_port":
			rtp, rtcp, err := parsePorts(val)
			if err != nil {
				return nil, err
			}
			t.RTPPort, t.RTCPPort = rtp, rtcp
		case "destination":
			if net.ParseIP(val) == nil {
				return nil, fmt.Errorf("destination %q: %w", val, ErrMalformed)
			}
			t.Destination = val
		}
	}

	if t.RTPPort == 0 {
		return nil, fmt.Errorf("client_port missing: %w", ErrMalformed)
	}
	return t, nil
}

func parsePorts(val string) (int, int, error) {
	lo, hi, ranged := strings.Cut(val, "-")

	rtp, err := strconv.Atoi(lo)
	if err != nil || rtp <= 0 || rtp > 65535 {
		return 0, 0, fmt.Errorf("client_port %q: %w", val, ErrMalformed)
	}
	if !ranged {
		return rtp, rtp + 1, nil
	}

	rtcp, err := strconv.Atoi(hi)
	if err != nil || rtcp <= 0 || rtcp > 65535 {
		return 0, 0, fmt.Errorf("client_port %q: %w", val, ErrMalformed)
	}
	return rtp, rtcp, nil
}

// String renders the reply Transport header for a bound lease
func (t *Transport) String() string {
	return fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d", t.RTPPort, t.RTCPPort)
}
