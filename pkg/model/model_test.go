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
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCodec(t *testing.T) {
	tests := []struct {
		in      string
		want    Codec
		wantErr bool
	}{
		{in: "h264", want: CodecH264},
		{in: " H265 ", want: CodecH265},
		{in: "VP8", want: CodecVP8},
		{in: "mjpeg", want: CodecMJPEG},
		{in: "", want: CodecH264},
		{in: "av1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCodec(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSessionStateNames(t *testing.T) {
	for st := StateInit; st <= StateTerminated; st++ {
		parsed, err := ParseSessionState(st.String())
		require.NoError(t, err)
		assert.Equal(t, st, parsed)
	}

	assert.Equal(t, "SessionState(9)", SessionState(9).String())
	_, err := ParseSessionState("STREAMING")
	assert.Error(t, err)
}

func TestPipelineBuildError(t *testing.T) {
	err := &PipelineBuildError{Stage: "upstream", Media: "front", Diagnostic: "no element \"v4l2src\""}
	assert.Equal(t, `upstream pipeline for "front": no element "v4l2src"`, err.Error())
	assert.True(t, errors.Is(err, ErrPipelineBuild))
	assert.False(t, errors.Is(err, context.Canceled))

	wrapped := fmt.Errorf("play: %w", &PipelineBuildError{Stage: "downstream", Media: "front", Diagnostic: "interrupted", Err: context.Canceled})
	assert.True(t, errors.Is(wrapped, ErrPipelineBuild))
	assert.True(t, errors.Is(wrapped, context.Canceled))

	var pe *PipelineBuildError
	require.True(t, errors.As(wrapped, &pe))
	assert.Equal(t, "downstream", pe.Stage)
}

func TestInvalidStateError(t *testing.T) {
	err := fmt.Errorf("session abc: %w", &InvalidStateError{Op: "PLAY", State: StateInit})
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.False(t, errors.Is(err, ErrSessionNotFound))
	assert.Contains(t, err.Error(), "PLAY not allowed in state INIT")
}

func TestLeaseBind(t *testing.T) {
	l := &TransportLease{ID: 3, ServerRTPPort: 6972, ServerRTCPPort: 6973}
	l.Bind(ClientTransport{Addr: "10.0.0.7", RTPPort: 5000, RTCPPort: 5001})

	assert.Equal(t, "udpsink-6972", l.Sink)
	assert.Equal(t, "lease#3 server_port=6972-6973 client=10.0.0.7:5000-5001", l.String())
}

func TestSequenceUnique(t *testing.T) {
	var seq Sequence
	var mu sync.Mutex
	seen := make(map[uint64]bool)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := seq.Next()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 800)
	assert.False(t, seen[0])
}
