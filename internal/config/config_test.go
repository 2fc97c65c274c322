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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/media-streaming-mesh/msm-rtsp/pkg/model"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
framework: simulated
media:
  - id: front
    title: Front door
    source: videotestsrc is-live=true
    codec: H264
    width: 1280
    height: 720
    framerate: 25
    bitrate: 2000
  - id: back
    codec: vp8
ports:
  min: 20000
  max: 20010
sessions:
  idle_timeout: 0
  teardown_on_disconnect: true
registry:
  endpoints: ["127.0.0.1:2379"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, FrameworkSimulated, cfg.Framework)
	assert.Equal(t, []string{"front", "back"}, cfg.MediaIDs())
	assert.Equal(t, PortsConfig{Min: 20000, Max: 20010}, cfg.Ports)
	assert.Equal(t, time.Duration(0), cfg.Sessions.IdleTimeoutDuration())
	assert.Equal(t, time.Second, cfg.Sessions.TickIntervalDuration())
	assert.True(t, cfg.Sessions.TeardownOnDisconnect)
	assert.Equal(t, "/msm-rtsp", cfg.Registry.Prefix)
	assert.Equal(t, 5*time.Second, cfg.Registry.DialTimeoutDuration())

	media := cfg.MediaDescriptions()
	require.Len(t, media, 2)
	assert.Equal(t, model.MediaDescription{
		ID:        "front",
		Title:     "Front door",
		Source:    "videotestsrc is-live=true",
		Codec:     model.CodecH264,
		Width:     1280,
		Height:    720,
		FrameRate: 25,
		Bitrate:   2000,
	}, media[0])
	assert.Equal(t, model.CodecVP8, media[1].Codec)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad yaml",
			content: "media: [",
			wantErr: "failed to parse config file",
		},
		{
			name:    "no media",
			content: "framework: simulated\n",
			wantErr: "at least one media",
		},
		{
			name:    "bad framework",
			content: "framework: ffmpeg\nmedia:\n  - id: a\n",
			wantErr: "framework must be",
		},
		{
			name:    "duplicate id",
			content: "media:\n  - id: a\n  - id: a\n",
			wantErr: "duplicate id",
		},
		{
			name:    "empty id",
			content: "media:\n  - title: x\n",
			wantErr: "id cannot be empty",
		},
		{
			name:    "bad codec",
			content: "media:\n  - id: a\n    codec: av1\n",
			wantErr: "unsupported codec",
		},
		{
			name:    "half resolution",
			content: "media:\n  - id: a\n    width: 640\n",
			wantErr: "width and height",
		},
		{
			name:    "port range too small",
			content: "media:\n  - id: a\nports:\n  min: 5000\n  max: 5001\n",
			wantErr: "holds no RTP/RTCP pair",
		},
		{
			name:    "negative idle timeout",
			content: "media:\n  - id: a\nsessions:\n  idle_timeout: -1\n",
			wantErr: "idle_timeout cannot be negative",
		},
		{
			name:    "registry without prefix",
			content: "media:\n  - id: a\nregistry:\n  endpoints: [\"x:2379\"]\n  prefix: \"\"\n",
			wantErr: "prefix cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]string{"-rtspAddr", "127.0.0.1:1554", "-grpcPort", "9100"})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:1554", cfg.RtspAddr)
	assert.Equal(t, "9100", cfg.Grpc.Port)
	assert.Equal(t, FrameworkSimulated, cfg.Framework)
	assert.NotNil(t, cfg.Logger)
	assert.Equal(t, []string{"test"}, cfg.File.MediaIDs())
}

func TestParseFrameworkOverride(t *testing.T) {
	path := writeConfig(t, "media:\n  - id: a\n")

	cfg, err := Parse([]string{"-config", path, "-framework", "gst"})
	require.NoError(t, err)
	assert.Equal(t, FrameworkGst, cfg.Framework)
	assert.Equal(t, FrameworkGst, cfg.File.Framework)

	_, err = Parse([]string{"-config", path, "-framework", "nope"})
	require.Error(t, err)
}
