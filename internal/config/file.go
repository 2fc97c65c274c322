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
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/media-streaming-mesh/msm-rtsp/pkg/model"
)

const (
	FrameworkGst       = "gst"
	FrameworkSimulated = "simulated"
)

// FileConfig is the YAML configuration file
type FileConfig struct {
	Framework string         `yaml:"framework"`
	Media     []MediaConfig  `yaml:"media"`
	Ports     PortsConfig    `yaml:"ports"`
	Sessions  SessionsConfig `yaml:"sessions"`
	Registry  RegistryConfig `yaml:"registry"`
}

// MediaConfig describes one requestable stream
type MediaConfig struct {
	ID        string `yaml:"id"`
	Title     string `yaml:"title"`
	Source    string `yaml:"source"` // gst-launch description of the capture stage
	Codec     string `yaml:"codec"`
	Width     int    `yaml:"width"`
	Height    int    `yaml:"height"`
	FrameRate int    `yaml:"framerate"`
	Bitrate   int    `yaml:"bitrate"` // kbit/s
}

// PortsConfig is the server RTP/RTCP port range, max exclusive
type PortsConfig struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// SessionsConfig controls session lifetime
type SessionsConfig struct {
	IdleTimeout          int  `yaml:"idle_timeout"`  // seconds, 0 disables
	TickInterval         int  `yaml:"tick_interval"` // seconds
	TeardownOnDisconnect bool `yaml:"teardown_on_disconnect"`
}

// RegistryConfig points at the etcd cluster sessions are published to.
// No endpoints disables publishing.
type RegistryConfig struct {
	Endpoints   []string `yaml:"endpoints"`
	Prefix      string   `yaml:"prefix"`
	DialTimeout int      `yaml:"dial_timeout"` // seconds
}

// Default is used when no configuration file is given
func Default() *FileConfig {
	return &FileConfig{
		Framework: FrameworkSimulated,
		Media: []MediaConfig{
			{ID: "test", Title: "Test pattern", Codec: string(model.CodecH264), Width: 640, Height: 480, FrameRate: 30},
		},
		Ports: PortsConfig{Min: 6970, Max: 7070},
		Sessions: SessionsConfig{
			IdleTimeout:  60,
			TickInterval: 1,
		},
		Registry: RegistryConfig{
			Prefix:      "/msm-rtsp",
			DialTimeout: 5,
		},
	}
}

// Load reads and parses the configuration file. Omitted sections keep
// their defaults.
func Load(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	config.Media = nil
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs validation of the configuration
func (c *FileConfig) Validate() error {
	switch c.Framework {
	case FrameworkGst, FrameworkSimulated:
	default:
		return fmt.Errorf("framework must be %q or %q, got %q", FrameworkGst, FrameworkSimulated, c.Framework)
	}

	if len(c.Media) == 0 {
		return fmt.Errorf("at least one media must be configured")
	}
	seen := make(map[string]bool, len(c.Media))
	for i := range c.Media {
		if err := c.Media[i].Validate(); err != nil {
			return fmt.Errorf("media[%d]: %w", i, err)
		}
		if seen[c.Media[i].ID] {
			return fmt.Errorf("media[%d]: duplicate id %q", i, c.Media[i].ID)
		}
		seen[c.Media[i].ID] = true
	}

	if err := c.Ports.Validate(); err != nil {
		return fmt.Errorf("ports config: %w", err)
	}

	if err := c.Sessions.Validate(); err != nil {
		return fmt.Errorf("sessions config: %w", err)
	}

	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("registry config: %w", err)
	}

	return nil
}

// Validate validates one media entry
func (m *MediaConfig) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if _, err := model.ParseCodec(m.Codec); err != nil {
		return err
	}
	if m.Width < 0 || m.Height < 0 || (m.Width == 0) != (m.Height == 0) {
		return fmt.Errorf("width and height must both be set or both be zero, got %dx%d", m.Width, m.Height)
	}
	if m.FrameRate < 0 || m.FrameRate > 240 {
		return fmt.Errorf("framerate must be between 0 and 240, got %d", m.FrameRate)
	}
	if m.Bitrate < 0 {
		return fmt.Errorf("bitrate cannot be negative, got %d", m.Bitrate)
	}
	return nil
}

// Validate validates the port range
func (p *PortsConfig) Validate() error {
	if p.Min < 1 || p.Max > 65536 {
		return fmt.Errorf("port range must be within 1-65535, got %d-%d", p.Min, p.Max)
	}
	if p.Max-p.Min < 2 {
		return fmt.Errorf("port range %d-%d holds no RTP/RTCP pair", p.Min, p.Max)
	}
	return nil
}

// Validate validates session settings
func (s *SessionsConfig) Validate() error {
	if s.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", s.IdleTimeout)
	}
	if s.TickInterval < 1 {
		return fmt.Errorf("tick_interval must be at least 1 second, got %d", s.TickInterval)
	}
	return nil
}

// Validate validates registry settings
func (r *RegistryConfig) Validate() error {
	if len(r.Endpoints) > 0 && r.Prefix == "" {
		return fmt.Errorf("prefix cannot be empty when endpoints are set")
	}
	if r.DialTimeout < 0 {
		return fmt.Errorf("dial_timeout cannot be negative, got %d", r.DialTimeout)
	}
	return nil
}

// MediaDescriptions converts the configured media to their model form
func (c *FileConfig) MediaDescriptions() []model.MediaDescription {
	list := make([]model.MediaDescription, 0, len(c.Media))
	for _, m := range c.Media {
		codec, _ := model.ParseCodec(m.Codec)
		list = append(list, model.MediaDescription{
			ID:        m.ID,
			Title:     m.Title,
			Source:    m.Source,
			Codec:     codec,
			Width:     m.Width,
			Height:    m.Height,
			FrameRate: m.FrameRate,
			Bitrate:   m.Bitrate,
		})
	}
	return list
}

// MediaIDs lists the configured media ids
func (c *FileConfig) MediaIDs() []string {
	ids := make([]string, 0, len(c.Media))
	for _, m := range c.Media {
		ids = append(ids, m.ID)
	}
	return ids
}

// IdleTimeoutDuration returns the idle session timeout as a duration
func (s *SessionsConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// TickIntervalDuration returns the idle check interval as a duration
func (s *SessionsConfig) TickIntervalDuration() time.Duration {
	return time.Duration(s.TickInterval) * time.Second
}

// DialTimeoutDuration returns the etcd dial timeout as a duration
func (r *RegistryConfig) DialTimeoutDuration() time.Duration {
	return time.Duration(r.DialTimeout) * time.Second
}
