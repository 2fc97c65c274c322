//go:build !gst

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

package gst

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/media-streaming-mesh/msm-rtsp/pkg/pipeline"
)

// Available reports whether this binary was built with GStreamer support
const Available = false

// ErrUnavailable is returned by New when built without the "gst" tag
var ErrUnavailable = errors.New("built without GStreamer support, rebuild with -tags gst")

// Framework is never constructed in builds without GStreamer
type Framework struct {
	pipeline.Framework
}

func New(logger *logrus.Logger) (*Framework, error) {
	return nil, ErrUnavailable
}
