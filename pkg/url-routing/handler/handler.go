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

package handler

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

var controlSegment = regexp.MustCompile(`^(?i)(trackid|streamid|track)=\d+$`)

// UrlHandler resolves request URLs to registered media ids
type UrlHandler struct {
	logger *logrus.Logger
	known  map[string]struct{}
}

func NewUrlHandler(logger *logrus.Logger, mediaIDs []string) *UrlHandler {
	known := make(map[string]struct{}, len(mediaIDs))
	for _, id := range mediaIDs {
		known[id] = struct{}{}
	}
	return &UrlHandler{
		logger: logger,
		known:  known,
	}
}

func (uh *UrlHandler) log(format string, args ...interface{}) {
	// keep url outside format, since it can contain %
	uh.logger.Debugf("[URL Handler] " + fmt.Sprintf(format, args...))
}

// MediaID returns the media a request URL names. A trailing track control
// segment is dropped. When the whole path is not a registered media but its
// first segment is, the first segment wins.
func (uh *UrlHandler) MediaID(rawURL string) (string, error) {
	if rawURL == "*" {
		return "", nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("could not parse url %q: %w", rawURL, err)
	}
	if u.Scheme != "rtsp" && u.Scheme != "rtsps" {
		return "", fmt.Errorf("invalid url scheme %q", u.Scheme)
	}

	path := strings.Trim(u.Path, "/")
	if n := strings.LastIndex(path, "/"); n >= 0 && controlSegment.MatchString(path[n+1:]) {
		path = path[:n]
	} else if controlSegment.MatchString(path) {
		path = ""
	}

	if _, ok := uh.known[path]; !ok {
		if n := strings.Index(path, "/"); n >= 0 {
			if _, ok := uh.known[path[:n]]; ok {
				path = path[:n]
			}
		}
	}

	uh.log("url %s resolved to media %q", u.Redacted(), path)
	return path, nil
}
