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
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaID(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	uh := NewUrlHandler(logger, []string{"front", "arm/wrist"})

	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{url: "rtsp://robot:8554/front", want: "front"},
		{url: "rtsp://robot:8554/front/", want: "front"},
		{url: "rtsp://robot:8554/front/trackID=0", want: "front"},
		{url: "rtsp://robot/front/streamid=1", want: "front"},
		{url: "rtsp://robot/arm/wrist/trackID=0", want: "arm/wrist"},
		{url: "rtsp://robot/front/extra", want: "front"},
		{url: "rtsp://user:pw@robot/unknown", want: "unknown"},
		{url: "rtsp://robot/", want: ""},
		{url: "*", want: ""},
		{url: "http://robot/front", wantErr: true},
		{url: "rtsp://[bad", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := uh.MediaID(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
