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
	"fmt"
	"strings"

	"github.com/media-streaming-mesh/msm-rtsp/pkg/model"
)

const (
	// TapName is the appsink every upstream graph ends in
	TapName = "tap"

	// FeedName is the appsrc every downstream graph starts from
	FeedName = "feed"

	defaultSource  = "videotestsrc is-live=true pattern=smpte"
	defaultBitrate = 2000
	defaultFPS     = 30
)

type codecProfile struct {
	encoder      func(md model.MediaDescription) string
	payloader    string
	payloadType  uint8
	encodingName string
}

var codecProfiles = map[model.Codec]codecProfile{
	model.CodecH264: {
		encoder: func(md model.MediaDescription) string {
			return fmt.Sprintf("x264enc tune=zerolatency speed-preset=ultrafast bitrate=%d key-int-max=%d", bitrate(md), fps(md))
		},
		payloader:    "rtph264pay config-interval=1 pt=96",
		payloadType:  96,
		encodingName: "H264",
	},
	model.CodecH265: {
		encoder: func(md model.MediaDescription) string {
			return fmt.Sprintf("x265enc tune=zerolatency speed-preset=ultrafast bitrate=%d key-int-max=%d", bitrate(md), fps(md))
		},
		payloader:    "rtph265pay config-interval=1 pt=96",
		payloadType:  96,
		encodingName: "H265",
	},
	model.CodecVP8: {
		encoder: func(md model.MediaDescription) string {
			return fmt.Sprintf("vp8enc deadline=1 target-bitrate=%d", bitrate(md)*1000)
		},
		payloader:    "rtpvp8pay pt=96",
		payloadType:  96,
		encodingName: "VP8",
	},
	model.CodecMJPEG: {
		encoder: func(md model.MediaDescription) string {
			return "jpegenc quality=85"
		},
		payloader:    "rtpjpegpay pt=26",
		payloadType:  26,
		encodingName: "JPEG",
	},
}

// RTPMap returns the payload type and rtpmap encoding for a codec
func RTPMap(c model.Codec) (uint8, string, error) {
	p, ok := codecProfiles[c]
	if !ok {
		return 0, "", fmt.Errorf("no RTP profile for codec %q", c)
	}
	return p.payloadType, p.encodingName + "/90000", nil
}

// UpstreamLaunch describes capture → transform → tap
func UpstreamLaunch(md model.MediaDescription) string {
	src := strings.TrimSpace(md.Source)
	if src == "" {
		src = defaultSource
	}

	caps := []string{"video/x-raw"}
	if md.Width > 0 && md.Height > 0 {
		caps = append(caps, fmt.Sprintf("width=%d", md.Width), fmt.Sprintf("height=%d", md.Height))
	}
	caps = append(caps, fmt.Sprintf("framerate=%d/1", fps(md)))

	return strings.Join([]string{
		src,
		"videoconvert",
		"videoscale",
		"videorate",
		strings.Join(caps, ","),
		fmt.Sprintf("appsink name=%s sync=false max-buffers=2 drop=true", TapName),
	}, " ! ")
}

// DownstreamLaunch describes feed → encode → payload → udp sink for one lease
func DownstreamLaunch(md model.MediaDescription, l *model.TransportLease) (string, error) {
	p, ok := codecProfiles[md.Codec]
	if !ok {
		return "", fmt.Errorf("no encoder for codec %q", md.Codec)
	}
	if l == nil || l.ClientAddr == "" || l.ClientRTPPort == 0 {
		return "", fmt.Errorf("lease has no client endpoint bound")
	}

	sink := l.Sink
	if sink == "" {
		sink = fmt.Sprintf("udpsink-%d", l.ServerRTPPort)
	}

	return strings.Join([]string{
		fmt.Sprintf("appsrc name=%s is-live=true format=time do-timestamp=true", FeedName),
		"queue leaky=downstream max-size-buffers=4",
		"videoconvert",
		p.encoder(md),
		p.payloader,
		fmt.Sprintf("udpsink name=%s host=%s port=%d bind-port=%d sync=false async=false",
			sink, l.ClientAddr, l.ClientRTPPort, l.ServerRTPPort),
	}, " ! "), nil
}

func bitrate(md model.MediaDescription) int {
	if md.Bitrate > 0 {
		return md.Bitrate
	}
	return defaultBitrate
}

func fps(md model.MediaDescription) int {
	if md.FrameRate > 0 {
		return md.FrameRate
	}
	return defaultFPS
}
