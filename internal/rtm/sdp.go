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
	"fmt"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/media-streaming-mesh/msm-rtsp/pkg/model"
	"github.com/media-streaming-mesh/msm-rtsp/pkg/pipeline"
)

// TrackControl is the control attribute of the single video track
const TrackControl = "trackID=0"

// SessionDescription describes a media as a single RTP video track
func SessionDescription(md model.MediaDescription, host string) ([]byte, error) {
	pt, rtpmap, err := pipeline.RTPMap(md.Codec)
	if err != nil {
		return nil, err
	}
	if host == "" {
		host = "0.0.0.0"
	}

	title := md.Title
	if title == "" {
		title = md.ID
	}

	video := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "video",
			Port:    sdp.RangedPort{Value: 0},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(int(pt))},
		},
	}
	video.WithValueAttribute("rtpmap", fmt.Sprintf("%d %s", pt, rtpmap))
	if md.Codec == model.CodecH264 {
		video.WithValueAttribute("fmtp", fmt.Sprintf("%d packetization-mode=1", pt))
	}
	if md.FrameRate > 0 {
		video.WithValueAttribute("framerate", strconv.Itoa(md.FrameRate))
	}
	video.WithValueAttribute("control", TrackControl)

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().Unix()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: sdp.SessionName(title),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		Attributes: []sdp.Attribute{
			{Key: "control", Value: "*"},
			{Key: "range", Value: "npt=0-"},
		},
		MediaDescriptions: []*sdp.MediaDescription{video},
	}
	return sd.Marshal()
}
