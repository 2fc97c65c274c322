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

	"github.com/aler9/gortsplib/pkg/base"

	"github.com/media-streaming-mesh/msm-rtsp/pkg/model"
)

var reasons = map[base.StatusCode]string{
	base.StatusOK:                           "OK",
	base.StatusBadRequest:                   "Bad Request",
	base.StatusNotFound:                     "Not Found",
	base.StatusNotEnoughBandwidth:           "Not Enough Bandwidth",
	base.StatusSessionNotFound:              "Session Not Found",
	base.StatusMethodNotValidInThisState:    "Method Not Valid In This State",
	base.StatusAggregateOperationNotAllowed: "Aggregate Operation Not Allowed",
	base.StatusUnsupportedTransport:         "Unsupported Transport",
	base.StatusInternalServerError:          "Internal Server Error",
	base.StatusNotImplemented:               "Not Implemented",
	base.StatusServiceUnavailable:           "Service Unavailable",
}

// Reason returns the reason phrase for a status code
func Reason(code base.StatusCode) string {
	if r, ok := reasons[code]; ok {
		return r
	}
	return "Unknown"
}

// StatusFor maps a core error to the status code sent to the client
func StatusFor(err error) base.StatusCode {
	switch {
	case err == nil:
		return base.StatusOK
	case errors.Is(err, model.ErrUnknownMedia):
		return base.StatusNotFound
	case errors.Is(err, model.ErrResourceExhausted):
		return base.StatusNotEnoughBandwidth
	case errors.Is(err, model.ErrSessionNotFound):
		return base.StatusSessionNotFound
	case errors.Is(err, model.ErrInvalidState):
		return base.StatusMethodNotValidInThisState
	case errors.Is(err, ErrAggregateNotAllowed):
		return base.StatusAggregateOperationNotAllowed
	case errors.Is(err, ErrUnsupportedTransport):
		return base.StatusUnsupportedTransport
	case errors.Is(err, ErrMalformed):
		return base.StatusBadRequest
	default:
		return base.StatusInternalServerError
	}
}
