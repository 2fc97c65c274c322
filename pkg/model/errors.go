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
	"errors"
	"fmt"
)

var (
	// ErrUnknownMedia is returned when a media id is not registered
	ErrUnknownMedia = errors.New("unknown media")

	// ErrResourceExhausted is returned when no port pair is free
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrPipelineBuild matches every *PipelineBuildError
	ErrPipelineBuild = errors.New("pipeline build error")

	// ErrSessionTimeout is only ever logged, the client is gone
	ErrSessionTimeout = errors.New("session timeout")

	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidState    = errors.New("invalid session state")
)

// PipelineBuildError carries the framework diagnostic for a failed graph
// construction, link or state change.
type PipelineBuildError struct {
	Stage      string
	Media      string
	Diagnostic string
	Err        error
}

func (e *PipelineBuildError) Error() string {
	msg := fmt.Sprintf("%s pipeline for %q: %s", e.Stage, e.Media, e.Diagnostic)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PipelineBuildError) Is(target error) bool {
	return target == ErrPipelineBuild
}

func (e *PipelineBuildError) Unwrap() error {
	return e.Err
}

// InvalidStateError reports an operation attempted outside its legal edges
type InvalidStateError struct {
	Op    string
	State SessionState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}
