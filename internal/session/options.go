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

package session

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/media-streaming-mesh/msm-rtsp/pkg/model"
)

// Event describes a session state change. Reason is set when the session was
// torn down or reverted because of an error or timeout.
type Event struct {
	Info   model.SessionInfo
	Reason error
}

// Observer is notified of every session state change. Calls are made while
// the session is locked and must not block.
type Observer interface {
	SessionChanged(ev Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ev Event)

func (f ObserverFunc) SessionChanged(ev Event) {
	f(ev)
}

// Option configures a Manager
type Option func(*options)

type options struct {
	logger       *logrus.Logger
	idleTimeout  time.Duration
	tickInterval time.Duration
	now          func() time.Time
	observers    []Observer
}

// UseLogger sets the logger
func UseLogger(log *logrus.Logger) Option {
	return func(opts *options) {
		opts.logger = log
	}
}

// UseIdleTimeout sets how long a session may go without client activity.
// Zero disables the timeout.
func UseIdleTimeout(d time.Duration) Option {
	return func(opts *options) {
		opts.idleTimeout = d
	}
}

// UseTickInterval sets how often Run checks for idle sessions
func UseTickInterval(d time.Duration) Option {
	return func(opts *options) {
		opts.tickInterval = d
	}
}

// UseClock replaces time.Now
func UseClock(now func() time.Time) Option {
	return func(opts *options) {
		opts.now = now
	}
}

// UseObserver adds an observer of session state changes
func UseObserver(o Observer) Option {
	return func(opts *options) {
		opts.observers = append(opts.observers, o)
	}
}
