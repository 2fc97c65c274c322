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
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aler9/gortsplib/pkg/base"
	"github.com/sirupsen/logrus"

	"github.com/media-streaming-mesh/msm-rtsp/pkg/model"
)

// Sessions is the part of the session manager the protocol drives
type Sessions interface {
	Describe(mediaID string) (model.MediaDescription, error)
	Open(mediaID string) (model.SessionID, error)
	Setup(ctx context.Context, id model.SessionID, ct model.ClientTransport) (*model.TransportLease, error)
	Play(ctx context.Context, id model.SessionID) error
	Pause(ctx context.Context, id model.SessionID) error
	Teardown(id model.SessionID) error
	Touch(id model.SessionID) error
	State(id model.SessionID) (model.SessionState, error)
	Info(id model.SessionID) (model.SessionInfo, error)
}

// ErrAggregateNotAllowed is returned when a SETUP adds a second media to
// a session. A session carries exactly one stream.
var ErrAggregateNotAllowed = errors.New("session already bound to another media")

// RequestObserver is told the outcome of every request
type RequestObserver interface {
	ObserveRequest(method string, status int)
}

// Command is one parsed client request
type Command struct {
	Method    base.Method
	URL       string
	MediaID   string
	SessionID model.SessionID
	CSeq      string
	Transport string

	// Remote is the client host, used when the transport names no destination
	Remote string
	// Local is the server host the request arrived on
	Local string
}

// Reply is the status and headers sent back for a command
type Reply struct {
	StatusCode base.StatusCode
	Header     base.Header
	Body       []byte

	// Session is set when SETUP created a session
	Session model.SessionID
}

// Protocol maps client commands onto session operations
type Protocol struct {
	logger         *logrus.Logger
	sessions       Sessions
	sessionTimeout time.Duration
	observers      []RequestObserver
	methods        []base.Method
}

// Option configures New
type Option func(*options)

type options struct {
	logger         *logrus.Logger
	sessionTimeout time.Duration
	observers      []RequestObserver
}

// UseLogger sets the logger
func UseLogger(log *logrus.Logger) Option {
	return func(opts *options) {
		opts.logger = log
	}
}

// UseSessionTimeout sets the timeout advertised in the Session header
func UseSessionTimeout(d time.Duration) Option {
	return func(opts *options) {
		opts.sessionTimeout = d
	}
}

// UseRequestObserver adds an observer of request outcomes
func UseRequestObserver(o RequestObserver) Option {
	return func(opts *options) {
		opts.observers = append(opts.observers, o)
	}
}

func New(sessions Sessions, opts ...Option) *Protocol {
	o := options{
		logger:         logrus.StandardLogger(),
		sessionTimeout: 60 * time.Second,
	}
	for _, fn := range opts {
		fn(&o)
	}

	return &Protocol{
		logger:         o.logger,
		sessions:       sessions,
		sessionTimeout: o.sessionTimeout,
		observers:      o.observers,
		methods: []base.Method{
			base.Options,
			base.Describe,
			base.Setup,
			base.Play,
			base.Pause,
			base.Teardown,
			base.GetParameter,
		},
	}
}

func (p *Protocol) log(format string, args ...interface{}) {
	p.logger.Debugf("[RTM] " + fmt.Sprintf(format, args...))
}

// Handle runs a command to completion and builds its reply
func (p *Protocol) Handle(ctx context.Context, cmd Command) Reply {
	p.log("%s %s session=%q", cmd.Method, cmd.URL, cmd.SessionID)

	var res Reply
	var err error

	switch cmd.Method {
	case base.Options:
		res, err = p.onOptions(cmd)
	case base.Describe:
		res, err = p.onDescribe(cmd)
	case base.Setup:
		res, err = p.onSetup(ctx, cmd)
	case base.Play:
		res, err = p.onPlay(ctx, cmd)
	case base.Pause:
		res, err = p.onPause(ctx, cmd)
	case base.Teardown:
		res, err = p.onTeardown(cmd)
	case base.GetParameter:
		res, err = p.onGetParameter(cmd)
	default:
		res = Reply{StatusCode: base.StatusNotImplemented}
	}

	if err != nil {
		res = Reply{StatusCode: StatusFor(err)}
		entry := p.logger.WithFields(logrus.Fields{
			"method":  cmd.Method,
			"url":     cmd.URL,
			"session": cmd.SessionID,
			"status":  int(res.StatusCode),
		})
		if res.StatusCode >= base.StatusInternalServerError {
			entry.Errorf("[RTM] request failed: %v", err)
		} else {
			entry.Warnf("[RTM] request refused: %v", err)
		}
	}

	if res.Header == nil {
		res.Header = base.Header{}
	}
	if cmd.CSeq != "" {
		res.Header["CSeq"] = base.HeaderValue{cmd.CSeq}
	}

	for _, o := range p.observers {
		o.ObserveRequest(string(cmd.Method), int(res.StatusCode))
	}
	return res
}

// Release tears a session down outside of any request, when its
// connection goes away
func (p *Protocol) Release(id model.SessionID) {
	if err := p.sessions.Teardown(id); err != nil {
		p.logger.Warnf("[RTM] release session %s: %v", id, err)
	}
}

func (p *Protocol) sessionHeader(id model.SessionID) base.HeaderValue {
	if p.sessionTimeout <= 0 {
		return base.HeaderValue{string(id)}
	}
	return base.HeaderValue{fmt.Sprintf("%s;timeout=%d", id, int(p.sessionTimeout/time.Second))}
}

func (p *Protocol) onOptions(cmd Command) (Reply, error) {
	if cmd.SessionID != "" {
		if err := p.sessions.Touch(cmd.SessionID); err != nil {
			p.log("OPTIONS keep-alive for %s: %v", cmd.SessionID, err)
		}
	}

	public := make([]string, 0, len(p.methods))
	for _, m := range p.methods {
		public = append(public, string(m))
	}
	return Reply{
		StatusCode: base.StatusOK,
		Header: base.Header{
			"Public": base.HeaderValue{strings.Join(public, ", ")},
		},
	}, nil
}

func (p *Protocol) onDescribe(cmd Command) (Reply, error) {
	md, err := p.sessions.Describe(cmd.MediaID)
	if err != nil {
		return Reply{}, err
	}

	body, err := SessionDescription(md, cmd.Local)
	if err != nil {
		return Reply{}, err
	}

	return Reply{
		StatusCode: base.StatusOK,
		Header: base.Header{
			"Content-Base": base.HeaderValue{strings.TrimSuffix(cmd.URL, "/") + "/"},
			"Content-Type": base.HeaderValue{"application/sdp"},
		},
		Body: body,
	}, nil
}

func (p *Protocol) onSetup(ctx context.Context, cmd Command) (Reply, error) {
	th, err := ParseTransport(cmd.Transport)
	if err != nil {
		return Reply{}, err
	}

	ct := model.ClientTransport{
		Addr:     th.Destination,
		RTPPort:  th.RTPPort,
		RTCPPort: th.RTCPPort,
	}
	if ct.Addr == "" {
		ct.Addr = cmd.Remote
	}

	id := cmd.SessionID
	created := false
	if id == "" {
		if id, err = p.sessions.Open(cmd.MediaID); err != nil {
			return Reply{}, err
		}
		created = true
	} else {
		info, err := p.sessions.Info(id)
		if err != nil {
			return Reply{}, err
		}
		if cmd.MediaID != "" && cmd.MediaID != info.MediaID {
			return Reply{}, fmt.Errorf("SETUP %s on session %s for %s: %w",
				cmd.MediaID, id, info.MediaID, ErrAggregateNotAllowed)
		}
	}

	lease, err := p.sessions.Setup(ctx, id, ct)
	if err != nil {
		if created {
			if terr := p.sessions.Teardown(id); terr != nil {
				p.log("teardown of failed session %s: %v", id, terr)
			}
		}
		return Reply{}, err
	}

	res := Reply{
		StatusCode: base.StatusOK,
		Header: base.Header{
			"Transport": base.HeaderValue{fmt.Sprintf("%s;server_port=%d-%d",
				th, lease.ServerRTPPort, lease.ServerRTCPPort)},
			"Session": p.sessionHeader(id),
		},
	}
	if created {
		res.Session = id
	}
	return res, nil
}

func (p *Protocol) onPlay(ctx context.Context, cmd Command) (Reply, error) {
	if cmd.SessionID == "" {
		return Reply{}, model.ErrSessionNotFound
	}
	if err := p.sessions.Play(ctx, cmd.SessionID); err != nil {
		return Reply{}, err
	}

	return Reply{
		StatusCode: base.StatusOK,
		Header: base.Header{
			"Session": p.sessionHeader(cmd.SessionID),
			"Range":   base.HeaderValue{"npt=0.000-"},
		},
	}, nil
}

func (p *Protocol) onPause(ctx context.Context, cmd Command) (Reply, error) {
	if cmd.SessionID == "" {
		return Reply{}, model.ErrSessionNotFound
	}
	if err := p.sessions.Pause(ctx, cmd.SessionID); err != nil {
		return Reply{}, err
	}

	return Reply{
		StatusCode: base.StatusOK,
		Header: base.Header{
			"Session": p.sessionHeader(cmd.SessionID),
		},
	}, nil
}

func (p *Protocol) onTeardown(cmd Command) (Reply, error) {
	if cmd.SessionID == "" {
		return Reply{}, model.ErrSessionNotFound
	}
	if _, err := p.sessions.State(cmd.SessionID); err != nil {
		return Reply{}, err
	}
	if err := p.sessions.Teardown(cmd.SessionID); err != nil {
		return Reply{}, err
	}
	return Reply{StatusCode: base.StatusOK}, nil
}

func (p *Protocol) onGetParameter(cmd Command) (Reply, error) {
	if cmd.SessionID == "" {
		return Reply{StatusCode: base.StatusOK}, nil
	}
	if err := p.sessions.Touch(cmd.SessionID); err != nil {
		return Reply{}, err
	}
	return Reply{
		StatusCode: base.StatusOK,
		Header: base.Header{
			"Session": p.sessionHeader(cmd.SessionID),
		},
	}, nil
}
