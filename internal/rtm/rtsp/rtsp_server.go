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

package rtsp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/media-streaming-mesh/msm-rtsp/internal/rtm"
	"github.com/media-streaming-mesh/msm-rtsp/pkg/model"
	msm_url "github.com/media-streaming-mesh/msm-rtsp/pkg/url-routing/handler"
)

// Handler runs parsed commands. Release is called for sessions left
// behind by a closed connection.
type Handler interface {
	Handle(ctx context.Context, cmd rtm.Command) rtm.Reply
	Release(id model.SessionID)
}

// Server accepts RTSP connections and feeds their requests to a Handler
type Server struct {
	logger     *logrus.Logger
	listener   net.Listener
	handler    Handler
	urlHandler *msm_url.UrlHandler

	teardownOnDisconnect bool
	readTimeout          time.Duration

	mu     sync.Mutex
	conns  map[*connection]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Option configures NewServer
type Option func(*options)

// options configure the RTSP server
type options struct {
	// Logger is the logger to use.
	Logger *logrus.Logger

	// Listener accepts RTSP connections
	Listener net.Listener

	// Handler runs the parsed commands
	Handler Handler

	// UrlHandler maps request urls to media ids
	UrlHandler *msm_url.UrlHandler

	// TeardownOnDisconnect releases a connection's sessions when it closes
	TeardownOnDisconnect bool

	// ReadTimeout bounds the wait for the next request, zero waits forever
	ReadTimeout time.Duration
}

// UseLogger sets the logger
func UseLogger(log *logrus.Logger) Option {
	return func(opts *options) {
		opts.Logger = log
	}
}

// UseListener sets the RTSP listener
func UseListener(ln net.Listener) Option {
	return func(opts *options) { opts.Listener = ln }
}

// UseHandler sets the command handler
func UseHandler(h Handler) Option {
	return func(opts *options) {
		opts.Handler = h
	}
}

// UseUrlHandler sets the url to media resolver
func UseUrlHandler(uh *msm_url.UrlHandler) Option {
	return func(opts *options) {
		opts.UrlHandler = uh
	}
}

// UseTeardownOnDisconnect releases sessions with their connection
func UseTeardownOnDisconnect(enabled bool) Option {
	return func(opts *options) {
		opts.TeardownOnDisconnect = enabled
	}
}

// UseReadTimeout sets the per request read deadline
func UseReadTimeout(d time.Duration) Option {
	return func(opts *options) {
		opts.ReadTimeout = d
	}
}

func NewServer(opts ...Option) (*Server, error) {
	var cfg options
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.Listener == nil {
		return nil, errors.New("rtsp server needs a listener")
	}
	if cfg.Handler == nil {
		return nil, errors.New("rtsp server needs a handler")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.UrlHandler == nil {
		cfg.UrlHandler = msm_url.NewUrlHandler(cfg.Logger, nil)
	}

	return &Server{
		logger:               cfg.Logger,
		listener:             cfg.Listener,
		handler:              cfg.Handler,
		urlHandler:           cfg.UrlHandler,
		teardownOnDisconnect: cfg.TeardownOnDisconnect,
		readTimeout:          cfg.ReadTimeout,
		conns:                make(map[*connection]struct{}),
	}, nil
}

func (s *Server) log(format string, args ...interface{}) {
	// keep remote address outside format, since it can contain %
	s.logger.Debugf("[RTSP] " + fmt.Sprintf(format, args...))
}

// Addr is the address the server listens on
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done or Close is called
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.logger.Infof("[RTSP] listening on %s", s.listener.Addr())
	defer s.wg.Wait()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			return err
		}

		c := newConnection(s, nc)
		if !s.track(c) {
			nc.Close()
			return nil
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(c)
			c.run(ctx)
		}()
	}
}

func (s *Server) track(c *connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting and drops every open connection
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := s.listener.Close()
	for _, c := range conns {
		c.close()
	}
	return err
}

// Connections is the number of open client connections
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
