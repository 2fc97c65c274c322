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
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/aler9/gortsplib/pkg/base"
	"github.com/aler9/gortsplib/pkg/liberrors"

	"github.com/media-streaming-mesh/msm-rtsp/internal/rtm"
	"github.com/media-streaming-mesh/msm-rtsp/internal/util"
	"github.com/media-streaming-mesh/msm-rtsp/pkg/model"
)

type connection struct {
	server *Server
	conn   net.Conn
	key    model.ConnectionKey

	localIP  string
	remoteIP string

	// sessions created over this connection
	sessions map[model.SessionID]struct{}

	closeOnce sync.Once
}

func newConnection(s *Server, nc net.Conn) *connection {
	local, remote := nc.LocalAddr().String(), nc.RemoteAddr().String()
	return &connection{
		server:   s,
		conn:     nc,
		key:      model.NewConnectionKey(local, remote),
		localIP:  util.GetRemoteIPv4Address(local),
		remoteIP: util.GetRemoteIPv4Address(remote),
		sessions: make(map[model.SessionID]struct{}),
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

func (c *connection) run(ctx context.Context) {
	logger := c.server.logger.WithField("remote", c.key.Remote)
	logger.Info("[RTSP] connection opened")

	rb := bufio.NewReader(c.conn)
	bw := bufio.NewWriter(c.conn)

	for {
		if c.server.readTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.server.readTimeout)); err != nil {
				logger.Debugf("[RTSP] set read deadline: %v", err)
			}
		}

		req, err := readRequest(rb)
		if err != nil {
			if !isClosedErr(err) {
				logger.Warnf("[RTSP] bad request: %v", err)
				res := &Response{
					StatusCode: base.StatusBadRequest,
					Reason:     rtm.Reason(base.StatusBadRequest),
				}
				if err := res.write(bw); err != nil {
					logger.Debugf("[RTSP] write bad request response: %v", err)
				}
			}
			break
		}

		res := c.handle(ctx, req)
		if err := res.write(bw); err != nil {
			logger.Warnf("[RTSP] write response: %v", err)
			break
		}
	}

	c.close()
	c.release()
	logger.Info("[RTSP] connection closed")
}

func (c *connection) handle(ctx context.Context, req *Request) *Response {
	c.server.log("%s %s from %s", req.Method, req.RawURL, c.key.Remote)

	cseq, ok := req.Header["CSeq"]
	if !ok || len(cseq) != 1 {
		c.server.logger.WithField("remote", c.key.Remote).Warnf("[RTSP] %v", liberrors.ErrServerCSeqMissing{})
		return &Response{
			StatusCode: base.StatusBadRequest,
			Reason:     rtm.Reason(base.StatusBadRequest),
			Header:     base.Header{},
		}
	}

	cmd := rtm.Command{
		Method:    req.Method,
		URL:       req.RawURL,
		SessionID: getSessionID(req.Header),
		CSeq:      cseq[0],
		Remote:    c.remoteIP,
		Local:     c.localIP,
	}
	if t, ok := req.Header["Transport"]; ok && len(t) > 0 {
		cmd.Transport = strings.Join(t, ",")
	}

	switch req.Method {
	case base.Describe, base.Setup:
		mediaID, err := c.server.urlHandler.MediaID(req.RawURL)
		if err != nil {
			c.server.log("%v", err)
			return &Response{
				StatusCode: base.StatusBadRequest,
				Reason:     rtm.Reason(base.StatusBadRequest),
				Header:     base.Header{"CSeq": cseq},
			}
		}
		cmd.MediaID = mediaID
	}

	reply := c.server.handler.Handle(ctx, cmd)

	if reply.Session != "" {
		c.sessions[reply.Session] = struct{}{}
	}
	if req.Method == base.Teardown && reply.StatusCode == base.StatusOK {
		delete(c.sessions, cmd.SessionID)
	}

	return &Response{
		StatusCode: reply.StatusCode,
		Reason:     rtm.Reason(reply.StatusCode),
		Header:     reply.Header,
		Content:    reply.Body,
	}
}

// release tears down sessions this connection created, if configured to
func (c *connection) release() {
	if !c.server.teardownOnDisconnect {
		return
	}
	for id := range c.sessions {
		c.server.log("releasing session %s of closed connection %s", id, c.key.Remote)
		c.server.handler.Release(id)
	}
	c.sessions = nil
}

func getSessionID(header base.Header) model.SessionID {
	if h, ok := header["Session"]; ok && len(h) == 1 {
		id, _, _ := strings.Cut(h[0], ";")
		return model.SessionID(strings.TrimSpace(id))
	}
	return ""
}

func isClosedErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
