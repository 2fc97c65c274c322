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

package core

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/media-streaming-mesh/msm-rtsp/internal/config"
	"github.com/media-streaming-mesh/msm-rtsp/internal/metrics"
	"github.com/media-streaming-mesh/msm-rtsp/internal/session"
	"github.com/media-streaming-mesh/msm-rtsp/internal/transport"
	"github.com/media-streaming-mesh/msm-rtsp/pkg/model"
	"github.com/media-streaming-mesh/msm-rtsp/pkg/stream_api"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

type fixture struct {
	cfg     *config.Cfg
	app     *App
	manager *session.Manager
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithRegistry(t, nil)
}

func newFixtureWithRegistry(t *testing.T, kv stream_api.KV) *fixture {
	t.Helper()

	_, grpcPort, err := net.SplitHostPort(freeAddr(t))
	require.NoError(t, err)

	cfg, err := config.Parse([]string{
		"-rtspAddr", freeAddr(t),
		"-grpcPort", grpcPort,
		"-metricsAddr", freeAddr(t),
	})
	require.NoError(t, err)
	cfg.Logger.SetOutput(io.Discard)

	fw, err := NewFramework(cfg)
	require.NoError(t, err)
	factory := NewFactory(cfg, fw)
	ports, err := NewPortMapper(cfg)
	require.NoError(t, err)
	streams := NewStreamMapper(cfg, factory)
	m := metrics.NewMetrics()
	registry, err := NewRegistry(cfg)
	require.NoError(t, err)
	require.Nil(t, registry)
	if kv != nil {
		registry = stream_api.NewStreamAPIWithKV(cfg.Logger, kv, cfg.File.Registry.Prefix)
	}

	mgr := NewSessionManager(cfg, ports, streams, factory, m, registry)
	app := NewApp(cfg, mgr, NewProtocol(cfg, mgr, m), NewUrlHandler(cfg), m, registry)

	return &fixture{cfg: cfg, app: app, manager: mgr}
}

type reply struct {
	code   int
	header map[string]string
}

func request(t *testing.T, rw *bufio.ReadWriter, lines ...string) reply {
	t.Helper()
	_, err := rw.WriteString(strings.Join(lines, "\r\n") + "\r\n\r\n")
	require.NoError(t, err)
	require.NoError(t, rw.Flush())

	status, err := rw.ReadString('\n')
	require.NoError(t, err)
	fields := strings.SplitN(strings.TrimSpace(status), " ", 3)
	require.Len(t, fields, 3)
	code, err := strconv.Atoi(fields[1])
	require.NoError(t, err)

	r := reply{code: code, header: make(map[string]string)}
	for {
		line, err := rw.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		kv := strings.SplitN(line, ":", 2)
		require.Len(t, kv, 2)
		r.header[kv[0]] = strings.TrimSpace(kv[1])
	}
	if n, _ := strconv.Atoi(r.header["Content-Length"]); n > 0 {
		_, err := io.CopyN(io.Discard, rw, int64(n))
		require.NoError(t, err)
	}
	return r
}

func TestAppRun(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()

	var conn net.Conn
	require.Eventually(t, func() bool {
		var err error
		conn, err = net.Dial("tcp", f.cfg.RtspAddr)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	url := "rtsp://" + f.cfg.RtspAddr + "/test"

	r := request(t, rw, "OPTIONS "+url+" RTSP/1.0", "CSeq: 1")
	assert.Equal(t, 200, r.code)

	r = request(t, rw, "DESCRIBE "+url+" RTSP/1.0", "CSeq: 2", "Accept: application/sdp")
	assert.Equal(t, 200, r.code)
	assert.Equal(t, "application/sdp", r.header["Content-Type"])

	r = request(t, rw, "SETUP "+url+"/trackID=0 RTSP/1.0", "CSeq: 3",
		"Transport: RTP/AVP;unicast;client_port=5000-5001")
	require.Equal(t, 200, r.code)
	sessionID := strings.SplitN(r.header["Session"], ";", 2)[0]
	require.NotEmpty(t, sessionID)

	r = request(t, rw, "PLAY "+url+" RTSP/1.0", "CSeq: 4", "Session: "+sessionID)
	assert.Equal(t, 200, r.code)

	state, err := f.manager.State(model.SessionID(sessionID))
	require.NoError(t, err)
	assert.Equal(t, model.StatePlaying, state)

	client, err := transport.NewClient(net.JoinHostPort("127.0.0.1", f.cfg.Grpc.Port))
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool {
		hctx, hcancel := context.WithTimeout(ctx, time.Second)
		defer hcancel()
		status, err := client.Check(hctx, transport.ServiceName)
		return err == nil && status == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 50*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", f.cfg.MetricsAddr))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "msm_rtsp_active_sessions 1")
	assert.Contains(t, string(body), "msm_rtsp_shared_sources 1")
	assert.Contains(t, string(body), `msm_rtsp_requests_total{method="PLAY",status_code="200"} 1`)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.Equal(t, 0, f.manager.Count())
}

func TestAppRunListenError(t *testing.T) {
	f := newFixture(t)

	ln, err := net.Listen("tcp", f.cfg.RtspAddr)
	require.NoError(t, err)
	defer ln.Close()

	assert.Error(t, f.app.Run(context.Background()))
}

func TestNewFrameworkUnknown(t *testing.T) {
	f := newFixture(t)
	f.cfg.Framework = "vlc"

	_, err := NewFramework(f.cfg)
	assert.Error(t, err)
}

// registryKV keeps keys only; values are not inspected here
type registryKV struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (r *registryKV) Put(_ context.Context, key, _ string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[key] = true
	return &clientv3.PutResponse{}, nil
}

func (r *registryKV) Get(_ context.Context, _ string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	return &clientv3.GetResponse{}, nil
}

func (r *registryKV) Delete(_ context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op := clientv3.OpDelete(key, opts...)
	resp := &clientv3.DeleteResponse{}
	for k := range r.keys {
		if k == key || (len(op.RangeBytes()) > 0 && strings.HasPrefix(k, key)) {
			delete(r.keys, k)
			resp.Deleted++
		}
	}
	return resp, nil
}

func (r *registryKV) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

func TestAppRunUnpublishesSessionsOnShutdown(t *testing.T) {
	kv := &registryKV{keys: make(map[string]bool)}
	f := newFixtureWithRegistry(t, kv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", f.cfg.RtspAddr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)

	for i := 0; i < 2; i++ {
		id, err := f.manager.Open("test")
		require.NoError(t, err)
		_, err = f.manager.Setup(ctx, id, model.ClientTransport{Addr: "127.0.0.1", RTPPort: 5000 + 2*i, RTCPPort: 5001 + 2*i})
		require.NoError(t, err)
		require.NoError(t, f.manager.Play(ctx, id))
	}
	require.Eventually(t, func() bool { return kv.count() == 2 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.Equal(t, 0, kv.count())
}
