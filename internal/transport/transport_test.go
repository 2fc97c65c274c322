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

package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func startServer(t *testing.T, opts ...Option) (string, context.CancelFunc, <-chan error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	opts = append([]Option{
		UseContext(ctx),
		UseLogger(logger),
		UseListener(ln),
	}, opts...)
	go func() { done <- Run(opts...) }()

	return ln.Addr().String(), cancel, done
}

func waitStopped(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("grpc server did not stop")
	}
}

func TestRunDefaultHealth(t *testing.T) {
	addr, cancel, done := startServer(t)

	client, err := NewClient(addr)
	require.NoError(t, err)
	defer client.Close()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()

	status, err := client.Check(ctx, ServiceName)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)

	_, err = client.Check(ctx, "unknown")
	assert.Error(t, err)

	cancel()
	waitStopped(t, done)
}

func TestRunSharedHealth(t *testing.T) {
	h := health.NewServer()
	h.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	addr, cancel, done := startServer(t, UseHealth(h))

	client, err := NewClient(addr)
	require.NoError(t, err)
	defer client.Close()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()

	status, err := client.Check(ctx, ServiceName)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)

	h.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	status, err = client.Check(ctx, ServiceName)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)

	cancel()
	waitStopped(t, done)
}

func TestRunWithoutListener(t *testing.T) {
	assert.Error(t, Run())
}
