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

// Command msm-rtsp-probe checks the health of a running msm-rtsp server
// over its admin gRPC endpoint. It exits non-zero unless the server
// reports SERVING.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/media-streaming-mesh/msm-rtsp/internal/transport"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9000", "admin gRPC address of the server")
	service := flag.String("service", transport.ServiceName, "health service name")
	timeout := flag.Duration("timeout", 3*time.Second, "how long to wait for an answer")
	flag.Parse()

	os.Exit(probe(*addr, *service, *timeout))
}

func probe(addr, service string, timeout time.Duration) int {
	client, err := transport.NewClient(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	status, err := client.Check(ctx, service)
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
		return 2
	}

	fmt.Println(status.String())
	if status != healthpb.HealthCheckResponse_SERVING {
		return 1
	}
	return 0
}
