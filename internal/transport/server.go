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
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Run serves the admin gRPC endpoint until the context is done. Health is
// switched to NOT_SERVING before the server drains.
func Run(opts ...Option) error {
	cfg := options{
		Context: context.Background(),
		Logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.GrpcListener == nil {
		return errors.New("grpc listener not set")
	}
	if cfg.Health == nil {
		cfg.Health = health.NewServer()
		cfg.Health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	}

	log := cfg.Logger

	grpcServer, err := newGrpcServer(&cfg)
	if err != nil {
		return err
	}

	wg := sync.WaitGroup{}

	var gprcErrs = make(chan error, 1)
	wg.Add(1)
	go func() {
		err := grpcServer.start()
		gprcErrs <- err
		log.Debugf("[GRPC] server has exited: %v", err)
		wg.Done()
	}()

	defer wg.Wait() // Wait for server run processes to exit before returning

	select {
	case err := <-gprcErrs:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		log.Errorf("[GRPC] failed to run the GRPC server: %v", err)
		return err
	case <-cfg.Context.Done():
		cfg.Health.Shutdown()
		grpcServer.close()
		return nil
	}
}
