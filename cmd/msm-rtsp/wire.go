//go:build wireinject
// +build wireinject

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

package main

import (
	"github.com/google/wire"

	"github.com/media-streaming-mesh/msm-rtsp/internal/config"
	"github.com/media-streaming-mesh/msm-rtsp/internal/core"
	"github.com/media-streaming-mesh/msm-rtsp/internal/metrics"
)

func initApp() (*core.App, error) {
	wire.Build(
		config.New,
		metrics.NewMetrics,
		core.NewFramework,
		core.NewFactory,
		core.NewPortMapper,
		core.NewStreamMapper,
		core.NewRegistry,
		core.NewSessionManager,
		core.NewProtocol,
		core.NewUrlHandler,
		core.NewApp,
	)
	return nil, nil
}
