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

package stream_mapper

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/media-streaming-mesh/msm-rtsp/pkg/model"
	"github.com/media-streaming-mesh/msm-rtsp/pkg/pipeline"
)

var cam = model.MediaDescription{ID: "cam1", Codec: model.CodecH264}

func newTestMapper() (*StreamMapper, *pipeline.Simulated) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	sim := pipeline.NewSimulated()
	return NewStreamMapper(logger, pipeline.NewFactory(logger, sim)), sim
}

func TestAttachSharesSource(t *testing.T) {
	m, sim := newTestMapper()
	ctx := context.Background()

	var refs []*SourceRef
	for i := 0; i < 3; i++ {
		ref, err := m.Attach(ctx, cam)
		require.NoError(t, err)
		refs = append(refs, ref)
		assert.Equal(t, i+1, m.RefCount("cam1"))
	}
	assert.Equal(t, 1, m.Builds("cam1"))
	assert.Equal(t, 1, sim.Builds(pipeline.KindUpstream))
	assert.Same(t, refs[0].Upstream(), refs[2].Upstream())

	for i, ref := range refs {
		require.NoError(t, m.Detach(ref))
		assert.Equal(t, 2-i, m.RefCount("cam1"))
	}
	assert.Empty(t, m.Sources())
	assert.Empty(t, sim.Live(pipeline.KindUpstream))
}

func TestConcurrentAttachBuildsOnce(t *testing.T) {
	m, sim := newTestMapper()
	sim.BuildDelay = 20 * time.Millisecond

	const n = 10
	var wg sync.WaitGroup
	refs := make([]*SourceRef, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs[i], errs[i] = m.Attach(context.Background(), cam)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, refs[i].Upstream())
	}
	assert.Equal(t, 1, m.Builds("cam1"))
	assert.Equal(t, 1, sim.Builds(pipeline.KindUpstream))
	assert.Equal(t, n, m.RefCount("cam1"))
}

func TestCancelledWaiterWithdraws(t *testing.T) {
	m, sim := newTestMapper()
	sim.BuildDelay = 100 * time.Millisecond

	done := make(chan *SourceRef)
	go func() {
		ref, err := m.Attach(context.Background(), cam)
		assert.NoError(t, err)
		done <- ref
	}()

	require.Eventually(t, func() bool { return m.RefCount("cam1") == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ref, err := m.Attach(ctx, cam)
	assert.Nil(t, ref)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	first := <-done
	require.NotNil(t, first)
	assert.Equal(t, 1, m.RefCount("cam1"))

	require.NoError(t, m.Detach(first))
	assert.Empty(t, sim.Live(pipeline.KindUpstream))
}

func TestCancelledBuilderKeepsWaiters(t *testing.T) {
	m, sim := newTestMapper()
	sim.BuildDelay = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	builder := make(chan error, 1)
	go func() {
		_, err := m.Attach(ctx, cam)
		builder <- err
	}()
	require.Eventually(t, func() bool { return m.RefCount("cam1") == 1 }, time.Second, time.Millisecond)

	waiter := make(chan *SourceRef, 1)
	go func() {
		ref, err := m.Attach(context.Background(), cam)
		assert.NoError(t, err)
		waiter <- ref
	}()
	require.Eventually(t, func() bool { return m.RefCount("cam1") == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-builder, context.Canceled)

	ref := <-waiter
	require.NotNil(t, ref)
	require.NotNil(t, ref.Upstream())
	assert.Equal(t, 1, m.RefCount("cam1"))
	assert.Equal(t, 1, m.Builds("cam1"))
	assert.Len(t, sim.Live(pipeline.KindUpstream), 1)

	require.NoError(t, m.Detach(ref))
	assert.Empty(t, sim.Live(pipeline.KindUpstream))
}

func TestAbandonedBuildReleased(t *testing.T) {
	m, sim := newTestMapper()
	sim.BuildDelay = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ref, err := m.Attach(ctx, cam)
	assert.Nil(t, ref)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, m.Sources())

	fresh, err := m.Attach(context.Background(), cam)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Builds("cam1"))
	assert.Equal(t, 1, m.RefCount("cam1"))

	require.NoError(t, m.Detach(fresh))
	require.Eventually(t, func() bool {
		return len(sim.Live(pipeline.KindUpstream)) == 0
	}, time.Second, time.Millisecond)
}

func TestBuildFailurePropagates(t *testing.T) {
	m, sim := newTestMapper()
	sim.BuildDelay = 20 * time.Millisecond
	sim.FailBuild = func(spec pipeline.GraphSpec) error {
		return errors.New("no such element")
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Attach(context.Background(), cam)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, model.ErrPipelineBuild)
	}
	assert.Empty(t, m.Sources())
	assert.Equal(t, 0, m.RefCount("cam1"))

	sim.FailBuild = nil
	ref, err := m.Attach(context.Background(), cam)
	require.NoError(t, err)
	assert.NotNil(t, ref)
}

func TestDoubleDetach(t *testing.T) {
	m, sim := newTestMapper()
	ctx := context.Background()

	a, err := m.Attach(ctx, cam)
	require.NoError(t, err)
	b, err := m.Attach(ctx, cam)
	require.NoError(t, err)

	require.NoError(t, m.Detach(a))
	require.NoError(t, m.Detach(a))
	assert.Equal(t, 1, m.RefCount("cam1"))
	assert.Len(t, sim.Live(pipeline.KindUpstream), 1)

	require.NoError(t, m.Detach(b))
	require.NoError(t, m.Detach(nil))
	assert.Equal(t, 0, m.RefCount("cam1"))
}

func TestSourceLost(t *testing.T) {
	m, sim := newTestMapper()
	ctx := context.Background()

	lost := make(chan error, 1)
	m.OnSourceLost(func(mediaID string, err error) {
		assert.Equal(t, "cam1", mediaID)
		lost <- err
	})

	ref, err := m.Attach(ctx, cam)
	require.NoError(t, err)
	require.True(t, sim.Inject(ref.Upstream().Name(), pipeline.Message{EOS: true}))

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, pipeline.ErrEndOfStream)
	case <-time.After(time.Second):
		t.Fatal("source loss not reported")
	}
	assert.Empty(t, m.Sources())

	fresh, err := m.Attach(ctx, cam)
	require.NoError(t, err)
	assert.NotSame(t, ref.Upstream(), fresh.Upstream())
	assert.Equal(t, 2, m.Builds("cam1"))

	require.NoError(t, m.Detach(ref))
	assert.Equal(t, 1, m.RefCount("cam1"))
	assert.Len(t, sim.Live(pipeline.KindUpstream), 1)
}

func TestSourcesPerMedia(t *testing.T) {
	m, _ := newTestMapper()
	ctx := context.Background()

	_, err := m.Attach(ctx, cam)
	require.NoError(t, err)
	_, err = m.Attach(ctx, model.MediaDescription{ID: "cam2", Codec: model.CodecVP8})
	require.NoError(t, err)

	assert.Equal(t, []string{"cam1", "cam2"}, m.Sources())
	assert.Equal(t, 1, m.Builds("cam1"))
	assert.Equal(t, 1, m.Builds("cam2"))
}
