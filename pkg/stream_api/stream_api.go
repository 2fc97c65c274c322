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

// Package stream_api publishes session state to an etcd registry
package stream_api

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/media-streaming-mesh/msm-rtsp/internal/session"
	"github.com/media-streaming-mesh/msm-rtsp/pkg/model"
)

var (
	requestTimeout = 10 * time.Second
	queueSize      = 256
)

// KV is the subset of the etcd key-value API the registry uses.
// *clientv3.Client satisfies it.
type KV interface {
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
}

type StreamAPI struct {
	logger *logrus.Logger
	kv     KV
	prefix string
	events chan session.Event
	closer func() error
}

// NewStreamAPI connects to the etcd cluster at endpoints
func NewStreamAPI(logger *logrus.Logger, endpoints []string, dialTimeout time.Duration, prefix string) (*StreamAPI, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	s := NewStreamAPIWithKV(logger, cli, prefix)
	s.closer = cli.Close
	return s, nil
}

// NewStreamAPIWithKV publishes to an existing key-value store
func NewStreamAPIWithKV(logger *logrus.Logger, kv KV, prefix string) *StreamAPI {
	return &StreamAPI{
		logger: logger,
		kv:     kv,
		prefix: prefix,
		events: make(chan session.Event, queueSize),
	}
}

func (s *StreamAPI) log(format string, args ...interface{}) {
	s.logger.Debugf("[Stream API] " + fmt.Sprintf(format, args...))
}

func (s *StreamAPI) logError(format string, args ...interface{}) {
	s.logger.Errorf("[Stream API] " + fmt.Sprintf(format, args...))
}

func (s *StreamAPI) sessionKey(id model.SessionID) string {
	return path.Join(s.prefix, "sessions", string(id))
}

// SessionChanged queues the event for publication. Events are dropped
// when the registry falls too far behind.
func (s *StreamAPI) SessionChanged(ev session.Event) {
	select {
	case s.events <- ev:
	default:
		s.logError("queue full, dropping %s update for session %s", ev.Info.State, ev.Info.ID)
	}
}

// Run publishes queued events in order until ctx is done. Events already
// queued at that point are still published, bounded by the request timeout.
func (s *StreamAPI) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drain(ctx)
			return nil
		case ev := <-s.events:
			if err := s.publish(ctx, ev); err != nil {
				s.logError("publish session %s: %v", ev.Info.ID, err)
			}
		}
	}
}

func (s *StreamAPI) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requestTimeout)
	defer cancel()

	for {
		select {
		case ev := <-s.events:
			if err := s.publish(ctx, ev); err != nil {
				s.logError("publish session %s on shutdown: %v", ev.Info.ID, err)
			}
		default:
			return
		}
	}
}

func (s *StreamAPI) publish(ctx context.Context, ev session.Event) error {
	if ev.Info.State == model.StateTerminated {
		return s.Delete(ctx, ev.Info.ID)
	}
	return s.Put(ctx, ev)
}

// Put stores the session record
func (s *StreamAPI) Put(ctx context.Context, ev session.Event) error {
	data, err := encodeSession(ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	resp, err := s.kv.Put(ctx, s.sessionKey(ev.Info.ID), string(data))
	if err != nil {
		return err
	}
	s.log("PUT session %s state %s, revision %d", ev.Info.ID, ev.Info.State, resp.Header.GetRevision())
	return nil
}

// Delete removes the session record
func (s *StreamAPI) Delete(ctx context.Context, id model.SessionID) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	resp, err := s.kv.Delete(ctx, s.sessionKey(id))
	if err != nil {
		return err
	}
	s.log("DELETE session %s, %d removed", id, resp.Deleted)
	return nil
}

// GetSessions reads every published session record
func (s *StreamAPI) GetSessions(ctx context.Context) ([]model.SessionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	resp, err := s.kv.Get(ctx, s.sessionKey("")+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	sessions := make([]model.SessionInfo, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		info, err := decodeSession(kv.Value)
		if err != nil {
			s.logError("skipping %s: %v", kv.Key, err)
			continue
		}
		sessions = append(sessions, info)
	}
	return sessions, nil
}

// DeleteSessions clears every session record under the prefix
func (s *StreamAPI) DeleteSessions(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	resp, err := s.kv.Delete(ctx, s.sessionKey("")+"/", clientv3.WithPrefix())
	if err != nil {
		return err
	}
	s.log("DELETE all sessions, %d removed", resp.Deleted)
	return nil
}

// Close closes the etcd client if this API created it
func (s *StreamAPI) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func encodeSession(ev session.Event) ([]byte, error) {
	info := ev.Info
	fields := map[string]interface{}{
		"id":            string(info.ID),
		"media":         info.MediaID,
		"state":         info.State.String(),
		"server_ports":  ports(info.ServerPorts),
		"client_addr":   info.ClientAddr,
		"client_ports":  ports(info.ClientPorts),
		"created_at":    info.CreatedAt.UTC().Format(time.RFC3339Nano),
		"last_activity": info.LastActivity.UTC().Format(time.RFC3339Nano),
	}
	if ev.Reason != nil {
		fields["reason"] = ev.Reason.Error()
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", info.ID, err)
	}
	return proto.Marshal(st)
}

func ports(list []int) []interface{} {
	out := make([]interface{}, 0, len(list))
	for _, p := range list {
		out = append(out, p)
	}
	return out
}

func decodeSession(data []byte) (model.SessionInfo, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return model.SessionInfo{}, fmt.Errorf("decode session: %w", err)
	}
	f := st.GetFields()

	info := model.SessionInfo{
		ID:          model.SessionID(f["id"].GetStringValue()),
		MediaID:     f["media"].GetStringValue(),
		ClientAddr:  f["client_addr"].GetStringValue(),
		ServerPorts: intList(f["server_ports"]),
		ClientPorts: intList(f["client_ports"]),
	}
	if info.ID == "" {
		return model.SessionInfo{}, fmt.Errorf("decode session: missing id")
	}

	state, err := model.ParseSessionState(f["state"].GetStringValue())
	if err != nil {
		return model.SessionInfo{}, fmt.Errorf("decode session %s: %w", info.ID, err)
	}
	info.State = state

	info.CreatedAt, _ = time.Parse(time.RFC3339Nano, f["created_at"].GetStringValue())
	info.LastActivity, _ = time.Parse(time.RFC3339Nano, f["last_activity"].GetStringValue())
	return info, nil
}

func intList(v *structpb.Value) []int {
	values := v.GetListValue().GetValues()
	if len(values) == 0 {
		return nil
	}
	out := make([]int, 0, len(values))
	for _, n := range values {
		out = append(out, int(n.GetNumberValue()))
	}
	return out
}
