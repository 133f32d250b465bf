// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/okemovail/polaris/internal/model"
	"github.com/okemovail/polaris/internal/remote"
)

// =============================================================================
// SCRIPTED FAKE CLIENT
// =============================================================================

type fakeCall struct {
	endpoint string
	args     []any
}

// fakeClient hands out one connection per Connect and serves queued jobs in
// order.
type fakeClient struct {
	mu         sync.Mutex
	connectErr error
	targets    []string
	submits    []fakeCall
	predicts   []fakeCall
	jobs       []*fakeJob
	submitErr  error
	predictRes remote.Unit
	predictErr error
	conns      []*fakeConn
}

func (f *fakeClient) Connect(ctx context.Context, target string) (remote.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	conn := &fakeConn{client: f, target: target}
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *fakeClient) enqueue(j *fakeJob) *fakeJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, j)
	return j
}

func (f *fakeClient) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.targets)
}

func (f *fakeClient) submitted() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCall(nil), f.submits...)
}

func (f *fakeClient) predicted() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCall(nil), f.predicts...)
}

type fakeConn struct {
	client *fakeClient
	target string

	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Target() string { return c.target }

func (c *fakeConn) Submit(ctx context.Context, endpoint string, args []any) (remote.Job, error) {
	f := c.client
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, fakeCall{endpoint: endpoint, args: args})
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if len(f.jobs) == 0 {
		return nil, errors.New("fake: no job queued")
	}
	j := f.jobs[0]
	f.jobs = f.jobs[1:]
	return j, nil
}

func (c *fakeConn) Predict(ctx context.Context, endpoint string, args []any) (remote.Unit, error) {
	f := c.client
	f.mu.Lock()
	defer f.mu.Unlock()
	f.predicts = append(f.predicts, fakeCall{endpoint: endpoint, args: args})
	return f.predictRes, f.predictErr
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// =============================================================================
// SCRIPTED JOBS
// =============================================================================

type step struct {
	unit remote.Unit
	err  error
}

// fakeJob yields steps from a channel; a closed channel means io.EOF.
// With ignoreCancel set, Next keeps waiting after ctx ends, like a network
// read that cannot be aborted.
type fakeJob struct {
	steps        chan step
	ignoreCancel bool

	mu     sync.Mutex
	closed bool
}

// scripted returns a job that yields steps and then ends.
func scripted(steps ...step) *fakeJob {
	ch := make(chan step, len(steps))
	for _, s := range steps {
		ch <- s
	}
	close(ch)
	return &fakeJob{steps: ch}
}

// live returns a job fed by push and ended by end.
func live() *fakeJob {
	return &fakeJob{steps: make(chan step)}
}

func (j *fakeJob) push(s step) { j.steps <- s }
func (j *fakeJob) end()        { close(j.steps) }

func (j *fakeJob) Next(ctx context.Context) (remote.Unit, error) {
	if j.ignoreCancel {
		s, ok := <-j.steps
		if !ok {
			return remote.Unit{}, io.EOF
		}
		return s.unit, s.err
	}
	select {
	case s, ok := <-j.steps:
		if !ok {
			return remote.Unit{}, io.EOF
		}
		return s.unit, s.err
	case <-ctx.Done():
		return remote.Unit{}, ctx.Err()
	}
}

func (j *fakeJob) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}

func (j *fakeJob) isClosed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closed
}

// =============================================================================
// UNIT BUILDERS
// =============================================================================

// transcript builds a unit whose first output is the raw JSON transcript.
func transcript(raw string) step {
	return step{unit: remote.Unit{Data: []json.RawMessage{json.RawMessage(raw)}}}
}

// withStatus builds a unit with a transcript and a status message.
func withStatus(raw, status string) step {
	s, _ := json.Marshal(status)
	return step{unit: remote.Unit{Data: []json.RawMessage{json.RawMessage(raw), s}}}
}

// pair builds a single-pair transcript unit.
func pair(user string, assistant *string) step {
	raw, _ := json.Marshal([][2]*string{{&user, assistant}})
	return transcript(string(raw))
}

func failure(err error) step {
	return step{err: err}
}

// =============================================================================
// RECORDERS
// =============================================================================

type recorder struct {
	mu        sync.Mutex
	snapshots []model.Session
	statuses  []statusMsg
	archived  []model.Session
}

type statusMsg struct {
	msg     string
	isError bool
}

func (r *recorder) Render(s model.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *recorder) Status(msg string, isError bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, statusMsg{msg, isError})
}

func (r *recorder) SaveSession(ctx context.Context, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archived = append(r.archived, s.Clone())
	return nil
}

func (r *recorder) renders() []model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Session(nil), r.snapshots...)
}

func (r *recorder) statusLog() []statusMsg {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]statusMsg(nil), r.statuses...)
}

func (r *recorder) archives() []model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Session(nil), r.archived...)
}
