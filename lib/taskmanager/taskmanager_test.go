// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskmanager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"time"

	"git.arvados.org/dataflow.git/lib/instance"
	"git.arvados.org/dataflow.git/sdk/go/ctxlog"
	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&TaskManagerSuite{})

// stubCoordinator records reports and answers lookups with the
// lookup func, which gets the number of previous lookups of the same
// channel.
type stubCoordinator struct {
	lookup func(id dataflow.ChannelID, n int) dataflow.ConnectionInfoLookupResponse

	mtx         sync.Mutex
	states      map[dataflow.VertexID][]dataflow.ExecutionState
	descs       map[dataflow.VertexID]string
	checkpoints map[dataflow.VertexID]dataflow.CheckpointState
	lookups     map[dataflow.ChannelID]int
	heartbeats  int
}

func (sc *stubCoordinator) UpdateTaskExecutionState(ctx context.Context, st dataflow.TaskExecutionState) error {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	if sc.states == nil {
		sc.states = map[dataflow.VertexID][]dataflow.ExecutionState{}
		sc.descs = map[dataflow.VertexID]string{}
	}
	sc.states[st.VertexID] = append(sc.states[st.VertexID], st.State)
	if st.Description != "" {
		sc.descs[st.VertexID] = st.Description
	}
	return nil
}

func (sc *stubCoordinator) UpdateCheckpointState(ctx context.Context, st dataflow.TaskCheckpointState) error {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	if sc.checkpoints == nil {
		sc.checkpoints = map[dataflow.VertexID]dataflow.CheckpointState{}
	}
	sc.checkpoints[st.VertexID] = st.State
	return nil
}

func (sc *stubCoordinator) LookupConnectionInfo(ctx context.Context, caller dataflow.InstanceConnectionInfo, jobID dataflow.JobID, channelID dataflow.ChannelID) (dataflow.ConnectionInfoLookupResponse, error) {
	sc.mtx.Lock()
	if sc.lookups == nil {
		sc.lookups = map[dataflow.ChannelID]int{}
	}
	n := sc.lookups[channelID]
	sc.lookups[channelID]++
	sc.mtx.Unlock()
	if sc.lookup == nil {
		return dataflow.LookupResponseNotFound(), nil
	}
	return sc.lookup(channelID, n), nil
}

func (sc *stubCoordinator) Heartbeat(ctx context.Context, hb dataflow.Heartbeat) error {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	sc.heartbeats++
	return nil
}

func (sc *stubCoordinator) statesOf(id dataflow.VertexID) []dataflow.ExecutionState {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	return append([]dataflow.ExecutionState(nil), sc.states[id]...)
}

func (sc *stubCoordinator) description(id dataflow.VertexID) string {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	return sc.descs[id]
}

func (sc *stubCoordinator) checkpoint(id dataflow.VertexID) dataflow.CheckpointState {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	return sc.checkpoints[id]
}

// waitTerminal waits for the vertex to report a terminal state and
// returns it.
func (sc *stubCoordinator) waitTerminal(c *check.C, id dataflow.VertexID) dataflow.ExecutionState {
	for deadline := time.Now().Add(10 * time.Second); time.Now().Before(deadline); time.Sleep(5 * time.Millisecond) {
		states := sc.statesOf(id)
		if len(states) > 0 && states[len(states)-1].IsTerminal() {
			return states[len(states)-1]
		}
	}
	c.Fatalf("timed out waiting for %s: reported %v", id, sc.statesOf(id))
	return ""
}

func (sc *stubCoordinator) waitRunning(c *check.C, id dataflow.VertexID) {
	for deadline := time.Now().Add(10 * time.Second); time.Now().Before(deadline); time.Sleep(5 * time.Millisecond) {
		if len(sc.statesOf(id)) > 0 {
			return
		}
	}
	c.Fatalf("timed out waiting for %s to start", id)
}

func notReady(dataflow.ChannelID, int) dataflow.ConnectionInfoLookupResponse {
	return dataflow.LookupResponseNotReady()
}

type TaskManagerSuite struct {
	coord *stubCoordinator
	tm    *TaskManager
	jobID dataflow.JobID
}

func (s *TaskManagerSuite) SetUpTest(c *check.C) {
	s.coord = &stubCoordinator{}
	s.tm = s.newTaskManager(c, "tm1", s.coord)
	s.jobID = dataflow.NewJobID()
}

func (s *TaskManagerSuite) TearDownTest(c *check.C) {
	s.tm.Stop()
}

func (s *TaskManagerSuite) newTaskManager(c *check.C, name string, coord CoordinatorClient) *TaskManager {
	tm, err := New(ctxlog.TestLogger(c), prometheus.NewRegistry(), dataflow.TaskManagerConfig{
		Name:                name,
		DataListen:          "127.0.0.1:0",
		InstanceType:        "default",
		Slots:               4,
		SpillDirectory:      c.MkDir(),
		LookupTimeout:       dataflow.Duration(time.Second),
		LookupRetryInterval: dataflow.Duration(10 * time.Millisecond),
	}, coord)
	c.Assert(err, check.IsNil)
	return tm
}

func (s *TaskManagerSuite) task(name, invokable string, config map[string]string) dataflow.TaskDeploymentDescriptor {
	return dataflow.TaskDeploymentDescriptor{
		JobID:      s.jobID,
		VertexID:   dataflow.NewVertexID(),
		TaskName:   name,
		Index:      0,
		Total:      1,
		Invokable:  invokable,
		TaskConfig: config,
	}
}

// connect adds a one-channel gate from producer to consumer and
// returns the channel's output and input IDs.
func connect(producer, consumer *dataflow.TaskDeploymentDescriptor, ct dataflow.ChannelType, level dataflow.CompressionLevel) (dataflow.ChannelID, dataflow.ChannelID) {
	cd := dataflow.ChannelDeploymentDescriptor{
		OutputChannelID: dataflow.NewChannelID(),
		InputChannelID:  dataflow.NewChannelID(),
	}
	producer.OutputGates = append(producer.OutputGates, dataflow.GateDeploymentDescriptor{
		GateID:      dataflow.NewGateID(),
		ChannelType: ct,
		Compression: level,
		Channels:    []dataflow.ChannelDeploymentDescriptor{cd},
	})
	consumer.InputGates = append(consumer.InputGates, dataflow.GateDeploymentDescriptor{
		GateID:      dataflow.NewGateID(),
		ChannelType: ct,
		Compression: level,
		Channels:    []dataflow.ChannelDeploymentDescriptor{cd},
	})
	return cd.OutputChannelID, cd.InputChannelID
}

func (s *TaskManagerSuite) submit(c *check.C, tm *TaskManager, tasks ...dataflow.TaskDeploymentDescriptor) []dataflow.TaskSubmissionResult {
	results, err := tm.SubmitTasks(context.Background(), tasks)
	c.Assert(err, check.IsNil)
	c.Assert(results, check.HasLen, len(tasks))
	return results
}

var finishedSequence = []dataflow.ExecutionState{
	dataflow.ExecutionStateRunning,
	dataflow.ExecutionStateFinishing,
	dataflow.ExecutionStateFinished,
}

func (s *TaskManagerSuite) TestFileChannel(c *check.C) {
	gen := s.task("gen", "generator", map[string]string{ConfigRecords: "10"})
	snk := s.task("sink", "sink", map[string]string{ConfigExpectRecords: "10"})
	out, _ := connect(&gen, &snk, dataflow.ChannelTypeFile, dataflow.CompressionMedium)
	for _, r := range s.submit(c, s.tm, snk, gen) {
		c.Check(r.OK(), check.Equals, true)
	}
	c.Check(s.coord.waitTerminal(c, gen.VertexID), check.Equals, dataflow.ExecutionStateFinished)
	c.Check(s.coord.waitTerminal(c, snk.VertexID), check.Equals, dataflow.ExecutionStateFinished)
	c.Check(s.coord.statesOf(gen.VertexID), check.DeepEquals, finishedSequence)
	c.Check(s.coord.statesOf(snk.VertexID), check.DeepEquals, finishedSequence)
	c.Check(s.coord.checkpoint(gen.VertexID), check.Equals, dataflow.CheckpointStateComplete)
	c.Check(s.coord.checkpoint(snk.VertexID), check.Equals, dataflow.CheckpointStateNone)

	// no lookups for file channels
	c.Check(s.coord.lookups, check.HasLen, 0)

	path := filepath.Join(s.tm.spills.dir, string(s.jobID), string(out)+".spill")
	_, err := os.Stat(path)
	c.Check(err, check.IsNil)

	// a restarted consumer replays the complete spill
	snk2 := snk
	snk2.Attempt = 1
	s.coord.mtx.Lock()
	delete(s.coord.states, snk.VertexID)
	s.coord.mtx.Unlock()
	s.submit(c, s.tm, snk2)
	c.Check(s.coord.waitTerminal(c, snk.VertexID), check.Equals, dataflow.ExecutionStateFinished)

	c.Check(s.tm.RemoveCheckpoints(context.Background(), s.jobID, []dataflow.VertexID{gen.VertexID}), check.IsNil)
	_, err = os.Stat(path)
	c.Check(os.IsNotExist(err), check.Equals, true)
	_, err = os.Stat(filepath.Dir(path))
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *TaskManagerSuite) TestInMemoryChannelWaitsForConsumer(c *check.C) {
	gen := s.task("gen", "generator", map[string]string{ConfigRecords: "25"})
	snk := s.task("sink", "sink", map[string]string{ConfigExpectRecords: "25"})
	out, in := connect(&gen, &snk, dataflow.ChannelTypeInMemory, "")
	s.coord.lookup = func(id dataflow.ChannelID, n int) dataflow.ConnectionInfoLookupResponse {
		c.Check(id, check.Equals, out)
		if n < 3 {
			return dataflow.LookupResponseNotReady()
		}
		return dataflow.LookupResponseLocal(in)
	}
	s.submit(c, s.tm, gen, snk)
	c.Check(s.coord.waitTerminal(c, gen.VertexID), check.Equals, dataflow.ExecutionStateFinished)
	c.Check(s.coord.waitTerminal(c, snk.VertexID), check.Equals, dataflow.ExecutionStateFinished)
	c.Check(s.coord.lookups[out], check.Equals, 4)
	c.Check(s.coord.checkpoint(gen.VertexID), check.Equals, dataflow.CheckpointStateNone)
}

func (s *TaskManagerSuite) TestInMemoryChannelMustBeLocal(c *check.C) {
	gen := s.task("gen", "generator", map[string]string{ConfigRecords: "1"})
	snk := s.task("sink", "sink", nil)
	_, in := connect(&gen, &snk, dataflow.ChannelTypeInMemory, "")
	s.coord.lookup = func(dataflow.ChannelID, int) dataflow.ConnectionInfoLookupResponse {
		return dataflow.LookupResponseRemote("127.0.0.1:1", in)
	}
	s.submit(c, s.tm, gen)
	c.Check(s.coord.waitTerminal(c, gen.VertexID), check.Equals, dataflow.ExecutionStateFailed)
	c.Check(s.coord.description(gen.VertexID), check.Matches, `in-memory channel .* resolved to remote address 127\.0\.0\.1:1`)
}

func (s *TaskManagerSuite) TestNetworkChannel(c *check.C) {
	coord2 := &stubCoordinator{}
	tm2 := s.newTaskManager(c, "tm2", coord2)
	defer tm2.Stop()

	for _, level := range []dataflow.CompressionLevel{dataflow.CompressionNone, dataflow.CompressionLight, dataflow.CompressionHeavy} {
		c.Logf("compression %q", level)
		gen := s.task("gen", "generator", map[string]string{ConfigRecords: "1000"})
		snk := s.task("sink", "sink", map[string]string{ConfigExpectRecords: "1000"})
		_, in := connect(&gen, &snk, dataflow.ChannelTypeNetwork, level)
		s.coord.lookup = func(dataflow.ChannelID, int) dataflow.ConnectionInfoLookupResponse {
			return dataflow.LookupResponseRemote(tm2.ConnectionInfo().DataAddress, in)
		}
		s.submit(c, tm2, snk)
		coord2.waitRunning(c, snk.VertexID)
		s.submit(c, s.tm, gen)
		c.Check(s.coord.waitTerminal(c, gen.VertexID), check.Equals, dataflow.ExecutionStateFinished)
		c.Check(coord2.waitTerminal(c, snk.VertexID), check.Equals, dataflow.ExecutionStateFinished)
	}
}

func (s *TaskManagerSuite) TestNetworkChannelUnknownConsumer(c *check.C) {
	coord2 := &stubCoordinator{}
	tm2 := s.newTaskManager(c, "tm2", coord2)
	defer tm2.Stop()

	gen := s.task("gen", "generator", map[string]string{ConfigRecords: "1"})
	snk := s.task("sink", "sink", nil)
	_, in := connect(&gen, &snk, dataflow.ChannelTypeNetwork, "")
	s.coord.lookup = func(dataflow.ChannelID, int) dataflow.ConnectionInfoLookupResponse {
		return dataflow.LookupResponseRemote(tm2.ConnectionInfo().DataAddress, in)
	}
	s.submit(c, s.tm, gen)
	c.Check(s.coord.waitTerminal(c, gen.VertexID), check.Equals, dataflow.ExecutionStateFailed)
	c.Check(s.coord.description(gen.VertexID), check.Matches, `channel not found: .* rejected stream .*`)
}

func (s *TaskManagerSuite) TestFailurePropagatesToConsumer(c *check.C) {
	gen := s.task("gen", "generator", map[string]string{ConfigRecords: "10", ConfigFailAfter: "3"})
	snk := s.task("sink", "sink", nil)
	_, in := connect(&gen, &snk, dataflow.ChannelTypeInMemory, "")
	s.coord.lookup = func(dataflow.ChannelID, int) dataflow.ConnectionInfoLookupResponse {
		return dataflow.LookupResponseLocal(in)
	}
	s.submit(c, s.tm, snk, gen)
	c.Check(s.coord.waitTerminal(c, gen.VertexID), check.Equals, dataflow.ExecutionStateFailed)
	c.Check(s.coord.statesOf(gen.VertexID), check.DeepEquals, []dataflow.ExecutionState{
		dataflow.ExecutionStateRunning,
		dataflow.ExecutionStateFailing,
		dataflow.ExecutionStateFailed,
	})
	c.Check(s.coord.description(gen.VertexID), check.Equals, "injected failure after 3 records")
	c.Check(s.coord.waitTerminal(c, snk.VertexID), check.Equals, dataflow.ExecutionStateFailed)
	c.Check(s.coord.description(snk.VertexID), check.Matches, `.*injected failure after 3 records.*`)
}

func (s *TaskManagerSuite) TestFailureInjectionAttempts(c *check.C) {
	cfg := map[string]string{ConfigRecords: "5", ConfigFailAfter: "0", ConfigFailAttempts: "1"}
	gen := s.task("gen", "generator", cfg)
	s.submit(c, s.tm, gen)
	c.Check(s.coord.waitTerminal(c, gen.VertexID), check.Equals, dataflow.ExecutionStateFailed)

	retry := s.task("gen", "generator", cfg)
	retry.Attempt = 1
	s.submit(c, s.tm, retry)
	c.Check(s.coord.waitTerminal(c, retry.VertexID), check.Equals, dataflow.ExecutionStateFinished)

	other := s.task("gen", "generator", map[string]string{ConfigRecords: "5", ConfigFailAfter: "0", ConfigFailSubtask: "1"})
	s.submit(c, s.tm, other)
	c.Check(s.coord.waitTerminal(c, other.VertexID), check.Equals, dataflow.ExecutionStateFinished)
}

func (s *TaskManagerSuite) TestCancel(c *check.C) {
	s.coord.lookup = notReady
	gen := s.task("gen", "generator", nil)
	snk := s.task("sink", "sink", nil)
	connect(&gen, &snk, dataflow.ChannelTypeNetwork, "")
	s.submit(c, s.tm, gen)
	s.coord.waitRunning(c, gen.VertexID)
	c.Check(s.tm.CancelTask(context.Background(), s.jobID, gen.VertexID), check.IsNil)
	c.Check(s.coord.waitTerminal(c, gen.VertexID), check.Equals, dataflow.ExecutionStateCanceled)
	c.Check(s.tm.Tasks(), check.HasLen, 0)
	c.Check(s.tm.CancelTask(context.Background(), s.jobID, gen.VertexID), check.Equals, instance.ErrTaskNotFound)
}

func (s *TaskManagerSuite) TestKill(c *check.C) {
	s.coord.lookup = notReady
	gen := s.task("gen", "generator", nil)
	snk := s.task("sink", "sink", nil)
	connect(&gen, &snk, dataflow.ChannelTypeNetwork, "")
	s.submit(c, s.tm, gen)
	s.coord.waitRunning(c, gen.VertexID)
	c.Check(s.tm.KillTask(context.Background(), s.jobID, gen.VertexID), check.IsNil)
	c.Check(s.coord.waitTerminal(c, gen.VertexID), check.Equals, dataflow.ExecutionStateFailed)
	c.Check(s.coord.description(gen.VertexID), check.Equals, "task killed")
	c.Check(s.tm.KillTask(context.Background(), s.jobID, gen.VertexID), check.Equals, instance.ErrTaskNotFound)
}

func (s *TaskManagerSuite) TestSubmitIsIdempotent(c *check.C) {
	s.coord.lookup = notReady
	gen := s.task("gen", "generator", nil)
	snk := s.task("sink", "sink", nil)
	connect(&gen, &snk, dataflow.ChannelTypeNetwork, "")
	s.submit(c, s.tm, gen)
	s.submit(c, s.tm, gen)
	c.Check(s.tm.Tasks(), check.HasLen, 1)
}

func (s *TaskManagerSuite) TestUnknownInvokable(c *check.C) {
	bogus := s.task("bogus", "no-such-invokable", nil)
	gen := s.task("gen", "generator", map[string]string{ConfigRecords: "1"})
	results := s.submit(c, s.tm, bogus, gen)
	c.Check(results[0].VertexID, check.Equals, bogus.VertexID)
	c.Check(results[0].Error, check.Matches, `unknown invokable: "no-such-invokable"`)
	c.Check(results[1].OK(), check.Equals, true)
	c.Check(s.coord.waitTerminal(c, gen.VertexID), check.Equals, dataflow.ExecutionStateFinished)
}

func (s *TaskManagerSuite) TestRegisterInvokable(c *check.C) {
	var got []string
	s.tm.RegisterInvokable("collect", func(ctx context.Context, env *Environment) error {
		got = append(got, env.NameWithIndex(), env.Config("greeting"))
		return nil
	})
	t := s.task("collect", "collect", map[string]string{"greeting": "hello"})
	s.submit(c, s.tm, t)
	c.Check(s.coord.waitTerminal(c, t.VertexID), check.Equals, dataflow.ExecutionStateFinished)
	c.Check(got, check.DeepEquals, []string{"collect (1/1)", "hello"})
}

// localLookup resolves in-memory channels to their consumers.
func localLookup(pairs map[dataflow.ChannelID]dataflow.ChannelID) func(dataflow.ChannelID, int) dataflow.ConnectionInfoLookupResponse {
	return func(id dataflow.ChannelID, _ int) dataflow.ConnectionInfoLookupResponse {
		return dataflow.LookupResponseLocal(pairs[id])
	}
}

func (s *TaskManagerSuite) TestSkipRecords(c *check.C) {
	gen := s.task("gen", "generator", map[string]string{ConfigRecords: "10"})
	fwd := s.task("fwd", "forward", map[string]string{ConfigSkipRecords: "2, 5"})
	snk := s.task("sink", "sink", map[string]string{ConfigSkipRecords: "8", ConfigExpectRecords: "7"})
	out1, in1 := connect(&gen, &fwd, dataflow.ChannelTypeInMemory, "")
	out2, in2 := connect(&fwd, &snk, dataflow.ChannelTypeInMemory, "")
	s.coord.lookup = localLookup(map[dataflow.ChannelID]dataflow.ChannelID{out1: in1, out2: in2})
	s.submit(c, s.tm, snk, fwd, gen)
	c.Check(s.coord.waitTerminal(c, snk.VertexID), check.Equals, dataflow.ExecutionStateFinished)
	c.Check(s.coord.waitTerminal(c, fwd.VertexID), check.Equals, dataflow.ExecutionStateFinished)

	bad := s.task("fwd", "forward", map[string]string{ConfigSkipRecords: "0"})
	s.submit(c, s.tm, bad)
	c.Check(s.coord.waitTerminal(c, bad.VertexID), check.Equals, dataflow.ExecutionStateFailed)
	c.Check(s.coord.description(bad.VertexID), check.Equals, `invalid skip.records "0"`)
}

func (s *TaskManagerSuite) TestReadAnyDoesNotWaitForSlowInput(c *check.C) {
	release := make(chan struct{})
	s.tm.RegisterInvokable("hold", func(ctx context.Context, env *Environment) error {
		if err := env.Emit(ctx, []byte("held")); err != nil {
			return err
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	gates := make(chan int, 10)
	s.tm.RegisterInvokable("merge", func(ctx context.Context, env *Environment) error {
		return env.ReadAny(ctx, func(gate int, rec []byte) error {
			gates <- gate
			return nil
		})
	})
	hold := s.task("hold", "hold", nil)
	gen := s.task("gen", "generator", map[string]string{ConfigRecords: "5"})
	merge := s.task("merge", "merge", nil)
	out1, in1 := connect(&hold, &merge, dataflow.ChannelTypeInMemory, "")
	out2, in2 := connect(&gen, &merge, dataflow.ChannelTypeInMemory, "")
	s.coord.lookup = localLookup(map[dataflow.ChannelID]dataflow.ChannelID{out1: in1, out2: in2})
	s.submit(c, s.tm, merge, hold, gen)

	// everything arrives while the first input is still open
	counts := map[int]int{}
	for i := 0; i < 6; i++ {
		select {
		case g := <-gates:
			counts[g]++
		case <-time.After(10 * time.Second):
			c.Fatalf("timed out after %d records", i)
		}
	}
	c.Check(counts, check.DeepEquals, map[int]int{0: 1, 1: 5})
	c.Check(s.coord.waitTerminal(c, gen.VertexID), check.Equals, dataflow.ExecutionStateFinished)

	close(release)
	c.Check(s.coord.waitTerminal(c, hold.VertexID), check.Equals, dataflow.ExecutionStateFinished)
	c.Check(s.coord.waitTerminal(c, merge.VertexID), check.Equals, dataflow.ExecutionStateFinished)
}

func (s *TaskManagerSuite) TestStop(c *check.C) {
	s.coord.lookup = notReady
	gen := s.task("gen", "generator", nil)
	snk := s.task("sink", "sink", nil)
	connect(&gen, &snk, dataflow.ChannelTypeNetwork, "")
	s.submit(c, s.tm, gen)
	s.coord.waitRunning(c, gen.VertexID)

	c.Check(s.tm.KillTaskManager(context.Background()), check.IsNil)
	select {
	case <-s.tm.Done():
	case <-time.After(10 * time.Second):
		c.Fatal("timed out waiting for task manager to stop")
	}
	c.Check(s.coord.statesOf(gen.VertexID), check.DeepEquals, []dataflow.ExecutionState{
		dataflow.ExecutionStateRunning,
		dataflow.ExecutionStateFailed,
	})
	c.Check(s.coord.description(gen.VertexID), check.Equals, ErrStopped.Error())
	_, err := s.tm.SubmitTasks(context.Background(), []dataflow.TaskDeploymentDescriptor{gen})
	c.Check(err, check.Equals, ErrStopped)
	c.Check(s.tm.CheckHealth(), check.Equals, ErrStopped)
}

func (s *TaskManagerSuite) TestHeartbeats(c *check.C) {
	coord := &stubCoordinator{}
	tm, err := New(ctxlog.TestLogger(c), nil, dataflow.TaskManagerConfig{
		Name:              "tm3",
		SpillDirectory:    c.MkDir(),
		HeartbeatInterval: dataflow.Duration(10 * time.Millisecond),
	}, coord)
	c.Assert(err, check.IsNil)
	defer tm.Stop()
	for deadline := time.Now().Add(10 * time.Second); time.Now().Before(deadline); time.Sleep(5 * time.Millisecond) {
		coord.mtx.Lock()
		n := coord.heartbeats
		coord.mtx.Unlock()
		if n >= 3 {
			return
		}
	}
	c.Error("timed out waiting for heartbeats")
}

func (s *TaskManagerSuite) TestWorkerAPI(c *check.C) {
	reg := prometheus.NewRegistry()
	srv := httptest.NewServer(s.tm.Handler("secret", reg))
	defer srv.Close()
	info := s.tm.ConnectionInfo()
	info.URL = srv.URL
	remote := instance.NewRemote(info, "secret", ctxlog.TestLogger(c))
	ctx := context.Background()

	s.coord.lookup = notReady
	gen := s.task("gen", "generator", nil)
	snk := s.task("sink", "sink", nil)
	connect(&gen, &snk, dataflow.ChannelTypeNetwork, "")
	results, err := remote.SubmitTasks(ctx, []dataflow.TaskDeploymentDescriptor{gen})
	c.Assert(err, check.IsNil)
	c.Check(results, check.DeepEquals, []dataflow.TaskSubmissionResult{{VertexID: gen.VertexID}})
	s.coord.waitRunning(c, gen.VertexID)

	c.Check(remote.CancelTask(ctx, s.jobID, dataflow.NewVertexID()), check.Equals, instance.ErrTaskNotFound)
	c.Check(remote.KillTask(ctx, s.jobID, gen.VertexID), check.IsNil)
	c.Check(s.coord.waitTerminal(c, gen.VertexID), check.Equals, dataflow.ExecutionStateFailed)
	c.Check(remote.RemoveCheckpoints(ctx, s.jobID, []dataflow.VertexID{gen.VertexID}), check.IsNil)

	req, _ := http.NewRequest("GET", srv.URL+"/_health/ping", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	c.Assert(err, check.IsNil)
	resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, http.StatusOK)

	req, _ = http.NewRequest("GET", srv.URL+"/metrics", nil)
	resp, err = http.DefaultClient.Do(req)
	c.Assert(err, check.IsNil)
	resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, http.StatusUnauthorized)

	c.Check(remote.KillTaskManager(ctx), check.IsNil)
	<-s.tm.Done()
}
