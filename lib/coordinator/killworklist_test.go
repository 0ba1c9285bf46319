// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package coordinator

import (
	"sync"
	"time"

	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&KillWorklistSuite{})

type KillWorklistSuite struct {
	mtx    sync.Mutex
	killed []string
	kw     *killWorklist
}

func (s *KillWorklistSuite) SetUpTest(c *check.C) {
	s.killed = nil
	s.kw = newKillWorklist(func(jobID dataflow.JobID, name string) {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		s.killed = append(s.killed, string(jobID)+"/"+name)
	})
}

func (s *KillWorklistSuite) TearDownTest(c *check.C) {
	s.kw.Stop()
}

// killedSoFar returns the kills performed so far. Pending is a
// round trip through the worklist goroutine, so every earlier event
// has been handled when it returns.
func (s *KillWorklistSuite) killedSoFar() []string {
	s.kw.Pending()
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]string(nil), s.killed...)
}

func (s *KillWorklistSuite) TestKillsInOrder(c *check.C) {
	s.kw.Enqueue("job1", "map (1/2)")
	s.kw.Enqueue("job1", "map (2/2)")
	c.Check(s.kw.Pending(), check.DeepEquals, map[dataflow.JobID][]string{"job1": {"map (1/2)", "map (2/2)"}})

	// not the head of the list: remembered, not killed yet
	s.kw.Running("job1", "map (2/2)")
	c.Check(s.killedSoFar(), check.HasLen, 0)

	// other jobs' events do not match
	s.kw.Running("job2", "map (1/2)")
	c.Check(s.killedSoFar(), check.HasLen, 0)

	s.kw.Running("job1", "map (1/2)")
	c.Check(s.killedSoFar(), check.DeepEquals, []string{"job1/map (1/2)", "job1/map (2/2)"})
	c.Check(s.kw.Pending(), check.HasLen, 0)
}

func (s *KillWorklistSuite) TestEachTargetKilledOnce(c *check.C) {
	s.kw.Enqueue("job1", "src (1/1)")
	s.kw.Running("job1", "src (1/1)")
	s.kw.Running("job1", "src (1/1)")
	c.Check(s.killedSoFar(), check.DeepEquals, []string{"job1/src (1/1)"})

	// a target enqueued after its vertex ran is killed when
	// the vertex runs again, e.g., after a restart
	s.kw.Enqueue("job1", "src (1/1)")
	c.Check(s.killedSoFar(), check.HasLen, 2)
}

func (s *KillWorklistSuite) TestForget(c *check.C) {
	s.kw.Enqueue("job1", "src (1/1)")
	s.kw.Forget("job1")
	s.kw.Running("job1", "src (1/1)")
	c.Check(s.killedSoFar(), check.HasLen, 0)
	c.Check(s.kw.Pending(), check.HasLen, 0)
}

func (s *KillWorklistSuite) TestStoppedWorklistDoesNotBlock(c *check.C) {
	s.kw.Stop()
	done := make(chan bool)
	go func() {
		s.kw.Enqueue("job1", "src (1/1)")
		s.kw.Running("job1", "src (1/1)")
		s.kw.Forget("job1")
		c.Check(s.kw.Pending(), check.IsNil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		c.Fatal("blocked after Stop")
	}
	// TearDownTest calls Stop again
	s.kw = newKillWorklist(func(dataflow.JobID, string) {})
}
