// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package instance

import (
	"context"
	"errors"
	"time"

	"git.arvados.org/dataflow.git/sdk/go/ctxlog"
	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ManagerSuite{})

type ManagerSuite struct {
	mgr *StaticManager
	reg *prometheus.Registry
}

type stubInstance struct {
	info dataflow.InstanceConnectionInfo
}

func (si *stubInstance) Name() string                                    { return si.info.Name }
func (si *stubInstance) ConnectionInfo() dataflow.InstanceConnectionInfo { return si.info }
func (si *stubInstance) SubmitTasks(context.Context, []dataflow.TaskDeploymentDescriptor) ([]dataflow.TaskSubmissionResult, error) {
	return nil, nil
}
func (si *stubInstance) CancelTask(context.Context, dataflow.JobID, dataflow.VertexID) error {
	return nil
}
func (si *stubInstance) KillTask(context.Context, dataflow.JobID, dataflow.VertexID) error {
	return nil
}
func (si *stubInstance) RemoveCheckpoints(context.Context, dataflow.JobID, []dataflow.VertexID) error {
	return nil
}
func (si *stubInstance) KillTaskManager(context.Context) error { return nil }

func (s *ManagerSuite) SetUpTest(c *check.C) {
	s.reg = prometheus.NewRegistry()
	s.mgr = NewManager(ctxlog.TestLogger(c), s.reg, dataflow.InstancesConfig{})
}

func (s *ManagerSuite) TearDownTest(c *check.C) {
	s.mgr.Stop()
}

func (s *ManagerSuite) add(name, instanceType string, slots int) {
	s.mgr.Add(&stubInstance{info: dataflow.InstanceConnectionInfo{Name: name}}, instanceType, slots)
}

func (s *ManagerSuite) TestSpreadAllocations(c *check.C) {
	s.add("tm1", "small", 2)
	s.add("tm2", "small", 2)
	s.add("big1", "large", 8)
	res, err := s.mgr.RequestInstances(context.Background(), "job1", "small", 3)
	c.Assert(err, check.IsNil)
	c.Assert(res, check.HasLen, 3)
	perInstance := map[string]int{}
	for _, r := range res {
		c.Check(r.InstanceType, check.Equals, "small")
		c.Check(r.AllocationID, check.Not(check.Equals), "")
		perInstance[r.Name()]++
	}
	c.Check(perInstance, check.DeepEquals, map[string]int{"tm1": 2, "tm2": 1})

	views := s.mgr.Instances()
	c.Assert(views, check.HasLen, 3)
	c.Check(views[1].Name, check.Equals, "tm1")
	c.Check(views[1].Allocated, check.Equals, 2)
}

func (s *ManagerSuite) TestUnknownType(c *check.C) {
	s.add("tm1", "small", 2)
	c.Check(s.mgr.HasInstanceType("small"), check.Equals, true)
	c.Check(s.mgr.HasInstanceType(""), check.Equals, true)
	c.Check(s.mgr.HasInstanceType("gpu"), check.Equals, false)
	_, err := s.mgr.RequestInstances(context.Background(), "job1", "gpu", 1)
	c.Check(errors.Is(err, ErrUnknownInstanceType), check.Equals, true)
}

func (s *ManagerSuite) TestWaitForRelease(c *check.C) {
	s.add("tm1", "", 1)
	_, err := s.mgr.RequestInstances(context.Background(), "job1", "", 1)
	c.Assert(err, check.IsNil)

	done := make(chan error)
	go func() {
		_, err := s.mgr.RequestInstances(context.Background(), "job2", "", 1)
		done <- err
	}()
	select {
	case <-done:
		c.Fatal("request should wait for a free slot")
	case <-time.After(50 * time.Millisecond):
	}
	s.mgr.ReleaseInstances("job1")
	select {
	case err := <-done:
		c.Check(err, check.IsNil)
	case <-time.After(5 * time.Second):
		c.Fatal("request did not proceed after release")
	}
}

func (s *ManagerSuite) TestTimeout(c *check.C) {
	s.add("tm1", "", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.mgr.RequestInstances(ctx, "job1", "", 2)
	c.Check(errors.Is(err, ErrInsufficientResources), check.Equals, true)
}

func (s *ManagerSuite) TestReleaseCancelsPending(c *check.C) {
	s.add("tm1", "", 1)
	done := make(chan error)
	go func() {
		_, err := s.mgr.RequestInstances(context.Background(), "job1", "", 5)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s.mgr.ReleaseInstances("job1")
	select {
	case err := <-done:
		c.Check(errors.Is(err, ErrInsufficientResources), check.Equals, true)
	case <-time.After(5 * time.Second):
		c.Fatal("pending request was not canceled")
	}
}

func (s *ManagerSuite) TestReportErrorSuspends(c *check.C) {
	s.add("tm1", "", 1)
	s.add("tm2", "", 1)
	s.mgr.ReportError("tm1", errors.New("connection refused"))
	res, err := s.mgr.RequestInstances(context.Background(), "job1", "", 1)
	c.Assert(err, check.IsNil)
	c.Check(res[0].Name(), check.Equals, "tm2")
	c.Check(s.mgr.Instances()[0].Suspended, check.Matches, ".*connection refused.*")
}

func (s *ManagerSuite) TestHeartbeatExpiry(c *check.C) {
	var lost []string
	s.mgr.SetLostFunc(func(inst Instance) { lost = append(lost, inst.Name()) })
	s.add("static", "", 1)
	hb := dataflow.Heartbeat{Instance: dataflow.InstanceConnectionInfo{Name: "dyn", URL: "http://dyn"}, Slots: 2}
	created := 0
	newInstance := func(hb dataflow.Heartbeat) Instance {
		created++
		return &stubInstance{info: hb.Instance}
	}
	s.mgr.Heartbeat(hb, newInstance)
	s.mgr.Heartbeat(hb, newInstance)
	c.Check(created, check.Equals, 1)
	inst, ok := s.mgr.InstanceByName("dyn")
	c.Assert(ok, check.Equals, true)
	c.Check(inst.ConnectionInfo().URL, check.Equals, "http://dyn")

	s.mgr.expire(time.Now().Add(time.Second))
	c.Check(lost, check.DeepEquals, []string{"dyn"})
	_, ok = s.mgr.InstanceByName("dyn")
	c.Check(ok, check.Equals, false)
	_, ok = s.mgr.InstanceByName("static")
	c.Check(ok, check.Equals, true)
}

// metricValue returns the value of the gauge or counter with the
// given name and label values, or -1 if there is no such metric.
func metricValue(c *check.C, reg *prometheus.Registry, name string, labels ...string) float64 {
	var families []*dto.MetricFamily
	var err error
	families, err = reg.Gather()
	c.Assert(err, check.IsNil)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for i, lp := range m.GetLabel() {
				if i >= len(labels) || lp.GetValue() != labels[i] {
					continue metrics
				}
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
			return m.GetCounter().GetValue()
		}
	}
	return -1
}

func (s *ManagerSuite) TestMetrics(c *check.C) {
	s.add("tm1", "small", 2)
	s.add("tm2", "small", 3)
	_, err := s.mgr.RequestInstances(context.Background(), "job1", "small", 2)
	c.Assert(err, check.IsNil)
	_, err = s.mgr.RequestInstances(context.Background(), "job1", "gpu", 1)
	c.Check(err, check.NotNil)
	c.Check(metricValue(c, s.reg, "dataflow_instances_requests_total", "ok"), check.Equals, 1.0)
	c.Check(metricValue(c, s.reg, "dataflow_instances_requests_total", "unknown"), check.Equals, 1.0)

	for deadline := time.Now().Add(5 * time.Second); metricValue(c, s.reg, "dataflow_instances_slots_inuse") != 2 && time.Now().Before(deadline); time.Sleep(5 * time.Millisecond) {
	}
	c.Check(metricValue(c, s.reg, "dataflow_instances_slots_inuse"), check.Equals, 2.0)
	c.Check(metricValue(c, s.reg, "dataflow_instances_slots_total"), check.Equals, 5.0)
	c.Check(metricValue(c, s.reg, "dataflow_instances_instances_total"), check.Equals, 2.0)
}
