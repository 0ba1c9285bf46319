// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package coordinator

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"git.arvados.org/dataflow.git/lib/config"
	"git.arvados.org/dataflow.git/lib/taskmanager"
	"git.arvados.org/dataflow.git/sdk/go/ctxlog"
	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CmdSuite{})

type CmdSuite struct{}

func (s *CmdSuite) loadConfig(c *check.C, yaml string) *dataflow.Config {
	ldr := config.NewLoader(bytes.NewBufferString(yaml), ctxlog.TestLogger(c))
	ldr.Path = "-"
	cfg, err := ldr.Load()
	c.Assert(err, check.IsNil)
	return cfg
}

func (s *CmdSuite) TestLocalTaskManagers(c *check.C) {
	spill := c.MkDir()
	cfg := s.loadConfig(c, `
ManagementToken: secret
Instances:
  Local: 2
  LocalSlots: 2
  LocalSpillDirectory: "`+spill+`"
TaskManager:
  LookupRetryInterval: 10ms
`)
	ctx, cancel := context.WithCancel(ctxlog.Context(context.Background(), ctxlog.TestLogger(c)))
	defer cancel()
	h := newHandler(ctx, cfg, prometheus.NewRegistry())
	c.Assert(h.CheckHealth(), check.IsNil)
	local := h.(*handler).local
	c.Assert(local, check.HasLen, 2)
	c.Check(local[0].Name(), check.Equals, "local1")
	c.Check(local[1].Name(), check.Equals, "local2")

	srv := httptest.NewServer(h)
	defer srv.Close()
	client := dataflow.NewClient(srv.URL, "secret", ctxlog.TestLogger(c))
	client.RetryMax = 0

	var result dataflow.JobSubmissionResult
	err := client.RequestAndDecode(ctx, &result, "POST", "/v1/jobs", dataflow.JobGraph{
		Name: "local",
		Vertices: []dataflow.JobVertex{
			{ID: "src", Name: "src", Kind: dataflow.VertexKindInput, Invokable: "generator", Parallelism: 2, Config: map[string]string{taskmanager.ConfigRecords: "5"}},
			{ID: "dst", Name: "dst", Kind: dataflow.VertexKindOutput, Invokable: "sink", Parallelism: 2, Config: map[string]string{taskmanager.ConfigExpectRecords: "5"}},
		},
		Edges: []dataflow.JobEdge{
			{Source: "src", Target: "dst", ChannelType: dataflow.ChannelTypeNetwork, Pattern: dataflow.Pointwise},
		},
	})
	c.Assert(err, check.IsNil)

	var snap dataflow.GraphSnapshot
	for deadline := time.Now().Add(20 * time.Second); ; time.Sleep(20 * time.Millisecond) {
		err = client.RequestAndDecode(ctx, &snap, "GET", "/v1/jobs/"+string(result.JobID), nil)
		c.Assert(err, check.IsNil)
		if snap.Status.IsTerminal() {
			break
		}
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for job to end, status %s", snap.Status)
		}
	}
	c.Check(snap.Status, check.Equals, dataflow.JobStatusFinished)
	_, err = os.Stat(filepath.Join(spill, "local1"))
	c.Check(err, check.IsNil)

	cancel()
	for _, tm := range local {
		select {
		case <-tm.Done():
		case <-time.After(10 * time.Second):
			c.Errorf("local task manager %s did not stop", tm.Name())
		}
	}
}

func (s *CmdSuite) TestMissingToken(c *check.C) {
	cfg := s.loadConfig(c, "Instances: {Local: 1}\n")
	ctx := ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	h := newHandler(ctx, cfg, prometheus.NewRegistry())
	c.Check(h.CheckHealth(), check.ErrorMatches, `ManagementToken must be set`)
	select {
	case <-h.Done():
	default:
		c.Error("Done channel is not closed")
	}
}

func (s *CmdSuite) TestLocalTaskManagerConfig(c *check.C) {
	cfg := s.loadConfig(c, `
ManagementToken: secret
Instances: {Local: 1, LocalType: small, LocalSlots: 3, LocalSpillDirectory: /var/spill}
TaskManager: {LookupTimeout: 3s}
`)
	tmcfg := localTaskManagerConfig(cfg, 1)
	c.Check(tmcfg.Name, check.Equals, "local2")
	c.Check(tmcfg.InstanceType, check.Equals, "small")
	c.Check(tmcfg.Slots, check.Equals, 3)
	c.Check(tmcfg.SpillDirectory, check.Equals, "/var/spill/local2")
	c.Check(tmcfg.LookupTimeout.Duration(), check.Equals, 3*time.Second)
	c.Check(tmcfg.HeartbeatInterval, check.Equals, dataflow.Duration(0))
}
