// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package coordinator

import (
	"context"

	"git.arvados.org/dataflow.git/lib/executiongraph"
	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/sirupsen/logrus"
)

// LookupConnectionInfo tells the caller how to reach the other end of
// a channel. The answer reflects the graph state at the time of the
// call. "Not ready" is an expected answer and the caller should retry.
// When the other end is a consumer that has been assigned but not
// deployed, its deployment is started.
func (c *Coordinator) LookupConnectionInfo(ctx context.Context, caller dataflow.InstanceConnectionInfo, jobID dataflow.JobID, channelID dataflow.ChannelID) (dataflow.ConnectionInfoLookupResponse, error) {
	resp := c.lookup(caller, jobID, channelID)
	c.mLookups.WithLabelValues(string(resp.Result)).Inc()
	logger := c.logger.WithFields(logrus.Fields{
		"JobID":     jobID,
		"ChannelID": channelID,
		"Caller":    caller.Name,
		"Result":    resp.Result,
	})
	if resp.Result == dataflow.LookupNotFound {
		logger.Info("lookup for unknown channel")
	} else {
		logger.Debug("lookup")
	}
	return resp, nil
}

func (c *Coordinator) lookup(caller dataflow.InstanceConnectionInfo, jobID dataflow.JobID, channelID dataflow.ChannelID) dataflow.ConnectionInfoLookupResponse {
	eg, ok := c.graph(jobID)
	if !ok {
		return dataflow.LookupResponseNotFound()
	}
	if status, _ := eg.JobStatus(); status.IsAborting() {
		return dataflow.LookupResponseJobAborting()
	}
	edge := eg.EdgeByChannelID(channelID)
	if edge == nil {
		return dataflow.LookupResponseNotFound()
	}
	if channelID == edge.InputChannelID() {
		// consumer side asking for the producer
		return c.peer(caller, edge.Source(), edge.OutputChannelID(), false)
	}
	if edge.IsBroadcast() {
		return c.multicast.lookup(caller, edge.OutputGate())
	}
	return c.peer(caller, edge.Target(), edge.InputChannelID(), true)
}

// peer answers a lookup whose other end is the given vertex and
// channel. If deploy is true and the vertex is ASSIGNED, its
// deployment is queued.
func (c *Coordinator) peer(caller dataflow.InstanceConnectionInfo, v *executiongraph.ExecutionVertex, channelID dataflow.ChannelID, deploy bool) dataflow.ConnectionInfoLookupResponse {
	state := v.ExecutionState()
	if !state.AcceptsData() {
		if deploy && state == dataflow.ExecutionStateAssigned {
			v.Graph().ExecuteCommand(func() { c.scheduler.DeployAssignedVertices(v) })
		}
		return dataflow.LookupResponseNotReady()
	}
	res := v.AllocatedResource()
	if res == nil || res.Instance == nil {
		return dataflow.LookupResponseNotReady()
	}
	info := res.Instance.ConnectionInfo()
	if info.Name == caller.Name {
		return dataflow.LookupResponseLocal(channelID)
	}
	return dataflow.LookupResponseRemote(info.DataAddress, channelID)
}

// multicastManager answers lookups for broadcast gates. A broadcast
// gate is only connected once every consumer is ready, so a lookup
// for any of its channels returns the receivers of all of them.
type multicastManager struct {
	c *Coordinator
}

func (mm *multicastManager) lookup(caller dataflow.InstanceConnectionInfo, gate *executiongraph.ExecutionGate) dataflow.ConnectionInfoLookupResponse {
	var receivers []dataflow.MulticastReceiver
	ready := true
	for _, e := range gate.Edges() {
		r := mm.c.peer(caller, e.Target(), e.InputChannelID(), true)
		if r.Result != dataflow.LookupReady {
			ready = false
			continue
		}
		receivers = append(receivers, dataflow.MulticastReceiver{
			OutputChannelID: e.OutputChannelID(),
			LocalChannelID:  r.LocalChannelID,
			Remote:          r.Remote,
		})
	}
	if !ready {
		return dataflow.LookupResponseNotReady()
	}
	return dataflow.ConnectionInfoLookupResponse{
		Result:    dataflow.LookupReady,
		Multicast: receivers,
	}
}
