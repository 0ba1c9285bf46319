// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package coordinator

import (
	"context"

	"git.arvados.org/dataflow.git/lib/executiongraph"
	"git.arvados.org/dataflow.git/lib/instance"
	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/sirupsen/logrus"
)

// Deploy implements scheduler.Deployer. It moves the READY vertices
// to STARTING and submits them to inst in one call, in the
// background. If the call fails, every vertex in the batch fails; if
// the task manager rejects some of the tasks, only those fail.
func (c *Coordinator) Deploy(ctx context.Context, eg *executiongraph.ExecutionGraph, inst instance.Instance, vertices []*executiongraph.ExecutionVertex) {
	var batch []*executiongraph.ExecutionVertex
	var tdds []dataflow.TaskDeploymentDescriptor
	for _, v := range vertices {
		if v.ExecutionState() != dataflow.ExecutionStateReady {
			continue
		}
		if !v.CompareAndUpdateExecutionState(dataflow.ExecutionStateReady, dataflow.ExecutionStateStarting, "") {
			continue
		}
		batch = append(batch, v)
		tdds = append(tdds, v.DeploymentDescriptor())
	}
	if len(batch) == 0 {
		return
	}
	logger := eg.Logger().WithFields(logrus.Fields{
		"Instance": inst.Name(),
		"Tasks":    len(batch),
	})
	failAll := func(err error) {
		for _, v := range batch {
			v.UpdateExecutionState(dataflow.ExecutionStateFailed, "deployment failed: "+err.Error())
		}
	}
	err := c.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(ctx, c.deploymentTimeout())
		defer cancel()
		results, err := inst.SubmitTasks(ctx, tdds)
		if err != nil {
			logger.WithError(err).Warn("deployment failed")
			c.instances.ReportError(inst.Name(), err)
			eg.ExecuteCommand(func() { failAll(err) })
			return
		}
		logger.Debug("tasks submitted")
		ok := eg.ExecuteCommand(func() {
			for _, r := range results {
				if r.OK() {
					continue
				}
				if v := eg.Vertex(r.VertexID); v != nil {
					v.UpdateExecutionState(dataflow.ExecutionStateFailed, r.Error)
				}
			}
			// Vertices canceled while the call was in flight
			// may have missed their remote cancel.
			for _, v := range batch {
				switch v.ExecutionState() {
				case dataflow.ExecutionStateCanceling, dataflow.ExecutionStateCanceled:
					c.cancelRemote(eg, v, false)
				}
			}
		})
		if !ok {
			// the job ended while the call was in flight
			for _, v := range batch {
				c.cancelRemote(eg, v, false)
			}
		}
	})
	if err != nil {
		logger.WithError(err).Warn("cannot start deployment")
		failAll(err)
	}
}
