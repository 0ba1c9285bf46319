// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executiongraph

import (
	"errors"
	"fmt"
	"sync"

	"git.arvados.org/dataflow.git/lib/instance"
	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/sirupsen/logrus"
)

var (
	ErrIllegalTransition = errors.New("illegal execution state transition")
	ErrNotRecoverable    = errors.New("vertex cannot be restarted")
)

// ExecutionVertex is one subtask of a job vertex.
type ExecutionVertex struct {
	id          dataflow.VertexID
	index       int
	group       *GroupVertex
	graph       *ExecutionGraph
	inputGates  []*ExecutionGate
	outputGates []*ExecutionGate
	logger      logrus.FieldLogger

	mtx             sync.Mutex
	state           dataflow.ExecutionState
	checkpointState dataflow.CheckpointState
	resource        *instance.AllocatedResource
	retries         int
	description     string
}

func (v *ExecutionVertex) ID() dataflow.VertexID        { return v.id }
func (v *ExecutionVertex) Index() int                   { return v.index }
func (v *ExecutionVertex) Group() *GroupVertex          { return v.group }
func (v *ExecutionVertex) Graph() *ExecutionGraph       { return v.graph }
func (v *ExecutionVertex) Name() string                 { return v.group.Name() }
func (v *ExecutionVertex) Stage() int                   { return v.group.stage }
func (v *ExecutionVertex) InputGates() []*ExecutionGate { return v.inputGates }

func (v *ExecutionVertex) OutputGates() []*ExecutionGate { return v.outputGates }

// NameWithIndex returns a display name like "map (2/4)".
func (v *ExecutionVertex) NameWithIndex() string {
	return dataflow.NameWithIndex(v.group.Name(), v.index, len(v.group.vertices))
}

func (v *ExecutionVertex) ExecutionState() dataflow.ExecutionState {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	return v.state
}

func (v *ExecutionVertex) CheckpointState() dataflow.CheckpointState {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	return v.checkpointState
}

// Description returns the description that accompanied the most
// recent failure or cancelation, if any.
func (v *ExecutionVertex) Description() string {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	return v.description
}

// AllocatedResource returns the slot assigned by the scheduler, or
// nil.
func (v *ExecutionVertex) AllocatedResource() *instance.AllocatedResource {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	return v.resource
}

// SetAllocatedResource assigns a slot to the vertex.
func (v *ExecutionVertex) SetAllocatedResource(r *instance.AllocatedResource) {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	v.resource = r
}

// Retries returns the number of times the vertex has been restarted.
func (v *ExecutionVertex) Retries() int {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	return v.retries
}

// Producers returns the distinct vertices feeding this vertex's input
// gates.
func (v *ExecutionVertex) Producers() []*ExecutionVertex {
	var producers []*ExecutionVertex
	seen := map[*ExecutionVertex]bool{}
	for _, g := range v.inputGates {
		for _, e := range g.edges {
			if !seen[e.source] {
				seen[e.source] = true
				producers = append(producers, e.source)
			}
		}
	}
	return producers
}

// Consumers returns the distinct vertices reading this vertex's
// output gates.
func (v *ExecutionVertex) Consumers() []*ExecutionVertex {
	var consumers []*ExecutionVertex
	seen := map[*ExecutionVertex]bool{}
	for _, g := range v.outputGates {
		for _, e := range g.edges {
			if !seen[e.target] {
				seen[e.target] = true
				consumers = append(consumers, e.target)
			}
		}
	}
	return consumers
}

// CompareAndUpdateExecutionState moves the vertex to newState if it
// is currently in expected. A mismatch or an illegal transition is
// logged and rejected, and false is returned.
func (v *ExecutionVertex) CompareAndUpdateExecutionState(expected, newState dataflow.ExecutionState, description string) bool {
	v.mtx.Lock()
	old := v.state
	if old != expected {
		v.mtx.Unlock()
		v.logger.WithFields(logrus.Fields{
			"State":    old,
			"Expected": expected,
			"NewState": newState,
		}).Warn("rejected state transition: current state does not match")
		return false
	}
	if !IsValidTransition(old, newState) {
		v.mtx.Unlock()
		v.logger.WithFields(logrus.Fields{
			"State":    old,
			"NewState": newState,
		}).Warn("rejected illegal state transition")
		return false
	}
	v.state = newState
	if description != "" {
		v.description = description
	}
	v.mtx.Unlock()
	v.graph.vertexStateChanged(v, old, newState, description)
	return true
}

// UpdateExecutionState moves the vertex to newState from whatever
// state it is in. Requesting the current state is a no-op.
func (v *ExecutionVertex) UpdateExecutionState(newState dataflow.ExecutionState, description string) error {
	v.mtx.Lock()
	old := v.state
	if old == newState {
		v.mtx.Unlock()
		return nil
	}
	if !IsValidTransition(old, newState) {
		v.mtx.Unlock()
		v.logger.WithFields(logrus.Fields{
			"State":    old,
			"NewState": newState,
		}).Warn("rejected illegal state transition")
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, old, newState)
	}
	v.state = newState
	if description != "" {
		v.description = description
	}
	v.mtx.Unlock()
	v.graph.vertexStateChanged(v, old, newState, description)
	return nil
}

// UpdateExecutionStateAsynchronously queues a state update reported
// by a task manager on the graph's command executor.
//
// While the job is aborting, a failure reported by a vertex that is
// not already failing is recorded as a cancellation. Such a vertex
// lost a peer to the abort before its own cancel request arrived.
func (v *ExecutionVertex) UpdateExecutionStateAsynchronously(newState dataflow.ExecutionState, description string) {
	v.graph.ExecuteCommand(func() {
		v.UpdateExecutionState(v.reportedState(newState), description)
	})
}

func (v *ExecutionVertex) reportedState(newState dataflow.ExecutionState) dataflow.ExecutionState {
	if status, _ := v.graph.JobStatus(); !status.IsAborting() || v.ExecutionState() == dataflow.ExecutionStateFailing {
		return newState
	}
	switch newState {
	case dataflow.ExecutionStateFailing:
		return dataflow.ExecutionStateCanceling
	case dataflow.ExecutionStateFailed:
		return dataflow.ExecutionStateCanceled
	}
	return newState
}

// UpdateCheckpointState records a checkpoint state reported by the
// task manager.
func (v *ExecutionVertex) UpdateCheckpointState(state dataflow.CheckpointState) {
	v.mtx.Lock()
	old := v.checkpointState
	v.checkpointState = state
	v.mtx.Unlock()
	if old != state {
		v.graph.checkpointStateChanged(v, state)
	}
}

// CancelTask starts canceling the vertex. A vertex that has not been
// deployed is canceled immediately. A deployed vertex moves to
// CANCELING, and CancelTask returns true to indicate that the task
// manager must be asked to stop the task. Terminal, canceling, and
// failing vertices are left alone.
func (v *ExecutionVertex) CancelTask() (remote bool) {
	state := v.ExecutionState()
	switch {
	case state.IsTerminal(), state == dataflow.ExecutionStateCanceling, state == dataflow.ExecutionStateFailing:
		return false
	case !state.IsStarted():
		v.CompareAndUpdateExecutionState(state, dataflow.ExecutionStateCanceled, "canceled before deployment")
		return false
	default:
		return v.CompareAndUpdateExecutionState(state, dataflow.ExecutionStateCanceling, "")
	}
}

// KillTask returns the task manager hosting the vertex, if the vertex
// is running somewhere. Killing is done by the caller; the task
// manager reports the outcome.
func (v *ExecutionVertex) KillTask() (instance.Instance, bool) {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	if v.resource == nil || !v.state.IsStarted() || v.state.IsTerminal() {
		return nil, false
	}
	return v.resource.Instance, true
}

// Restart moves a failed vertex back to ASSIGNED on the same
// resource, so it can be deployed again. It succeeds only if the
// graph's recovery rules allow it.
func (v *ExecutionVertex) Restart() error {
	if !v.graph.IsRecoverable(v) {
		return ErrNotRecoverable
	}
	v.mtx.Lock()
	old := v.state
	if old != dataflow.ExecutionStateFailed || v.resource == nil {
		v.mtx.Unlock()
		return ErrNotRecoverable
	}
	v.state = dataflow.ExecutionStateAssigned
	v.checkpointState = dataflow.CheckpointStateUndecided
	v.description = ""
	v.retries++
	retries := v.retries
	v.mtx.Unlock()
	v.logger.WithField("Retries", retries).Info("restarting failed vertex")
	v.graph.vertexStateChanged(v, old, dataflow.ExecutionStateAssigned, fmt.Sprintf("restart %d", retries))
	return nil
}

// DeploymentDescriptor returns what the task manager needs to run
// this vertex.
func (v *ExecutionVertex) DeploymentDescriptor() dataflow.TaskDeploymentDescriptor {
	jv := v.group.jobVertex
	tdd := dataflow.TaskDeploymentDescriptor{
		JobID:      v.graph.jobID,
		VertexID:   v.id,
		TaskName:   jv.Name,
		Index:      v.index,
		Total:      len(v.group.vertices),
		Invokable:  jv.Invokable,
		JobConfig:  v.graph.config,
		TaskConfig: jv.Config,
		Attempt:    v.Retries(),
	}
	for _, g := range v.inputGates {
		tdd.InputGates = append(tdd.InputGates, g.descriptor())
	}
	for _, g := range v.outputGates {
		tdd.OutputGates = append(tdd.OutputGates, g.descriptor())
	}
	return tdd
}
