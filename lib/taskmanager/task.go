// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskmanager

import (
	"context"
	"errors"
	"time"

	"git.arvados.org/dataflow.git/lib/iogate"
	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/sirupsen/logrus"
)

// task is one execution vertex running on this task manager.
type task struct {
	tm      *TaskManager
	tdd     dataflow.TaskDeploymentDescriptor
	key     taskKey
	invoke  Invokable
	logger  logrus.FieldLogger
	started time.Time

	inputs  []*iogate.InputGate
	outputs []*iogate.OutputGate
	// queues are the in-memory and network input channels, which
	// receive records pushed by producers
	queues     []*iogate.QueueInputChannel
	spillsFile bool

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func newTask(tm *TaskManager, tdd dataflow.TaskDeploymentDescriptor, invoke Invokable) *task {
	ctx, cancel := context.WithCancelCause(tm.ctx)
	t := &task{
		tm:      tm,
		tdd:     tdd,
		key:     taskKey{tdd.JobID, tdd.VertexID},
		invoke:  invoke,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		logger: tm.logger.WithFields(logrus.Fields{
			"JobID":   tdd.JobID,
			"Vertex":  tdd.NameWithIndex(),
			"Attempt": tdd.Attempt,
		}),
	}
	for _, gd := range tdd.InputGates {
		chans := make([]iogate.InputChannel, len(gd.Channels))
		for i, cd := range gd.Channels {
			if gd.ChannelType == dataflow.ChannelTypeFile {
				fc := iogate.NewFileInputChannel(cd.InputChannelID)
				tm.spills.await(tdd.JobID, cd.OutputChannelID, fc.SpillComplete)
				chans[i] = fc
				continue
			}
			qc := iogate.NewQueueInputChannel(cd.InputChannelID)
			t.queues = append(t.queues, qc)
			chans[i] = qc
		}
		t.inputs = append(t.inputs, iogate.NewInputGate(gd.GateID, chans))
	}
	for _, gd := range tdd.OutputGates {
		if gd.ChannelType == dataflow.ChannelTypeFile {
			t.spillsFile = true
		}
		chans := make([]*iogate.OutputChannel, len(gd.Channels))
		for i, cd := range gd.Channels {
			chans[i] = iogate.NewOutputChannel(cd.OutputChannelID, t.connector(gd, cd))
		}
		t.outputs = append(t.outputs, iogate.NewOutputGate(gd.GateID, chans, gd.Broadcast))
	}
	return t
}

func (t *task) environment() *Environment {
	return &Environment{
		JobID:      t.tdd.JobID,
		VertexID:   t.tdd.VertexID,
		TaskName:   t.tdd.TaskName,
		Index:      t.tdd.Index,
		Total:      t.tdd.Total,
		Attempt:    t.tdd.Attempt,
		Inputs:     t.inputs,
		Outputs:    t.outputs,
		Logger:     t.logger,
		jobConfig:  t.tdd.JobConfig,
		taskConfig: t.tdd.TaskConfig,
	}
}

func (t *task) run() {
	defer t.tm.wg.Done()
	defer t.cancel(nil)
	t.logger.Info("task starting")
	t.report(dataflow.ExecutionStateRunning, "")

	err := t.invoke(t.ctx, t.environment())
	if err == nil {
		t.report(dataflow.ExecutionStateFinishing, "")
		err = t.closeOutputs()
	}
	cause := context.Cause(t.ctx)
	switch {
	case err == nil:
		if t.spillsFile {
			t.reportCheckpoint(dataflow.CheckpointStateComplete)
		} else {
			t.reportCheckpoint(dataflow.CheckpointStateNone)
		}
		t.end(dataflow.ExecutionStateFinished, "")
	case errors.Is(cause, errCanceled):
		t.abort(cause)
		t.end(dataflow.ExecutionStateCanceled, "")
	case cause != nil:
		// killed, or the task manager is stopping
		t.abort(cause)
		t.end(dataflow.ExecutionStateFailed, cause.Error())
	default:
		t.report(dataflow.ExecutionStateFailing, err.Error())
		t.abort(err)
		t.reportCheckpoint(dataflow.CheckpointStateNone)
		t.end(dataflow.ExecutionStateFailed, err.Error())
	}
}

func (t *task) closeOutputs() error {
	for _, g := range t.outputs {
		if err := g.Close(t.ctx); err != nil {
			return err
		}
	}
	return nil
}

// abort breaks every output channel that is still open.
func (t *task) abort(err error) {
	for _, g := range t.outputs {
		g.Abort(err)
	}
}

// end releases the task's resources and sends the final state report.
func (t *task) end(state dataflow.ExecutionState, desc string) {
	for _, g := range t.inputs {
		g.Close()
	}
	t.tm.endTask(t, state)
	t.report(state, desc)
	logger := t.logger.WithFields(logrus.Fields{
		"State":   state,
		"Elapsed": time.Since(t.started).Seconds(),
	})
	if state == dataflow.ExecutionStateFailed {
		logger.WithField("Description", desc).Warn("task ended")
	} else {
		logger.Info("task ended")
	}
}

// report sends a state change to the coordinator. Reports are sent
// even after the task is canceled. A job that has already ended no
// longer accepts reports, which is logged but otherwise ignored.
func (t *task) report(state dataflow.ExecutionState, desc string) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	err := t.tm.coord.UpdateTaskExecutionState(ctx, dataflow.TaskExecutionState{
		JobID:       t.tdd.JobID,
		VertexID:    t.tdd.VertexID,
		State:       state,
		Description: desc,
	})
	if err != nil {
		t.logger.WithField("State", state).WithError(err).Warn("state report failed")
	}
}

func (t *task) reportCheckpoint(state dataflow.CheckpointState) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	err := t.tm.coord.UpdateCheckpointState(ctx, dataflow.TaskCheckpointState{
		JobID:    t.tdd.JobID,
		VertexID: t.tdd.VertexID,
		State:    state,
	})
	if err != nil {
		t.logger.WithField("CheckpointState", state).WithError(err).Warn("checkpoint state report failed")
	}
}
