// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dataflow

// TaskDeploymentDescriptor is everything a task manager needs to
// start one execution vertex.
type TaskDeploymentDescriptor struct {
	JobID    JobID    `json:"job_id"`
	VertexID VertexID `json:"vertex_id"`
	TaskName string   `json:"task_name"`
	Index    int      `json:"index"`
	Total    int      `json:"total"`
	// Attempt is 0 for the first deployment and counts restarts
	// after that.
	Attempt     int                        `json:"attempt"`
	Invokable   string                     `json:"invokable"`
	JobConfig   map[string]string          `json:"job_config"`
	TaskConfig  map[string]string          `json:"task_config"`
	InputGates  []GateDeploymentDescriptor `json:"input_gates"`
	OutputGates []GateDeploymentDescriptor `json:"output_gates"`
}

// NameWithIndex returns the display name of the task, like "map (2/4)".
func (tdd *TaskDeploymentDescriptor) NameWithIndex() string {
	return NameWithIndex(tdd.TaskName, tdd.Index, tdd.Total)
}

// GateDeploymentDescriptor describes one gate and its channels, in
// channel index order.
type GateDeploymentDescriptor struct {
	GateID      GateID                        `json:"gate_id"`
	ChannelType ChannelType                   `json:"channel_type"`
	Compression CompressionLevel              `json:"compression"`
	Broadcast   bool                          `json:"broadcast"`
	Channels    []ChannelDeploymentDescriptor `json:"channels"`
}

// ChannelDeploymentDescriptor names both endpoints of one channel.
type ChannelDeploymentDescriptor struct {
	OutputChannelID ChannelID `json:"output_channel_id"`
	InputChannelID  ChannelID `json:"input_channel_id"`
}

// TaskSubmissionResult is a task manager's answer for one deployed
// vertex. An empty Error means the task was accepted.
type TaskSubmissionResult struct {
	VertexID VertexID `json:"vertex_id"`
	Error    string   `json:"error,omitempty"`
}

func (r TaskSubmissionResult) OK() bool { return r.Error == "" }

// TaskExecutionState is pushed by a task manager when a task changes
// state.
type TaskExecutionState struct {
	JobID       JobID          `json:"job_id"`
	VertexID    VertexID       `json:"vertex_id"`
	State       ExecutionState `json:"state"`
	Description string         `json:"description,omitempty"`
}

// TaskCheckpointState is pushed by a task manager when a task's
// checkpoint state changes.
type TaskCheckpointState struct {
	JobID    JobID           `json:"job_id"`
	VertexID VertexID        `json:"vertex_id"`
	State    CheckpointState `json:"state"`
}

// JobSubmissionResult is returned to the client that submitted a job.
type JobSubmissionResult struct {
	JobID       JobID  `json:"job_id"`
	Description string `json:"description,omitempty"`
}

// InstanceConnectionInfo identifies a task manager and tells peers how
// to reach it.
type InstanceConnectionInfo struct {
	Name string `json:"name"`
	// URL of the task manager's control API.
	URL string `json:"url"`
	// host:port of the task manager's data listener.
	DataAddress string `json:"data_address"`
}

// Heartbeat is sent periodically by each task manager.
type Heartbeat struct {
	Instance     InstanceConnectionInfo `json:"instance"`
	InstanceType string                 `json:"instance_type"`
	Slots        int                    `json:"slots"`
}
