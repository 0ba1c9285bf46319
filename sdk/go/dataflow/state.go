// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dataflow

// ExecutionState is the lifecycle state of an execution vertex.
type ExecutionState string

const (
	ExecutionStateCreated   = ExecutionState("CREATED")
	ExecutionStateScheduled = ExecutionState("SCHEDULED")
	ExecutionStateAssigned  = ExecutionState("ASSIGNED")
	ExecutionStateReady     = ExecutionState("READY")
	ExecutionStateStarting  = ExecutionState("STARTING")
	ExecutionStateRunning   = ExecutionState("RUNNING")
	ExecutionStateReplaying = ExecutionState("REPLAYING")
	ExecutionStateFinishing = ExecutionState("FINISHING")
	ExecutionStateFinished  = ExecutionState("FINISHED")
	ExecutionStateCanceling = ExecutionState("CANCELING")
	ExecutionStateCanceled  = ExecutionState("CANCELED")
	ExecutionStateFailing   = ExecutionState("FAILING")
	ExecutionStateFailed    = ExecutionState("FAILED")
)

// IsTerminal returns true for FINISHED, CANCELED and FAILED.
func (s ExecutionState) IsTerminal() bool {
	return s == ExecutionStateFinished || s == ExecutionStateCanceled || s == ExecutionStateFailed
}

// IsStarted returns true if a deployment request for the vertex
// may already have reached a worker.
func (s ExecutionState) IsStarted() bool {
	switch s {
	case ExecutionStateCreated, ExecutionStateScheduled, ExecutionStateAssigned, ExecutionStateReady:
		return false
	}
	return true
}

// AcceptsData returns true if a vertex in this state can be the
// target of a channel connection: it is running, replaying,
// finishing, or already finished.
func (s ExecutionState) AcceptsData() bool {
	switch s {
	case ExecutionStateRunning, ExecutionStateReplaying, ExecutionStateFinishing, ExecutionStateFinished:
		return true
	}
	return false
}

// CheckpointState describes whether a vertex's output can be replayed
// from persisted data.
type CheckpointState string

const (
	CheckpointStateNone      = CheckpointState("NONE")
	CheckpointStateUndecided = CheckpointState("UNDECIDED")
	CheckpointStatePartial   = CheckpointState("PARTIAL")
	CheckpointStateComplete  = CheckpointState("COMPLETE")
)

// JobStatus is the aggregate status of a job, derived from the states
// of its vertices.
type JobStatus string

const (
	JobStatusCreated   = JobStatus("CREATED")
	JobStatusScheduled = JobStatus("SCHEDULED")
	JobStatusRunning   = JobStatus("RUNNING")
	JobStatusFailing   = JobStatus("FAILING")
	JobStatusFailed    = JobStatus("FAILED")
	JobStatusCanceling = JobStatus("CANCELING")
	JobStatusCanceled  = JobStatus("CANCELED")
	JobStatusFinished  = JobStatus("FINISHED")
)

// IsTerminal returns true for FINISHED, CANCELED and FAILED.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusFinished || s == JobStatusCanceled || s == JobStatusFailed
}

// IsAborting returns true while a failed or canceled job is being
// torn down.
func (s JobStatus) IsAborting() bool {
	return s == JobStatusFailing || s == JobStatusCanceling
}
