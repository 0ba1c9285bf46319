// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package instance provides the compute resources the scheduler
// assigns to execution vertices. An instance is one task manager.
package instance

import (
	"context"
	"errors"

	"git.arvados.org/dataflow.git/sdk/go/dataflow"
)

var (
	// ErrTaskNotFound is returned by CancelTask and KillTask when
	// the task manager has no such task, e.g., because it already
	// ended.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInsufficientResources is returned by RequestInstances
	// when the request could not be satisfied before the context
	// ended.
	ErrInsufficientResources = errors.New("insufficient resources")

	// ErrUnknownInstanceType is returned when no instance of the
	// requested type is known.
	ErrUnknownInstanceType = errors.New("unknown instance type")
)

// Instance is a task manager that can run tasks.
type Instance interface {
	Name() string
	ConnectionInfo() dataflow.InstanceConnectionInfo
	// SubmitTasks starts a batch of tasks and returns one result
	// per task, in order. An error means the whole batch failed.
	SubmitTasks(ctx context.Context, tasks []dataflow.TaskDeploymentDescriptor) ([]dataflow.TaskSubmissionResult, error)
	// CancelTask asks a task to stop. The task reports CANCELED
	// when it has stopped.
	CancelTask(ctx context.Context, jobID dataflow.JobID, vertexID dataflow.VertexID) error
	// KillTask stops a task abruptly. The task reports FAILED.
	KillTask(ctx context.Context, jobID dataflow.JobID, vertexID dataflow.VertexID) error
	// RemoveCheckpoints deletes the persisted output of the given
	// vertices.
	RemoveCheckpoints(ctx context.Context, jobID dataflow.JobID, vertices []dataflow.VertexID) error
	// KillTaskManager stops the whole task manager.
	KillTaskManager(ctx context.Context) error
}

// AllocatedResource is one slot on an instance, allocated to a job.
type AllocatedResource struct {
	Instance     Instance
	InstanceType string
	AllocationID string
}

// Name returns the name of the allocated instance, or "" for a nil
// resource.
func (r *AllocatedResource) Name() string {
	if r == nil || r.Instance == nil {
		return ""
	}
	return r.Instance.Name()
}

// Manager hands out slots on instances.
type Manager interface {
	// RequestInstances allocates count slots of the given
	// instance type ("" means any type) to the job, waiting until
	// enough slots are free or ctx ends.
	RequestInstances(ctx context.Context, jobID dataflow.JobID, instanceType string, count int) ([]AllocatedResource, error)
	// ReleaseInstances frees the job's slots and cancels its
	// pending requests.
	ReleaseInstances(jobID dataflow.JobID)
	// HasInstanceType returns true if at least one known instance
	// has the given type ("" matches any).
	HasInstanceType(instanceType string) bool
	InstanceByName(name string) (Instance, bool)
	// ReportError tells the manager that a call to the named
	// instance failed, so it can stop handing out slots there for
	// a while.
	ReportError(name string, err error)
}
