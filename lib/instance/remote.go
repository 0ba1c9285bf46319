// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package instance

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/sirupsen/logrus"
)

// RemoteCheckpointRemoval is the request body for the task manager's
// checkpoint removal API.
type RemoteCheckpointRemoval struct {
	Vertices []dataflow.VertexID `json:"vertices"`
}

// Remote is an Instance reached through a task manager's control API.
type Remote struct {
	info   dataflow.InstanceConnectionInfo
	client *dataflow.Client
}

// NewRemote returns a client for the task manager described by info.
func NewRemote(info dataflow.InstanceConnectionInfo, token string, logger logrus.FieldLogger) *Remote {
	return &Remote{
		info:   info,
		client: dataflow.NewClient(info.URL, token, logger.WithField("Instance", info.Name)),
	}
}

func (r *Remote) Name() string                                    { return r.info.Name }
func (r *Remote) ConnectionInfo() dataflow.InstanceConnectionInfo { return r.info }

func (r *Remote) SubmitTasks(ctx context.Context, tasks []dataflow.TaskDeploymentDescriptor) ([]dataflow.TaskSubmissionResult, error) {
	var results []dataflow.TaskSubmissionResult
	err := r.client.RequestAndDecode(ctx, &results, "POST", "/v1/tasks", tasks)
	return results, err
}

func (r *Remote) CancelTask(ctx context.Context, jobID dataflow.JobID, vertexID dataflow.VertexID) error {
	return notFound(r.client.RequestAndDecode(ctx, nil, "POST", taskPath(jobID, vertexID)+"/cancel", nil))
}

func (r *Remote) KillTask(ctx context.Context, jobID dataflow.JobID, vertexID dataflow.VertexID) error {
	return notFound(r.client.RequestAndDecode(ctx, nil, "POST", taskPath(jobID, vertexID)+"/kill", nil))
}

func (r *Remote) RemoveCheckpoints(ctx context.Context, jobID dataflow.JobID, vertices []dataflow.VertexID) error {
	return r.client.RequestAndDecode(ctx, nil, "POST", "/v1/jobs/"+url.PathEscape(string(jobID))+"/checkpoints/remove", RemoteCheckpointRemoval{Vertices: vertices})
}

func (r *Remote) KillTaskManager(ctx context.Context) error {
	return r.client.RequestAndDecode(ctx, nil, "POST", "/v1/shutdown", nil)
}

func taskPath(jobID dataflow.JobID, vertexID dataflow.VertexID) string {
	return "/v1/jobs/" + url.PathEscape(string(jobID)) + "/tasks/" + url.PathEscape(string(vertexID))
}

// notFound translates a 404 response to ErrTaskNotFound.
func notFound(err error) error {
	var te *dataflow.TransactionError
	if errors.As(err, &te) && te.StatusCode == http.StatusNotFound {
		return ErrTaskNotFound
	}
	return err
}
