// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskmanager

import (
	"context"
	"time"

	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/sirupsen/logrus"
)

// RemoteCoordinator is a CoordinatorClient for a coordinator in
// another process.
type RemoteCoordinator struct {
	client *dataflow.Client
	// lookups are retried by the caller, so the lookup client
	// does not retry and uses a short timeout
	lookupClient *dataflow.Client
}

// NewRemoteCoordinator returns a client for the coordinator API at
// baseURL.
func NewRemoteCoordinator(baseURL, token string, lookupTimeout time.Duration, logger logrus.FieldLogger) *RemoteCoordinator {
	logger = logger.WithField("Coordinator", baseURL)
	lc := dataflow.NewClient(baseURL, token, logger)
	lc.RetryMax = 0
	lc.Timeout = lookupTimeout
	return &RemoteCoordinator{
		client:       dataflow.NewClient(baseURL, token, logger),
		lookupClient: lc,
	}
}

func (rc *RemoteCoordinator) UpdateTaskExecutionState(ctx context.Context, st dataflow.TaskExecutionState) error {
	return rc.client.RequestAndDecode(ctx, nil, "POST", "/v1/status", st)
}

func (rc *RemoteCoordinator) UpdateCheckpointState(ctx context.Context, st dataflow.TaskCheckpointState) error {
	return rc.client.RequestAndDecode(ctx, nil, "POST", "/v1/checkpoint", st)
}

func (rc *RemoteCoordinator) LookupConnectionInfo(ctx context.Context, caller dataflow.InstanceConnectionInfo, jobID dataflow.JobID, channelID dataflow.ChannelID) (dataflow.ConnectionInfoLookupResponse, error) {
	var resp dataflow.ConnectionInfoLookupResponse
	err := rc.lookupClient.RequestAndDecode(ctx, &resp, "POST", "/v1/lookup", dataflow.ConnectionInfoLookupRequest{
		Caller:    caller,
		JobID:     jobID,
		ChannelID: channelID,
	})
	return resp, err
}

func (rc *RemoteCoordinator) Heartbeat(ctx context.Context, hb dataflow.Heartbeat) error {
	return rc.client.RequestAndDecode(ctx, nil, "POST", "/v1/heartbeat", hb)
}
