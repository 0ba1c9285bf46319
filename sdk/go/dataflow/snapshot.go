// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dataflow

import "time"

// GraphSnapshot is a read-only view of an execution graph, used by
// the management API.
type GraphSnapshot struct {
	JobID        JobID           `json:"job_id"`
	Name         string          `json:"name"`
	Status       JobStatus       `json:"status"`
	Description  string          `json:"description,omitempty"`
	CurrentStage int             `json:"current_stage"`
	Stages       []StageSnapshot `json:"stages"`
	Edges        []EdgeSnapshot  `json:"edges"`
}

type StageSnapshot struct {
	Index    int              `json:"index"`
	Vertices []VertexSnapshot `json:"vertices"`
}

type VertexSnapshot struct {
	ID              VertexID        `json:"id"`
	Name            string          `json:"name"`
	Index           int             `json:"index"`
	Total           int             `json:"total"`
	State           ExecutionState  `json:"state"`
	CheckpointState CheckpointState `json:"checkpoint_state"`
	Instance        string          `json:"instance,omitempty"`
	Retries         int             `json:"retries,omitempty"`
}

type EdgeSnapshot struct {
	Source          VertexID    `json:"source"`
	Target          VertexID    `json:"target"`
	OutputChannelID ChannelID   `json:"output_channel_id"`
	InputChannelID  ChannelID   `json:"input_channel_id"`
	ChannelType     ChannelType `json:"channel_type"`
	Broadcast       bool        `json:"broadcast,omitempty"`
}

// Event is one entry in a job's progress log.
type Event struct {
	Seq         int64     `json:"seq"`
	Time        time.Time `json:"time"`
	JobID       JobID     `json:"job_id"`
	VertexID    VertexID  `json:"vertex_id,omitempty"`
	VertexName  string    `json:"vertex_name,omitempty"`
	Kind        string    `json:"kind"`
	State       string    `json:"state"`
	Description string    `json:"description,omitempty"`
}

const (
	EventKindVertex     = "vertex"
	EventKindCheckpoint = "checkpoint"
	EventKindJob        = "job"
)

// RecentJob summarizes a job known to the coordinator.
type RecentJob struct {
	JobID     JobID     `json:"job_id"`
	Name      string    `json:"name"`
	Status    JobStatus `json:"status"`
	Submitted time.Time `json:"submitted"`
	Modified  time.Time `json:"modified"`
}
