// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dataflow

import "github.com/google/uuid"

// JobID identifies a submitted job.
type JobID string

// VertexID identifies one execution vertex (a single subtask).
type VertexID string

// ChannelID identifies one endpoint of a channel. Every execution
// edge has two: the producer's output channel and the consumer's
// input channel.
type ChannelID string

// GateID identifies an input or output gate of an execution vertex.
type GateID string

func NewJobID() JobID         { return JobID(uuid.NewString()) }
func NewVertexID() VertexID   { return VertexID(uuid.NewString()) }
func NewChannelID() ChannelID { return ChannelID(uuid.NewString()) }
func NewGateID() GateID       { return GateID(uuid.NewString()) }
