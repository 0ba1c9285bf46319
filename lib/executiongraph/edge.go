// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executiongraph

import "git.arvados.org/dataflow.git/sdk/go/dataflow"

// ExecutionEdge is one channel between an output gate of source and
// an input gate of target.
type ExecutionEdge struct {
	source          *ExecutionVertex
	target          *ExecutionVertex
	outputGate      *ExecutionGate
	inputGate       *ExecutionGate
	outputChannelID dataflow.ChannelID
	inputChannelID  dataflow.ChannelID
}

func (e *ExecutionEdge) Source() *ExecutionVertex            { return e.source }
func (e *ExecutionEdge) Target() *ExecutionVertex            { return e.target }
func (e *ExecutionEdge) OutputGate() *ExecutionGate          { return e.outputGate }
func (e *ExecutionEdge) InputGate() *ExecutionGate           { return e.inputGate }
func (e *ExecutionEdge) OutputChannelID() dataflow.ChannelID { return e.outputChannelID }
func (e *ExecutionEdge) InputChannelID() dataflow.ChannelID  { return e.inputChannelID }
func (e *ExecutionEdge) ChannelType() dataflow.ChannelType   { return e.outputGate.channelType }
func (e *ExecutionEdge) IsBroadcast() bool                   { return e.outputGate.broadcast }

// ExecutionGate is an input or output gate of an execution vertex.
// Its edges are in channel index order.
type ExecutionGate struct {
	id          dataflow.GateID
	vertex      *ExecutionVertex
	index       int
	input       bool
	channelType dataflow.ChannelType
	compression dataflow.CompressionLevel
	broadcast   bool
	edges       []*ExecutionEdge
}

func (g *ExecutionGate) ID() dataflow.GateID               { return g.id }
func (g *ExecutionGate) Vertex() *ExecutionVertex          { return g.vertex }
func (g *ExecutionGate) Index() int                        { return g.index }
func (g *ExecutionGate) IsInput() bool                     { return g.input }
func (g *ExecutionGate) ChannelType() dataflow.ChannelType { return g.channelType }
func (g *ExecutionGate) IsBroadcast() bool                 { return g.broadcast }
func (g *ExecutionGate) Edges() []*ExecutionEdge           { return g.edges }

func (g *ExecutionGate) descriptor() dataflow.GateDeploymentDescriptor {
	gdd := dataflow.GateDeploymentDescriptor{
		GateID:      g.id,
		ChannelType: g.channelType,
		Compression: g.compression,
		Broadcast:   g.broadcast,
	}
	for _, e := range g.edges {
		gdd.Channels = append(gdd.Channels, dataflow.ChannelDeploymentDescriptor{
			OutputChannelID: e.outputChannelID,
			InputChannelID:  e.inputChannelID,
		})
	}
	return gdd
}

// GroupVertex is the set of execution vertices expanded from one job
// vertex.
type GroupVertex struct {
	jobVertex   dataflow.JobVertex
	stage       int
	sharingRoot string
	vertices    []*ExecutionVertex
}

func (gv *GroupVertex) ID() string                    { return gv.jobVertex.ID }
func (gv *GroupVertex) Name() string                  { return gv.jobVertex.Name }
func (gv *GroupVertex) JobVertex() dataflow.JobVertex { return gv.jobVertex }
func (gv *GroupVertex) Stage() int                    { return gv.stage }
func (gv *GroupVertex) Vertices() []*ExecutionVertex  { return gv.vertices }
func (gv *GroupVertex) NumberOfInstances() int        { return gv.jobVertex.NumberOfInstances() }
func (gv *GroupVertex) InstanceType() string          { return gv.jobVertex.InstanceType }

// SharingRoot returns the ID of the job vertex whose instances this
// group uses: the end of its SharesInstancesWith chain.
func (gv *GroupVertex) SharingRoot() string { return gv.sharingRoot }

// ExecutionStage is a set of groups that can run at the same time.
// Stages are separated by file channels.
type ExecutionStage struct {
	index  int
	groups []*GroupVertex
}

func (s *ExecutionStage) Index() int             { return s.index }
func (s *ExecutionStage) Groups() []*GroupVertex { return s.groups }

// Vertices returns the execution vertices of all groups in the stage.
func (s *ExecutionStage) Vertices() []*ExecutionVertex {
	var vs []*ExecutionVertex
	for _, gv := range s.groups {
		vs = append(vs, gv.vertices...)
	}
	return vs
}
