// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dataflow

import (
	"errors"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ValidateSuite{})

type ValidateSuite struct{}

func chain() *JobGraph {
	return &JobGraph{
		Name: "chain",
		Vertices: []JobVertex{
			{ID: "src", Name: "source", Kind: VertexKindInput, Parallelism: 2},
			{ID: "map", Name: "map", Kind: VertexKindTask, Parallelism: 2},
			{ID: "dst", Name: "sink", Kind: VertexKindOutput, Parallelism: 1},
		},
		Edges: []JobEdge{
			{Source: "src", Target: "map", ChannelType: ChannelTypeNetwork, Pattern: Pointwise},
			{Source: "map", Target: "dst", ChannelType: ChannelTypeNetwork, Pattern: Bipartite},
		},
	}
}

func (s *ValidateSuite) checkInvalid(c *check.C, jg *JobGraph, sentinel error) *ValidationError {
	err := jg.Validate()
	c.Assert(err, check.NotNil)
	c.Check(errors.Is(err, sentinel), check.Equals, true, check.Commentf("got %v", err))
	var verr *ValidationError
	c.Assert(errors.As(err, &verr), check.Equals, true)
	return verr
}

func (s *ValidateSuite) TestValid(c *check.C) {
	c.Check(chain().Validate(), check.IsNil)
}

func (s *ValidateSuite) TestEmpty(c *check.C) {
	s.checkInvalid(c, &JobGraph{}, ErrEmptyGraph)
}

func (s *ValidateSuite) TestDuplicateVertex(c *check.C) {
	jg := chain()
	jg.Vertices[1].ID = "src"
	s.checkInvalid(c, jg, ErrDuplicateVertex)
}

func (s *ValidateSuite) TestNullEdge(c *check.C) {
	jg := chain()
	jg.Edges = append(jg.Edges, JobEdge{Source: "map", Target: "nowhere", ChannelType: ChannelTypeNetwork})
	verr := s.checkInvalid(c, jg, ErrNullEdge)
	c.Check(verr.Vertex, check.Equals, "nowhere")
}

func (s *ValidateSuite) TestNotWeaklyConnected(c *check.C) {
	jg := chain()
	jg.Vertices = append(jg.Vertices, JobVertex{ID: "island", Name: "island", Kind: VertexKindTask})
	verr := s.checkInvalid(c, jg, ErrNotWeaklyConnected)
	c.Check(verr.Vertex, check.Equals, "island")
}

func (s *ValidateSuite) TestCycle(c *check.C) {
	jg := chain()
	jg.Vertices = append(jg.Vertices, JobVertex{ID: "loop", Name: "loop", Kind: VertexKindTask})
	jg.Edges = append(jg.Edges,
		JobEdge{Source: "map", Target: "loop", ChannelType: ChannelTypeNetwork},
		JobEdge{Source: "loop", Target: "map", ChannelType: ChannelTypeNetwork})
	s.checkInvalid(c, jg, ErrCyclicGraph)
}

func (s *ValidateSuite) TestCycleReportedBeforeDegree(c *check.C) {
	// "loop" also has the wrong kind, but the cycle check runs
	// first.
	jg := chain()
	jg.Vertices = append(jg.Vertices, JobVertex{ID: "loop", Name: "loop", Kind: VertexKindOutput})
	jg.Edges = append(jg.Edges,
		JobEdge{Source: "map", Target: "loop", ChannelType: ChannelTypeNetwork},
		JobEdge{Source: "loop", Target: "map", ChannelType: ChannelTypeNetwork})
	s.checkInvalid(c, jg, ErrCyclicGraph)
}

func (s *ValidateSuite) TestDegreeMismatch(c *check.C) {
	jg := chain()
	jg.Vertices[2].Kind = VertexKindTask
	verr := s.checkInvalid(c, jg, ErrDegreeMismatch)
	c.Check(verr.Vertex, check.Equals, "sink")
}

func (s *ValidateSuite) TestSharingCycle(c *check.C) {
	jg := chain()
	jg.Vertices[0].SharesInstancesWith = "map"
	jg.Vertices[1].SharesInstancesWith = "src"
	s.checkInvalid(c, jg, ErrInstanceSharingCycle)
}

func (s *ValidateSuite) TestUnknownSharingTarget(c *check.C) {
	jg := chain()
	jg.Vertices[0].SharesInstancesWith = "ghost"
	s.checkInvalid(c, jg, ErrUnknownSharingTarget)
}

func (s *ValidateSuite) TestInvalidChannelType(c *check.C) {
	jg := chain()
	jg.Edges[0].ChannelType = "carrier-pigeon"
	s.checkInvalid(c, jg, ErrInvalidChannel)
}

func (s *ValidateSuite) TestFileChannelNeedsColocation(c *check.C) {
	jg := chain()
	jg.Edges[0].ChannelType = ChannelTypeFile
	s.checkInvalid(c, jg, ErrColocation)

	jg.Vertices[1].SharesInstancesWith = "src"
	c.Check(jg.Validate(), check.IsNil)

	jg.Edges[0].Pattern = Bipartite
	s.checkInvalid(c, jg, ErrColocation)

	// Bipartite is fine when everything fits on one instance.
	jg.Vertices[0].SubtasksPerInstance = 2
	jg.Vertices[1].SubtasksPerInstance = 2
	c.Check(jg.Validate(), check.IsNil)
}

func (s *ValidateSuite) TestTopologicalOrder(c *check.C) {
	jg := chain()
	jg.Vertices[0], jg.Vertices[2] = jg.Vertices[2], jg.Vertices[0]
	order, ok := jg.TopologicalOrder()
	c.Check(ok, check.Equals, true)
	c.Check(order, check.DeepEquals, []string{"src", "map", "dst"})
}

func (s *ValidateSuite) TestSharingRoot(c *check.C) {
	jg := chain()
	jg.Vertices[2].SharesInstancesWith = "map"
	jg.Vertices[1].SharesInstancesWith = "src"
	c.Check(jg.SharingRoot("dst"), check.Equals, "src")
	c.Check(jg.SharingRoot("src"), check.Equals, "src")
}
