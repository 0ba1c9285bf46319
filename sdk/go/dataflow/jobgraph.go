// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dataflow

// VertexKind distinguishes sources, sinks and intermediate tasks.
type VertexKind string

const (
	VertexKindInput  = VertexKind("input")
	VertexKindTask   = VertexKind("task")
	VertexKindOutput = VertexKind("output")
)

// JobGraph is the logical task graph submitted by a client.
type JobGraph struct {
	ID       JobID             `json:"id"`
	Name     string            `json:"name"`
	Vertices []JobVertex       `json:"vertices"`
	Edges    []JobEdge         `json:"edges"`
	Config   map[string]string `json:"config"`
}

// JobVertex is one logical task. It expands to Parallelism execution
// vertices.
type JobVertex struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Kind                VertexKind        `json:"kind"`
	Invokable           string            `json:"invokable"`
	Parallelism         int               `json:"parallelism"`
	SubtasksPerInstance int               `json:"subtasks_per_instance"`
	InstanceType        string            `json:"instance_type"`
	SharesInstancesWith string            `json:"shares_instances_with"`
	Config              map[string]string `json:"config"`
}

// NumberOfSubtasks returns the configured parallelism, at least 1.
func (v JobVertex) NumberOfSubtasks() int {
	if v.Parallelism < 1 {
		return 1
	}
	return v.Parallelism
}

// NumberOfSubtasksPerInstance returns how many subtasks of this
// vertex are packed onto one instance, at least 1.
func (v JobVertex) NumberOfSubtasksPerInstance() int {
	if v.SubtasksPerInstance < 1 {
		return 1
	}
	return v.SubtasksPerInstance
}

// NumberOfInstances returns the number of instances needed to run
// all subtasks of this vertex.
func (v JobVertex) NumberOfInstances() int {
	spi := v.NumberOfSubtasksPerInstance()
	return (v.NumberOfSubtasks() + spi - 1) / spi
}

// JobEdge connects an output gate of Source to an input gate of
// Target. Gates are numbered in the order edges appear in
// JobGraph.Edges.
type JobEdge struct {
	Source      string              `json:"source"`
	Target      string              `json:"target"`
	ChannelType ChannelType         `json:"channel_type"`
	Compression CompressionLevel    `json:"compression"`
	Pattern     DistributionPattern `json:"pattern"`
	Broadcast   bool                `json:"broadcast"`
}

// Vertex returns the job vertex with the given ID.
func (jg *JobGraph) Vertex(id string) (*JobVertex, bool) {
	for i := range jg.Vertices {
		if jg.Vertices[i].ID == id {
			return &jg.Vertices[i], true
		}
	}
	return nil, false
}

// InputEdges returns the edges whose target is the given vertex, in
// gate order.
func (jg *JobGraph) InputEdges(id string) []JobEdge {
	var edges []JobEdge
	for _, e := range jg.Edges {
		if e.Target == id {
			edges = append(edges, e)
		}
	}
	return edges
}

// OutputEdges returns the edges whose source is the given vertex, in
// gate order.
func (jg *JobGraph) OutputEdges(id string) []JobEdge {
	var edges []JobEdge
	for _, e := range jg.Edges {
		if e.Source == id {
			edges = append(edges, e)
		}
	}
	return edges
}

// SharingRoot follows the SharesInstancesWith chain starting at the
// given vertex and returns the ID of the vertex at its end. Call
// Validate first: SharingRoot does not detect cycles.
func (jg *JobGraph) SharingRoot(id string) string {
	for {
		v, ok := jg.Vertex(id)
		if !ok || v.SharesInstancesWith == "" {
			return id
		}
		id = v.SharesInstancesWith
	}
}

// TopologicalOrder returns the vertex IDs so that every edge's source
// comes before its target. The second return value is false if the
// graph has a cycle.
func (jg *JobGraph) TopologicalOrder() ([]string, bool) {
	indegree := map[string]int{}
	for _, v := range jg.Vertices {
		indegree[v.ID] = 0
	}
	for _, e := range jg.Edges {
		indegree[e.Target]++
	}
	var queue, order []string
	for _, v := range jg.Vertices {
		if indegree[v.ID] == 0 {
			queue = append(queue, v.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, e := range jg.Edges {
			if e.Source != id {
				continue
			}
			indegree[e.Target]--
			if indegree[e.Target] == 0 {
				queue = append(queue, e.Target)
			}
		}
	}
	return order, len(order) == len(jg.Vertices)
}
