// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dataflow

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyGraph           = errors.New("job graph has no vertices")
	ErrDuplicateVertex      = errors.New("duplicate vertex ID")
	ErrNullEdge             = errors.New("edge refers to a vertex that is not part of the graph")
	ErrNotWeaklyConnected   = errors.New("job graph is not weakly connected")
	ErrCyclicGraph          = errors.New("job graph contains a cycle")
	ErrDegreeMismatch       = errors.New("vertex has the wrong number of inputs or outputs for its kind")
	ErrUnknownSharingTarget = errors.New("vertex shares instances with a vertex that is not part of the graph")
	ErrInstanceSharingCycle = errors.New("instance sharing relation contains a cycle")
	ErrInvalidChannel       = errors.New("invalid channel type or compression level")
	ErrColocation           = errors.New("channel type requires co-located vertices")
)

// ValidationError reports why a job graph was rejected. Err is one of
// the Err* sentinels above.
type ValidationError struct {
	Err    error
	Vertex string
}

func (e *ValidationError) Error() string {
	if e.Vertex == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Vertex)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(err error, vertex string) error {
	return &ValidationError{Err: err, Vertex: vertex}
}

// Validate checks the job graph and returns a *ValidationError
// describing the first problem found. Checks run in a fixed order:
// vertex IDs, null edges, weak connectivity, cycles, vertex degrees,
// instance sharing chains, channel settings.
func (jg *JobGraph) Validate() error {
	if len(jg.Vertices) == 0 {
		return invalid(ErrEmptyGraph, "")
	}
	seen := map[string]bool{}
	for _, v := range jg.Vertices {
		if v.ID == "" || seen[v.ID] {
			return invalid(ErrDuplicateVertex, v.ID)
		}
		seen[v.ID] = true
	}
	for _, e := range jg.Edges {
		if !seen[e.Source] {
			return invalid(ErrNullEdge, e.Source)
		}
		if !seen[e.Target] {
			return invalid(ErrNullEdge, e.Target)
		}
	}
	if id := jg.disconnectedVertex(); id != "" {
		return invalid(ErrNotWeaklyConnected, jg.name(id))
	}
	if order, ok := jg.TopologicalOrder(); !ok {
		return invalid(ErrCyclicGraph, jg.name(jg.firstUnordered(order)))
	}
	for _, v := range jg.Vertices {
		in, out := len(jg.InputEdges(v.ID)), len(jg.OutputEdges(v.ID))
		var ok bool
		switch v.Kind {
		case VertexKindInput:
			ok = in == 0 && out > 0
		case VertexKindOutput:
			ok = in > 0 && out == 0
		default:
			ok = in > 0 && out > 0
		}
		if !ok {
			return invalid(ErrDegreeMismatch, v.Name)
		}
	}
	for _, v := range jg.Vertices {
		visited := map[string]bool{v.ID: true}
		for next := v.SharesInstancesWith; next != ""; {
			if !seen[next] {
				return invalid(ErrUnknownSharingTarget, v.Name)
			}
			if visited[next] {
				return invalid(ErrInstanceSharingCycle, v.Name)
			}
			visited[next] = true
			nv, _ := jg.Vertex(next)
			next = nv.SharesInstancesWith
		}
	}
	for _, e := range jg.Edges {
		if !e.ChannelType.Valid() || !e.Compression.Valid() {
			return invalid(ErrInvalidChannel, jg.name(e.Source))
		}
		if e.ChannelType != ChannelTypeNetwork && !jg.colocated(e) {
			return invalid(ErrColocation, jg.name(e.Source))
		}
	}
	return nil
}

// colocated reports whether every physical channel of e is
// guaranteed to connect two subtasks on the same instance.
func (jg *JobGraph) colocated(e JobEdge) bool {
	if jg.SharingRoot(e.Source) != jg.SharingRoot(e.Target) {
		return false
	}
	src, _ := jg.Vertex(e.Source)
	dst, _ := jg.Vertex(e.Target)
	if src.NumberOfInstances() == 1 && dst.NumberOfInstances() == 1 {
		return true
	}
	return e.Pattern == Pointwise &&
		src.NumberOfSubtasks() == dst.NumberOfSubtasks() &&
		src.NumberOfSubtasksPerInstance() == dst.NumberOfSubtasksPerInstance()
}

func (jg *JobGraph) name(id string) string {
	if v, ok := jg.Vertex(id); ok && v.Name != "" {
		return v.Name
	}
	return id
}

func (jg *JobGraph) firstUnordered(order []string) string {
	done := map[string]bool{}
	for _, id := range order {
		done[id] = true
	}
	for _, v := range jg.Vertices {
		if !done[v.ID] {
			return v.ID
		}
	}
	return ""
}

// disconnectedVertex returns a vertex that cannot be reached from the
// first vertex when edge directions are ignored, or "" if there is
// none.
func (jg *JobGraph) disconnectedVertex() string {
	adj := map[string][]string{}
	for _, e := range jg.Edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
		adj[e.Target] = append(adj[e.Target], e.Source)
	}
	reached := map[string]bool{jg.Vertices[0].ID: true}
	todo := []string{jg.Vertices[0].ID}
	for len(todo) > 0 {
		id := todo[len(todo)-1]
		todo = todo[:len(todo)-1]
		for _, next := range adj[id] {
			if !reached[next] {
				reached[next] = true
				todo = append(todo, next)
			}
		}
	}
	for _, v := range jg.Vertices {
		if !reached[v.ID] {
			return v.ID
		}
	}
	return ""
}
