// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package executiongraph expands a job graph into execution vertices,
// gates and channels, and tracks the state of each vertex and of the
// job as a whole.
//
// All state changes must happen on the graph's command executor (see
// ExecuteCommand). Listeners are called on the executor goroutine and
// may change other vertices' states directly.
package executiongraph

import (
	"fmt"
	"sort"
	"sync"

	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/sirupsen/logrus"
)

type JobStatusListener interface {
	JobStatusHasChanged(eg *ExecutionGraph, status dataflow.JobStatus, description string)
}

type VertexStateListener interface {
	ExecutionStateChanged(v *ExecutionVertex, oldState, newState dataflow.ExecutionState, description string)
}

type CheckpointStateListener interface {
	CheckpointStateChanged(v *ExecutionVertex, state dataflow.CheckpointState)
}

type Options struct {
	Logger logrus.FieldLogger
	// Number of times a failed vertex may be restarted. Zero
	// disables recovery.
	MaxTaskRetries int
}

// ExecutionGraph is the runtime form of a submitted job.
type ExecutionGraph struct {
	jobID      dataflow.JobID
	name       string
	config     map[string]string
	logger     logrus.FieldLogger
	maxRetries int
	executor   *commandExecutor

	groups     []*GroupVertex
	groupByID  map[string]*GroupVertex
	stages     []*ExecutionStage
	vertices   []*ExecutionVertex
	vertexByID map[dataflow.VertexID]*ExecutionVertex
	edges      []*ExecutionEdge
	channels   map[dataflow.ChannelID]*ExecutionEdge

	mtx                 sync.Mutex
	status              dataflow.JobStatus
	description         string
	currentStage        int
	jobListeners        []JobStatusListener
	vertexListeners     []VertexStateListener
	checkpointListeners []CheckpointStateListener
}

// New validates jg and builds its execution graph. The returned
// graph's command executor is running; call ShutdownCommandExecutor
// when the job is no longer needed.
func New(jg dataflow.JobGraph, opts Options) (*ExecutionGraph, error) {
	if err := jg.Validate(); err != nil {
		return nil, err
	}
	if jg.ID == "" {
		jg.ID = dataflow.NewJobID()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	eg := &ExecutionGraph{
		jobID:      jg.ID,
		name:       jg.Name,
		config:     jg.Config,
		logger:     logger.WithField("JobID", jg.ID),
		maxRetries: opts.MaxTaskRetries,
		groupByID:  map[string]*GroupVertex{},
		vertexByID: map[dataflow.VertexID]*ExecutionVertex{},
		channels:   map[dataflow.ChannelID]*ExecutionEdge{},
		status:     dataflow.JobStatusCreated,
	}
	order, _ := jg.TopologicalOrder()
	for _, id := range order {
		jv, _ := jg.Vertex(id)
		eg.addGroup(&jg, *jv)
	}
	outIdx, inIdx := map[string]int{}, map[string]int{}
	for _, je := range jg.Edges {
		eg.connect(je, outIdx[je.Source], inIdx[je.Target])
		outIdx[je.Source]++
		inIdx[je.Target]++
	}
	eg.buildStages()
	eg.executor = newCommandExecutor()
	return eg, nil
}

func (eg *ExecutionGraph) addGroup(jg *dataflow.JobGraph, jv dataflow.JobVertex) {
	gv := &GroupVertex{
		jobVertex:   jv,
		sharingRoot: jg.SharingRoot(jv.ID),
	}
	for _, je := range jg.InputEdges(jv.ID) {
		src := eg.groupByID[je.Source]
		stage := src.stage
		if je.ChannelType == dataflow.ChannelTypeFile {
			stage++
		}
		if stage > gv.stage {
			gv.stage = stage
		}
	}
	n := jv.NumberOfSubtasks()
	inEdges, outEdges := jg.InputEdges(jv.ID), jg.OutputEdges(jv.ID)
	for i := 0; i < n; i++ {
		v := &ExecutionVertex{
			id:              dataflow.NewVertexID(),
			index:           i,
			group:           gv,
			graph:           eg,
			state:           dataflow.ExecutionStateCreated,
			checkpointState: dataflow.CheckpointStateUndecided,
		}
		v.logger = eg.logger.WithFields(logrus.Fields{
			"VertexID": v.id,
			"Vertex":   dataflow.NameWithIndex(jv.Name, i, n),
		})
		for gi, je := range inEdges {
			v.inputGates = append(v.inputGates, newGate(v, gi, true, je))
		}
		for gi, je := range outEdges {
			v.outputGates = append(v.outputGates, newGate(v, gi, false, je))
		}
		gv.vertices = append(gv.vertices, v)
		eg.vertices = append(eg.vertices, v)
		eg.vertexByID[v.id] = v
	}
	eg.groups = append(eg.groups, gv)
	eg.groupByID[jv.ID] = gv
}

func newGate(v *ExecutionVertex, index int, input bool, je dataflow.JobEdge) *ExecutionGate {
	return &ExecutionGate{
		id:          dataflow.NewGateID(),
		vertex:      v,
		index:       index,
		input:       input,
		channelType: je.ChannelType,
		compression: je.Compression,
		broadcast:   je.Broadcast,
	}
}

// connect creates the channels for one job edge. The gate index of
// the edge at each end is its position among that vertex's output
// (or input) edges.
func (eg *ExecutionGraph) connect(je dataflow.JobEdge, outIdx, inIdx int) {
	src, dst := eg.groupByID[je.Source], eg.groupByID[je.Target]
	ns, nt := len(src.vertices), len(dst.vertices)
	link := func(i, j int) {
		s, t := src.vertices[i], dst.vertices[j]
		e := &ExecutionEdge{
			source:          s,
			target:          t,
			outputGate:      s.outputGates[outIdx],
			inputGate:       t.inputGates[inIdx],
			outputChannelID: dataflow.NewChannelID(),
			inputChannelID:  dataflow.NewChannelID(),
		}
		e.outputGate.edges = append(e.outputGate.edges, e)
		e.inputGate.edges = append(e.inputGate.edges, e)
		eg.edges = append(eg.edges, e)
		eg.channels[e.outputChannelID] = e
		eg.channels[e.inputChannelID] = e
	}
	if je.Pattern == dataflow.Pointwise {
		m := ns
		if nt > m {
			m = nt
		}
		for k := 0; k < m; k++ {
			link(k*ns/m, k*nt/m)
		}
		return
	}
	for i := 0; i < ns; i++ {
		for j := 0; j < nt; j++ {
			link(i, j)
		}
	}
}

func (eg *ExecutionGraph) buildStages() {
	for _, gv := range eg.groups {
		for len(eg.stages) <= gv.stage {
			eg.stages = append(eg.stages, &ExecutionStage{index: len(eg.stages)})
		}
		s := eg.stages[gv.stage]
		s.groups = append(s.groups, gv)
	}
}

func (eg *ExecutionGraph) JobID() dataflow.JobID        { return eg.jobID }
func (eg *ExecutionGraph) Name() string                 { return eg.name }
func (eg *ExecutionGraph) Config() map[string]string    { return eg.config }
func (eg *ExecutionGraph) Logger() logrus.FieldLogger   { return eg.logger }
func (eg *ExecutionGraph) Stages() []*ExecutionStage    { return eg.stages }
func (eg *ExecutionGraph) Groups() []*GroupVertex       { return eg.groups }
func (eg *ExecutionGraph) Vertices() []*ExecutionVertex { return eg.vertices }
func (eg *ExecutionGraph) Edges() []*ExecutionEdge      { return eg.edges }
func (eg *ExecutionGraph) Group(id string) *GroupVertex { return eg.groupByID[id] }

// Vertex returns the execution vertex with the given ID, or nil.
func (eg *ExecutionGraph) Vertex(id dataflow.VertexID) *ExecutionVertex {
	return eg.vertexByID[id]
}

// EdgeByChannelID returns the edge that has the given channel ID at
// either end, or nil.
func (eg *ExecutionGraph) EdgeByChannelID(id dataflow.ChannelID) *ExecutionEdge {
	return eg.channels[id]
}

// SharingRoot returns the group whose instances gv runs on.
func (eg *ExecutionGraph) SharingRoot(gv *GroupVertex) *GroupVertex {
	return eg.groupByID[gv.sharingRoot]
}

func (eg *ExecutionGraph) CurrentStage() int {
	eg.mtx.Lock()
	defer eg.mtx.Unlock()
	return eg.currentStage
}

func (eg *ExecutionGraph) SetCurrentStage(stage int) {
	eg.mtx.Lock()
	defer eg.mtx.Unlock()
	eg.currentStage = stage
}

// JobStatus returns the current job status and its description.
func (eg *ExecutionGraph) JobStatus() (dataflow.JobStatus, string) {
	eg.mtx.Lock()
	defer eg.mtx.Unlock()
	return eg.status, eg.description
}

// ExecuteCommand queues cmd to run on the graph's command executor.
// It returns false if the executor has been shut down.
func (eg *ExecutionGraph) ExecuteCommand(cmd func()) bool {
	return eg.executor.submit(cmd)
}

// Sync waits for all previously queued commands to run. It returns
// false if the executor was shut down first.
func (eg *ExecutionGraph) Sync() bool {
	done := make(chan struct{})
	if !eg.executor.submit(func() { close(done) }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-eg.executor.done:
		return false
	}
}

// ShutdownCommandExecutor discards pending commands. It does not wait
// for a command in progress.
func (eg *ExecutionGraph) ShutdownCommandExecutor() {
	eg.executor.stop()
}

func (eg *ExecutionGraph) RegisterJobStatusListener(l JobStatusListener) {
	eg.mtx.Lock()
	defer eg.mtx.Unlock()
	eg.jobListeners = append(eg.jobListeners, l)
}

func (eg *ExecutionGraph) RegisterVertexStateListener(l VertexStateListener) {
	eg.mtx.Lock()
	defer eg.mtx.Unlock()
	eg.vertexListeners = append(eg.vertexListeners, l)
}

func (eg *ExecutionGraph) RegisterCheckpointStateListener(l CheckpointStateListener) {
	eg.mtx.Lock()
	defer eg.mtx.Unlock()
	eg.checkpointListeners = append(eg.checkpointListeners, l)
}

// RequestCancel moves the job to CANCELING unless it is already
// aborting or done. Canceling the vertices is up to the job status
// listeners.
func (eg *ExecutionGraph) RequestCancel(description string) bool {
	eg.mtx.Lock()
	if eg.status.IsTerminal() || eg.status.IsAborting() {
		eg.mtx.Unlock()
		return false
	}
	eg.status = dataflow.JobStatusCanceling
	eg.description = description
	listeners := append([]JobStatusListener(nil), eg.jobListeners...)
	eg.mtx.Unlock()
	eg.logger.WithField("Description", description).Info("job status changed to " + dataflow.JobStatusCanceling)
	for _, l := range listeners {
		l.JobStatusHasChanged(eg, dataflow.JobStatusCanceling, description)
	}
	eg.recomputeJobStatus()
	return true
}

// IsRecoverable returns true if v may be restarted after failing: it
// has retries left, its inputs can be replayed from complete
// checkpoints, and none of its pipelined consumers have started.
func (eg *ExecutionGraph) IsRecoverable(v *ExecutionVertex) bool {
	eg.mtx.Lock()
	defer eg.mtx.Unlock()
	if eg.status.IsTerminal() || eg.status.IsAborting() {
		return false
	}
	return eg.isRecoverable(v)
}

func (eg *ExecutionGraph) isRecoverable(v *ExecutionVertex) bool {
	if v.Retries() >= eg.maxRetries || v.AllocatedResource() == nil {
		return false
	}
	for _, p := range v.Producers() {
		p.mtx.Lock()
		ok := p.state == dataflow.ExecutionStateFinished && p.checkpointState == dataflow.CheckpointStateComplete
		p.mtx.Unlock()
		if !ok {
			return false
		}
	}
	for _, g := range v.outputGates {
		if g.channelType == dataflow.ChannelTypeFile {
			continue
		}
		for _, e := range g.edges {
			if e.target.ExecutionState().IsStarted() {
				return false
			}
		}
	}
	return true
}

func (eg *ExecutionGraph) vertexStateChanged(v *ExecutionVertex, oldState, newState dataflow.ExecutionState, description string) {
	v.logger.WithFields(logrus.Fields{
		"OldState":    oldState,
		"Description": description,
	}).Debug("vertex state changed to " + newState)
	eg.mtx.Lock()
	listeners := append([]VertexStateListener(nil), eg.vertexListeners...)
	eg.mtx.Unlock()
	for _, l := range listeners {
		l.ExecutionStateChanged(v, oldState, newState, description)
	}
	eg.recomputeJobStatus()
}

func (eg *ExecutionGraph) checkpointStateChanged(v *ExecutionVertex, state dataflow.CheckpointState) {
	eg.mtx.Lock()
	listeners := append([]CheckpointStateListener(nil), eg.checkpointListeners...)
	eg.mtx.Unlock()
	for _, l := range listeners {
		l.CheckpointStateChanged(v, state)
	}
}

// recomputeJobStatus advances the job status one step at a time
// until it is stable, notifying listeners of every step.
func (eg *ExecutionGraph) recomputeJobStatus() {
	for {
		eg.mtx.Lock()
		old := eg.status
		next, description := eg.nextJobStatus()
		if next == old {
			eg.mtx.Unlock()
			return
		}
		eg.status = next
		if description != "" {
			eg.description = description
		}
		description = eg.description
		listeners := append([]JobStatusListener(nil), eg.jobListeners...)
		eg.mtx.Unlock()
		eg.logger.WithFields(logrus.Fields{
			"OldStatus":   old,
			"Description": description,
		}).Info("job status changed to " + next)
		for _, l := range listeners {
			l.JobStatusHasChanged(eg, next, description)
		}
	}
}

// nextJobStatus returns the status the job should move to from its
// current status, given the vertex states. Caller must hold eg.mtx.
func (eg *ExecutionGraph) nextJobStatus() (dataflow.JobStatus, string) {
	switch eg.status {
	case dataflow.JobStatusCreated, dataflow.JobStatusScheduled, dataflow.JobStatusRunning:
		allFinished := true
		anyStarted, anyRunning, anyCanceled := false, false, false
		for _, v := range eg.vertices {
			state := v.ExecutionState()
			switch state {
			case dataflow.ExecutionStateFailing, dataflow.ExecutionStateFailed:
				if !eg.isRecoverable(v) {
					return dataflow.JobStatusFailing, fmt.Sprintf("vertex %s failed: %s", v.NameWithIndex(), v.Description())
				}
			case dataflow.ExecutionStateCanceling, dataflow.ExecutionStateCanceled:
				anyCanceled = true
			case dataflow.ExecutionStateRunning, dataflow.ExecutionStateReplaying, dataflow.ExecutionStateFinishing:
				anyRunning = true
			}
			if state != dataflow.ExecutionStateFinished {
				allFinished = false
			} else {
				anyRunning = true
			}
			if state != dataflow.ExecutionStateCreated {
				anyStarted = true
			}
		}
		switch {
		case anyCanceled:
			return dataflow.JobStatusCanceling, ""
		case allFinished:
			return dataflow.JobStatusFinished, ""
		case eg.status == dataflow.JobStatusCreated && anyStarted:
			return dataflow.JobStatusScheduled, ""
		case anyRunning:
			return dataflow.JobStatusRunning, ""
		}
	case dataflow.JobStatusFailing:
		if eg.allTerminal() {
			return dataflow.JobStatusFailed, ""
		}
	case dataflow.JobStatusCanceling:
		if eg.allTerminal() {
			return dataflow.JobStatusCanceled, ""
		}
	}
	return eg.status, ""
}

func (eg *ExecutionGraph) allTerminal() bool {
	for _, v := range eg.vertices {
		if !v.ExecutionState().IsTerminal() {
			return false
		}
	}
	return true
}

// Snapshot returns a read-only copy of the graph's current state.
func (eg *ExecutionGraph) Snapshot() dataflow.GraphSnapshot {
	status, description := eg.JobStatus()
	snap := dataflow.GraphSnapshot{
		JobID:        eg.jobID,
		Name:         eg.name,
		Status:       status,
		Description:  description,
		CurrentStage: eg.CurrentStage(),
	}
	for _, s := range eg.stages {
		ss := dataflow.StageSnapshot{Index: s.index}
		for _, v := range s.Vertices() {
			v.mtx.Lock()
			vs := dataflow.VertexSnapshot{
				ID:              v.id,
				Name:            v.group.Name(),
				Index:           v.index,
				Total:           len(v.group.vertices),
				State:           v.state,
				CheckpointState: v.checkpointState,
				Retries:         v.retries,
			}
			if v.resource != nil {
				vs.Instance = v.resource.Name()
			}
			v.mtx.Unlock()
			ss.Vertices = append(ss.Vertices, vs)
		}
		snap.Stages = append(snap.Stages, ss)
	}
	for _, e := range eg.edges {
		snap.Edges = append(snap.Edges, dataflow.EdgeSnapshot{
			Source:          e.source.id,
			Target:          e.target.id,
			OutputChannelID: e.outputChannelID,
			InputChannelID:  e.inputChannelID,
			ChannelType:     e.ChannelType(),
			Broadcast:       e.IsBroadcast(),
		})
	}
	return snap
}

// VerticesByState returns the IDs of vertices in each state, sorted,
// for logging and tests.
func (eg *ExecutionGraph) VerticesByState() map[dataflow.ExecutionState][]string {
	m := map[dataflow.ExecutionState][]string{}
	for _, v := range eg.vertices {
		st := v.ExecutionState()
		m[st] = append(m[st], v.NameWithIndex())
	}
	for _, names := range m {
		sort.Strings(names)
	}
	return m
}
