// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scheduler requests instances for the stages of a job and
// decides when assigned vertices are deployed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"git.arvados.org/dataflow.git/lib/executiongraph"
	"git.arvados.org/dataflow.git/lib/instance"
	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var ErrUnknownPolicy = errors.New("unknown scheduling policy")

var errNoSlots = errors.New("instance manager allocated no slots")

// A Deployer starts vertices on an instance. Deploy is called on the
// graph's command executor with vertices in READY state, all of which
// are allocated on inst.
type Deployer interface {
	Deploy(ctx context.Context, eg *executiongraph.ExecutionGraph, inst instance.Instance, vertices []*executiongraph.ExecutionVertex)
}

// A Scheduler maps the vertices of running jobs onto instance slots.
//
// With the pipelined policy, resources for all stages are requested
// when the job is scheduled, and a vertex is deployed as soon as one
// of its producers is running. With the staged policy, resources for
// a stage are requested once the previous stage has finished, and a
// stage's vertices are deployed together.
type Scheduler struct {
	logger    logrus.FieldLogger
	instances instance.Manager
	deployer  Deployer
	pool      *ants.Pool
	cfg       dataflow.SchedulingConfig

	mtx  sync.Mutex
	jobs map[dataflow.JobID]*job

	mJobs             prometheus.Gauge
	mResourceRequests *prometheus.CounterVec
	mDeployed         prometheus.Counter
	mRestarted        prometheus.Counter
}

type job struct {
	eg     *executiongraph.ExecutionGraph
	policy string
	ctx    context.Context
	cancel context.CancelFunc

	// Fields below are only accessed on the graph's command
	// executor.

	// sharing root ID => slots allocated to it
	resources map[string][]instance.AllocatedResource
	// sharing root ID => groups waiting for a request in progress
	waiting map[string][]*executiongraph.GroupVertex
}

// New returns a new Scheduler. Blocking resource requests run in
// pool.
func New(logger logrus.FieldLogger, instances instance.Manager, deployer Deployer, pool *ants.Pool, reg *prometheus.Registry, cfg dataflow.SchedulingConfig) *Scheduler {
	sch := &Scheduler{
		logger:    logger,
		instances: instances,
		deployer:  deployer,
		pool:      pool,
		cfg:       cfg,
		jobs:      map[dataflow.JobID]*job{},
	}
	sch.registerMetrics(reg)
	return sch
}

func (sch *Scheduler) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	sch.mJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dataflow",
		Subsystem: "scheduler",
		Name:      "jobs",
		Help:      "Number of jobs known to the scheduler.",
	})
	reg.MustRegister(sch.mJobs)
	sch.mResourceRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dataflow",
		Subsystem: "scheduler",
		Name:      "resource_requests_total",
		Help:      "Number of instance requests made on behalf of jobs, by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(sch.mResourceRequests)
	sch.mDeployed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dataflow",
		Subsystem: "scheduler",
		Name:      "vertices_deployed_total",
		Help:      "Number of vertices handed to the deployer.",
	})
	reg.MustRegister(sch.mDeployed)
	sch.mRestarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dataflow",
		Subsystem: "scheduler",
		Name:      "vertices_restarted_total",
		Help:      "Number of failed vertices restarted from checkpoints.",
	})
	reg.MustRegister(sch.mRestarted)
}

// Policy returns the scheduling policy that applies to eg: the job's
// own setting if it has one, otherwise the configured default.
func (sch *Scheduler) Policy(eg *executiongraph.ExecutionGraph) (string, error) {
	policy := eg.Config()[dataflow.JobConfigSchedulingPolicy]
	if policy == "" {
		policy = sch.cfg.Policy
	}
	switch policy {
	case "", dataflow.SchedulingPolicyPipelined:
		return dataflow.SchedulingPolicyPipelined, nil
	case dataflow.SchedulingPolicyStaged:
		return policy, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownPolicy, policy)
	}
}

// ScheduleJob starts scheduling eg. It returns an error without
// changing any vertex state if the job asks for an instance type no
// known instance provides.
func (sch *Scheduler) ScheduleJob(eg *executiongraph.ExecutionGraph) error {
	policy, err := sch.Policy(eg)
	if err != nil {
		return err
	}
	for _, gv := range eg.Groups() {
		root := eg.SharingRoot(gv)
		if !sch.instances.HasInstanceType(root.InstanceType()) {
			return fmt.Errorf("%w %q (vertex %s)", instance.ErrUnknownInstanceType, root.InstanceType(), gv.Name())
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		eg:        eg,
		policy:    policy,
		ctx:       ctx,
		cancel:    cancel,
		resources: map[string][]instance.AllocatedResource{},
		waiting:   map[string][]*executiongraph.GroupVertex{},
	}
	sch.mtx.Lock()
	sch.jobs[eg.JobID()] = j
	sch.mJobs.Set(float64(len(sch.jobs)))
	sch.mtx.Unlock()
	eg.RegisterVertexStateListener(&vertexListener{sch: sch, job: j})
	eg.Logger().WithField("Policy", policy).Info("scheduling job")
	eg.ExecuteCommand(func() {
		if policy == dataflow.SchedulingPolicyStaged {
			sch.requestStage(j, 0)
		} else {
			for i := range eg.Stages() {
				sch.requestStage(j, i)
			}
		}
	})
	return nil
}

// ExecutionGraphByID returns the graph of a scheduled job.
func (sch *Scheduler) ExecutionGraphByID(id dataflow.JobID) (*executiongraph.ExecutionGraph, bool) {
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	j, ok := sch.jobs[id]
	if !ok {
		return nil, false
	}
	return j.eg, true
}

// RemoveJob forgets the job, cancels its pending resource requests
// and releases its slots.
func (sch *Scheduler) RemoveJob(id dataflow.JobID) {
	sch.mtx.Lock()
	j, ok := sch.jobs[id]
	delete(sch.jobs, id)
	sch.mJobs.Set(float64(len(sch.jobs)))
	sch.mtx.Unlock()
	if ok {
		j.cancel()
	}
	sch.instances.ReleaseInstances(id)
}

// Stop cancels all pending resource requests.
func (sch *Scheduler) Stop() {
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	for _, j := range sch.jobs {
		j.cancel()
	}
}

func (sch *Scheduler) job(eg *executiongraph.ExecutionGraph) *job {
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	j := sch.jobs[eg.JobID()]
	if j == nil || j.eg != eg {
		return nil
	}
	return j
}

// requestStage marks the stage's vertices SCHEDULED and requests
// slots for each sharing root that does not have any yet. Must be
// called on the graph's command executor.
func (sch *Scheduler) requestStage(j *job, index int) {
	eg := j.eg
	if status, _ := eg.JobStatus(); status.IsTerminal() || status.IsAborting() {
		return
	}
	stage := eg.Stages()[index]
	eg.Logger().WithField("Stage", index).Debug("requesting resources for stage")
	need := map[string]int{}
	var roots []string
	for _, gv := range stage.Groups() {
		for _, v := range gv.Vertices() {
			v.CompareAndUpdateExecutionState(dataflow.ExecutionStateCreated, dataflow.ExecutionStateScheduled, "")
		}
		root := eg.SharingRoot(gv).ID()
		if _, ok := j.resources[root]; ok {
			sch.assign(j, gv)
			continue
		}
		if _, ok := j.waiting[root]; !ok {
			roots = append(roots, root)
			need[root] = sch.instancesNeeded(eg, root)
		}
		j.waiting[root] = append(j.waiting[root], gv)
	}
	for _, root := range roots {
		sch.request(j, root, need[root])
	}
}

// instancesNeeded returns the number of instances the groups sharing
// root need: the largest number any one of them needs.
func (sch *Scheduler) instancesNeeded(eg *executiongraph.ExecutionGraph, root string) int {
	n := 1
	for _, gv := range eg.Groups() {
		if eg.SharingRoot(gv).ID() == root && gv.NumberOfInstances() > n {
			n = gv.NumberOfInstances()
		}
	}
	return n
}

func (sch *Scheduler) request(j *job, root string, count int) {
	eg := j.eg
	instanceType := eg.Group(root).InstanceType()
	err := sch.pool.Submit(func() {
		ctx := j.ctx
		if timeout := sch.cfg.ResourceRequestTimeout.Duration(); timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		res, err := sch.instances.RequestInstances(ctx, eg.JobID(), instanceType, count)
		if err != nil {
			sch.mResourceRequests.WithLabelValues("error").Inc()
		} else {
			sch.mResourceRequests.WithLabelValues("ok").Inc()
		}
		if !eg.ExecuteCommand(func() { sch.instancesAllocated(j, root, res, err) }) && err == nil {
			// job was removed while the request was pending
			sch.instances.ReleaseInstances(eg.JobID())
		}
	})
	if err != nil {
		sch.mResourceRequests.WithLabelValues("error").Inc()
		sch.instancesAllocated(j, root, nil, fmt.Errorf("cannot start resource request: %w", err))
	}
}

// instancesAllocated handles the outcome of a resource request. Must
// be called on the graph's command executor.
func (sch *Scheduler) instancesAllocated(j *job, root string, res []instance.AllocatedResource, err error) {
	eg := j.eg
	groups := j.waiting[root]
	delete(j.waiting, root)
	if err == nil && len(res) == 0 {
		err = errNoSlots
	}
	if err != nil {
		eg.Logger().WithError(err).WithField("SharingRoot", root).Warn("resource request failed")
		for _, gv := range groups {
			for _, v := range gv.Vertices() {
				if v.ExecutionState() == dataflow.ExecutionStateScheduled {
					v.UpdateExecutionState(dataflow.ExecutionStateFailed, "resource request failed: "+err.Error())
				}
			}
		}
		return
	}
	eg.Logger().WithFields(logrus.Fields{
		"SharingRoot": root,
		"Slots":       len(res),
	}).Debug("resources allocated")
	j.resources[root] = res
	for _, gv := range groups {
		sch.assign(j, gv)
	}
}

// assign attaches slots to the group's SCHEDULED vertices, moves them
// to ASSIGNED, and deploys those the policy allows to start now.
func (sch *Scheduler) assign(j *job, gv *executiongraph.GroupVertex) {
	eg := j.eg
	if status, _ := eg.JobStatus(); status.IsTerminal() || status.IsAborting() {
		return
	}
	res := j.resources[eg.SharingRoot(gv).ID()]
	spi := gv.JobVertex().NumberOfSubtasksPerInstance()
	var assigned []*executiongraph.ExecutionVertex
	for i, v := range gv.Vertices() {
		if v.ExecutionState() != dataflow.ExecutionStateScheduled {
			continue
		}
		r := res[(i/spi)%len(res)]
		v.SetAllocatedResource(&r)
		if v.CompareAndUpdateExecutionState(dataflow.ExecutionStateScheduled, dataflow.ExecutionStateAssigned, "") {
			assigned = append(assigned, v)
		}
	}
	if j.policy == dataflow.SchedulingPolicyStaged {
		sch.deployStageIfAssigned(j, gv.Stage())
		return
	}
	var ready []*executiongraph.ExecutionVertex
	for _, v := range assigned {
		if producersReady(v) {
			ready = append(ready, v)
		}
	}
	sch.deploy(j, ready)
}

func producersReady(v *executiongraph.ExecutionVertex) bool {
	producers := v.Producers()
	if len(producers) == 0 {
		return true
	}
	for _, p := range producers {
		if p.ExecutionState().AcceptsData() {
			return true
		}
	}
	return false
}

// deployStageIfAssigned deploys every vertex of the stage once all of
// them are ASSIGNED.
func (sch *Scheduler) deployStageIfAssigned(j *job, index int) {
	vertices := j.eg.Stages()[index].Vertices()
	for _, v := range vertices {
		if v.ExecutionState() != dataflow.ExecutionStateAssigned {
			return
		}
	}
	sch.deploy(j, vertices)
}

// DeployAssignedVertices deploys v if it is ASSIGNED. It is a no-op
// for vertices in any other state. Must be called on the graph's
// command executor.
func (sch *Scheduler) DeployAssignedVertices(v *executiongraph.ExecutionVertex) {
	j := sch.job(v.Graph())
	if j == nil {
		return
	}
	sch.deploy(j, []*executiongraph.ExecutionVertex{v})
}

// deploy moves the given ASSIGNED vertices to READY and hands them to
// the deployer, one batch per instance. Vertices in other states are
// skipped.
func (sch *Scheduler) deploy(j *job, vertices []*executiongraph.ExecutionVertex) {
	var order []string
	batches := map[string][]*executiongraph.ExecutionVertex{}
	insts := map[string]instance.Instance{}
	for _, v := range vertices {
		res := v.AllocatedResource()
		if res == nil || v.ExecutionState() != dataflow.ExecutionStateAssigned {
			continue
		}
		if !v.CompareAndUpdateExecutionState(dataflow.ExecutionStateAssigned, dataflow.ExecutionStateReady, "") {
			continue
		}
		name := res.Name()
		if _, ok := batches[name]; !ok {
			order = append(order, name)
			insts[name] = res.Instance
		}
		batches[name] = append(batches[name], v)
	}
	for _, name := range order {
		sch.mDeployed.Add(float64(len(batches[name])))
		sch.deployer.Deploy(j.ctx, j.eg, insts[name], batches[name])
	}
}

type vertexListener struct {
	sch *Scheduler
	job *job
}

func (vl *vertexListener) ExecutionStateChanged(v *executiongraph.ExecutionVertex, oldState, newState dataflow.ExecutionState, description string) {
	sch, j := vl.sch, vl.job
	switch newState {
	case dataflow.ExecutionStateRunning, dataflow.ExecutionStateReplaying, dataflow.ExecutionStateFinishing, dataflow.ExecutionStateFinished:
		if j.policy == dataflow.SchedulingPolicyPipelined {
			sch.deploy(j, v.Consumers())
		}
		if newState == dataflow.ExecutionStateFinished {
			sch.checkStageFinished(j)
		}
	case dataflow.ExecutionStateFailed:
		if !j.eg.IsRecoverable(v) {
			return
		}
		if err := v.Restart(); err != nil {
			return
		}
		sch.mRestarted.Inc()
		sch.deploy(j, []*executiongraph.ExecutionVertex{v})
	}
}

// checkStageFinished advances the job's current stage past every
// stage whose vertices have all finished, and with the staged policy
// requests resources for the new current stage.
func (sch *Scheduler) checkStageFinished(j *job) {
	eg := j.eg
	stages := eg.Stages()
	current := eg.CurrentStage()
	for current < len(stages)-1 {
		for _, v := range stages[current].Vertices() {
			if v.ExecutionState() != dataflow.ExecutionStateFinished {
				return
			}
		}
		current++
		eg.SetCurrentStage(current)
		eg.Logger().WithField("Stage", current).Info("advancing to next stage")
		if j.policy == dataflow.SchedulingPolicyStaged {
			sch.requestStage(j, current)
		}
	}
}
