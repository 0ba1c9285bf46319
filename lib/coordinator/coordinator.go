// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package coordinator accepts jobs, tracks their execution graphs,
// answers task managers' state reports and connection lookups, and
// cleans up after jobs end.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"git.arvados.org/dataflow.git/lib/executiongraph"
	"git.arvados.org/dataflow.git/lib/instance"
	"git.arvados.org/dataflow.git/lib/scheduler"
	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobExists        = errors.New("job already exists")
	ErrVertexNotFound   = errors.New("vertex not found")
	ErrInstanceNotFound = errors.New("instance not found")
)

const (
	defaultBackgroundWorkers = 64
	defaultDeploymentTimeout = time.Minute
	cleanupTimeout           = time.Minute
)

// Coordinator is the central authority for all running jobs. It is
// the only component that changes execution graph state; task
// managers only report events.
type Coordinator struct {
	logger    logrus.FieldLogger
	cfg       dataflow.Config
	instances *instance.StaticManager
	scheduler *scheduler.Scheduler
	pool      *ants.Pool
	events    *eventCollector
	kills     *killWorklist
	multicast *multicastManager

	mtx  sync.Mutex
	jobs map[dataflow.JobID]*executiongraph.ExecutionGraph

	mSubmissions *prometheus.CounterVec
	mJobs        *prometheus.CounterVec
	mLookups     *prometheus.CounterVec
	mActiveJobs  prometheus.Gauge
}

// New returns a Coordinator with the statically configured instances
// registered. Task managers may also register themselves with
// Heartbeat. Call Close to release resources.
func New(logger logrus.FieldLogger, reg *prometheus.Registry, cfg dataflow.Config) (*Coordinator, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	workers := cfg.Coordinator.BackgroundWorkers
	if workers <= 0 {
		workers = defaultBackgroundWorkers
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("cannot create background pool: %w", err)
	}
	c := &Coordinator{
		logger:    logger,
		cfg:       cfg,
		instances: instance.NewManager(logger, reg, cfg.Instances),
		pool:      pool,
		events:    newEventCollector(cfg.Coordinator.RecentJobs),
		multicast: &multicastManager{},
		jobs:      map[dataflow.JobID]*executiongraph.ExecutionGraph{},
	}
	c.multicast.c = c
	c.scheduler = scheduler.New(logger, c.instances, c, pool, reg, cfg.Scheduling)
	c.kills = newKillWorklist(c.killByName)
	c.instances.SetLostFunc(c.instanceLost)
	names := make([]string, 0, len(cfg.Instances.Static))
	for name := range cfg.Instances.Static {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		si := cfg.Instances.Static[name]
		info := dataflow.InstanceConnectionInfo{Name: name, URL: si.URL, DataAddress: si.DataAddress}
		c.instances.Add(instance.NewRemote(info, cfg.ManagementToken, logger), si.InstanceType, si.Slots)
	}
	c.registerMetrics(reg)
	return c, nil
}

func (c *Coordinator) registerMetrics(reg *prometheus.Registry) {
	c.mSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dataflow",
		Subsystem: "coordinator",
		Name:      "submissions_total",
		Help:      "Number of job submissions, by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(c.mSubmissions)
	c.mJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dataflow",
		Subsystem: "coordinator",
		Name:      "jobs_ended_total",
		Help:      "Number of jobs that reached a final status, by status.",
	}, []string{"status"})
	reg.MustRegister(c.mJobs)
	c.mLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dataflow",
		Subsystem: "coordinator",
		Name:      "lookups_total",
		Help:      "Number of connection lookups, by result.",
	}, []string{"result"})
	reg.MustRegister(c.mLookups)
	c.mActiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dataflow",
		Subsystem: "coordinator",
		Name:      "active_jobs",
		Help:      "Number of jobs that have not yet reached a final status.",
	})
	reg.MustRegister(c.mActiveJobs)
}

// Instances returns the instance manager, so callers can register
// in-process task managers.
func (c *Coordinator) Instances() *instance.StaticManager {
	return c.instances
}

func (c *Coordinator) graph(jobID dataflow.JobID) (*executiongraph.ExecutionGraph, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	eg, ok := c.jobs[jobID]
	return eg, ok
}

// Submit validates the job graph and starts scheduling it. A
// validation error is returned as a *dataflow.ValidationError, and no
// state is kept.
func (c *Coordinator) Submit(ctx context.Context, jg *dataflow.JobGraph) (dataflow.JobSubmissionResult, error) {
	if jg.ID == "" {
		jg.ID = dataflow.NewJobID()
	}
	result := dataflow.JobSubmissionResult{JobID: jg.ID}
	fail := func(err error) (dataflow.JobSubmissionResult, error) {
		c.mSubmissions.WithLabelValues("rejected").Inc()
		c.logger.WithError(err).WithField("JobID", jg.ID).Info("job rejected")
		result.Description = err.Error()
		return result, err
	}
	if _, exists := c.graph(jg.ID); exists {
		return fail(fmt.Errorf("%w: %s", ErrJobExists, jg.ID))
	}
	eg, err := executiongraph.New(*jg, executiongraph.Options{
		Logger:         c.logger,
		MaxTaskRetries: c.cfg.Scheduling.MaxTaskRetries,
	})
	if err != nil {
		return fail(err)
	}
	if _, err := c.scheduler.Policy(eg); err != nil {
		eg.ShutdownCommandExecutor()
		return fail(err)
	}
	eg.RegisterJobStatusListener(c)
	eg.RegisterVertexStateListener(c)
	eg.RegisterCheckpointStateListener(c)

	c.mtx.Lock()
	if _, exists := c.jobs[jg.ID]; exists {
		c.mtx.Unlock()
		eg.ShutdownCommandExecutor()
		return fail(fmt.Errorf("%w: %s", ErrJobExists, jg.ID))
	}
	c.jobs[jg.ID] = eg
	c.mActiveJobs.Set(float64(len(c.jobs)))
	c.mtx.Unlock()
	c.events.register(jg.ID, jg.Name)

	if err := c.scheduler.ScheduleJob(eg); err != nil {
		c.mtx.Lock()
		delete(c.jobs, jg.ID)
		c.mActiveJobs.Set(float64(len(c.jobs)))
		c.mtx.Unlock()
		eg.ShutdownCommandExecutor()
		c.scheduler.RemoveJob(jg.ID)
		c.events.forget(jg.ID)
		return fail(err)
	}
	c.mSubmissions.WithLabelValues("accepted").Inc()
	eg.Logger().WithFields(logrus.Fields{
		"Name":     jg.Name,
		"Vertices": len(eg.Vertices()),
		"Stages":   len(eg.Stages()),
	}).Info("job submitted")
	return result, nil
}

// Cancel requests cancelation of a running job.
func (c *Coordinator) Cancel(ctx context.Context, jobID dataflow.JobID) error {
	eg, ok := c.graph(jobID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	eg.ExecuteCommand(func() {
		eg.RequestCancel("canceled by request")
	})
	return nil
}

// UpdateTaskExecutionState applies a state report from a task
// manager. The update is queued and applied in receipt order.
func (c *Coordinator) UpdateTaskExecutionState(ctx context.Context, st dataflow.TaskExecutionState) error {
	eg, ok := c.graph(st.JobID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, st.JobID)
	}
	v := eg.Vertex(st.VertexID)
	if v == nil {
		return fmt.Errorf("%w: %s", ErrVertexNotFound, st.VertexID)
	}
	v.UpdateExecutionStateAsynchronously(st.State, st.Description)
	return nil
}

// UpdateCheckpointState records a checkpoint state report from a task
// manager.
func (c *Coordinator) UpdateCheckpointState(ctx context.Context, st dataflow.TaskCheckpointState) error {
	eg, ok := c.graph(st.JobID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, st.JobID)
	}
	v := eg.Vertex(st.VertexID)
	if v == nil {
		return fmt.Errorf("%w: %s", ErrVertexNotFound, st.VertexID)
	}
	eg.ExecuteCommand(func() { v.UpdateCheckpointState(st.State) })
	return nil
}

// Heartbeat registers or refreshes a task manager.
func (c *Coordinator) Heartbeat(ctx context.Context, hb dataflow.Heartbeat) error {
	if hb.Instance.Name == "" {
		return errors.New("heartbeat has no instance name")
	}
	c.instances.Heartbeat(hb, func(hb dataflow.Heartbeat) instance.Instance {
		return instance.NewRemote(hb.Instance, c.cfg.ManagementToken, c.logger)
	})
	return nil
}

// KillTask asks the task manager running the vertex to kill it. The
// call returns before the task manager is contacted; failures are
// logged. Killing a vertex that is not running is a no-op.
func (c *Coordinator) KillTask(ctx context.Context, jobID dataflow.JobID, vertexID dataflow.VertexID) error {
	eg, ok := c.graph(jobID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	v := eg.Vertex(vertexID)
	if v == nil {
		return fmt.Errorf("%w: %s", ErrVertexNotFound, vertexID)
	}
	inst, ok := v.KillTask()
	if !ok {
		v.Graph().Logger().WithField("Vertex", v.NameWithIndex()).Debug("kill requested for vertex that is not running")
		return nil
	}
	logger := eg.Logger().WithFields(logrus.Fields{
		"Vertex":   v.NameWithIndex(),
		"Instance": inst.Name(),
	})
	logger.Info("killing task")
	c.background(logger, func(ctx context.Context) error {
		return inst.KillTask(ctx, jobID, vertexID)
	}, "kill task failed")
	return nil
}

// KillInstance asks the named task manager to shut down.
func (c *Coordinator) KillInstance(ctx context.Context, name string) error {
	inst, ok := c.instances.InstanceByName(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, name)
	}
	logger := c.logger.WithField("Instance", name)
	logger.Info("killing task manager")
	c.background(logger, inst.KillTaskManager, "kill task manager failed")
	return nil
}

// EnqueueKillTarget adds a vertex, identified by name with index
// (e.g. "map (2/4)"), to the job's kill worklist.
func (c *Coordinator) EnqueueKillTarget(jobID dataflow.JobID, name string) error {
	if _, ok := c.graph(jobID); !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	c.kills.Enqueue(jobID, name)
	return nil
}

// KillTargets returns the remaining kill targets of each job.
func (c *Coordinator) KillTargets() map[dataflow.JobID][]string {
	return c.kills.Pending()
}

func (c *Coordinator) killByName(jobID dataflow.JobID, name string) {
	eg, ok := c.graph(jobID)
	if !ok {
		return
	}
	for _, v := range eg.Vertices() {
		if v.NameWithIndex() == name {
			eg.Logger().WithField("Vertex", name).Info("killing task from worklist")
			c.KillTask(context.Background(), jobID, v.ID())
			return
		}
	}
}

// JobProgress returns the job's events with sequence numbers greater
// than after.
func (c *Coordinator) JobProgress(jobID dataflow.JobID, after int64) ([]dataflow.Event, error) {
	events, ok := c.events.progress(jobID, after)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return events, nil
}

// RecentJobs returns running jobs and recently ended ones, newest
// first.
func (c *Coordinator) RecentJobs() []dataflow.RecentJob {
	return c.events.recent()
}

// GraphSnapshot returns the current state of a running job's graph,
// or the final state of a recently ended one.
func (c *Coordinator) GraphSnapshot(jobID dataflow.JobID) (dataflow.GraphSnapshot, error) {
	if eg, ok := c.graph(jobID); ok {
		return eg.Snapshot(), nil
	}
	if snap, ok := c.events.snapshot(jobID); ok {
		return snap, nil
	}
	return dataflow.GraphSnapshot{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
}

// Close cancels pending work and stops background goroutines. Running
// tasks are not canceled.
func (c *Coordinator) Close() {
	c.scheduler.Stop()
	c.mtx.Lock()
	for _, eg := range c.jobs {
		eg.ShutdownCommandExecutor()
	}
	c.mtx.Unlock()
	c.kills.Stop()
	c.pool.Release()
	c.instances.Stop()
}

// background runs fn in the background pool with a timeout, logging
// any error.
func (c *Coordinator) background(logger logrus.FieldLogger, fn func(context.Context) error, msg string) {
	err := c.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			logger.WithError(err).Error(msg)
		}
	})
	if err != nil {
		logger.WithError(err).Error(msg)
	}
}

// JobStatusHasChanged implements executiongraph.JobStatusListener.
func (c *Coordinator) JobStatusHasChanged(eg *executiongraph.ExecutionGraph, status dataflow.JobStatus, description string) {
	c.events.add(dataflow.Event{
		JobID:       eg.JobID(),
		Kind:        dataflow.EventKindJob,
		State:       string(status),
		Description: description,
	})
	switch {
	case status.IsAborting():
		// Cancel from a separate command, so the vertex
		// transitions do not nest inside this notification.
		eg.ExecuteCommand(func() { c.cancelVertices(eg) })
	case status.IsTerminal():
		c.unregister(eg, status)
	}
}

// ExecutionStateChanged implements
// executiongraph.VertexStateListener.
func (c *Coordinator) ExecutionStateChanged(v *executiongraph.ExecutionVertex, oldState, newState dataflow.ExecutionState, description string) {
	eg := v.Graph()
	c.events.add(dataflow.Event{
		JobID:       eg.JobID(),
		VertexID:    v.ID(),
		VertexName:  v.NameWithIndex(),
		Kind:        dataflow.EventKindVertex,
		State:       string(newState),
		Description: description,
	})
	if newState == dataflow.ExecutionStateRunning {
		c.kills.Running(eg.JobID(), v.NameWithIndex())
	}
	if newState == dataflow.ExecutionStateFailed {
		eg.Logger().WithFields(logrus.Fields{
			"Vertex":      v.NameWithIndex(),
			"Instance":    v.AllocatedResource().Name(),
			"Description": description,
		}).Warn("vertex failed")
	}
}

// CheckpointStateChanged implements
// executiongraph.CheckpointStateListener.
func (c *Coordinator) CheckpointStateChanged(v *executiongraph.ExecutionVertex, state dataflow.CheckpointState) {
	c.events.add(dataflow.Event{
		JobID:      v.Graph().JobID(),
		VertexID:   v.ID(),
		VertexName: v.NameWithIndex(),
		Kind:       dataflow.EventKindCheckpoint,
		State:      string(state),
	})
}

// cancelVertices cancels every vertex that has not finished. Must be
// called on the graph's command executor.
func (c *Coordinator) cancelVertices(eg *executiongraph.ExecutionGraph) {
	for _, v := range eg.Vertices() {
		if v.CancelTask() {
			c.cancelRemote(eg, v, true)
		}
	}
}

// cancelRemote asks the task manager running v to cancel it. If
// report is true, the outcome of the call is applied to the vertex:
// a task manager that does not know the task means it has already
// stopped, and any other error fails the vertex.
func (c *Coordinator) cancelRemote(eg *executiongraph.ExecutionGraph, v *executiongraph.ExecutionVertex, report bool) {
	res := v.AllocatedResource()
	if res == nil || res.Instance == nil {
		if report {
			v.UpdateExecutionState(dataflow.ExecutionStateCanceled, "no instance")
		}
		return
	}
	inst := res.Instance
	logger := eg.Logger().WithFields(logrus.Fields{
		"Vertex":   v.NameWithIndex(),
		"Instance": inst.Name(),
	})
	err := c.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.deploymentTimeout())
		defer cancel()
		err := inst.CancelTask(ctx, eg.JobID(), v.ID())
		switch {
		case err == nil:
			logger.Debug("cancel requested")
		case !report:
			logger.WithError(err).Debug("cancel failed")
		case errors.Is(err, instance.ErrTaskNotFound):
			v.UpdateExecutionStateAsynchronously(dataflow.ExecutionStateCanceled, "task not found on instance")
		default:
			logger.WithError(err).Warn("cancel failed")
			eg.ExecuteCommand(func() {
				v.UpdateExecutionState(dataflow.ExecutionStateFailed, "cancel failed: "+err.Error())
			})
		}
	})
	if err != nil && report {
		v.UpdateExecutionState(dataflow.ExecutionStateFailed, "cancel failed: "+err.Error())
	}
}

// unregister forgets a job that reached a final status, releases its
// instances and removes its checkpoints in the background. Called on
// the graph's command executor.
func (c *Coordinator) unregister(eg *executiongraph.ExecutionGraph, status dataflow.JobStatus) {
	jobID := eg.JobID()
	c.mtx.Lock()
	delete(c.jobs, jobID)
	c.mActiveJobs.Set(float64(len(c.jobs)))
	c.mtx.Unlock()
	c.mJobs.WithLabelValues(string(status)).Inc()
	eg.ShutdownCommandExecutor()
	c.scheduler.RemoveJob(jobID)
	c.kills.Forget(jobID)
	c.events.archiveJob(jobID, eg.Snapshot())
	eg.Logger().WithField("Status", status).Info("job ended")
	c.removeAllCheckpoints(eg)
}

// removeAllCheckpoints asks each task manager that ran a vertex with
// a checkpoint to discard it, one call per task manager.
func (c *Coordinator) removeAllCheckpoints(eg *executiongraph.ExecutionGraph) {
	byInstance := map[string][]dataflow.VertexID{}
	insts := map[string]instance.Instance{}
	for _, v := range eg.Vertices() {
		switch v.CheckpointState() {
		case dataflow.CheckpointStatePartial, dataflow.CheckpointStateComplete:
		default:
			continue
		}
		res := v.AllocatedResource()
		if res == nil || res.Instance == nil {
			continue
		}
		byInstance[res.Name()] = append(byInstance[res.Name()], v.ID())
		insts[res.Name()] = res.Instance
	}
	if len(byInstance) == 0 {
		return
	}
	logger := eg.Logger()
	c.background(logger, func(ctx context.Context) error {
		var g errgroup.Group
		for name, ids := range byInstance {
			inst, ids := insts[name], ids
			g.Go(func() error {
				err := inst.RemoveCheckpoints(ctx, eg.JobID(), ids)
				if err != nil {
					return fmt.Errorf("%s: %w", inst.Name(), err)
				}
				return nil
			})
		}
		return g.Wait()
	}, "checkpoint removal failed")
}

// instanceLost fails every unfinished vertex that was running on a
// task manager that stopped sending heartbeats.
func (c *Coordinator) instanceLost(inst instance.Instance) {
	c.mtx.Lock()
	var graphs []*executiongraph.ExecutionGraph
	for _, eg := range c.jobs {
		graphs = append(graphs, eg)
	}
	c.mtx.Unlock()
	for _, eg := range graphs {
		eg := eg
		eg.ExecuteCommand(func() {
			for _, v := range eg.Vertices() {
				st := v.ExecutionState()
				if v.AllocatedResource().Name() != inst.Name() || st.IsTerminal() {
					continue
				}
				if st.IsStarted() || st == dataflow.ExecutionStateReady {
					v.UpdateExecutionState(dataflow.ExecutionStateFailed, "instance "+inst.Name()+" lost")
				}
			}
		})
	}
}

func (c *Coordinator) deploymentTimeout() time.Duration {
	if d := c.cfg.Scheduling.DeploymentTimeout.Duration(); d > 0 {
		return d
	}
	return defaultDeploymentTimeout
}
