// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package taskmanager runs tasks on behalf of the coordinator. A task
// manager accepts deployment batches, builds each task's gates from
// its deployment descriptor, runs the task's invokable, and reports
// every state change back to the coordinator.
package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"git.arvados.org/dataflow.git/lib/instance"
	"git.arvados.org/dataflow.git/lib/iogate"
	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	ErrStopped          = errors.New("task manager is stopped")
	ErrUnknownInvokable = errors.New("unknown invokable")
	ErrChannelNotFound  = errors.New("channel not found")
	ErrJobAborting      = errors.New("job is aborting")

	errCanceled = errors.New("task canceled")
	errKilled   = errors.New("task killed")
)

const (
	defaultLookupTimeout       = 10 * time.Second
	defaultLookupRetryInterval = 100 * time.Millisecond
	reportTimeout              = time.Minute
)

// CoordinatorClient is the task manager's view of the coordinator.
// *coordinator.Coordinator implements it directly for task managers
// running in the coordinator process; RemoteCoordinator implements it
// over HTTP.
type CoordinatorClient interface {
	UpdateTaskExecutionState(context.Context, dataflow.TaskExecutionState) error
	UpdateCheckpointState(context.Context, dataflow.TaskCheckpointState) error
	LookupConnectionInfo(ctx context.Context, caller dataflow.InstanceConnectionInfo, jobID dataflow.JobID, channelID dataflow.ChannelID) (dataflow.ConnectionInfoLookupResponse, error)
	Heartbeat(context.Context, dataflow.Heartbeat) error
}

type taskKey struct {
	jobID    dataflow.JobID
	vertexID dataflow.VertexID
}

// TaskManager implements instance.Instance.
type TaskManager struct {
	logger     logrus.FieldLogger
	cfg        dataflow.TaskManagerConfig
	info       dataflow.InstanceConnectionInfo
	coord      CoordinatorClient
	invokables map[string]Invokable
	spills     *spillRegistry
	dialer     *dialer
	server     *dataServer

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
	done   chan struct{}

	mtx     sync.Mutex
	tasks   map[taskKey]*task
	inputs  map[dataflow.ChannelID]*iogate.QueueInputChannel
	stopped bool

	mTasksRunning prometheus.Gauge
	mTasks        *prometheus.CounterVec
	mLookups      *prometheus.CounterVec
	mSpillBytes   prometheus.Counter
	mStreams      prometheus.Counter
}

// New returns a TaskManager that reports to coord. If
// cfg.DataListen is set, it starts listening for network channel
// streams from other task managers. Call Stop to release resources.
func New(logger logrus.FieldLogger, reg *prometheus.Registry, cfg dataflow.TaskManagerConfig, coord CoordinatorClient) (*TaskManager, error) {
	if cfg.Name == "" {
		return nil, errors.New("task manager name not configured")
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = dataflow.Duration(defaultLookupTimeout)
	}
	if cfg.LookupRetryInterval <= 0 {
		cfg.LookupRetryInterval = dataflow.Duration(defaultLookupRetryInterval)
	}
	logger = logger.WithField("Instance", cfg.Name)
	spillDir := cfg.SpillDirectory
	if spillDir == "" {
		var err error
		spillDir, err = os.MkdirTemp("", "dataflow-spill-")
		if err != nil {
			return nil, err
		}
	} else if err := os.MkdirAll(spillDir, 0700); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	tm := &TaskManager{
		logger:     logger,
		cfg:        cfg,
		coord:      coord,
		invokables: builtinInvokables(),
		spills:     newSpillRegistry(spillDir),
		dialer:     newDialer(logger),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		tasks:      map[taskKey]*task{},
		inputs:     map[dataflow.ChannelID]*iogate.QueueInputChannel{},
	}
	tm.registerMetrics(reg)
	tm.info = dataflow.InstanceConnectionInfo{
		Name:        cfg.Name,
		URL:         cfg.InternalURL,
		DataAddress: cfg.DataAddress,
	}
	if cfg.DataListen != "" {
		ln, err := net.Listen("tcp", cfg.DataListen)
		if err != nil {
			cancel(err)
			return nil, fmt.Errorf("cannot listen for data connections: %w", err)
		}
		if tm.info.DataAddress == "" {
			tm.info.DataAddress = ln.Addr().String()
		}
		tm.server = newDataServer(tm, ln)
		go tm.server.serve()
	}
	logger.WithFields(logrus.Fields{
		"DataAddress":    tm.info.DataAddress,
		"SpillDirectory": spillDir,
		"InstanceType":   cfg.InstanceType,
		"Slots":          cfg.Slots,
	}).Info("task manager started")
	if cfg.HeartbeatInterval > 0 {
		go tm.runHeartbeats(cfg.HeartbeatInterval.Duration())
	}
	return tm, nil
}

func (tm *TaskManager) registerMetrics(reg *prometheus.Registry) {
	tm.mTasksRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dataflow",
		Subsystem: "taskmanager",
		Name:      "tasks_running",
		Help:      "Number of tasks currently running.",
	})
	reg.MustRegister(tm.mTasksRunning)
	tm.mTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dataflow",
		Subsystem: "taskmanager",
		Name:      "tasks_total",
		Help:      "Number of tasks that ended, by final state.",
	}, []string{"state"})
	reg.MustRegister(tm.mTasks)
	tm.mLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dataflow",
		Subsystem: "taskmanager",
		Name:      "lookups_total",
		Help:      "Number of connection info lookups sent to the coordinator, by result.",
	}, []string{"result"})
	reg.MustRegister(tm.mLookups)
	tm.mSpillBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dataflow",
		Subsystem: "taskmanager",
		Name:      "spill_bytes_total",
		Help:      "Bytes written to completed spill files.",
	})
	reg.MustRegister(tm.mSpillBytes)
	tm.mStreams = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dataflow",
		Subsystem: "taskmanager",
		Name:      "streams_accepted_total",
		Help:      "Number of network channel streams accepted from other task managers.",
	})
	reg.MustRegister(tm.mStreams)
}

// RegisterInvokable makes fn available to tasks whose job vertex
// names it. It replaces any invokable with the same name.
func (tm *TaskManager) RegisterInvokable(name string, fn Invokable) {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	tm.invokables[name] = fn
}

func (tm *TaskManager) Name() string { return tm.cfg.Name }

func (tm *TaskManager) ConnectionInfo() dataflow.InstanceConnectionInfo { return tm.info }

// InstanceType returns the configured instance type, for registering
// the task manager with a coordinator.
func (tm *TaskManager) InstanceType() string { return tm.cfg.InstanceType }

func (tm *TaskManager) Slots() int { return tm.cfg.Slots }

// SubmitTasks starts the given tasks. A task that is already running
// here is left alone and reported as accepted.
func (tm *TaskManager) SubmitTasks(ctx context.Context, tasks []dataflow.TaskDeploymentDescriptor) ([]dataflow.TaskSubmissionResult, error) {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	if tm.stopped {
		return nil, ErrStopped
	}
	results := make([]dataflow.TaskSubmissionResult, len(tasks))
	for i, tdd := range tasks {
		results[i].VertexID = tdd.VertexID
		if err := tm.startTask(tdd); err != nil {
			tm.logger.WithFields(logrus.Fields{
				"JobID":  tdd.JobID,
				"Vertex": tdd.NameWithIndex(),
			}).WithError(err).Warn("task rejected")
			results[i].Error = err.Error()
		}
	}
	return results, nil
}

// caller must have lock
func (tm *TaskManager) startTask(tdd dataflow.TaskDeploymentDescriptor) error {
	key := taskKey{tdd.JobID, tdd.VertexID}
	if _, ok := tm.tasks[key]; ok {
		return nil
	}
	invoke, ok := tm.invokables[tdd.Invokable]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownInvokable, tdd.Invokable)
	}
	t := newTask(tm, tdd, invoke)
	for _, ch := range t.queues {
		tm.inputs[ch.ID()] = ch
	}
	tm.tasks[key] = t
	tm.mTasksRunning.Inc()
	tm.wg.Add(1)
	go t.run()
	return nil
}

// endTask forgets t and its input channels. It is called before the
// final state is reported, so a redeployment that follows the report
// starts a new task.
func (tm *TaskManager) endTask(t *task, state dataflow.ExecutionState) {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	if tm.tasks[t.key] == t {
		delete(tm.tasks, t.key)
		tm.mTasksRunning.Dec()
	}
	for _, ch := range t.queues {
		if tm.inputs[ch.ID()] == ch {
			delete(tm.inputs, ch.ID())
		}
	}
	tm.mTasks.WithLabelValues(string(state)).Inc()
}

func (tm *TaskManager) task(jobID dataflow.JobID, vertexID dataflow.VertexID) (*task, bool) {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	t, ok := tm.tasks[taskKey{jobID, vertexID}]
	return t, ok
}

// inputChannel returns the registered in-memory or network input
// channel with the given ID, or nil.
func (tm *TaskManager) inputChannel(id dataflow.ChannelID) *iogate.QueueInputChannel {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	return tm.inputs[id]
}

// CancelTask stops the task. It reports CANCELED when it has
// stopped.
func (tm *TaskManager) CancelTask(ctx context.Context, jobID dataflow.JobID, vertexID dataflow.VertexID) error {
	t, ok := tm.task(jobID, vertexID)
	if !ok {
		return instance.ErrTaskNotFound
	}
	t.logger.Info("canceling task")
	t.cancel(errCanceled)
	return nil
}

// KillTask stops the task without cleanup. It reports FAILED.
func (tm *TaskManager) KillTask(ctx context.Context, jobID dataflow.JobID, vertexID dataflow.VertexID) error {
	t, ok := tm.task(jobID, vertexID)
	if !ok {
		return instance.ErrTaskNotFound
	}
	t.logger.Info("killing task")
	t.cancel(errKilled)
	return nil
}

// RemoveCheckpoints deletes the spill files written by the given
// vertices.
func (tm *TaskManager) RemoveCheckpoints(ctx context.Context, jobID dataflow.JobID, vertices []dataflow.VertexID) error {
	return tm.spills.remove(jobID, vertices)
}

// KillTaskManager stops all tasks and shuts down the task manager.
// It returns without waiting for tasks to stop; Done is closed when
// they have.
func (tm *TaskManager) KillTaskManager(ctx context.Context) error {
	tm.logger.Info("shutdown requested")
	go tm.Stop()
	return nil
}

// Done returns a channel that is closed after Stop.
func (tm *TaskManager) Done() <-chan struct{} {
	return tm.done
}

// Stop fails all running tasks, closes network connections, and waits
// for the tasks to report their final state.
func (tm *TaskManager) Stop() {
	tm.mtx.Lock()
	if tm.stopped {
		tm.mtx.Unlock()
		<-tm.done
		return
	}
	tm.stopped = true
	tm.mtx.Unlock()
	tm.cancel(ErrStopped)
	if tm.server != nil {
		tm.server.Close()
	}
	tm.dialer.Close()
	tm.wg.Wait()
	close(tm.done)
	tm.logger.Info("task manager stopped")
}

// Tasks lists the running tasks.
func (tm *TaskManager) Tasks() []TaskInfo {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	var list []TaskInfo
	for _, t := range tm.tasks {
		list = append(list, TaskInfo{
			JobID:    t.tdd.JobID,
			VertexID: t.tdd.VertexID,
			Name:     t.tdd.NameWithIndex(),
			Started:  t.started,
		})
	}
	return list
}

// TaskInfo describes a running task.
type TaskInfo struct {
	JobID    dataflow.JobID    `json:"job_id"`
	VertexID dataflow.VertexID `json:"vertex_id"`
	Name     string            `json:"name"`
	Started  time.Time         `json:"started"`
}

// CheckHealth returns an error after Stop.
func (tm *TaskManager) CheckHealth() error {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	if tm.stopped {
		return ErrStopped
	}
	return nil
}

func (tm *TaskManager) heartbeat() dataflow.Heartbeat {
	return dataflow.Heartbeat{
		Instance:     tm.info,
		InstanceType: tm.cfg.InstanceType,
		Slots:        tm.cfg.Slots,
	}
}

func (tm *TaskManager) runHeartbeats(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ctx, cancel := context.WithTimeout(tm.ctx, interval)
		err := tm.coord.Heartbeat(ctx, tm.heartbeat())
		cancel()
		if err != nil && tm.ctx.Err() == nil {
			tm.logger.WithError(err).Warn("heartbeat failed")
		}
		select {
		case <-tm.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
