// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package instance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultHeartbeatTimeout = time.Minute
	// Time after a failed call before an instance gets new
	// allocations again.
	errorHoldoff = 10 * time.Second
)

// A View shows an instance's current allocation.
type View struct {
	Name          string    `json:"name"`
	InstanceType  string    `json:"instance_type"`
	URL           string    `json:"url"`
	DataAddress   string    `json:"data_address"`
	Slots         int       `json:"slots"`
	Allocated     int       `json:"allocated"`
	Static        bool      `json:"static"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	Suspended     string    `json:"suspended,omitempty"`
}

type entry struct {
	inst          Instance
	instanceType  string
	slots         int
	allocations   map[string]dataflow.JobID
	static        bool
	lastHeartbeat time.Time
	throttle      throttle
}

func (e *entry) free() int {
	return e.slots - len(e.allocations)
}

// StaticManager allocates slots on a fixed set of instances: those
// added with Add, plus task managers that register themselves with
// heartbeats. A zero StaticManager should not be used. Call
// NewManager to create a new StaticManager.
type StaticManager struct {
	logger           logrus.FieldLogger
	heartbeatTimeout time.Duration
	lost             func(Instance)

	mtx         sync.Mutex
	entries     map[string]*entry
	pending     map[dataflow.JobID]map[*int]context.CancelFunc
	subscribers map[<-chan struct{}]chan<- struct{}
	stop        chan bool
	stopOnce    sync.Once

	mInstances  prometheus.Gauge
	mSlots      prometheus.Gauge
	mSlotsInuse prometheus.Gauge
	mRequests   *prometheus.CounterVec
}

// NewManager returns a manager with no instances. It starts
// background goroutines that expire instances whose heartbeats stop,
// and update metrics. Call Stop to stop them.
func NewManager(logger logrus.FieldLogger, reg *prometheus.Registry, cfg dataflow.InstancesConfig) *StaticManager {
	m := &StaticManager{
		logger:           logger,
		heartbeatTimeout: cfg.HeartbeatTimeout.Duration(),
		entries:          map[string]*entry{},
		pending:          map[dataflow.JobID]map[*int]context.CancelFunc{},
		subscribers:      map[<-chan struct{}]chan<- struct{}{},
		stop:             make(chan bool),
	}
	if m.heartbeatTimeout <= 0 {
		m.heartbeatTimeout = defaultHeartbeatTimeout
	}
	m.registerMetrics(reg)
	go m.runMetrics()
	go m.runExpiry()
	return m
}

// SetLostFunc arranges for fn to be called when an instance is
// dropped because its heartbeats stopped.
func (m *StaticManager) SetLostFunc(fn func(Instance)) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.lost = fn
}

// Add registers an instance that never expires.
func (m *StaticManager) Add(inst Instance, instanceType string, slots int) {
	m.mtx.Lock()
	m.entries[inst.Name()] = &entry{
		inst:         inst,
		instanceType: instanceType,
		slots:        slots,
		allocations:  map[string]dataflow.JobID{},
		static:       true,
	}
	m.mtx.Unlock()
	m.logger.WithFields(logrus.Fields{
		"Instance":     inst.Name(),
		"InstanceType": instanceType,
		"Slots":        slots,
	}).Info("instance added")
	m.notify()
}

// Heartbeat registers or refreshes a self-registering task manager.
// newInstance is called to create a client for a task manager that is
// not yet known.
func (m *StaticManager) Heartbeat(hb dataflow.Heartbeat, newInstance func(dataflow.Heartbeat) Instance) {
	m.mtx.Lock()
	e, ok := m.entries[hb.Instance.Name]
	if ok && e.inst.ConnectionInfo() == hb.Instance {
		e.lastHeartbeat = time.Now()
		e.slots = hb.Slots
		m.mtx.Unlock()
		return
	}
	e = &entry{
		inst:          newInstance(hb),
		instanceType:  hb.InstanceType,
		slots:         hb.Slots,
		allocations:   map[string]dataflow.JobID{},
		lastHeartbeat: time.Now(),
	}
	m.entries[hb.Instance.Name] = e
	m.mtx.Unlock()
	m.logger.WithFields(logrus.Fields{
		"Instance":     hb.Instance.Name,
		"URL":          hb.Instance.URL,
		"DataAddress":  hb.Instance.DataAddress,
		"InstanceType": hb.InstanceType,
		"Slots":        hb.Slots,
		"Replaced":     ok,
	}).Info("task manager registered")
	m.notify()
}

func (m *StaticManager) HasInstanceType(instanceType string) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, e := range m.entries {
		if instanceType == "" || e.instanceType == instanceType {
			return true
		}
	}
	return false
}

func (m *StaticManager) InstanceByName(name string) (Instance, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return nil, false
	}
	return e.inst, true
}

func (m *StaticManager) ReportError(name string, err error) {
	m.mtx.Lock()
	e, ok := m.entries[name]
	m.mtx.Unlock()
	if !ok {
		return
	}
	until := time.Now().Add(errorHoldoff)
	m.logger.WithError(err).WithFields(logrus.Fields{
		"Instance": name,
		"ResumeAt": until,
	}).Warn("suspending allocations on instance after failed call")
	e.throttle.ErrorUntil(fmt.Errorf("suspended after error: %w", err), until, m.notify)
}

func (m *StaticManager) RequestInstances(ctx context.Context, jobID dataflow.JobID, instanceType string, count int) ([]AllocatedResource, error) {
	if count < 1 {
		return nil, nil
	}
	if !m.HasInstanceType(instanceType) {
		m.mRequests.WithLabelValues("unknown").Inc()
		return nil, fmt.Errorf("%w %q", ErrUnknownInstanceType, instanceType)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	key := new(int)
	m.mtx.Lock()
	if m.pending[jobID] == nil {
		m.pending[jobID] = map[*int]context.CancelFunc{}
	}
	m.pending[jobID][key] = cancel
	m.mtx.Unlock()
	defer func() {
		m.mtx.Lock()
		delete(m.pending[jobID], key)
		if len(m.pending[jobID]) == 0 {
			delete(m.pending, jobID)
		}
		m.mtx.Unlock()
	}()

	ch := m.Subscribe()
	defer m.Unsubscribe(ch)
	for {
		if res := m.tryAllocate(jobID, instanceType, count); res != nil {
			m.mRequests.WithLabelValues("ok").Inc()
			m.notify()
			return res, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			m.mRequests.WithLabelValues("timeout").Inc()
			return nil, fmt.Errorf("%w: %d slots of type %q: %s", ErrInsufficientResources, count, instanceType, ctx.Err())
		}
	}
}

// tryAllocate allocates count slots, spreading them over the
// instances with the most free slots, or returns nil if there are not
// enough free slots.
func (m *StaticManager) tryAllocate(jobID dataflow.JobID, instanceType string, count int) []AllocatedResource {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var candidates []*entry
	total := 0
	for _, e := range m.entries {
		if instanceType != "" && e.instanceType != instanceType {
			continue
		}
		if e.free() <= 0 || e.throttle.Error() != nil {
			continue
		}
		candidates = append(candidates, e)
		total += e.free()
	}
	if total < count {
		return nil
	}
	var res []AllocatedResource
	for len(res) < count {
		sort.Slice(candidates, func(i, j int) bool {
			if fi, fj := candidates[i].free(), candidates[j].free(); fi != fj {
				return fi > fj
			}
			return candidates[i].inst.Name() < candidates[j].inst.Name()
		})
		e := candidates[0]
		id := uuid.NewString()
		e.allocations[id] = jobID
		res = append(res, AllocatedResource{Instance: e.inst, InstanceType: e.instanceType, AllocationID: id})
	}
	return res
}

func (m *StaticManager) ReleaseInstances(jobID dataflow.JobID) {
	m.mtx.Lock()
	for _, cancel := range m.pending[jobID] {
		cancel()
	}
	released := 0
	for _, e := range m.entries {
		for id, owner := range e.allocations {
			if owner == jobID {
				delete(e.allocations, id)
				released++
			}
		}
	}
	m.mtx.Unlock()
	m.logger.WithFields(logrus.Fields{
		"JobID": jobID,
		"Slots": released,
	}).Debug("released instances")
	m.notify()
}

// Instances returns a snapshot of all known instances, sorted by name.
func (m *StaticManager) Instances() []View {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var views []View
	for _, e := range m.entries {
		info := e.inst.ConnectionInfo()
		v := View{
			Name:          e.inst.Name(),
			InstanceType:  e.instanceType,
			URL:           info.URL,
			DataAddress:   info.DataAddress,
			Slots:         e.slots,
			Allocated:     len(e.allocations),
			Static:        e.static,
			LastHeartbeat: e.lastHeartbeat,
		}
		if err := e.throttle.Error(); err != nil {
			v.Suspended = err.Error()
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	return views
}

// Subscribe returns a buffered channel that becomes ready after any
// change that could let a pending request succeed.
func (m *StaticManager) Subscribe() <-chan struct{} {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	ch := make(chan struct{}, 1)
	m.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel.
func (m *StaticManager) Unsubscribe(ch <-chan struct{}) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.subscribers, ch)
}

func (m *StaticManager) notify() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, send := range m.subscribers {
		select {
		case send <- struct{}{}:
		default:
		}
	}
}

// Stop stops the background goroutines.
func (m *StaticManager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *StaticManager) runExpiry() {
	ticker := time.NewTicker(m.heartbeatTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.expire(time.Now().Add(-m.heartbeatTimeout))
		}
	}
}

// expire drops heartbeat-registered instances that have not sent a
// heartbeat since threshold.
func (m *StaticManager) expire(threshold time.Time) {
	m.mtx.Lock()
	var gone []Instance
	for name, e := range m.entries {
		if !e.static && e.lastHeartbeat.Before(threshold) {
			delete(m.entries, name)
			gone = append(gone, e.inst)
		}
	}
	lost := m.lost
	m.mtx.Unlock()
	for _, inst := range gone {
		m.logger.WithField("Instance", inst.Name()).Warn("task manager heartbeat timed out")
		if lost != nil {
			lost(inst)
		}
	}
	if len(gone) > 0 {
		m.notify()
	}
}

func (m *StaticManager) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m.mInstances = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dataflow",
		Subsystem: "instances",
		Name:      "instances_total",
		Help:      "Number of known task managers.",
	})
	reg.MustRegister(m.mInstances)
	m.mSlots = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dataflow",
		Subsystem: "instances",
		Name:      "slots_total",
		Help:      "Total task slots on all known task managers.",
	})
	reg.MustRegister(m.mSlots)
	m.mSlotsInuse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dataflow",
		Subsystem: "instances",
		Name:      "slots_inuse",
		Help:      "Task slots allocated to jobs.",
	})
	reg.MustRegister(m.mSlotsInuse)
	m.mRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dataflow",
		Subsystem: "instances",
		Name:      "requests_total",
		Help:      "Instance requests by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(m.mRequests)
}

func (m *StaticManager) runMetrics() {
	ch := m.Subscribe()
	defer m.Unsubscribe(ch)
	m.updateMetrics()
	for {
		select {
		case <-m.stop:
			return
		case <-ch:
			m.updateMetrics()
		}
	}
}

func (m *StaticManager) updateMetrics() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	slots, inuse := 0, 0
	for _, e := range m.entries {
		slots += e.slots
		inuse += len(e.allocations)
	}
	m.mInstances.Set(float64(len(m.entries)))
	m.mSlots.Set(float64(slots))
	m.mSlotsInuse.Set(float64(inuse))
}
