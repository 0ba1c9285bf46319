// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package coordinator

import (
	"sort"
	"sync"
	"time"

	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	lru "github.com/hashicorp/golang-lru"
)

const defaultRecentJobs = 100

// eventCollector keeps an ordered progress log for each job. Logs of
// finished jobs move to a size-limited archive.
type eventCollector struct {
	mtx     sync.Mutex
	active  map[dataflow.JobID]*jobEvents
	archive *lru.Cache
}

type jobEvents struct {
	summary  dataflow.RecentJob
	events   []dataflow.Event
	snapshot *dataflow.GraphSnapshot
}

func newEventCollector(size int) *eventCollector {
	if size <= 0 {
		size = defaultRecentJobs
	}
	archive, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return &eventCollector{
		active:  map[dataflow.JobID]*jobEvents{},
		archive: archive,
	}
}

func (ec *eventCollector) register(jobID dataflow.JobID, name string) {
	now := time.Now()
	ec.mtx.Lock()
	defer ec.mtx.Unlock()
	ec.active[jobID] = &jobEvents{
		summary: dataflow.RecentJob{
			JobID:     jobID,
			Name:      name,
			Status:    dataflow.JobStatusCreated,
			Submitted: now,
			Modified:  now,
		},
	}
}

// add appends an event to the job's log, assigning the next sequence
// number. Events for unknown jobs are dropped.
func (ec *eventCollector) add(ev dataflow.Event) {
	ec.mtx.Lock()
	defer ec.mtx.Unlock()
	je := ec.active[ev.JobID]
	if je == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ev.Seq = int64(len(je.events)) + 1
	je.events = append(je.events, ev)
	je.summary.Modified = ev.Time
	if ev.Kind == dataflow.EventKindJob {
		je.summary.Status = dataflow.JobStatus(ev.State)
	}
}

// archiveJob moves a job's log to the archive, along with a final
// snapshot of its graph.
func (ec *eventCollector) archiveJob(jobID dataflow.JobID, snap dataflow.GraphSnapshot) {
	ec.mtx.Lock()
	defer ec.mtx.Unlock()
	je := ec.active[jobID]
	if je == nil {
		return
	}
	delete(ec.active, jobID)
	je.snapshot = &snap
	je.summary.Status = snap.Status
	ec.archive.Add(jobID, je)
}

// forget drops the log of a job that was never started.
func (ec *eventCollector) forget(jobID dataflow.JobID) {
	ec.mtx.Lock()
	defer ec.mtx.Unlock()
	delete(ec.active, jobID)
}

func (ec *eventCollector) get(jobID dataflow.JobID) (*jobEvents, bool) {
	if je := ec.active[jobID]; je != nil {
		return je, true
	}
	if v, ok := ec.archive.Get(jobID); ok {
		return v.(*jobEvents), true
	}
	return nil, false
}

// progress returns the job's events with sequence numbers greater
// than after.
func (ec *eventCollector) progress(jobID dataflow.JobID, after int64) ([]dataflow.Event, bool) {
	ec.mtx.Lock()
	defer ec.mtx.Unlock()
	je, ok := ec.get(jobID)
	if !ok {
		return nil, false
	}
	if after < 0 {
		after = 0
	}
	if after >= int64(len(je.events)) {
		return []dataflow.Event{}, true
	}
	return append([]dataflow.Event(nil), je.events[after:]...), true
}

// snapshot returns the final snapshot of an archived job.
func (ec *eventCollector) snapshot(jobID dataflow.JobID) (dataflow.GraphSnapshot, bool) {
	ec.mtx.Lock()
	defer ec.mtx.Unlock()
	je, ok := ec.get(jobID)
	if !ok || je.snapshot == nil {
		return dataflow.GraphSnapshot{}, false
	}
	return *je.snapshot, true
}

// recent returns all active and archived jobs, most recently
// submitted first.
func (ec *eventCollector) recent() []dataflow.RecentJob {
	ec.mtx.Lock()
	defer ec.mtx.Unlock()
	var jobs []dataflow.RecentJob
	for _, je := range ec.active {
		jobs = append(jobs, je.summary)
	}
	for _, k := range ec.archive.Keys() {
		if v, ok := ec.archive.Peek(k); ok {
			jobs = append(jobs, v.(*jobEvents).summary)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].Submitted.Equal(jobs[j].Submitted) {
			return jobs[i].Submitted.After(jobs[j].Submitted)
		}
		return jobs[i].JobID < jobs[j].JobID
	})
	return jobs
}
