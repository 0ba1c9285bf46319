// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package coordinator

import (
	"git.arvados.org/dataflow.git/sdk/go/dataflow"
)

// killWorklist kills vertices in a configured order, for controlled
// failure experiments. Targets are vertex names with index, like "map
// (2/4)". The head target is killed once a vertex with that name has
// been seen running; the next target becomes the head after that.
//
// All state is owned by the run goroutine.
type killWorklist struct {
	kill    func(jobID dataflow.JobID, name string)
	targets chan killTarget
	running chan killTarget
	forget  chan dataflow.JobID
	query   chan chan map[dataflow.JobID][]string
	stop    chan struct{}
	stopped chan struct{}
}

type killTarget struct {
	jobID dataflow.JobID
	name  string
}

type jobWorklist struct {
	targets []string
	seen    map[string]bool
}

func newKillWorklist(kill func(dataflow.JobID, string)) *killWorklist {
	kw := &killWorklist{
		kill:    kill,
		targets: make(chan killTarget),
		running: make(chan killTarget, 64),
		forget:  make(chan dataflow.JobID),
		query:   make(chan chan map[dataflow.JobID][]string),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go kw.run()
	return kw
}

// Enqueue appends a target to the job's worklist.
func (kw *killWorklist) Enqueue(jobID dataflow.JobID, name string) {
	select {
	case kw.targets <- killTarget{jobID, name}:
	case <-kw.stopped:
	}
}

// Running reports that the named vertex of the job is running.
func (kw *killWorklist) Running(jobID dataflow.JobID, name string) {
	select {
	case kw.running <- killTarget{jobID, name}:
	case <-kw.stopped:
	}
}

// Forget drops the job's worklist.
func (kw *killWorklist) Forget(jobID dataflow.JobID) {
	select {
	case kw.forget <- jobID:
	case <-kw.stopped:
	}
}

// Pending returns a copy of the remaining targets of each job.
func (kw *killWorklist) Pending() map[dataflow.JobID][]string {
	ch := make(chan map[dataflow.JobID][]string, 1)
	select {
	case kw.query <- ch:
		return <-ch
	case <-kw.stopped:
		return nil
	}
}

func (kw *killWorklist) Stop() {
	close(kw.stop)
	<-kw.stopped
}

func (kw *killWorklist) run() {
	defer close(kw.stopped)
	jobs := map[dataflow.JobID]*jobWorklist{}
	get := func(jobID dataflow.JobID) *jobWorklist {
		jw := jobs[jobID]
		if jw == nil {
			jw = &jobWorklist{seen: map[string]bool{}}
			jobs[jobID] = jw
		}
		return jw
	}
	for {
		var jobID dataflow.JobID
		select {
		case <-kw.stop:
			return
		case t := <-kw.targets:
			jobID = t.jobID
			jw := get(jobID)
			jw.targets = append(jw.targets, t.name)
		case t := <-kw.running:
			jobID = t.jobID
			get(jobID).seen[t.name] = true
		case id := <-kw.forget:
			delete(jobs, id)
			continue
		case ch := <-kw.query:
			pending := map[dataflow.JobID][]string{}
			for id, jw := range jobs {
				if len(jw.targets) > 0 {
					pending[id] = append([]string(nil), jw.targets...)
				}
			}
			ch <- pending
			continue
		}
		jw := jobs[jobID]
		for len(jw.targets) > 0 && jw.seen[jw.targets[0]] {
			name := jw.targets[0]
			jw.targets = jw.targets[1:]
			delete(jw.seen, name)
			kw.kill(jobID, name)
		}
	}
}
