// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executiongraph

import "sync"

// commandExecutor runs queued funcs one at a time, in order, on a
// dedicated goroutine.
type commandExecutor struct {
	mtx      sync.Mutex
	cond     *sync.Cond
	queue    []func()
	shutdown bool
	done     chan struct{}
}

func newCommandExecutor() *commandExecutor {
	ce := &commandExecutor{done: make(chan struct{})}
	ce.cond = sync.NewCond(&ce.mtx)
	go ce.run()
	return ce
}

func (ce *commandExecutor) run() {
	defer close(ce.done)
	for {
		ce.mtx.Lock()
		for len(ce.queue) == 0 && !ce.shutdown {
			ce.cond.Wait()
		}
		if ce.shutdown {
			ce.queue = nil
			ce.mtx.Unlock()
			return
		}
		cmd := ce.queue[0]
		ce.queue[0] = nil
		ce.queue = ce.queue[1:]
		ce.mtx.Unlock()
		cmd()
	}
}

// submit queues cmd. It returns false if the executor has been shut
// down.
func (ce *commandExecutor) submit(cmd func()) bool {
	ce.mtx.Lock()
	defer ce.mtx.Unlock()
	if ce.shutdown {
		return false
	}
	ce.queue = append(ce.queue, cmd)
	ce.cond.Signal()
	return true
}

// stop discards queued commands and stops the executor after the
// command in progress, if any. It does not wait, so it can be called
// from a command.
func (ce *commandExecutor) stop() {
	ce.mtx.Lock()
	defer ce.mtx.Unlock()
	ce.shutdown = true
	ce.cond.Broadcast()
}
