// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskmanager

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"git.arvados.org/dataflow.git/sdk/go/dataflow"
)

type spillKey struct {
	jobID     dataflow.JobID
	channelID dataflow.ChannelID
}

// spillRegistry tracks the spill files of file channels: which are
// complete, which consumers are waiting for one, and which vertex
// wrote each, so checkpoints can be removed per vertex.
type spillRegistry struct {
	dir string

	mtx     sync.Mutex
	done    map[spillKey]string
	waiting map[spillKey][]func(string)
	owners  map[taskKey][]dataflow.ChannelID
}

func newSpillRegistry(dir string) *spillRegistry {
	return &spillRegistry{
		dir:     dir,
		done:    map[spillKey]string{},
		waiting: map[spillKey][]func(string){},
		owners:  map[taskKey][]dataflow.ChannelID{},
	}
}

func (sr *spillRegistry) path(jobID dataflow.JobID, channelID dataflow.ChannelID) string {
	return filepath.Join(sr.dir, string(jobID), string(channelID)+".spill")
}

// create prepares to write the spill file of an output channel and
// returns its path. A previous complete spill of the same channel
// stays readable until the new one replaces it.
func (sr *spillRegistry) create(jobID dataflow.JobID, vertexID dataflow.VertexID, channelID dataflow.ChannelID) (string, error) {
	path := sr.path(jobID, channelID)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", err
	}
	sr.mtx.Lock()
	defer sr.mtx.Unlock()
	key := taskKey{jobID, vertexID}
	for _, id := range sr.owners[key] {
		if id == channelID {
			return path, nil
		}
	}
	sr.owners[key] = append(sr.owners[key], channelID)
	return path, nil
}

// complete records that the spill file at path is finished, and
// passes it to any waiting consumers.
func (sr *spillRegistry) complete(jobID dataflow.JobID, channelID dataflow.ChannelID, path string) {
	key := spillKey{jobID, channelID}
	sr.mtx.Lock()
	sr.done[key] = path
	waiting := sr.waiting[key]
	delete(sr.waiting, key)
	sr.mtx.Unlock()
	for _, fn := range waiting {
		fn(path)
	}
}

// await calls fn with the path of the channel's spill file as soon as
// it is complete, which may be right away.
func (sr *spillRegistry) await(jobID dataflow.JobID, channelID dataflow.ChannelID, fn func(string)) {
	key := spillKey{jobID, channelID}
	sr.mtx.Lock()
	path, ok := sr.done[key]
	if !ok {
		sr.waiting[key] = append(sr.waiting[key], fn)
	}
	sr.mtx.Unlock()
	if ok {
		fn(path)
	}
}

// remove deletes the spill files written by the given vertices. The
// job's directory is removed once it is empty.
func (sr *spillRegistry) remove(jobID dataflow.JobID, vertices []dataflow.VertexID) error {
	var paths []string
	sr.mtx.Lock()
	for _, vertexID := range vertices {
		key := taskKey{jobID, vertexID}
		for _, channelID := range sr.owners[key] {
			skey := spillKey{jobID, channelID}
			delete(sr.done, skey)
			delete(sr.waiting, skey)
			paths = append(paths, sr.path(jobID, channelID))
		}
		delete(sr.owners, key)
	}
	sr.mtx.Unlock()
	var errs []error
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	// fails harmlessly if other vertices' spills remain
	os.Remove(filepath.Join(sr.dir, string(jobID)))
	return errors.Join(errs...)
}
