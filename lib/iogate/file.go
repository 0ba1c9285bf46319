// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package iogate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"git.arvados.org/dataflow.git/sdk/go/dataflow"
)

// FileInputChannel is the consumer end of a file channel. It has
// nothing to read until the producer has written and closed the spill
// file; then every record is available.
type FileInputChannel struct {
	id dataflow.ChannelID

	mtx    sync.Mutex
	path   string
	f      *os.File
	fr     *FrameReader
	err    error
	closed bool
	avail  availability
}

func NewFileInputChannel(id dataflow.ChannelID) *FileInputChannel {
	return &FileInputChannel{id: id}
}

func (ch *FileInputChannel) ID() dataflow.ChannelID { return ch.id }

// SpillComplete makes the records in the finished spill file at path
// available for reading.
func (ch *FileInputChannel) SpillComplete(path string) {
	ch.mtx.Lock()
	if ch.closed || ch.path != "" {
		ch.mtx.Unlock()
		return
	}
	ch.path = path
	notify := ch.avail.signal()
	ch.mtx.Unlock()
	if notify != nil {
		notify()
	}
}

// Fail breaks the channel, e.g., because the producer failed before
// completing the spill file.
func (ch *FileInputChannel) Fail(err error) {
	ch.mtx.Lock()
	if ch.closed || ch.path != "" || ch.err != nil {
		ch.mtx.Unlock()
		return
	}
	ch.err = err
	notify := ch.avail.signal()
	ch.mtx.Unlock()
	if notify != nil {
		notify()
	}
}

func (ch *FileInputChannel) ReadRecord() ([]byte, error) {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	if ch.closed {
		return nil, io.EOF
	}
	if ch.path == "" {
		if ch.err != nil {
			return nil, ch.err
		}
		ch.avail.drained()
		return nil, ErrNoData
	}
	if ch.fr == nil {
		f, err := os.Open(ch.path)
		if err != nil {
			return nil, fmt.Errorf("open spill file: %w", err)
		}
		ch.f = f
		ch.fr = NewFrameReader(f)
	}
	rec, err := ch.fr.ReadRecord()
	if err == io.EOF {
		ch.closeFile()
		ch.closed = true
	}
	return rec, err
}

func (ch *FileInputChannel) IsClosed() bool {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	return ch.closed
}

// Close stops reading. The spill file itself is left in place: it is
// the producer's checkpoint and is removed with the job's other
// checkpoints.
func (ch *FileInputChannel) Close() error {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	ch.closed = true
	return ch.closeFile()
}

func (ch *FileInputChannel) closeFile() error {
	if ch.f == nil {
		return nil
	}
	err := ch.f.Close()
	ch.f, ch.fr = nil, nil
	return err
}

func (ch *FileInputChannel) setNotify(fn func()) {
	ch.mtx.Lock()
	notify := ch.avail.install(fn, ch.path != "" || ch.err != nil)
	ch.mtx.Unlock()
	if notify != nil {
		notify()
	}
}

// SpillSink returns a Sink that writes to a temporary file next to
// path, and renames it to path after the last record. complete is
// called with path once the file is in place. A failed or aborted
// spill leaves nothing at path.
func SpillSink(path string, level dataflow.CompressionLevel, complete func(string)) (Sink, error) {
	f, err := os.CreateTemp(filepath.Dir(path), ".spill-*")
	if err != nil {
		return nil, err
	}
	return &spillSink{f: f, fw: NewFrameWriter(f, level), path: path, complete: complete}, nil
}

type spillSink struct {
	f        *os.File
	fw       *FrameWriter
	path     string
	complete func(string)
}

func (s *spillSink) Send(rec []byte) error { return s.fw.WriteRecord(rec) }
func (s *spillSink) Flush() error          { return s.fw.Flush() }

func (s *spillSink) CloseSend() error {
	err := s.fw.WriteEOF()
	if err == nil {
		err = s.fw.Flush()
	}
	if err == nil {
		err = s.f.Sync()
	}
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(s.f.Name(), s.path)
	}
	if err != nil {
		os.Remove(s.f.Name())
		return err
	}
	if s.complete != nil {
		s.complete(s.path)
	}
	return nil
}

func (s *spillSink) Abort(error) {
	s.f.Close()
	os.Remove(s.f.Name())
}
