// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package iogate

import (
	"io"
	"sync"

	"git.arvados.org/dataflow.git/sdk/go/dataflow"
)

// QueueInputChannel is the consumer end of an in-memory or network
// channel. Records are pushed by a co-located producer or by the
// network data server.
type QueueInputChannel struct {
	id dataflow.ChannelID

	mtx     sync.Mutex
	records [][]byte
	eof     bool
	err     error
	closed  bool
	avail   availability
}

func NewQueueInputChannel(id dataflow.ChannelID) *QueueInputChannel {
	return &QueueInputChannel{id: id}
}

func (ch *QueueInputChannel) ID() dataflow.ChannelID { return ch.id }

// Deliver appends a record. It is a no-op after Close, DeliverEOF, or
// Fail.
func (ch *QueueInputChannel) Deliver(rec []byte) {
	ch.mtx.Lock()
	if ch.closed || ch.eof || ch.err != nil {
		ch.mtx.Unlock()
		return
	}
	ch.records = append(ch.records, rec)
	notify := ch.avail.signal()
	ch.mtx.Unlock()
	if notify != nil {
		notify()
	}
}

// DeliverEOF marks the end of the stream. Records already delivered
// are still returned before io.EOF.
func (ch *QueueInputChannel) DeliverEOF() {
	ch.mtx.Lock()
	if ch.closed || ch.eof || ch.err != nil {
		ch.mtx.Unlock()
		return
	}
	ch.eof = true
	notify := ch.avail.signal()
	ch.mtx.Unlock()
	if notify != nil {
		notify()
	}
}

// Fail breaks the channel. Records already delivered are still
// returned before err.
func (ch *QueueInputChannel) Fail(err error) {
	ch.mtx.Lock()
	if ch.closed || ch.eof || ch.err != nil {
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

func (ch *QueueInputChannel) ReadRecord() ([]byte, error) {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	if ch.closed {
		return nil, io.EOF
	}
	if len(ch.records) > 0 {
		rec := ch.records[0]
		ch.records[0] = nil
		ch.records = ch.records[1:]
		return rec, nil
	}
	if ch.err != nil {
		return nil, ch.err
	}
	if ch.eof {
		ch.closed = true
		return nil, io.EOF
	}
	ch.avail.drained()
	return nil, ErrNoData
}

func (ch *QueueInputChannel) IsClosed() bool {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	return ch.closed
}

func (ch *QueueInputChannel) Close() error {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	ch.closed = true
	ch.records = nil
	return nil
}

func (ch *QueueInputChannel) setNotify(fn func()) {
	ch.mtx.Lock()
	notify := ch.avail.install(fn, len(ch.records) > 0 || ch.eof || ch.err != nil)
	ch.mtx.Unlock()
	if notify != nil {
		notify()
	}
}

// QueueSink returns a Sink that delivers directly to ch. Records are
// copied, so the producer may reuse its buffers.
func QueueSink(ch *QueueInputChannel) Sink {
	return queueSink{ch}
}

type queueSink struct {
	ch *QueueInputChannel
}

func (s queueSink) Send(rec []byte) error {
	s.ch.Deliver(append([]byte(nil), rec...))
	return nil
}

func (s queueSink) Flush() error     { return nil }
func (s queueSink) CloseSend() error { s.ch.DeliverEOF(); return nil }
func (s queueSink) Abort(err error)  { s.ch.Fail(err) }
