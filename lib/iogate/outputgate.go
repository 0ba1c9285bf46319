// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package iogate

import (
	"context"
	"sync"

	"git.arvados.org/dataflow.git/sdk/go/dataflow"
)

// OutputChannel is the producer end of a channel. The transport is
// connected lazily by the first WriteRecord, Flush, or Close.
type OutputChannel struct {
	id      dataflow.ChannelID
	connect Connector

	mtx    sync.Mutex
	sink   Sink
	closed bool
	sent   int64
}

func NewOutputChannel(id dataflow.ChannelID, connect Connector) *OutputChannel {
	return &OutputChannel{id: id, connect: connect}
}

func (ch *OutputChannel) ID() dataflow.ChannelID { return ch.id }

// RecordsSent returns the number of records written so far.
func (ch *OutputChannel) RecordsSent() int64 {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	return ch.sent
}

// must be called with ch.mtx held
func (ch *OutputChannel) ensureConnected(ctx context.Context) error {
	if ch.closed {
		return ErrChannelClosed
	}
	if ch.sink != nil {
		return nil
	}
	sink, err := ch.connect(ctx)
	if err != nil {
		return err
	}
	ch.sink = sink
	return nil
}

func (ch *OutputChannel) WriteRecord(ctx context.Context, rec []byte) error {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	if err := ch.ensureConnected(ctx); err != nil {
		return err
	}
	if err := ch.sink.Send(rec); err != nil {
		return err
	}
	ch.sent++
	return nil
}

func (ch *OutputChannel) Flush(ctx context.Context) error {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	if ch.closed || ch.sink == nil {
		return nil
	}
	return ch.sink.Flush()
}

// Close delivers end-of-stream to the consumer, connecting first if
// nothing has been written yet. Closing a closed channel is a no-op.
func (ch *OutputChannel) Close(ctx context.Context) error {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	if ch.closed {
		return nil
	}
	if err := ch.ensureConnected(ctx); err != nil {
		return err
	}
	ch.closed = true
	return ch.sink.CloseSend()
}

// Abort tells a connected consumer that the stream is broken. An
// unconnected channel is just marked closed.
func (ch *OutputChannel) Abort(err error) {
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	if ch.closed {
		return
	}
	ch.closed = true
	if ch.sink != nil {
		ch.sink.Abort(err)
	}
}

// ChannelSelector picks the channels that receive a record, given
// the number of channels in the gate.
type ChannelSelector interface {
	SelectChannels(rec []byte, numberOfChannels int) []int
}

// RoundRobin sends each record to the next channel in turn.
type RoundRobin struct {
	next int
	buf  [1]int
}

func (rr *RoundRobin) SelectChannels(rec []byte, n int) []int {
	rr.buf[0] = rr.next % n
	rr.next = (rr.next + 1) % n
	return rr.buf[:]
}

// OutputGate distributes the records of one task output over its
// channels: every record to every channel for a broadcast gate,
// otherwise as chosen by the gate's ChannelSelector.
type OutputGate struct {
	id        dataflow.GateID
	channels  []*OutputChannel
	broadcast bool
	selector  ChannelSelector
	all       []int
}

func NewOutputGate(id dataflow.GateID, channels []*OutputChannel, broadcast bool) *OutputGate {
	g := &OutputGate{id: id, channels: channels, broadcast: broadcast, selector: &RoundRobin{}}
	for i := range channels {
		g.all = append(g.all, i)
	}
	return g
}

func (g *OutputGate) ID() dataflow.GateID { return g.id }

func (g *OutputGate) NumberOfChannels() int { return len(g.channels) }

func (g *OutputGate) Channel(i int) *OutputChannel { return g.channels[i] }

func (g *OutputGate) IsBroadcast() bool { return g.broadcast }

// SetChannelSelector replaces the default round-robin selector. It
// has no effect on a broadcast gate.
func (g *OutputGate) SetChannelSelector(sel ChannelSelector) {
	g.selector = sel
}

func (g *OutputGate) WriteRecord(ctx context.Context, rec []byte) error {
	if len(g.channels) == 0 {
		return nil
	}
	targets := g.all
	if !g.broadcast {
		targets = g.selector.SelectChannels(rec, len(g.channels))
	}
	for _, i := range targets {
		if err := g.channels[i].WriteRecord(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (g *OutputGate) Flush(ctx context.Context) error {
	for _, ch := range g.channels {
		if err := ch.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every channel, returning the first error.
func (g *OutputGate) Close(ctx context.Context) error {
	var firstErr error
	for _, ch := range g.channels {
		if err := ch.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Abort aborts every channel.
func (g *OutputGate) Abort(err error) {
	for _, ch := range g.channels {
		ch.Abort(err)
	}
}
