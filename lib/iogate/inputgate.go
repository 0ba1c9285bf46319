// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package iogate

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"git.arvados.org/dataflow.git/sdk/go/dataflow"
)

// RecordAvailabilityListener is notified when one of an input gate's
// channels has something to read.
type RecordAvailabilityListener interface {
	RecordAvailable(gate *InputGate)
}

// InputGate multiplexes the channels of one task input. It has a
// single reader: ReadRecord, AddToSkipList and GetAndResetRecordNumber
// may be called concurrently with channel notifications, but
// ReadRecord must not be called concurrently with itself.
type InputGate struct {
	id       dataflow.GateID
	channels []InputChannel

	// reader state, owned by the ReadRecord caller
	channelToReadFrom int
	isClosed          bool

	mtx             sync.Mutex
	available       []int
	wake            chan struct{}
	listener        RecordAvailabilityListener
	skipList        []int64
	recordNumber    int64
	firstRecordTime time.Time
}

// NewInputGate returns a gate reading from the given channels. The
// gate takes over the channels' availability notifications.
func NewInputGate(id dataflow.GateID, channels []InputChannel) *InputGate {
	g := &InputGate{
		id:                id,
		channels:          channels,
		channelToReadFrom: -1,
		wake:              make(chan struct{}, 1),
	}
	for i, ch := range channels {
		i := i
		ch.setNotify(func() { g.notifyAvailable(i) })
	}
	return g
}

func (g *InputGate) ID() dataflow.GateID { return g.id }

func (g *InputGate) NumberOfChannels() int { return len(g.channels) }

func (g *InputGate) Channel(i int) InputChannel { return g.channels[i] }

func (g *InputGate) notifyAvailable(i int) {
	g.mtx.Lock()
	g.available = append(g.available, i)
	listener := g.listener
	g.mtx.Unlock()
	select {
	case g.wake <- struct{}{}:
	default:
	}
	if listener != nil {
		listener.RecordAvailable(g)
	}
}

// RegisterRecordAvailabilityListener installs the gate's listener.
// Only one listener can be registered.
func (g *InputGate) RegisterRecordAvailabilityListener(l RecordAvailabilityListener) error {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if g.listener != nil {
		return ErrListenerInUse
	}
	g.listener = l
	return nil
}

// HasRecordAvailable returns true if a call to ReadRecord would not
// have to wait for a channel notification.
func (g *InputGate) HasRecordAvailable() bool {
	if g.channelToReadFrom >= 0 {
		return true
	}
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return len(g.available) > 0
}

// ReadRecord returns the next record from whichever channel has data,
// waiting if none does. It returns io.EOF when every channel has
// reached the end of its stream.
//
// Records are numbered from 1 in the order they are read. A record
// whose number is on the skip list is dropped.
func (g *InputGate) ReadRecord(ctx context.Context) ([]byte, error) {
	return g.readRecord(ctx, true)
}

// PollRecord is ReadRecord without blocking. It returns ErrNoData if
// no channel has a record ready.
func (g *InputGate) PollRecord() ([]byte, error) {
	return g.readRecord(context.Background(), false)
}

func (g *InputGate) readRecord(ctx context.Context, wait bool) ([]byte, error) {
	for {
		if g.channelToReadFrom < 0 {
			if g.IsClosed() {
				return nil, io.EOF
			}
			i, err := g.nextAvailableChannel(ctx, wait)
			if err != nil {
				return nil, err
			}
			g.channelToReadFrom = i
		}
		rec, err := g.channels[g.channelToReadFrom].ReadRecord()
		if errors.Is(err, ErrNoData) || errors.Is(err, io.EOF) {
			g.channelToReadFrom = -1
			continue
		} else if err != nil {
			return nil, err
		}
		if g.countAndCheckSkip() {
			continue
		}
		return rec, nil
	}
}

func (g *InputGate) nextAvailableChannel(ctx context.Context, wait bool) (int, error) {
	for {
		g.mtx.Lock()
		if len(g.available) > 0 {
			i := g.available[0]
			g.available = g.available[1:]
			g.mtx.Unlock()
			return i, nil
		}
		g.mtx.Unlock()
		if !wait {
			return -1, ErrNoData
		}
		select {
		case <-g.wake:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
}

// countAndCheckSkip increments the record number and returns true if
// the record just read should be dropped.
func (g *InputGate) countAndCheckSkip() bool {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	g.recordNumber++
	if g.firstRecordTime.IsZero() {
		g.firstRecordTime = time.Now()
	}
	for len(g.skipList) > 0 && g.skipList[0] < g.recordNumber {
		g.skipList = g.skipList[1:]
	}
	if len(g.skipList) > 0 && g.skipList[0] == g.recordNumber {
		g.skipList = g.skipList[1:]
		return true
	}
	return false
}

// AddToSkipList arranges for the record with the given number to be
// dropped when it is read. Numbers that have already been read are
// ignored.
func (g *InputGate) AddToSkipList(recordNumber int64) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if recordNumber <= g.recordNumber {
		return
	}
	i := sort.Search(len(g.skipList), func(i int) bool { return g.skipList[i] >= recordNumber })
	if i < len(g.skipList) && g.skipList[i] == recordNumber {
		return
	}
	g.skipList = append(g.skipList, 0)
	copy(g.skipList[i+1:], g.skipList[i:])
	g.skipList[i] = recordNumber
}

// GetAndResetRecordNumber returns the number of records read since
// the last reset. Skip list entries are relative to the new count.
func (g *InputGate) GetAndResetRecordNumber() int64 {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	n := g.recordNumber
	g.recordNumber = 0
	return n
}

// FirstRecordTime returns the time the first record was read, or the
// zero time.
func (g *InputGate) FirstRecordTime() time.Time {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.firstRecordTime
}

// IsClosed returns true once every channel is closed. The result is
// cached after it first becomes true.
func (g *InputGate) IsClosed() bool {
	if g.isClosed {
		return true
	}
	for _, ch := range g.channels {
		if !ch.IsClosed() {
			return false
		}
	}
	g.isClosed = true
	return true
}

// Close closes every channel.
func (g *InputGate) Close() error {
	var firstErr error
	for _, ch := range g.channels {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
