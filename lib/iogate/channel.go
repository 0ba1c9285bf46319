// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package iogate moves records between tasks. A channel carries an
// ordered stream of records from one producer to one consumer. A gate
// groups the channels of one logical task input or output.
package iogate

import (
	"context"
	"errors"

	"git.arvados.org/dataflow.git/sdk/go/dataflow"
)

var (
	// ErrNoData is returned by InputChannel.ReadRecord when the
	// channel is open but has nothing to read right now. Callers
	// wait for the next availability notification.
	ErrNoData = errors.New("no data available")

	ErrChannelClosed = errors.New("channel is closed")
	ErrListenerInUse = errors.New("a record availability listener is already registered")
)

// InputChannel is the consumer end of a channel.
type InputChannel interface {
	ID() dataflow.ChannelID
	// ReadRecord returns the next record, ErrNoData if none is
	// available yet, io.EOF after the producer's last record, or
	// the error that broke the channel.
	ReadRecord() ([]byte, error)
	// IsClosed returns true once ReadRecord has returned io.EOF or
	// Close has been called.
	IsClosed() bool
	// Close releases the channel's resources. Records not yet read
	// are discarded.
	Close() error
	// setNotify installs the function called each time the
	// channel goes from "nothing to read" to "something to read"
	// (a record, end of stream, or an error).
	setNotify(func())
}

// Sink is the transport-specific part of an output channel.
type Sink interface {
	Send(rec []byte) error
	Flush() error
	// CloseSend delivers end-of-stream to the consumer.
	CloseSend() error
	// Abort tells the consumer that no more records will arrive
	// because the producer failed.
	Abort(err error)
}

// Connector establishes the transport for an output channel. It is
// called on the first write or close, not when the channel is
// created, so the consumer does not need to be running before the
// producer starts.
type Connector func(ctx context.Context) (Sink, error)

// availability tracks whether the consumer has been told the channel
// has something to read. notified is set when a notification is sent
// and cleared when a read finds the channel empty, both under the
// owning channel's lock, so each empty-to-nonempty transition yields
// exactly one notification.
type availability struct {
	notify   func()
	notified bool
}

// signal must be called with the channel lock held. It returns the
// function to call after the lock is released, or nil.
func (a *availability) signal() func() {
	if a.notified || a.notify == nil {
		return nil
	}
	a.notified = true
	return a.notify
}

// drained must be called with the channel lock held when a read finds
// nothing to return.
func (a *availability) drained() {
	a.notified = false
}

// install must be called with the channel lock held. If the channel
// already has something to read, the returned function must be called
// after the lock is released.
func (a *availability) install(fn func(), readable bool) func() {
	a.notify = fn
	if readable {
		return a.signal()
	}
	return nil
}
