// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskmanager

import (
	"context"
	"fmt"
	"os"
	"time"

	"git.arvados.org/dataflow.git/lib/iogate"
	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// connector returns the function that connects one output channel
// the first time the task writes to it or closes it. File channels
// write straight to the local spill directory. In-memory and network
// channels ask the coordinator where the consumer is, retrying until
// the consumer is running.
func (t *task) connector(gd dataflow.GateDeploymentDescriptor, cd dataflow.ChannelDeploymentDescriptor) iogate.Connector {
	return func(ctx context.Context) (iogate.Sink, error) {
		if gd.ChannelType == dataflow.ChannelTypeFile {
			return t.spillSink(gd, cd)
		}
		resp, err := t.tm.lookup(ctx, t.tdd.JobID, cd.OutputChannelID)
		if err != nil {
			return nil, err
		}
		local, remote, ok := resp.Receiver(cd.OutputChannelID)
		switch {
		case !ok:
			return nil, fmt.Errorf("%w: no receiver for output channel %s", ErrChannelNotFound, cd.OutputChannelID)
		case local != "":
			ch := t.tm.inputChannel(local)
			if ch == nil {
				return nil, fmt.Errorf("%w: input channel %s is not registered here", ErrChannelNotFound, local)
			}
			return iogate.QueueSink(ch), nil
		case gd.ChannelType == dataflow.ChannelTypeInMemory:
			return nil, fmt.Errorf("in-memory channel %s resolved to remote address %s", cd.OutputChannelID, remote.DataAddress)
		default:
			stream, err := t.tm.dialer.open(ctx, remote.DataAddress, remote.ChannelID)
			if err != nil {
				return nil, err
			}
			return iogate.StreamSink(stream, gd.Compression), nil
		}
	}
}

func (t *task) spillSink(gd dataflow.GateDeploymentDescriptor, cd dataflow.ChannelDeploymentDescriptor) (iogate.Sink, error) {
	path, err := t.tm.spills.create(t.tdd.JobID, t.tdd.VertexID, cd.OutputChannelID)
	if err != nil {
		return nil, err
	}
	return iogate.SpillSink(path, gd.Compression, func(path string) {
		if fi, err := os.Stat(path); err == nil {
			t.tm.mSpillBytes.Add(float64(fi.Size()))
			t.logger.WithFields(logrus.Fields{
				"ChannelID": cd.OutputChannelID,
				"Size":      humanize.Bytes(uint64(fi.Size())),
			}).Debug("spill complete")
		}
		t.tm.spills.complete(t.tdd.JobID, cd.OutputChannelID, path)
	})
}

// lookup asks the coordinator where the other end of a channel is,
// retrying while the answer is "not ready" or the coordinator cannot
// be reached.
func (tm *TaskManager) lookup(ctx context.Context, jobID dataflow.JobID, channelID dataflow.ChannelID) (dataflow.ConnectionInfoLookupResponse, error) {
	logger := tm.logger.WithFields(logrus.Fields{
		"JobID":     jobID,
		"ChannelID": channelID,
	})
	for {
		lctx, cancel := context.WithTimeout(ctx, tm.cfg.LookupTimeout.Duration())
		resp, err := tm.coord.LookupConnectionInfo(lctx, tm.info, jobID, channelID)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return resp, context.Cause(ctx)
			}
			tm.mLookups.WithLabelValues("error").Inc()
			logger.WithError(err).Warn("lookup failed, will retry")
		} else {
			tm.mLookups.WithLabelValues(string(resp.Result)).Inc()
			switch resp.Result {
			case dataflow.LookupReady:
				return resp, nil
			case dataflow.LookupJobAborting:
				logger.Debug("lookup: job is aborting")
				return resp, ErrJobAborting
			case dataflow.LookupNotFound:
				return resp, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
			}
			logger.Debug("lookup: peer not ready")
		}
		select {
		case <-ctx.Done():
			return resp, context.Cause(ctx)
		case <-time.After(tm.cfg.LookupRetryInterval.Duration()):
		}
	}
}
