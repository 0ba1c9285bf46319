// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package iogate

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&FileSuite{})

type FileSuite struct{}

func (s *FileSuite) TestSpillAndRead(c *check.C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "chan.spill")
	in := NewFileInputChannel("in")
	g := NewInputGate("gate", []InputChannel{in})

	sink, err := SpillSink(path, dataflow.CompressionHeavy, in.SpillComplete)
	c.Assert(err, check.IsNil)
	c.Assert(sink.Send([]byte("alpha")), check.IsNil)
	c.Assert(sink.Send([]byte("beta")), check.IsNil)

	// Nothing is readable before the spill is complete.
	rec, err := in.ReadRecord()
	c.Check(err, check.Equals, ErrNoData)
	c.Check(rec, check.IsNil)
	_, err = os.Stat(path)
	c.Check(os.IsNotExist(err), check.Equals, true)

	c.Assert(sink.CloseSend(), check.IsNil)
	ctx := context.Background()
	for _, want := range []string{"alpha", "beta"} {
		rec, err := g.ReadRecord(ctx)
		c.Assert(err, check.IsNil)
		c.Check(string(rec), check.Equals, want)
	}
	_, err = g.ReadRecord(ctx)
	c.Check(err, check.Equals, io.EOF)

	// The spill file stays behind as a checkpoint and can be
	// read again by a new consumer.
	again := NewFileInputChannel("in")
	again.SpillComplete(path)
	rec, err = again.ReadRecord()
	c.Assert(err, check.IsNil)
	c.Check(string(rec), check.Equals, "alpha")
	c.Check(again.Close(), check.IsNil)
}

func (s *FileSuite) TestAbortLeavesNothing(c *check.C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "chan.spill")
	sink, err := SpillSink(path, dataflow.CompressionNone, func(string) { c.Error("unexpected completion") })
	c.Assert(err, check.IsNil)
	sink.Send([]byte("partial"))
	sink.Abort(errors.New("task failed"))
	ents, err := os.ReadDir(dir)
	c.Assert(err, check.IsNil)
	c.Check(ents, check.HasLen, 0)
}

func (s *FileSuite) TestFail(c *check.C) {
	in := NewFileInputChannel("in")
	g := NewInputGate("gate", []InputChannel{in})
	in.Fail(errors.New("producer failed"))
	_, err := g.ReadRecord(context.Background())
	c.Check(err, check.ErrorMatches, "producer failed")
}
