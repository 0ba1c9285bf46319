// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dataflow

import (
	"encoding/json"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&LookupSuite{})

type LookupSuite struct{}

func (s *LookupSuite) TestReceiver(c *check.C) {
	_, _, ok := LookupResponseNotReady().Receiver("out")
	c.Check(ok, check.Equals, false)

	local, remote, ok := LookupResponseLocal("in").Receiver("out")
	c.Check(ok, check.Equals, true)
	c.Check(local, check.Equals, ChannelID("in"))
	c.Check(remote, check.IsNil)

	local, remote, ok = LookupResponseRemote("10.0.0.2:7001", "in").Receiver("out")
	c.Check(ok, check.Equals, true)
	c.Check(local, check.Equals, ChannelID(""))
	c.Check(remote.DataAddress, check.Equals, "10.0.0.2:7001")

	multi := ConnectionInfoLookupResponse{
		Result: LookupReady,
		Multicast: []MulticastReceiver{
			{OutputChannelID: "out1", LocalChannelID: "in1"},
			{OutputChannelID: "out2", Remote: &RemoteReceiver{DataAddress: "h:1", ChannelID: "in2"}},
		},
	}
	local, _, ok = multi.Receiver("out1")
	c.Check(ok, check.Equals, true)
	c.Check(local, check.Equals, ChannelID("in1"))
	_, remote, ok = multi.Receiver("out2")
	c.Check(ok, check.Equals, true)
	c.Check(remote.ChannelID, check.Equals, ChannelID("in2"))
	_, _, ok = multi.Receiver("out3")
	c.Check(ok, check.Equals, false)
}

func (s *LookupSuite) TestDurationJSON(c *check.C) {
	var cfg struct{ Timeout Duration }
	c.Assert(json.Unmarshal([]byte(`{"Timeout":"1m30s"}`), &cfg), check.IsNil)
	c.Check(cfg.Timeout.String(), check.Equals, "1m30s")
	buf, err := json.Marshal(cfg)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"Timeout":"1m30s"}`)
	c.Check(json.Unmarshal([]byte(`{"Timeout":90}`), &cfg), check.NotNil)
}
