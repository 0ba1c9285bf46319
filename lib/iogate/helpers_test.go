// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package iogate

import (
	"fmt"

	"git.arvados.org/dataflow.git/sdk/go/dataflow"
)

func dataflowChannelID(i int) dataflow.ChannelID {
	return dataflow.ChannelID(fmt.Sprintf("chan-%d", i))
}
