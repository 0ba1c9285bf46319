// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dataflow

import "fmt"

// ChannelType selects the transport used by a channel.
type ChannelType string

const (
	// ChannelTypeInMemory requires both endpoints on the same task
	// manager.
	ChannelTypeInMemory = ChannelType("inmemory")
	// ChannelTypeFile spills records to local disk. The consumer
	// reads them after the producer closes the channel. Both
	// endpoints must be on the same task manager.
	ChannelTypeFile = ChannelType("file")
	// ChannelTypeNetwork streams records over TCP, or directly when
	// the endpoints turn out to be co-located.
	ChannelTypeNetwork = ChannelType("network")
)

func (t ChannelType) Valid() bool {
	switch t {
	case ChannelTypeInMemory, ChannelTypeFile, ChannelTypeNetwork:
		return true
	}
	return false
}

// CompressionLevel selects the codec applied to serialized channel
// frames. In-memory channels ignore it.
type CompressionLevel string

const (
	CompressionNone   = CompressionLevel("none")
	CompressionLight  = CompressionLevel("light")
	CompressionMedium = CompressionLevel("medium")
	CompressionHeavy  = CompressionLevel("heavy")
)

func (l CompressionLevel) Valid() bool {
	switch l {
	case "", CompressionNone, CompressionLight, CompressionMedium, CompressionHeavy:
		return true
	}
	return false
}

// DistributionPattern describes how the subtasks of two connected job
// vertices are wired together. The empty value means Bipartite.
type DistributionPattern string

const (
	// Bipartite connects every producer subtask to every consumer
	// subtask.
	Bipartite = DistributionPattern("bipartite")
	// Pointwise connects subtask i of the producer to subtask i of
	// the consumer, spreading evenly when the degrees differ.
	Pointwise = DistributionPattern("pointwise")
)

// NameWithIndex returns the display name of subtask index (0-based)
// of a job vertex with the given name and degree of parallelism.
func NameWithIndex(name string, index, total int) string {
	return fmt.Sprintf("%s (%d/%d)", name, index+1, total)
}
