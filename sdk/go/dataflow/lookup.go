// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dataflow

// LookupResult is the outcome of a connection info lookup.
type LookupResult string

const (
	// LookupNotFound is permanent: the channel is unknown.
	LookupNotFound = LookupResult("not_found")
	// LookupNotReady means the peer is not running yet. Retry
	// later.
	LookupNotReady = LookupResult("not_ready")
	// LookupJobAborting means the job is failing or being
	// canceled. Stop retrying.
	LookupJobAborting = LookupResult("job_aborting")
	// LookupReady means the peer was found and can be connected.
	LookupReady = LookupResult("ready")
)

// RemoteReceiver locates a channel endpoint on another task manager.
// ConnectionInfoLookupRequest asks the coordinator how to reach the
// other end of a channel.
type ConnectionInfoLookupRequest struct {
	Caller    InstanceConnectionInfo `json:"caller"`
	JobID     JobID                  `json:"job_id"`
	ChannelID ChannelID              `json:"channel_id"`
}

type RemoteReceiver struct {
	DataAddress string    `json:"data_address"`
	ChannelID   ChannelID `json:"channel_id"`
}

// ConnectionInfoLookupResponse answers "where is the peer of this
// channel". When Result is LookupReady, exactly one of LocalChannelID
// and Remote is set, except for broadcast lookups which fill
// Multicast instead.
type ConnectionInfoLookupResponse struct {
	Result         LookupResult        `json:"result"`
	LocalChannelID ChannelID           `json:"local_channel_id,omitempty"`
	Remote         *RemoteReceiver     `json:"remote,omitempty"`
	Multicast      []MulticastReceiver `json:"multicast,omitempty"`
}

// MulticastReceiver is the receiver of one output channel of a
// broadcast gate.
type MulticastReceiver struct {
	OutputChannelID ChannelID       `json:"output_channel_id"`
	LocalChannelID  ChannelID       `json:"local_channel_id,omitempty"`
	Remote          *RemoteReceiver `json:"remote,omitempty"`
}

func LookupResponseNotFound() ConnectionInfoLookupResponse {
	return ConnectionInfoLookupResponse{Result: LookupNotFound}
}

func LookupResponseNotReady() ConnectionInfoLookupResponse {
	return ConnectionInfoLookupResponse{Result: LookupNotReady}
}

func LookupResponseJobAborting() ConnectionInfoLookupResponse {
	return ConnectionInfoLookupResponse{Result: LookupJobAborting}
}

func LookupResponseLocal(id ChannelID) ConnectionInfoLookupResponse {
	return ConnectionInfoLookupResponse{Result: LookupReady, LocalChannelID: id}
}

func LookupResponseRemote(dataAddress string, id ChannelID) ConnectionInfoLookupResponse {
	return ConnectionInfoLookupResponse{Result: LookupReady, Remote: &RemoteReceiver{DataAddress: dataAddress, ChannelID: id}}
}

// Receiver returns the endpoint for the given output channel: the
// response itself for a point-to-point lookup, or the matching
// multicast entry.
func (r ConnectionInfoLookupResponse) Receiver(output ChannelID) (local ChannelID, remote *RemoteReceiver, ok bool) {
	if r.Result != LookupReady {
		return "", nil, false
	}
	if r.Multicast == nil {
		return r.LocalChannelID, r.Remote, r.LocalChannelID != "" || r.Remote != nil
	}
	for _, m := range r.Multicast {
		if m.OutputChannelID == output {
			return m.LocalChannelID, m.Remote, true
		}
	}
	return "", nil, false
}
