// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executiongraph

import "git.arvados.org/dataflow.git/sdk/go/dataflow"

var forwardTransitions = map[dataflow.ExecutionState][]dataflow.ExecutionState{
	dataflow.ExecutionStateCreated:   {dataflow.ExecutionStateScheduled},
	dataflow.ExecutionStateScheduled: {dataflow.ExecutionStateAssigned},
	dataflow.ExecutionStateAssigned:  {dataflow.ExecutionStateReady},
	dataflow.ExecutionStateReady:     {dataflow.ExecutionStateStarting},
	dataflow.ExecutionStateStarting:  {dataflow.ExecutionStateRunning, dataflow.ExecutionStateReplaying},
	dataflow.ExecutionStateRunning:   {dataflow.ExecutionStateReplaying, dataflow.ExecutionStateFinishing},
	dataflow.ExecutionStateReplaying: {dataflow.ExecutionStateRunning, dataflow.ExecutionStateFinishing},
	dataflow.ExecutionStateFinishing: {dataflow.ExecutionStateFinished},
	dataflow.ExecutionStateCanceling: {dataflow.ExecutionStateCanceled, dataflow.ExecutionStateFailed, dataflow.ExecutionStateFinished},
	dataflow.ExecutionStateFailing:   {dataflow.ExecutionStateFailed, dataflow.ExecutionStateCanceled},
}

// abortStates can be entered from any non-terminal state other than
// CANCELING and FAILING, which have their own exits above.
var abortStates = []dataflow.ExecutionState{
	dataflow.ExecutionStateCanceling,
	dataflow.ExecutionStateCanceled,
	dataflow.ExecutionStateFailing,
	dataflow.ExecutionStateFailed,
}

var validTransition = map[dataflow.ExecutionState]map[dataflow.ExecutionState]bool{}

func init() {
	for from, tos := range forwardTransitions {
		validTransition[from] = map[dataflow.ExecutionState]bool{}
		for _, to := range tos {
			validTransition[from][to] = true
		}
		if from == dataflow.ExecutionStateCanceling || from == dataflow.ExecutionStateFailing {
			continue
		}
		for _, to := range abortStates {
			validTransition[from][to] = true
		}
	}
}

// IsValidTransition returns true if a vertex may move directly from
// one state to the other. Terminal states have no exits.
func IsValidTransition(from, to dataflow.ExecutionState) bool {
	return validTransition[from][to]
}
