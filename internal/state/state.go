// Copyright 2026 The Sapporo-WES Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package state defines the run state machine.
//
// state.txt is the single writable truth for a run's lifecycle. Every
// producer reads the current word before writing a new one, and forbidden
// transitions are rejected here rather than at the call sites.
package state

import "strings"

// State is a run lifecycle state as defined by the WES API.
type State string

const (
	Unknown       State = "UNKNOWN"
	Queued        State = "QUEUED"
	Initializing  State = "INITIALIZING"
	Running       State = "RUNNING"
	Paused        State = "PAUSED"
	Complete      State = "COMPLETE"
	ExecutorError State = "EXECUTOR_ERROR"
	SystemError   State = "SYSTEM_ERROR"
	Canceled      State = "CANCELED"
	Canceling     State = "CANCELING"
	Preempted     State = "PREEMPTED"
	Deleting      State = "DELETING"
	Deleted       State = "DELETED"
)

// All lists every representable state.
var All = []State{
	Unknown, Queued, Initializing, Running, Paused,
	Complete, ExecutorError, SystemError,
	Canceled, Canceling, Preempted, Deleting, Deleted,
}

// Parse converts a state word into a State. Unrecognized or empty input
// yields Unknown, matching the behavior for a missing state.txt.
func Parse(s string) State {
	word := State(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range All {
		if word == st {
			return st
		}
	}
	return Unknown
}

// IsTerminal reports whether the state is absorbing.
func (s State) IsTerminal() bool {
	switch s {
	case Complete, ExecutorError, SystemError, Canceled, Deleted:
		return true
	}
	return false
}

// transitions is the set of legal edges:
//
//	QUEUED -> INITIALIZING -> RUNNING -> {COMPLETE, EXECUTOR_ERROR, SYSTEM_ERROR}
//	RUNNING -> CANCELING -> CANCELED
//	any terminal -> DELETING -> DELETED
//
// SYSTEM_ERROR is additionally reachable from any non-terminal state so the
// indexer can reconcile runs whose supervisor died, and CANCELING is
// reachable from QUEUED/INITIALIZING so a cancel issued before the
// dispatcher starts still wins.
var transitions = map[State][]State{
	Queued:        {Initializing, Running, Canceling, SystemError},
	Initializing:  {Running, Canceling, SystemError},
	Running:       {Complete, ExecutorError, SystemError, Canceling},
	Canceling:     {Canceled, Running, SystemError},
	Complete:      {Deleting},
	ExecutorError: {Deleting},
	SystemError:   {Deleting},
	Canceled:      {Deleting},
	Deleting:      {Deleted},
	Unknown:       {SystemError, Deleting},
}

// CanTransition reports whether from -> to is a legal edge.
// A self-transition is always a legal no-op.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
