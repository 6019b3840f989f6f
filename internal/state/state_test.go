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

package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  State
	}{
		{"exact", "RUNNING", Running},
		{"lowercase", "complete", Complete},
		{"surrounding whitespace", "  QUEUED\n", Queued},
		{"empty", "", Unknown},
		{"garbage", "NOT_A_STATE", Unknown},
		{"canceling", "CANCELING", Canceling},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.input))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []State{Complete, ExecutorError, SystemError, Canceled, Deleted}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	nonTerminal := []State{Unknown, Queued, Initializing, Running, Canceling, Deleting, Paused, Preempted}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		want bool
	}{
		{"queued to initializing", Queued, Initializing, true},
		{"queued to running", Queued, Running, true},
		{"initializing to running", Initializing, Running, true},
		{"running to complete", Running, Complete, true},
		{"running to executor error", Running, ExecutorError, true},
		{"running to canceling", Running, Canceling, true},
		{"canceling to canceled", Canceling, Canceled, true},
		{"canceling to running", Canceling, Running, true},
		{"cancel before dispatch", Queued, Canceling, true},
		{"terminal to deleting", Complete, Deleting, true},
		{"deleting to deleted", Deleting, Deleted, true},
		{"reconcile stale run", Queued, SystemError, true},
		{"reconcile unknown run", Unknown, SystemError, true},

		{"complete is absorbing", Complete, Running, false},
		{"canceled is absorbing", Canceled, Running, false},
		{"deleted is absorbing", Deleted, Deleting, false},
		{"no resurrect from executor error", ExecutorError, Queued, false},
		{"no skip to deleted", Complete, Deleted, false},
		{"no cancel after completion", Complete, Canceling, false},
		{"no direct queued to complete", Queued, Complete, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCanTransitionSelfIsNoOp(t *testing.T) {
	for _, s := range All {
		assert.True(t, CanTransition(s, s), "%s -> %s should be a no-op", s, s)
	}
}
