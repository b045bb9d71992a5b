// Package control implements the unreliable command channel between the server and nodes.
package control

import (
	"strings"
	"sync/atomic"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/types"
)

// MaxCommandLen is the largest command datagram a node reads.
const MaxCommandLen = 64

// ParseCommand maps a received token to a command.
func ParseCommand(raw string) (types.Command, bool) {
	token := strings.TrimSpace(strings.Trim(raw, "\x00"))
	switch types.Command(token) {
	case types.CommandStart, types.CommandWarmup, types.CommandExit:
		return types.Command(token), true
	default:
		return "", false
	}
}

// State holds a ControlState that one goroutine writes and many read.
type State struct {
	v atomic.Int32
}

// NewState returns a state initialised to WAITING.
func NewState() *State {
	return &State{}
}

// Load returns the current state.
func (s *State) Load() types.ControlState {
	return types.ControlState(s.v.Load())
}

// Store overwrites the current state.
func (s *State) Store(v types.ControlState) {
	s.v.Store(int32(v))
}

// CompareAndSwap moves the state from old to new only if it still equals old.
func (s *State) CompareAndSwap(old, new types.ControlState) bool {
	return s.v.CompareAndSwap(int32(old), int32(new))
}

// Apply performs the transition cmd triggers and reports whether the state changed.
// start moves WAITING to RUNNING, exit moves anything to EXITING and warmup never
// changes the state. EXITING is terminal.
func (s *State) Apply(cmd types.Command) (types.ControlState, bool) {
	for {
		cur := s.Load()
		next := Next(cur, cmd)
		if next == cur {
			return cur, false
		}
		if s.v.CompareAndSwap(int32(cur), int32(next)) {
			return next, true
		}
	}
}

// Next returns the state cmd leads to from cur.
func Next(cur types.ControlState, cmd types.Command) types.ControlState {
	if cur == types.StateExiting {
		return cur
	}
	switch cmd {
	case types.CommandStart:
		return types.StateRunning
	case types.CommandExit:
		return types.StateExiting
	default:
		return cur
	}
}
