package process

import (
	"go.uber.org/zap"

	"vmkernel/pkg/klog"
)

// State is the scheduling state of a process slot.
type State int

const (
	// StateUnused marks a free slot.
	StateUnused State = iota
	// StateEmbryo is a slot being set up by allocation.
	StateEmbryo
	// StateSleeping is blocked on a channel until woken.
	StateSleeping
	// StateRunnable is ready to be picked by a scheduler.
	StateRunnable
	// StateRunning is executing on a CPU.
	StateRunning
	// StateZombie has exited and waits for its parent.
	StateZombie
)

var stateNames = [...]string{
	StateUnused:   "unused",
	StateEmbryo:   "embryo",
	StateSleeping: "sleep",
	StateRunnable: "runble",
	StateRunning:  "run",
	StateZombie:   "zombie",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "???"
}

// StateTransition is an edge of the process state machine.
type StateTransition struct {
	From State
	To   State
}

// ValidTransitions lists every allowed state change.
var ValidTransitions = []StateTransition{
	// Allocation claims a free slot.
	{From: StateUnused, To: StateEmbryo},
	// Setup finished.
	{From: StateEmbryo, To: StateRunnable},
	// Setup failed, slot released.
	{From: StateEmbryo, To: StateUnused},
	// Picked by a scheduler.
	{From: StateRunnable, To: StateRunning},
	// Yield.
	{From: StateRunning, To: StateRunnable},
	// Block.
	{From: StateRunning, To: StateSleeping},
	// Wakeup or kill.
	{From: StateSleeping, To: StateRunnable},
	// Exit.
	{From: StateRunning, To: StateZombie},
	// Reaped by the parent.
	{From: StateZombie, To: StateUnused},
}

// IsValidTransition reports whether from may change to to.
func IsValidTransition(from, to State) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// setState moves p to a new state. The caller holds t.mu. An edge outside
// the state machine means the table is corrupt.
func (t *Table) setState(p *Proc, to State) {
	if !IsValidTransition(p.state, to) {
		klog.Panic(t.log, "invalid state transition",
			zap.Int("pid", p.pid),
			zap.Stringer("from", p.state),
			zap.Stringer("to", to))
	}
	p.state = to
}
