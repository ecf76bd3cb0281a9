// Package savelock provides an advisory lock that pauses persistence while a
// sensitive operation (such as a live collaboration session) is in progress.
package savelock

import (
	"fmt"
	"sync"
)

// Reason identifies why saving has been paused. The set of reasons is closed:
// callers can only use the constants declared below.
type Reason uint8

const (
	// ReasonCollaboration is held while a real-time collaboration session owns
	// the document contents.
	ReasonCollaboration Reason = iota + 1

	// ReasonBoardSwitch is held while the active board is being replaced.
	ReasonBoardSwitch

	// ReasonImport is held while an external scene is being loaded into the
	// editor, so the half-loaded scene is never persisted.
	ReasonImport

	reasonMax
)

func (r Reason) String() string {
	switch r {
	case ReasonCollaboration:
		return "collaboration"
	case ReasonBoardSwitch:
		return "board-switch"
	case ReasonImport:
		return "import"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// Valid reports whether r is one of the declared reasons.
func (r Reason) Valid() bool {
	return r > 0 && r < reasonMax
}

// Lock is a set of held reasons. Acquiring the same reason twice is
// idempotent; the lock is held while at least one reason is present.
//
// Lock only gates work that has not started yet. It never interrupts anything
// already in flight.
type Lock struct {
	mu   sync.RWMutex
	held map[Reason]struct{}
}

// New returns an unlocked Lock.
func New() *Lock {
	return &Lock{held: make(map[Reason]struct{})}
}

// Acquire adds reason to the held set. It is a no-op if reason is already held.
func (l *Lock) Acquire(reason Reason) {
	if !reason.Valid() {
		panic(fmt.Sprintf("savelock: invalid reason %s", reason))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[reason] = struct{}{}
}

// Release removes reason from the held set. It is a no-op if reason is not held.
func (l *Lock) Release(reason Reason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, reason)
}

// IsLocked reports whether any reason is held.
func (l *Lock) IsLocked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.held) > 0
}

// Held returns the reasons currently held, in declaration order.
func (l *Lock) Held() []Reason {
	l.mu.RLock()
	defer l.mu.RUnlock()

	reasons := make([]Reason, 0, len(l.held))
	for r := Reason(1); r < reasonMax; r++ {
		if _, ok := l.held[r]; ok {
			reasons = append(reasons, r)
		}
	}
	return reasons
}
