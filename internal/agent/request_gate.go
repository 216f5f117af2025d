package agent

import (
	"sync"
	"time"
)

// RequestGate enforces single-active-request semantics: admitting a new
// user turn supersedes whatever loop iteration is still in flight for the
// previous one. Every cooperative checkpoint inside AgenticLoop and
// stream.Decoder compares its own id against Current and abandons on
// mismatch. A monotonic counter is enough here since this module has
// exactly one active turn at a time.
type RequestGate struct {
	mu         sync.Mutex
	currentID  uint64
	cancelFlag bool
}

// NewRequestGate returns a gate with no admitted turn (id 0).
func NewRequestGate() *RequestGate {
	return &RequestGate{}
}

// Admit supersedes any in-flight turn and returns the id the new turn must
// present at every checkpoint. It blocks ~50ms so the superseded loop has a
// chance to observe cancelFlag before the new turn starts producing output.
func (g *RequestGate) Admit() uint64 {
	g.mu.Lock()
	g.currentID++
	id := g.currentID
	g.cancelFlag = true
	g.mu.Unlock()

	time.Sleep(50 * time.Millisecond)

	g.mu.Lock()
	g.cancelFlag = false
	g.mu.Unlock()

	return id
}

// Current returns the id of the currently admitted turn.
func (g *RequestGate) Current() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentID
}

// Valid reports whether id is still the current turn, i.e. whether work
// tagged with id may continue past a checkpoint.
func (g *RequestGate) Valid(id uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return id == g.currentID
}
