// Package continuation implements the explicit, fiber-owned representation of
// resumable call frames and their live locals.
//
// A Stack is a passive scratch area. It has no suspend or resume logic of its
// own. Code that wants to survive a round trip through persistence follows a
// simple discipline:
//
//	entry := s.EnterFrame()
//	switch entry {
//	case continuation.FirstEntry:
//		// fresh call
//	case 1:
//		i = s.LoadWord(0) // resumed after suspension point 1
//	}
//	...
//	s.ReserveFrame(1, 1)
//	s.StoreWord(0, i)
//	f.Park(nil) // suspension point 1
//	...
//	s.LeaveFrame()
//
// When a Stack is restored from a Snapshot it starts in replay mode: each
// EnterFrame walks one saved frame down toward the suspension point, returning
// the entry point recorded when the frame was saved.
package continuation

import (
	"errors"
	"fmt"
)

// FirstEntry is returned by [Stack.EnterFrame] for a fresh (non-resumed) call.
const FirstEntry = 0

// minWords is the smallest slot capacity allocated for a new stack.
const minWords = 16

var (
	// ErrUnbalanced indicates a LeaveFrame without a matching EnterFrame, or a
	// body that finished with frames still pushed.
	ErrUnbalanced = errors.New("continuation: unbalanced frames")

	// ErrSlotRange indicates a slot access outside the active frame's
	// reserved range.
	ErrSlotRange = errors.New("continuation: slot out of range")

	// ErrNoFrame indicates a frame operation with no active frame.
	ErrNoFrame = errors.New("continuation: no active frame")
)

type frame struct {
	entry int
	base  int
	slots int
}

// Stack holds frame records and the slot areas they address. It is owned by
// exactly one fiber and is not safe for concurrent use.
type Stack struct {
	frames []frame
	words  []int64
	refs   []any
	// top is the index of the active frame, -1 when none.
	top int
}

// NewStack allocates a stack with capacity for roughly sizeHint slots.
func NewStack(sizeHint int) *Stack {
	n := minWords
	for n < sizeHint {
		n <<= 1
	}
	return &Stack{
		frames: make([]frame, 0, 8),
		words:  make([]int64, n),
		refs:   make([]any, n),
		top:    -1,
	}
}

// EnterFrame must be called at the top of every suspendable function. When
// replaying it moves to the next saved frame and returns its entry point,
// otherwise it pushes an empty frame and returns FirstEntry.
func (s *Stack) EnterFrame() int {
	s.top++
	if s.top < len(s.frames) {
		return s.frames[s.top].entry
	}
	base := 0
	if s.top > 0 {
		parent := s.frames[s.top-1]
		base = parent.base + parent.slots
	}
	s.frames = append(s.frames, frame{base: base})
	return FirstEntry
}

// ReserveFrame records entry as the point the active frame resumes from and
// ensures it owns slots slots. Any saved frames above the active one are
// discarded, so on resume a function should re-invoke its callee directly,
// without calling ReserveFrame again.
func (s *Stack) ReserveFrame(entry, slots int) {
	if s.top < 0 {
		panic(ErrNoFrame)
	}
	if slots < 0 {
		panic(fmt.Errorf("%w: negative slot count %d", ErrSlotRange, slots))
	}
	if above := s.top + 1; above < len(s.frames) {
		for _, f := range s.frames[above:] {
			s.clear(f.base, f.slots)
		}
		s.frames = s.frames[:above]
	}
	f := &s.frames[s.top]
	if slots < f.slots {
		s.clear(f.base+slots, f.slots-slots)
	}
	f.entry = entry
	f.slots = slots
	s.grow(f.base + slots)
}

// LeaveFrame pops the active frame and clears its slots.
func (s *Stack) LeaveFrame() {
	if s.top < 0 || s.top != len(s.frames)-1 {
		panic(ErrUnbalanced)
	}
	f := s.frames[s.top]
	s.clear(f.base, f.slots)
	s.frames = s.frames[:s.top]
	s.top--
}

// grow doubles the backing arrays until they hold n slots.
func (s *Stack) grow(n int) {
	size := len(s.words)
	if n <= size {
		return
	}
	if size == 0 {
		size = minWords
	}
	for size < n {
		size <<= 1
	}
	words := make([]int64, size)
	copy(words, s.words)
	refs := make([]any, size)
	copy(refs, s.refs)
	s.words, s.refs = words, refs
}

func (s *Stack) clear(base, n int) {
	if n <= 0 {
		return
	}
	clear(s.words[base : base+n])
	clear(s.refs[base : base+n])
}

func (s *Stack) slot(idx int) int {
	if s.top < 0 {
		panic(ErrNoFrame)
	}
	f := s.frames[s.top]
	if idx < 0 || idx >= f.slots {
		panic(fmt.Errorf("%w: %d not in [0,%d)", ErrSlotRange, idx, f.slots))
	}
	return f.base + idx
}

// StoreWord stores a primitive value in slot idx of the active frame.
func (s *Stack) StoreWord(idx int, v int64) { s.words[s.slot(idx)] = v }

// LoadWord loads a primitive value from slot idx of the active frame.
func (s *Stack) LoadWord(idx int) int64 { return s.words[s.slot(idx)] }

// StoreRef stores a reference in slot idx of the active frame.
func (s *Stack) StoreRef(idx int, v any) { s.refs[s.slot(idx)] = v }

// LoadRef loads a reference from slot idx of the active frame.
func (s *Stack) LoadRef(idx int) any { return s.refs[s.slot(idx)] }

// Depth returns the number of recorded frames.
func (s *Stack) Depth() int { return len(s.frames) }

// Replaying reports whether saved frames remain below the active one.
func (s *Stack) Replaying() bool { return s.top < len(s.frames)-1 }

// Capacity returns the current slot capacity.
func (s *Stack) Capacity() int { return len(s.words) }

// Reset drops every frame and clears all slots, keeping capacity. Only valid
// between runs of the same fiber.
func (s *Stack) Reset() {
	clear(s.words)
	clear(s.refs)
	s.frames = s.frames[:0]
	s.top = -1
}
