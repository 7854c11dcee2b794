package continuation

import (
	"fmt"
)

// Frame is the exported form of a frame record.
type Frame struct {
	Entry int
	Slots int
}

// Snapshot is a detached copy of a stack's frames and live slots. Words and
// Refs are concatenated in frame order, so frame i owns Slots entries starting
// at the sum of the preceding frames' Slots.
type Snapshot struct {
	Frames []Frame
	Words  []int64
	Refs   []any
}

// Snapshot copies the recorded frames. The stack should not be mid-replay.
func (s *Stack) Snapshot() Snapshot {
	var snap Snapshot
	n := 0
	for _, f := range s.frames {
		snap.Frames = append(snap.Frames, Frame{Entry: f.entry, Slots: f.slots})
		n += f.slots
	}
	snap.Words = make([]int64, 0, n)
	snap.Refs = make([]any, 0, n)
	for _, f := range s.frames {
		snap.Words = append(snap.Words, s.words[f.base:f.base+f.slots]...)
		snap.Refs = append(snap.Refs, s.refs[f.base:f.base+f.slots]...)
	}
	return snap
}

// Restore replaces the stack's contents with snap and rewinds it so the next
// EnterFrame returns the root frame's saved entry point.
func (s *Stack) Restore(snap Snapshot) error {
	n := 0
	for i, f := range snap.Frames {
		if f.Entry < 0 || f.Slots < 0 || f.Slots > len(snap.Words)-n {
			return fmt.Errorf("%w: frame %d has entry %d and %d slots", ErrSlotRange, i, f.Entry, f.Slots)
		}
		n += f.Slots
	}
	if len(snap.Words) != n || len(snap.Refs) != n {
		return fmt.Errorf("%w: snapshot has %d words and %d refs for %d slots", ErrSlotRange, len(snap.Words), len(snap.Refs), n)
	}
	s.Reset()
	s.grow(n)
	base := 0
	for _, f := range snap.Frames {
		s.frames = append(s.frames, frame{entry: f.Entry, base: base, slots: f.Slots})
		base += f.Slots
	}
	copy(s.words, snap.Words)
	copy(s.refs, snap.Refs)
	s.top = -1
	return nil
}
