// SPDX-License-Identifier: GPL-2.0-only

package capture

import (
	"sync/atomic"
	"time"
)

// Capture is a fully assembled image as held by the Slot.
type Capture struct {
	Data        []byte
	CompletedAt time.Time
	Seq         uint64
}

// Slot holds the most recently completed image. There is one writer (the
// capture loop) and any number of polling readers; a reader sees either
// nothing or a whole published buffer.
type Slot struct {
	current atomic.Pointer[Capture]
	seq     atomic.Uint64
}

// Publish replaces the held capture. The slot takes ownership of data.
func (s *Slot) Publish(data []byte, completedAt time.Time) {
	s.current.Store(&Capture{
		Data:        data,
		CompletedAt: completedAt,
		Seq:         s.seq.Add(1),
	})
}

// Read returns the latest capture, or false if nothing was published yet.
// Callers must not modify the returned Data.
func (s *Slot) Read() (Capture, bool) {
	c := s.current.Load()
	if c == nil {
		return Capture{}, false
	}
	return *c, true
}
