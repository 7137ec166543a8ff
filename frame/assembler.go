// SPDX-License-Identifier: GPL-2.0-only

package frame

import (
	"time"

	"github.com/efficientgo/core/errors"
)

// ErrMalformedPayload is returned when a completed payload is discarded,
// either because it failed validation or because more data arrived than
// its header declared. The assembler is reset in both cases.
var ErrMalformedPayload = errors.New("malformed payload")

// maxPrealloc bounds the buffer reserved up front for a declared length,
// since the length field is untrusted.
const maxPrealloc = 256 << 10

// State is the working state of one assembly stream. It is owned by a
// single goroutine and handed to Assembler.Feed by pointer.
type State struct {
	Kind     Kind
	Expected uint32
	Buf      []byte
}

// Reset clears the state so the next header starts a fresh payload.
func (s *State) Reset() {
	s.Kind = KindImage
	s.Expected = 0
	s.Buf = nil
}

// Idle reports whether the state holds no payload in progress.
func (s *State) Idle() bool {
	return s.Expected == 0 && len(s.Buf) == 0
}

// Payload is one reassembled unit.
type Payload struct {
	Kind        Kind
	Data        []byte
	CompletedAt time.Time
}

// Validator checks a completed image payload, e.g. by decoding it.
type Validator func(data []byte) error

type Assembler struct {
	validate Validator
	now      func() time.Time
}

// NewAssembler returns an assembler that runs validate on every completed
// image payload. A nil validator accepts everything.
func NewAssembler(validate Validator) *Assembler {
	return &Assembler{
		validate: validate,
		now:      time.Now,
	}
}

// Feed processes one chunk against st. It returns a payload when the chunk
// completes one, and ErrMalformedPayload when a completed (or overflowing)
// payload had to be dropped.
func (a *Assembler) Feed(st *State, chunk []byte) (*Payload, error) {
	if hdr, ok := ParseHeader(chunk); ok {
		kind, _ := hdr.Kind()
		st.Kind = kind
		st.Expected = hdr.Length
		st.Buf = make([]byte, 0, min(hdr.Length, maxPrealloc))
		return nil, nil
	}

	st.Buf = append(st.Buf, chunk...)
	if st.Expected == 0 {
		// no header seen yet; wait for one to resynchronize
		return nil, nil
	}

	got := uint32(len(st.Buf))
	switch {
	case got < st.Expected:
		return nil, nil
	case got > st.Expected:
		expected := st.Expected
		st.Reset()
		return nil, errors.Wrapf(ErrMalformedPayload, "received %d bytes, header declared %d", got, expected)
	}

	p := &Payload{
		Kind:        st.Kind,
		Data:        st.Buf,
		CompletedAt: a.now(),
	}
	st.Reset()

	if p.Kind == KindImage && a.validate != nil {
		if err := a.validate(p.Data); err != nil {
			return nil, errors.Wrapf(ErrMalformedPayload, "image rejected: %v", err)
		}
	}
	return p, nil
}
