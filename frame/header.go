// SPDX-License-Identifier: GPL-2.0-only

package frame

import (
	"bytes"
	"encoding/binary"
)

const (
	// ImageMagic marks the header of a JPEG payload.
	ImageMagic uint32 = 0x2B2D2B2D
	// TextMagic marks the header of a text payload.
	TextMagic uint32 = 0x0F100E12

	// HeaderSize is the exact length of a header chunk.
	HeaderSize = 8
)

type Kind uint8

const (
	KindImage Kind = iota
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// Header is the 8-byte big-endian structure that opens every payload.
type Header struct {
	Magic  uint32
	Length uint32
}

// Kind reports the payload kind announced by the header magic.
// The second return value is false if the magic is not reserved.
func (h Header) Kind() (Kind, bool) {
	switch h.Magic {
	case ImageMagic:
		return KindImage, true
	case TextMagic:
		return KindText, true
	default:
		return 0, false
	}
}

// ParseHeader interprets chunk as a header. Only chunks of exactly
// HeaderSize bytes carrying one of the two magic values qualify; anything
// else is payload data.
func ParseHeader(chunk []byte) (Header, bool) {
	if len(chunk) != HeaderSize {
		return Header{}, false
	}
	var hdr Header
	if err := binary.Read(bytes.NewReader(chunk), binary.BigEndian, &hdr); err != nil {
		return Header{}, false
	}
	if _, ok := hdr.Kind(); !ok {
		return Header{}, false
	}
	return hdr, true
}

// Bytes encodes the header in wire format.
func (h Header) Bytes() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint32(buf[4:8], h.Length)
	return buf
}
