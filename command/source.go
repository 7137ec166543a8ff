// SPDX-License-Identifier: GPL-2.0-only

package command

import (
	"time"

	"github.com/efficientgo/core/errors"
	"go.bug.st/serial"
)

const (
	DefaultSerialPort = "/dev/ttyACM1"
	DefaultBaudRate   = 115200
)

// TokenSource yields single-byte operator commands. ReadToken waits a
// bounded time and reports false if nothing arrived.
type TokenSource interface {
	ReadToken() (byte, bool, error)
}

// portReader is the part of serial.Port a SerialSource uses. Read returns
// 0 bytes and no error when the read timeout expires.
type portReader interface {
	Read(p []byte) (int, error)
	Close() error
}

// SerialSource reads command tokens from a serial port, e.g. the Wio
// Terminal acting as the operator's remote.
type SerialSource struct {
	port portReader
	buf  [1]byte
}

func OpenSerial(name string, baudRate int, readTimeout time.Duration) (*SerialSource, error) {
	port, err := serial.Open(name, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open serial port %s", name)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, errors.Wrapf(err, "failed to set read timeout on %s", name)
	}
	return &SerialSource{port: port}, nil
}

func (s *SerialSource) ReadToken() (byte, bool, error) {
	n, err := s.port.Read(s.buf[:])
	if err != nil {
		return 0, false, errors.Wrap(err, "serial read failed")
	}
	if n == 0 {
		return 0, false, nil
	}
	return s.buf[0], true, nil
}

func (s *SerialSource) Close() error {
	return s.port.Close()
}
