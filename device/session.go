// SPDX-License-Identifier: GPL-2.0-only

package device

import (
	"github.com/MatthiasValvekens/visionai-capture/capture"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ErrDeviceNotFound is returned when no attached device carries the
// configured vendor and product IDs.
var ErrDeviceNotFound = errors.New("device not found")

// Vendor request that switches the module's frame stream on and off.
const (
	controlRequestType = 0x01<<5 | 0x80 // class, device-to-host
	controlRequest     = 0x22
	controlLength      = 2048

	streamOff uint16 = 0
	streamOn  uint16 = 1
)

// Session owns the connection to the capture peripheral: the open handle,
// the claimed interface and its bulk endpoint.
type Session struct {
	bus    Bus
	cfg    Config
	logger log.Logger

	handle   Peripheral
	endpoint capture.Endpoint
}

func NewSession(bus Bus, cfg Config, logger log.Logger) *Session {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Session{
		bus:    bus,
		cfg:    cfg,
		logger: log.With(logger, "device", cfg.Vendor.String()+":"+cfg.Product.String()),
	}
}

// openFirst scans the bus once and opens the first matching device.
func (s *Session) openFirst() (Peripheral, error) {
	matched := false
	devs, err := s.bus.Open(func(d Description) bool {
		if !s.cfg.Matches(d) {
			_ = level.Debug(s.logger).Log("msg", "skipping USB device", "found", d.String())
			return false
		}
		_ = level.Info(s.logger).Log("msg", "found capture device", "found", d.String(), "skipped", matched)
		if matched {
			return false
		}
		matched = true
		return true
	})
	if err != nil {
		if len(devs) == 0 {
			return nil, errors.Wrap(err, "failed to enumerate USB devices")
		}
		// Unreadable unrelated devices do not prevent using the one found.
		_ = level.Warn(s.logger).Log("msg", "USB enumeration incomplete", "err", err)
	}
	if len(devs) == 0 {
		return nil, ErrDeviceNotFound
	}
	for _, extra := range devs[1:] {
		_ = extra.Close()
	}
	return devs[0], nil
}

func (s *Session) control(h Peripheral, value uint16) error {
	buf := make([]byte, controlLength)
	_, err := h.Control(controlRequestType, controlRequest, value, uint16(s.cfg.Interface), buf)
	return err
}

// Connect locates the device, claims the capture interface and switches the
// frame stream on. It fails with ErrDeviceNotFound if the device is not
// plugged in; the caller may retry after the operator reconnects it.
func (s *Session) Connect() error {
	if s.handle != nil {
		return nil
	}
	h, err := s.openFirst()
	if err != nil {
		return err
	}
	ep, err := h.Claim(s.cfg.Interface, s.cfg.AltSetting, s.cfg.Endpoint)
	if err != nil {
		_ = h.Close()
		return errors.Wrapf(err, "failed to claim interface %d", s.cfg.Interface)
	}
	if err := s.control(h, streamOn); err != nil {
		_ = h.Close()
		return errors.Wrap(err, "failed to start frame stream")
	}
	s.handle = h
	s.endpoint = ep
	_ = level.Info(s.logger).Log("msg", "capture device connected", "interface", s.cfg.Interface, "endpoint", s.cfg.Endpoint)
	return nil
}

// Endpoint returns the bulk IN endpoint claimed by Connect, or nil.
func (s *Session) Endpoint() capture.Endpoint {
	return s.endpoint
}

// Connected reports whether Connect succeeded and Close was not called since.
func (s *Session) Connected() bool {
	return s.handle != nil
}

func (s *Session) reset() error {
	h := s.handle
	if h == nil {
		var err error
		h, err = s.openFirst()
		if err != nil {
			return err
		}
		defer func() { _ = h.Close() }()
	}
	if err := s.control(h, streamOff); err != nil {
		return errors.Wrap(err, "reset control transfer failed")
	}
	return nil
}

// Reset switches the frame stream off so the module drops any stale state.
// It is best effort: failures are logged and reported as false.
func (s *Session) Reset() bool {
	_ = level.Info(s.logger).Log("msg", "resetting device...")
	if err := s.reset(); err != nil {
		_ = level.Warn(s.logger).Log("msg", "device reset failed; continuing", "err", err)
		return false
	}
	_ = level.Info(s.logger).Log("msg", "device has been reset")
	return true
}

// Close resets the device and releases the claimed interface.
func (s *Session) Close() error {
	if s.handle == nil {
		return nil
	}
	s.Reset()
	err := s.handle.Close()
	s.handle = nil
	s.endpoint = nil
	if err != nil {
		return errors.Wrap(err, "failed to close device")
	}
	return nil
}
