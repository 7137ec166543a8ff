// SPDX-License-Identifier: GPL-2.0-only

package device

import (
	"context"
	baseerrors "errors"
	"time"

	"github.com/MatthiasValvekens/visionai-capture/capture"
	"github.com/efficientgo/core/errors"
	"github.com/google/gousb"
)

const controlTimeout = 1 * time.Second

type libusbBus struct {
	ctx *gousb.Context
}

// NewLibUSBBus returns a Bus backed by a fresh libusb context.
func NewLibUSBBus() Bus {
	return &libusbBus{ctx: gousb.NewContext()}
}

func (b *libusbBus) Open(match func(Description) bool) ([]Peripheral, error) {
	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return match(Description{
			Vendor:  USBID(desc.Vendor),
			Product: USBID(desc.Product),
			Bus:     desc.Bus,
			Address: desc.Address,
			Path:    desc.Path,
		})
	})
	result := make([]Peripheral, 0, len(devs))
	for _, dev := range devs {
		dev.ControlTimeout = controlTimeout
		result = append(result, &libusbPeripheral{dev: dev})
	}
	return result, err
}

func (b *libusbBus) Close() error {
	return b.ctx.Close()
}

type libusbPeripheral struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
}

func (p *libusbPeripheral) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	return p.dev.Control(rType, request, val, idx, data)
}

func (p *libusbPeripheral) Claim(intfNum, alt, epNum int) (capture.Endpoint, error) {
	if err := p.dev.SetAutoDetach(true); err != nil {
		return nil, errors.Wrap(err, "failed to enable kernel driver auto-detach")
	}
	cfgNum, err := p.dev.ActiveConfigNum()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read active configuration")
	}
	cfg, err := p.dev.Config(cfgNum)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to claim configuration %d", cfgNum)
	}
	intf, err := cfg.Interface(intfNum, alt)
	if err != nil {
		_ = cfg.Close()
		return nil, errors.Wrapf(err, "failed to claim interface %d alt %d", intfNum, alt)
	}
	ep, err := intf.InEndpoint(epNum)
	if err != nil {
		intf.Close()
		_ = cfg.Close()
		return nil, errors.Wrapf(err, "failed to open IN endpoint %d", epNum)
	}
	p.cfg = cfg
	p.intf = intf
	return &bulkEndpoint{ep: ep}, nil
}

func (p *libusbPeripheral) Close() error {
	if p.intf != nil {
		p.intf.Close()
		p.intf = nil
	}
	if p.cfg != nil {
		_ = p.cfg.Close()
		p.cfg = nil
	}
	return p.dev.Close()
}

type bulkEndpoint struct {
	ep *gousb.InEndpoint
}

// ReadContext performs one bulk read. Expired deadlines and libusb timeouts
// are reported as capture.ErrTransferTimeout.
func (e *bulkEndpoint) ReadContext(ctx context.Context, buf []byte) (int, error) {
	n, err := e.ep.ReadContext(ctx, buf)
	if err == nil {
		return n, nil
	}
	if isTimeout(ctx, err) {
		return n, capture.ErrTransferTimeout
	}
	return n, err
}

func isTimeout(ctx context.Context, err error) bool {
	if baseerrors.Is(err, gousb.TransferTimedOut) || baseerrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return baseerrors.Is(err, gousb.TransferCancelled) && baseerrors.Is(ctx.Err(), context.DeadlineExceeded)
}
