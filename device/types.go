// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"strings"

	"github.com/MatthiasValvekens/visionai-capture/capture"
)

// USBID is a representation of a platform or vendor ID under the USB standard (see gousb.ID)
type USBID uint16

func (id USBID) String() string {
	return fmt.Sprintf("%04x", uint16(id))
}

const (
	// Grove Vision AI module
	DefaultVendor  USBID = 0x2886
	DefaultProduct USBID = 0x8060
)

// Description identifies one enumerated USB device.
type Description struct {
	Vendor  USBID
	Product USBID
	Bus     int
	Address int
	Path    []int
}

func (d Description) String() string {
	ports := make([]string, 0, len(d.Path))
	for _, p := range d.Path {
		ports = append(ports, fmt.Sprint(p))
	}
	bus := fmt.Sprintf("Bus %03d", d.Bus)
	if len(ports) > 0 {
		bus += "->" + strings.Join(ports, "->")
	}
	return fmt.Sprintf("ID %s:%s %s Device %d", d.Vendor, d.Product, bus, d.Address)
}

// Config selects the capture peripheral and the endpoint to read from.
type Config struct {
	// Vendor is the USB Vendor ID of the device.
	Vendor USBID `json:"vendor"`
	// Product is the USB Product ID of the device.
	Product USBID `json:"product"`
	// Interface is the interface number to claim.
	Interface int `json:"interface"`
	// AltSetting is the alternate setting of Interface.
	AltSetting int `json:"alt_setting"`
	// Endpoint is the number of the bulk IN endpoint carrying frames.
	Endpoint int `json:"endpoint"`
}

func DefaultConfig() Config {
	return Config{
		Vendor:     DefaultVendor,
		Product:    DefaultProduct,
		Interface:  2,
		AltSetting: 0,
		Endpoint:   2,
	}
}

// Matches reports whether d is the configured peripheral. Both identifiers
// must match exactly.
func (c Config) Matches(d Description) bool {
	return c.Vendor == d.Vendor && c.Product == d.Product
}

// Bus enumerates and opens attached USB devices.
type Bus interface {
	// Open calls match once for every attached device and opens those for
	// which it returns true. It may return opened devices along with an
	// error; the caller owns whatever is returned.
	Open(match func(Description) bool) ([]Peripheral, error)
	Close() error
}

// Peripheral is an opened USB device.
type Peripheral interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	// Claim claims the interface in the given alternate setting and opens
	// the bulk IN endpoint with number ep.
	Claim(intf, alt, ep int) (capture.Endpoint, error)
	// Close releases any claimed interface and closes the device.
	Close() error
}
