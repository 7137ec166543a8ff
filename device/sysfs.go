// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/efficientgo/core/errors"
)

const (
	Sys        = "/sys"
	sysDevices = "bus/usb/devices"
)

// readDeviceAttribute reads a single-line sysfs attribute.
func readDeviceAttribute(fsys fs.FS, sysPath string, attributeName string) (string, error) {
	content, err := fs.ReadFile(fsys, path.Join(sysPath, attributeName))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

func readUSBIDAttribute(fsys fs.FS, sysPath string, attributeName string) (USBID, error) {
	attrStr, err := readDeviceAttribute(fsys, sysPath, attributeName)
	if err != nil {
		return 0, err
	}
	var result uint16
	if _, err := fmt.Sscanf(attrStr, "%04x", &result); err != nil {
		return 0, errors.Wrapf(err, "failed to read device attribute %s", attributeName)
	}
	return USBID(result), nil
}

// FindTTY locates the serial device node exposed by the USB device with the
// given IDs, by walking the usb devices directory of a sysfs tree rooted at
// fsys. The first tty found on any of the device's interfaces wins.
func FindTTY(fsys fs.FS, vendor, product USBID) (string, error) {
	entries, err := fs.ReadDir(fsys, sysDevices)
	if err != nil {
		return "", errors.Wrap(err, "failed to list USB devices")
	}

	var busIds []string
	for _, e := range entries {
		name := e.Name()
		// interfaces are listed as <busid>:<config>.<interface>
		if strings.Contains(name, ":") || strings.HasPrefix(name, "usb") {
			continue
		}
		sysPath := path.Join(sysDevices, name)
		v, err := readUSBIDAttribute(fsys, sysPath, "idVendor")
		if err != nil {
			continue
		}
		p, err := readUSBIDAttribute(fsys, sysPath, "idProduct")
		if err != nil {
			continue
		}
		if v == vendor && p == product {
			busIds = append(busIds, name)
		}
	}
	if len(busIds) == 0 {
		return "", errors.Wrapf(ErrDeviceNotFound, "no USB device %s:%s", vendor, product)
	}
	sort.Strings(busIds)

	for _, busId := range busIds {
		for _, e := range entries {
			if !strings.HasPrefix(e.Name(), busId+":") {
				continue
			}
			ttys, err := fs.ReadDir(fsys, path.Join(sysDevices, e.Name(), "tty"))
			if err != nil || len(ttys) == 0 {
				continue
			}
			return path.Join("/dev", ttys[0].Name()), nil
		}
	}
	return "", errors.Newf("USB device %s:%s exposes no serial port", vendor, product)
}
