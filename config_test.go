package main

import (
	"testing"

	"github.com/MatthiasValvekens/visionai-capture/device"
	"github.com/efficientgo/core/testutil"
)

func TestParseUSBID(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    device.USBID
		wantErr bool
	}{
		{in: "2886", want: 0x2886},
		{in: "0x8060", want: 0x8060},
		{in: " 0X802D ", want: 0x802d},
		{in: "12345", wantErr: true},
		{in: "wio", wantErr: true},
		{in: "", wantErr: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseUSBID(tc.in)
			if tc.wantErr {
				testutil.NotOk(t, err)
				return
			}
			testutil.Ok(t, err)
			testutil.Equals(t, tc.want, got)
		})
	}
}

func TestDecodeDeviceConfig(t *testing.T) {
	for _, tc := range []struct {
		name    string
		raw     interface{}
		want    device.Config
		wantErr bool
	}{
		{
			name: "defaults",
			raw:  nil,
			want: device.DefaultConfig(),
		},
		{
			name: "hex strings",
			raw:  map[string]interface{}{"vendor": "0x1234", "product": "abcd"},
			want: device.Config{Vendor: 0x1234, Product: 0xabcd, Interface: 2, AltSetting: 0, Endpoint: 2},
		},
		{
			name: "integers",
			raw:  map[string]interface{}{"vendor": 4660, "interface": 1, "alt_setting": 1, "endpoint": 3},
			want: device.Config{Vendor: 0x1234, Product: device.DefaultProduct, Interface: 1, AltSetting: 1, Endpoint: 3},
		},
		{
			name:    "bad id",
			raw:     map[string]interface{}{"vendor": "not-hex"},
			wantErr: true,
		},
		{
			name:    "unknown key",
			raw:     map[string]interface{}{"vid": "2886"},
			wantErr: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decodeDeviceConfig(tc.raw)
			if tc.wantErr {
				testutil.NotOk(t, err)
				return
			}
			testutil.Ok(t, err)
			testutil.Equals(t, tc.want, got)
		})
	}
}
