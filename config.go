// SPDX-License-Identifier: GPL-2.0-only

package main

// This project is GPL-2.0, but this file contains code from generic-device-plugin.
// Original license notice below.
//
// Copyright 2020 the generic-device-plugin authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/MatthiasValvekens/visionai-capture/capture"
	"github.com/MatthiasValvekens/visionai-capture/command"
	"github.com/MatthiasValvekens/visionai-capture/device"
	"github.com/MatthiasValvekens/visionai-capture/preview"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	serialPortAuto = "auto"

	// Wio Terminal
	defaultCommandVendor  = "2886"
	defaultCommandProduct = "802d"
)

// initConfig defines config flags, config file, and envs
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	envFile := flag.String("env-file", ".env", "Path to a dotenv file with secrets; ignored if missing.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", ":8080", "The address at which to listen for health, metrics and the live preview.")

	flag.Int("packet-size", capture.DefaultPacketSize, "The size of a single bulk transfer in bytes.")
	flag.Duration("transfer-timeout", capture.DefaultTransferTimeout, "How long a bulk transfer may stay outstanding.")
	flag.Duration("error-backoff", capture.DefaultErrorBackoff, "How long to wait after a failed transfer before retrying.")
	flag.Duration("preview-interval", preview.DefaultInterval, "How often the live preview checks for a new capture.")

	flag.String("serial-port", command.DefaultSerialPort, fmt.Sprintf("The serial port delivering operator commands, or %q to look it up by USB ID.", serialPortAuto))
	flag.Int("serial-baud", command.DefaultBaudRate, "The baud rate of the command serial port.")
	flag.String("command-vendor", defaultCommandVendor, "USB vendor ID of the command controller, used with --serial-port=auto.")
	flag.String("command-product", defaultCommandProduct, "USB product ID of the command controller, used with --serial-port=auto.")
	flag.Duration("command-interval", command.DefaultInterval, "How often to poll for an operator command.")

	flag.String("output-dir", ".", "The directory below which samples and detections are saved.")
	flag.String("journal", "captures.db", "Path to the SQLite capture journal; empty to disable.")
	flag.String("model", "model.eim", "Path to the Edge Impulse model runner.")
	flag.Duration("inference-timeout", command.DefaultInferenceTimeout, "How long an inference command may take from classification to notification.")
	flag.String("upload-url", "", "The image logger URL receiving detection images.")
	flag.String("recipient", "", "The phone number notified of detections.")
	flag.String("twilio.account-sid", "", "The Twilio account SID.")
	flag.String("twilio.auth-token", "", "The Twilio auth token.")
	flag.String("twilio.messaging-service-sid", "", "The Twilio messaging service SID.")
	flag.String("twilio.api-url", "", "Override for the Twilio API base URL.")

	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load %s: %w", *envFile, err)
	}

	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/visionai-capture/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

var usbIDType = reflect.TypeOf(device.USBID(0))

// parseUSBID accepts hexadecimal IDs with or without a 0x prefix, as lsusb
// prints them.
func parseUSBID(s string) (device.USBID, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	id, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid USB ID %q: %w", s, err)
	}
	return device.USBID(id), nil
}

func usbIDHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != usbIDType || from.Kind() != reflect.String {
		return data, nil
	}
	return parseUSBID(data.(string))
}

// decodeDeviceConfig overlays raw on the default device configuration.
func decodeDeviceConfig(raw interface{}) (device.Config, error) {
	cfg := device.DefaultConfig()
	if raw == nil {
		return cfg, nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &cfg,
		TagName:     "json",
		DecodeHook:  usbIDHook,
		ErrorUnused: true,
	})
	if err != nil {
		return cfg, err
	}
	if err := decoder.Decode(raw); err != nil {
		return cfg, fmt.Errorf("failed to decode device data %q: %w", raw, err)
	}
	return cfg, nil
}

func getDeviceConfig() (device.Config, error) {
	return decodeDeviceConfig(viper.Get("device"))
}

// commandSerialPort returns the configured command port, looking it up in
// sysfs when it is set to auto.
func commandSerialPort() (string, error) {
	port := viper.GetString("serial-port")
	if port != serialPortAuto {
		return port, nil
	}
	vendor, err := parseUSBID(viper.GetString("command-vendor"))
	if err != nil {
		return "", err
	}
	product, err := parseUSBID(viper.GetString("command-product"))
	if err != nil {
		return "", err
	}
	return device.FindTTY(os.DirFS(device.Sys), vendor, product)
}
