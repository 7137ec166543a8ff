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
	"context"
	baseerrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MatthiasValvekens/visionai-capture/capture"
	"github.com/MatthiasValvekens/visionai-capture/command"
	"github.com/MatthiasValvekens/visionai-capture/device"
	"github.com/MatthiasValvekens/visionai-capture/frame"
	"github.com/MatthiasValvekens/visionai-capture/imaging"
	"github.com/MatthiasValvekens/visionai-capture/inference"
	"github.com/MatthiasValvekens/visionai-capture/journal"
	"github.com/MatthiasValvekens/visionai-capture/notify"
	"github.com/MatthiasValvekens/visionai-capture/preview"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var (
	availableLogLevels = strings.Join([]string{
		logLevelAll,
		logLevelDebug,
		logLevelInfo,
		logLevelWarn,
		logLevelError,
		logLevelNone,
	}, ", ")
)

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	devCfg, err := getDeviceConfig()
	if err != nil {
		return err
	}
	uploadURL := viper.GetString("upload-url")
	if uploadURL == "" {
		return fmt.Errorf("an upload URL must be specified")
	}
	recipient := viper.GetString("recipient")
	if recipient == "" {
		return fmt.Errorf("a notification recipient must be specified")
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logLevel := viper.GetString("log-level")
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bus := device.NewLibUSBBus()
	defer bus.Close()
	session := device.NewSession(bus, devCfg, log.With(logger, "component", "device"))
	// Clear whatever state a previous run left on the module.
	session.Reset()
	if err := session.Connect(); err != nil {
		if baseerrors.Is(err, device.ErrDeviceNotFound) {
			return errors.Wrapf(err, "Vision AI Module %s:%s not found; please plug it in", devCfg.Vendor, devCfg.Product)
		}
		return errors.Wrap(err, "failed to connect to the Vision AI Module")
	}
	defer func() {
		if err := session.Close(); err != nil {
			_ = level.Warn(logger).Log("msg", "failed to release capture device", "err", err)
		}
	}()

	slot := &capture.Slot{}
	pump := capture.NewPump(
		session.Endpoint(),
		frame.NewAssembler(imaging.Validate),
		slot,
		capture.PumpOptions{
			PacketSize:   viper.GetInt("packet-size"),
			Timeout:      viper.GetDuration("transfer-timeout"),
			ErrorBackoff: viper.GetDuration("error-backoff"),
		},
		log.With(logger, "component", "capture"),
		r,
	)

	portName, err := commandSerialPort()
	if err != nil {
		return errors.Wrap(err, "failed to locate command serial port")
	}
	src, err := command.OpenSerial(portName, viper.GetInt("serial-baud"), viper.GetDuration("command-interval"))
	if err != nil {
		return err
	}
	defer src.Close()

	outputDir := viper.GetString("output-dir")
	runner := inference.NewRunner(viper.GetString("model"), imaging.Preparer{}, log.With(logger, "component", "inference"))
	defer runner.Close()

	collaborators := command.Collaborators{
		Slot:       slot,
		Store:      command.NewStore(outputDir),
		Classifier: runner,
		Annotator:  imaging.Annotator{},
		Uploader:   notify.NewUploader(uploadURL, outputDir),
		Notifier: notify.NewTwilio(notify.TwilioConfig{
			AccountSID:          viper.GetString("twilio.account-sid"),
			AuthToken:           viper.GetString("twilio.auth-token"),
			MessagingServiceSID: viper.GetString("twilio.messaging-service-sid"),
			BaseURL:             viper.GetString("twilio.api-url"),
		}),
	}
	var history preview.History
	if journalPath := viper.GetString("journal"); journalPath != "" {
		j, err := journal.Open(journalPath)
		if err != nil {
			return err
		}
		defer j.Close()
		collaborators.Recorder = j
		history = j
	}
	dispatcher := command.NewDispatcher(
		collaborators,
		command.DispatcherOptions{
			Recipient:        recipient,
			Interval:         viper.GetDuration("command-interval"),
			InferenceTimeout: viper.GetDuration("inference-timeout"),
		},
		log.With(logger, "component", "command"),
		r,
	)

	hub := preview.NewHub(slot, viper.GetDuration("preview-interval"), log.With(logger, "component", "preview"), r)

	var g run.Group
	{
		// Run the HTTP server.
		router := preview.NewRouter(slot, hub, history, r, logger)
		listen := viper.GetString("listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, router); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-term:
					_ = logger.Log("msg", "caught interrupt; gracefully cleaning up; see you next time!")
					return nil
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	addContext := func(name string, fn func(ctx context.Context) error) {
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			_ = level.Info(logger).Log("msg", fmt.Sprintf("Starting the %s loop.", name))
			return fn(ctx)
		}, func(error) {
			cancel()
		})
	}
	addContext("capture", pump.Run)
	addContext("preview", hub.Run)
	addContext("command", func(ctx context.Context) error {
		return dispatcher.Run(ctx, src)
	})

	return g.Run()
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
