// SPDX-License-Identifier: GPL-2.0-only

package inference

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	runnerStartTimeout = 10 * time.Second
	runnerDialStep     = 100 * time.Millisecond
)

// Preparer turns an encoded image into model features and the frame the
// features were computed from.
type Preparer interface {
	Prepare(img []byte, width, height, channels int) ([]float64, []byte, error)
}

// launcher starts a runner and returns a connection to it together with a
// function that stops it.
type launcher func(ctx context.Context) (net.Conn, func() error, error)

// Runner classifies images with an Edge Impulse Linux model file (.eim).
// The model process is started on first use and kept running; it is
// restarted on the next call after any protocol failure.
type Runner struct {
	launch   launcher
	preparer Preparer
	logger   log.Logger

	mu     sync.Mutex
	client *Client
	stop   func() error
	info   *ModelInfo
}

func NewRunner(modelPath string, preparer Preparer, logger log.Logger) *Runner {
	r := newRunner(nil, preparer, logger)
	r.launch = func(ctx context.Context) (net.Conn, func() error, error) {
		return launchProcess(ctx, modelPath, r.logger)
	}
	return r
}

func newRunner(launch launcher, preparer Preparer, logger log.Logger) *Runner {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Runner{
		launch:   launch,
		preparer: preparer,
		logger:   logger,
	}
}

func launchProcess(ctx context.Context, modelPath string, logger log.Logger) (net.Conn, func() error, error) {
	dir, err := os.MkdirTemp("", "eim-")
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create runner socket directory")
	}
	socket := filepath.Join(dir, "runner.sock")

	cmd := exec.Command(modelPath, socket)
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(dir)
		return nil, nil, errors.Wrapf(err, "failed to start model %s", modelPath)
	}
	stop := func() error {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return os.RemoveAll(dir)
	}

	ctx, cancel := context.WithTimeout(ctx, runnerStartTimeout)
	defer cancel()
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "unix", socket)
		if err == nil {
			return conn, stop, nil
		}
		_ = level.Debug(logger).Log("msg", "waiting for model runner socket", "socket", socket)
		select {
		case <-ctx.Done():
			_ = stop()
			return nil, nil, errors.Wrap(ctx.Err(), "model runner did not open its socket")
		case <-time.After(runnerDialStep):
		}
	}
}

func (r *Runner) ensureStarted(ctx context.Context) error {
	if r.client != nil {
		return nil
	}
	conn, stop, err := r.launch(ctx)
	if err != nil {
		return err
	}
	client := NewClient(conn)
	info, err := client.Hello(ctx)
	if err != nil {
		_ = client.Close()
		_ = stop()
		return errors.Wrap(err, "runner handshake failed")
	}
	r.client, r.stop, r.info = client, stop, info
	_ = level.Info(r.logger).Log(
		"msg", "loaded model runner",
		"owner", info.Project.Owner,
		"project", info.Project.Name,
		"input", info.Parameters.ImageInputWidth,
		"labels", len(info.Parameters.Labels),
	)
	return nil
}

func (r *Runner) shutdown() error {
	if r.client == nil {
		return nil
	}
	_ = r.client.Close()
	err := r.stop()
	r.client, r.stop, r.info = nil, nil, nil
	return err
}

// Classify runs the model on one encoded image.
func (r *Runner) Classify(ctx context.Context, img []byte) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureStarted(ctx); err != nil {
		return nil, errors.Wrapf(ErrInference, "failed to start model: %v", err)
	}
	params := r.info.Parameters
	features, frame, err := r.preparer.Prepare(img, params.ImageInputWidth, params.ImageInputHeight, params.ImageChannelCount)
	if err != nil {
		return nil, errors.Wrapf(ErrInference, "failed to prepare image: %v", err)
	}

	resp, err := r.client.Classify(ctx, features)
	if err != nil {
		_ = r.shutdown()
		return nil, errors.Wrapf(ErrInference, "classify: %v", err)
	}
	detections := resp.Detections()
	_ = level.Info(r.logger).Log(
		"msg", "classified image",
		"boxes", len(detections),
		"ms", resp.Timing.DSP+resp.Timing.Classification,
	)
	for _, d := range detections {
		_ = level.Debug(r.logger).Log("msg", "detection", "label", d.Label, "value", d.Confidence,
			"x", d.Box.X, "y", d.Box.Y, "w", d.Box.Width, "h", d.Box.Height)
	}
	return &Result{Detections: detections, Frame: frame}, nil
}

// Close stops the model process, if running.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdown()
}
