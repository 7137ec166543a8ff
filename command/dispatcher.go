// SPDX-License-Identifier: GPL-2.0-only

package command

import (
	"context"
	baseerrors "errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MatthiasValvekens/visionai-capture/capture"
	"github.com/MatthiasValvekens/visionai-capture/inference"
	"github.com/MatthiasValvekens/visionai-capture/journal"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	TokenSaveSample   byte = 'A'
	TokenRunInference byte = 'B'

	DefaultInterval         = 1 * time.Second
	DefaultInferenceTimeout = 30 * time.Second

	noDetections     = "Not Detected!"
	detectionsPrefix = "Detections: "
)

// ErrNoCaptureAvailable is returned when a command needs an image but the
// capture loop has not completed one yet.
var ErrNoCaptureAvailable = errors.New("no capture available")

type State int32

const (
	WaitingForCommand State = iota
	SavingSample
	RunningInference
)

func (s State) String() string {
	switch s {
	case SavingSample:
		return "saving-sample"
	case RunningInference:
		return "running-inference"
	default:
		return "waiting-for-command"
	}
}

type CaptureReader interface {
	Read() (capture.Capture, bool)
}

type Classifier interface {
	Classify(ctx context.Context, img []byte) (*inference.Result, error)
}

type Annotator interface {
	Annotate(img []byte, detections []inference.Detection) ([]byte, error)
}

type Uploader interface {
	Upload(ctx context.Context, path string) (string, error)
	PublicURL(path string) string
}

type Notifier interface {
	Send(ctx context.Context, to, body, mediaURL string) (string, error)
}

type Recorder interface {
	Record(e journal.Entry) (int64, error)
}

// Collaborators groups what the dispatcher acts on. Recorder may be nil.
type Collaborators struct {
	Slot       CaptureReader
	Store      *Store
	Classifier Classifier
	Annotator  Annotator
	Uploader   Uploader
	Notifier   Notifier
	Recorder   Recorder
}

type DispatcherOptions struct {
	// Recipient is the phone number notified of inference results.
	Recipient string
	// Interval is how often Run polls the token source.
	Interval time.Duration
	// InferenceTimeout bounds a whole 'B' command, from classification to
	// notification.
	InferenceTimeout time.Duration
}

// Dispatcher executes operator commands one at a time against the latest
// capture.
type Dispatcher struct {
	Collaborators
	opts   DispatcherOptions
	logger log.Logger
	state     atomic.Int32
	now       func() time.Time

	// metrics
	commandsTotal *prometheus.CounterVec
}

func NewDispatcher(c Collaborators, opts DispatcherOptions, logger log.Logger, reg prometheus.Registerer) *Dispatcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.InferenceTimeout <= 0 {
		opts.InferenceTimeout = DefaultInferenceTimeout
	}
	d := &Dispatcher{
		Collaborators: c,
		opts:          opts,
		logger:        logger,
		now:           time.Now,
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visionai_commands_total",
			Help: "The number of operator commands handled, by command and outcome.",
		}, []string{"command", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(d.commandsTotal)
	}
	return d
}

// State reports what the dispatcher is doing right now.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// MessageBody renders the notification text for a set of labels.
func MessageBody(labels []string) string {
	if len(labels) == 0 {
		return noDetections
	}
	var b strings.Builder
	b.WriteString(detectionsPrefix)
	for _, l := range labels {
		b.WriteString("\n")
		b.WriteString(l)
	}
	return b.String()
}

// Run polls src once per interval and dispatches every token received
// until ctx is cancelled. Command failures are logged and do not stop
// the loop.
func (d *Dispatcher) Run(ctx context.Context, src TokenSource) error {
	t := time.NewTicker(d.opts.Interval)
	defer t.Stop()
	for {
		token, ok, err := src.ReadToken()
		if err != nil {
			_ = level.Warn(d.logger).Log("msg", "failed to read command", "err", err)
		} else if ok {
			if err := d.Dispatch(ctx, token); err != nil {
				_ = level.Error(d.logger).Log("msg", "command failed", "command", string(token), "err", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Dispatch executes a single token. Unknown tokens are ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, token byte) error {
	var (
		name  string
		state State
		fn    func(context.Context, log.Logger) error
	)
	switch token {
	case TokenSaveSample:
		name, state, fn = "save", SavingSample, d.saveSample
	case TokenRunInference:
		name, state, fn = "infer", RunningInference, d.runInference
	default:
		return nil
	}

	logger := log.With(d.logger, "command", name, "command_id", uuid.NewString())
	d.state.Store(int32(state))
	defer d.state.Store(int32(WaitingForCommand))

	err := fn(ctx, logger)
	switch {
	case err == nil:
		d.commandsTotal.WithLabelValues(name, "ok").Inc()
	case baseerrors.Is(err, ErrNoCaptureAvailable):
		d.commandsTotal.WithLabelValues(name, "no_capture").Inc()
	default:
		d.commandsTotal.WithLabelValues(name, "error").Inc()
	}
	return err
}

// SaveSample writes the latest capture unchanged.
func (d *Dispatcher) SaveSample(ctx context.Context) error {
	return d.Dispatch(ctx, TokenSaveSample)
}

// RunInference classifies the latest capture and reports the result.
func (d *Dispatcher) RunInference(ctx context.Context) error {
	return d.Dispatch(ctx, TokenRunInference)
}

func (d *Dispatcher) latest() (capture.Capture, error) {
	c, ok := d.Slot.Read()
	if !ok {
		return capture.Capture{}, ErrNoCaptureAvailable
	}
	return c, nil
}

func (d *Dispatcher) record(logger log.Logger, e journal.Entry) {
	if d.Recorder == nil {
		return
	}
	if _, err := d.Recorder.Record(e); err != nil {
		_ = level.Warn(logger).Log("msg", "failed to journal capture", "path", e.Path, "err", err)
	}
}

func (d *Dispatcher) saveSample(_ context.Context, logger log.Logger) error {
	c, err := d.latest()
	if err != nil {
		return err
	}
	path, err := d.Store.SaveSample(c.Data, d.now())
	if err != nil {
		return err
	}
	_ = level.Info(logger).Log("msg", "saved sample", "path", path, "bytes", len(c.Data))
	d.record(logger, journal.Entry{Kind: journal.KindSample, Path: path, CapturedAt: c.CompletedAt})
	return nil
}

func (d *Dispatcher) runInference(ctx context.Context, logger log.Logger) error {
	c, err := d.latest()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.InferenceTimeout)
	defer cancel()

	res, err := d.Classifier.Classify(ctx, c.Data)
	if err != nil {
		return err
	}
	annotated, err := d.Annotator.Annotate(res.Frame, res.Detections)
	if err != nil {
		return errors.Wrapf(inference.ErrInference, "failed to annotate frame: %v", err)
	}
	result := inference.DetectionResult{Detections: res.Detections, Image: annotated}

	path, err := d.Store.SaveDetection(result.Image, d.now())
	if err != nil {
		return err
	}
	_ = level.Info(logger).Log("msg", "saved detection", "path", path, "detections", len(result.Detections))

	ack, err := d.Uploader.Upload(ctx, path)
	if err != nil {
		return err
	}
	_ = level.Info(logger).Log("msg", "image uploaded", "path", path, "server", ack)

	mediaURL := d.Uploader.PublicURL(path)
	labels := result.Labels()
	sid, err := d.Notifier.Send(ctx, d.opts.Recipient, MessageBody(labels), mediaURL)
	if err != nil {
		return err
	}
	_ = level.Info(logger).Log("msg", "notification sent", "message_id", sid, "media_url", mediaURL)

	d.record(logger, journal.Entry{
		Kind:       journal.KindDetection,
		Path:       path,
		CapturedAt: c.CompletedAt,
		Labels:     labels,
		MessageID:  sid,
	})
	return nil
}
