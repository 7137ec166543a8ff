// SPDX-License-Identifier: GPL-2.0-only

package capture

import (
	"context"
	baseerrors "errors"
	"math"
	"time"

	"github.com/MatthiasValvekens/visionai-capture/frame"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	DefaultPacketSize      = 2048
	DefaultTransferTimeout = 1 * time.Second
	DefaultErrorBackoff    = 500 * time.Millisecond

	maxBackoffFactor = 32
)

// ErrTransferTimeout reports a bulk read that did not complete within its
// timeout. It is transient: the next Start resubmits.
var ErrTransferTimeout = errors.New("transfer timed out")

// Endpoint is a bulk IN endpoint.
type Endpoint interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

type pumpState uint8

const (
	stateIdle pumpState = iota
	stateAwaitingCompletion
)

func (s pumpState) String() string {
	if s == stateAwaitingCompletion {
		return "awaiting-completion"
	}
	return "idle"
}

type transfer struct {
	data []byte
	err  error
}

type PumpOptions struct {
	PacketSize int
	Timeout    time.Duration
	// ErrorBackoff is how long Run waits after a transfer error that is not
	// a timeout, e.g. when the device went away. The wait doubles with every
	// consecutive failure up to 32 times the initial value. Zero selects
	// DefaultErrorBackoff.
	ErrorBackoff time.Duration
}

// Pump keeps one bulk read outstanding on the capture endpoint and feeds
// every completed transfer through the frame assembler. It owns the
// assembly state; completed images go to the slot.
type Pump struct {
	ep      Endpoint
	asm     *frame.Assembler
	slot    *Slot
	opts    PumpOptions
	logger  log.Logger
	state   pumpState
	pending <-chan transfer
	asmSt   frame.State

	// metrics
	transfersTotal *prometheus.CounterVec
	payloadsTotal  *prometheus.CounterVec
	malformedTotal prometheus.Counter
}

func NewPump(ep Endpoint, asm *frame.Assembler, slot *Slot, opts PumpOptions, logger log.Logger, reg prometheus.Registerer) *Pump {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.PacketSize <= 0 {
		opts.PacketSize = DefaultPacketSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTransferTimeout
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = DefaultErrorBackoff
	}
	p := &Pump{
		ep:     ep,
		asm:    asm,
		slot:   slot,
		opts:   opts,
		logger: logger,
		transfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visionai_transfers_total",
			Help: "The number of completed bulk transfers by status.",
		}, []string{"status"}),
		payloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visionai_payloads_total",
			Help: "The number of reassembled payloads by kind.",
		}, []string{"kind"}),
		malformedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "visionai_malformed_payloads_total",
			Help: "The number of payloads discarded because they could not be decoded.",
		}),
	}
	if reg != nil {
		reg.MustRegister(p.transfersTotal, p.payloadsTotal, p.malformedTotal)
	}
	return p
}

func (p *Pump) submit() {
	buf := make([]byte, p.opts.PacketSize)
	ch := make(chan transfer, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.Timeout)
		defer cancel()
		n, err := p.ep.ReadContext(ctx, buf)
		if err != nil && baseerrors.Is(err, context.DeadlineExceeded) {
			err = ErrTransferTimeout
		}
		ch <- transfer{data: buf[:max(n, 0)], err: err}
	}()
	p.pending = ch
	p.state = stateAwaitingCompletion
}

// drain waits for the outstanding transfer, if any, and discards it. The
// wait is bounded by the transfer timeout.
func (p *Pump) drain() {
	if p.state != stateAwaitingCompletion || p.pending == nil {
		return
	}
	t := <-p.pending
	p.pending = nil
	p.state = stateIdle
	_ = level.Debug(p.logger).Log("msg", "discarded in-flight transfer", "bytes", len(t.data), "err", t.err)
}

// Start waits for the outstanding transfer to complete, submitting one
// first if none is in flight. On success the next read is submitted before
// the received chunk is processed. On failure the pump goes idle and the
// error is returned; calling Start again retries.
func (p *Pump) Start(ctx context.Context) error {
	if p.state == stateIdle {
		p.submit()
	}

	var t transfer
	select {
	case <-ctx.Done():
		return ctx.Err()
	case t = <-p.pending:
	}

	if t.err != nil {
		p.state = stateIdle
		p.pending = nil
		if baseerrors.Is(t.err, ErrTransferTimeout) {
			p.transfersTotal.WithLabelValues("timeout").Inc()
			return t.err
		}
		p.transfersTotal.WithLabelValues("error").Inc()
		return errors.Wrap(t.err, "bulk transfer failed")
	}

	p.transfersTotal.WithLabelValues("completed").Inc()
	p.submit()
	p.process(t.data)
	return nil
}

func (p *Pump) process(chunk []byte) {
	payload, err := p.asm.Feed(&p.asmSt, chunk)
	if err != nil {
		p.malformedTotal.Inc()
		_ = level.Debug(p.logger).Log("msg", "discarded payload", "err", err)
		return
	}
	if payload == nil {
		return
	}
	p.payloadsTotal.WithLabelValues(payload.Kind.String()).Inc()
	switch payload.Kind {
	case frame.KindImage:
		p.slot.Publish(payload.Data, payload.CompletedAt)
		_ = level.Debug(p.logger).Log("msg", "image captured", "bytes", len(payload.Data))
	case frame.KindText:
		_ = level.Info(p.logger).Log("msg", "text payload received", "text", string(payload.Data))
	}
}

func (p *Pump) newBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: p.opts.ErrorBackoff,
		Factor:   2,
		Jitter:   0.1,
		Steps:    math.MaxInt32,
		Cap:      p.opts.ErrorBackoff * maxBackoffFactor,
	}
}

// Run calls Start until ctx is cancelled. Timeouts are retried at once.
// When Run returns no read is in flight on the endpoint, so it may be
// closed.
func (p *Pump) Run(ctx context.Context) error {
	defer p.drain()
	backoff := p.newBackoff()
	for ctx.Err() == nil {
		err := p.Start(ctx)
		switch {
		case err == nil:
			backoff = p.newBackoff()
		case ctx.Err() != nil:
			return nil
		case baseerrors.Is(err, ErrTransferTimeout):
			_ = level.Debug(p.logger).Log("msg", "no data from device", "err", err)
		default:
			delay := backoff.Step()
			_ = level.Warn(p.logger).Log("msg", "transfer failed; retrying", "err", err, "backoff", delay)
			if delay > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(delay):
				}
			}
		}
	}
	return nil
}
