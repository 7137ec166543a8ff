// SPDX-License-Identifier: GPL-2.0-only

// Package preview serves the latest capture over HTTP and streams new
// captures to websocket viewers.
package preview

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/MatthiasValvekens/visionai-capture/capture"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultInterval = 200 * time.Millisecond

	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub polls the capture slot and pushes every new image to the connected
// viewers as a binary message. All writes to viewer connections happen on
// the goroutine running Run.
type Hub struct {
	slot     *capture.Slot
	interval time.Duration
	logger   log.Logger

	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex

	// metrics
	viewers   prometheus.Gauge
	framesOut prometheus.Counter
}

func NewHub(slot *capture.Slot, interval time.Duration, logger log.Logger, reg prometheus.Registerer) *Hub {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	h := &Hub{
		slot:       slot,
		interval:   interval,
		logger:     logger,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "visionai_preview_viewers",
			Help: "The number of connected preview viewers.",
		}),
		framesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "visionai_preview_frames_sent_total",
			Help: "The number of preview frames written to viewers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(h.viewers, h.framesOut)
	}
	return h
}

// Viewers returns the number of connected viewers.
func (h *Hub) Viewers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run broadcasts new captures until ctx is cancelled, then closes every
// viewer connection.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	t := time.NewTicker(h.interval)
	defer t.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return nil
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.viewers.Set(float64(len(h.clients)))
			h.mu.Unlock()
			_ = level.Debug(h.logger).Log("msg", "viewer connected", "remote", c.RemoteAddr())
			if cur, ok := h.slot.Read(); ok {
				h.send(c, cur.Data)
			}
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			h.mu.Unlock()
			_ = level.Debug(h.logger).Log("msg", "viewer disconnected", "remote", c.RemoteAddr())
		case <-t.C:
			cur, ok := h.slot.Read()
			if !ok || cur.Seq == lastSeq {
				continue
			}
			lastSeq = cur.Seq
			for _, c := range h.snapshot() {
				h.send(c, cur.Data)
			}
		case <-ping.C:
			for _, c := range h.snapshot() {
				if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					h.remove(c)
				}
			}
		}
	}
}

func (h *Hub) snapshot() []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) send(c *websocket.Conn, data []byte) {
	_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.WriteMessage(websocket.BinaryMessage, data); err != nil {
		_ = level.Debug(h.logger).Log("msg", "failed to send preview frame", "err", err)
		h.remove(c)
		return
	}
	h.framesOut.Inc()
}

func (h *Hub) remove(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		h.drop(c)
	}
}

// drop must be called with mu held.
func (h *Hub) drop(c *websocket.Conn) {
	delete(h.clients, c)
	h.viewers.Set(float64(len(h.clients)))
	_ = c.Close()
}

// ServeHTTP upgrades the request and keeps the viewer registered until the
// connection goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = level.Warn(h.logger).Log("msg", "websocket upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	select {
	case h.register <- conn:
	case <-h.done:
		_ = conn.Close()
		return
	}
	defer func() {
		select {
		case h.unregister <- conn:
		case <-h.done:
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
