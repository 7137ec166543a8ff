// SPDX-License-Identifier: GPL-2.0-only

package preview

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/MatthiasValvekens/visionai-capture/capture"
	"github.com/MatthiasValvekens/visionai-capture/journal"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultHistoryLimit = 20

// History lists recently written files, newest first.
type History interface {
	Recent(limit int) ([]journal.Entry, error)
}

type historyEntry struct {
	ID         int64     `json:"id"`
	Kind       string    `json:"kind"`
	Path       string    `json:"path"`
	CapturedAt time.Time `json:"captured_at"`
	Labels     []string  `json:"labels,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
}

// NewRouter wires the health, metrics, capture and preview endpoints.
// history may be nil, in which case /captures is not served.
func NewRouter(slot *capture.Slot, hub *Hub, history History, gatherer prometheus.Gatherer, logger log.Logger) *mux.Router {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/capture/latest", latestHandler(slot)).Methods(http.MethodGet, http.MethodHead)
	if hub != nil {
		r.Handle("/preview", hub).Methods(http.MethodGet)
	}
	if history != nil {
		r.HandleFunc("/captures", historyHandler(history, logger)).Methods(http.MethodGet)
	}
	return r
}

func latestHandler(slot *capture.Slot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := slot.Read()
		if !ok {
			http.Error(w, "no capture available", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", strconv.Itoa(len(c.Data)))
		w.Header().Set("Last-Modified", c.CompletedAt.UTC().Format(http.TimeFormat))
		w.Header().Set("X-Capture-Seq", strconv.FormatUint(c.Seq, 10))
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(c.Data)
	}
}

func historyHandler(history History, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultHistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		entries, err := history.Recent(limit)
		if err != nil {
			_ = level.Error(logger).Log("msg", "failed to list captures", "err", err)
			http.Error(w, "failed to list captures", http.StatusInternalServerError)
			return
		}
		out := make([]historyEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, historyEntry{
				ID:         e.ID,
				Kind:       string(e.Kind),
				Path:       e.Path,
				CapturedAt: e.CapturedAt,
				Labels:     e.Labels,
				MessageID:  e.MessageID,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			_ = level.Warn(logger).Log("msg", "failed to write capture list", "err", err)
		}
	}
}
