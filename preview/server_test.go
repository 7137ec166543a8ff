package preview

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MatthiasValvekens/visionai-capture/capture"
	"github.com/MatthiasValvekens/visionai-capture/journal"
	"github.com/efficientgo/core/errors"
	"github.com/efficientgo/core/testutil"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeHistory struct {
	entries []journal.Entry
	err     error
	limit   int
}

func (h *fakeHistory) Recent(limit int) ([]journal.Entry, error) {
	h.limit = limit
	return h.entries, h.err
}

func TestLatestCapture(t *testing.T) {
	slot := &capture.Slot{}
	srv := httptest.NewServer(NewRouter(slot, nil, nil, prometheus.NewRegistry(), nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/capture/latest")
	testutil.Ok(t, err)
	_ = resp.Body.Close()
	testutil.Equals(t, http.StatusNotFound, resp.StatusCode)

	slot.Publish([]byte{0xff, 0xd8, 0xff, 0xd9}, time.Unix(1700000000, 0))
	resp, err = http.Get(srv.URL + "/capture/latest")
	testutil.Ok(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	testutil.Ok(t, err)
	testutil.Equals(t, http.StatusOK, resp.StatusCode)
	testutil.Equals(t, "image/jpeg", resp.Header.Get("Content-Type"))
	testutil.Equals(t, "1", resp.Header.Get("X-Capture-Seq"))
	testutil.Equals(t, []byte{0xff, 0xd8, 0xff, 0xd9}, body)
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewHub(&capture.Slot{}, 0, nil, reg)
	srv := httptest.NewServer(NewRouter(&capture.Slot{}, nil, nil, reg, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	testutil.Ok(t, err)
	_ = resp.Body.Close()
	testutil.Equals(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	testutil.Ok(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	testutil.Ok(t, err)
	testutil.Assert(t, strings.Contains(string(body), "visionai_preview_viewers"), "metrics missing viewer gauge")
}

func TestHistory(t *testing.T) {
	for _, tc := range []struct {
		name   string
		query  string
		h      *fakeHistory
		status int
		limit  int
	}{
		{
			name:   "default limit",
			h:      &fakeHistory{entries: []journal.Entry{{ID: 2, Kind: journal.KindDetection, Path: "detections/a.jpg", Labels: []string{"leaf_rust"}}}},
			status: http.StatusOK,
			limit:  defaultHistoryLimit,
		},
		{
			name:   "explicit limit",
			query:  "?limit=3",
			h:      &fakeHistory{},
			status: http.StatusOK,
			limit:  3,
		},
		{
			name:   "bad limit",
			query:  "?limit=zero",
			h:      &fakeHistory{},
			status: http.StatusBadRequest,
		},
		{
			name:   "journal failure",
			h:      &fakeHistory{err: errors.New("database is locked")},
			status: http.StatusInternalServerError,
			limit:  defaultHistoryLimit,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(NewRouter(&capture.Slot{}, nil, tc.h, prometheus.NewRegistry(), nil))
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/captures" + tc.query)
			testutil.Ok(t, err)
			defer resp.Body.Close()
			testutil.Equals(t, tc.status, resp.StatusCode)
			testutil.Equals(t, tc.limit, tc.h.limit)
			if tc.status != http.StatusOK {
				return
			}
			var got []historyEntry
			testutil.Ok(t, json.NewDecoder(resp.Body).Decode(&got))
			testutil.Equals(t, len(tc.h.entries), len(got))
			for i, e := range tc.h.entries {
				testutil.Equals(t, e.Path, got[i].Path)
				testutil.Equals(t, string(e.Kind), got[i].Kind)
				testutil.Equals(t, e.Labels, got[i].Labels)
			}
		})
	}
}

func TestPreviewStreamsNewCaptures(t *testing.T) {
	slot := &capture.Slot{}
	slot.Publish([]byte("first"), time.Now())
	hub := NewHub(slot, 5*time.Millisecond, nil, prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- hub.Run(ctx) }()

	srv := httptest.NewServer(NewRouter(slot, hub, nil, prometheus.NewRegistry(), nil))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/preview", nil)
	testutil.Ok(t, err)
	defer conn.Close()
	testutil.Ok(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	// The current capture is sent on connect, and possibly once more by
	// the first poll.
	typ, msg, err := conn.ReadMessage()
	testutil.Ok(t, err)
	testutil.Equals(t, websocket.BinaryMessage, typ)
	testutil.Equals(t, "first", string(msg))

	slot.Publish([]byte("second"), time.Now())
	for string(msg) != "second" {
		_, msg, err = conn.ReadMessage()
		testutil.Ok(t, err)
	}

	cancel()
	testutil.Ok(t, <-done)
	_, _, err = conn.ReadMessage()
	testutil.NotOk(t, err)
}
