// SPDX-License-Identifier: GPL-2.0-only

package inference

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/efficientgo/core/errors"
)

type Project struct {
	ID    int    `json:"id"`
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

type ModelParameters struct {
	ImageInputWidth   int      `json:"image_input_width"`
	ImageInputHeight  int      `json:"image_input_height"`
	ImageChannelCount int      `json:"image_channel_count"`
	Labels            []string `json:"labels"`
	ModelType         string   `json:"model_type"`
}

type ModelInfo struct {
	Project    Project         `json:"project"`
	Parameters ModelParameters `json:"model_parameters"`
}

type Timing struct {
	DSP            int `json:"dsp"`
	Classification int `json:"classification"`
}

type rawBox struct {
	Label  string  `json:"label"`
	Value  float64 `json:"value"`
	X      int     `json:"x"`
	Y      int     `json:"y"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
}

type ClassifyResponse struct {
	Result struct {
		BoundingBoxes  []rawBox           `json:"bounding_boxes"`
		Classification map[string]float64 `json:"classification"`
	} `json:"result"`
	Timing Timing `json:"timing"`
}

// Detections converts the bounding boxes of the response.
func (r *ClassifyResponse) Detections() []Detection {
	out := make([]Detection, 0, len(r.Result.BoundingBoxes))
	for _, bb := range r.Result.BoundingBoxes {
		out = append(out, Detection{
			Label:      bb.Label,
			Confidence: bb.Value,
			Box:        BoundingBox{X: bb.X, Y: bb.Y, Width: bb.Width, Height: bb.Height},
		})
	}
	return out
}

type response struct {
	ID      int    `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error"`
	ModelInfo
	ClassifyResponse
}

// Client speaks the Edge Impulse Linux runner protocol: one JSON request
// per call, answered by one NUL-terminated JSON response.
type Client struct {
	conn   net.Conn
	r      *bufio.Reader
	nextID int
}

func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, r: bufio.NewReader(conn)}
}

func (c *Client) roundTrip(ctx context.Context, req map[string]any) (_ *response, err error) {
	c.nextID++
	req["id"] = c.nextID

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "failed to set runner deadline")
	}
	// Cancellation expires the deadline so blocked reads and writes return.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer func() {
		if !stop() && err != nil && ctx.Err() != nil {
			err = ctx.Err()
		}
	}()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode runner request")
	}
	if _, err := c.conn.Write(body); err != nil {
		return nil, errors.Wrap(err, "failed to write runner request")
	}

	data, err := c.r.ReadBytes(0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read runner response")
	}
	resp := &response{}
	if err := json.Unmarshal(data[:len(data)-1], resp); err != nil {
		return nil, errors.Wrap(err, "failed to decode runner response")
	}
	if !resp.Success {
		return nil, errors.Newf("runner error: %s", resp.Error)
	}
	return resp, nil
}

// Hello performs the handshake and returns the model description.
func (c *Client) Hello(ctx context.Context) (*ModelInfo, error) {
	resp, err := c.roundTrip(ctx, map[string]any{"hello": 1})
	if err != nil {
		return nil, err
	}
	return &resp.ModelInfo, nil
}

// Classify runs the model on raw features.
func (c *Client) Classify(ctx context.Context, features []float64) (*ClassifyResponse, error) {
	resp, err := c.roundTrip(ctx, map[string]any{"classify": features})
	if err != nil {
		return nil, err
	}
	return &resp.ClassifyResponse, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
