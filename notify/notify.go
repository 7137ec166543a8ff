// SPDX-License-Identifier: GPL-2.0-only

// Package notify delivers detection results: the annotated image goes to
// the image logger web application and a message with its URL goes out
// through Twilio.
package notify

import (
	"github.com/efficientgo/core/errors"
	"github.com/go-resty/resty/v2"
)

var (
	ErrUpload = errors.New("upload failed")
	ErrNotify = errors.New("notification failed")
)

// handleError turns a response with a 4xx or 5xx status into an error;
// resty only reports transport failures itself.
func handleError(res *resty.Response, err error) (*resty.Response, error) {
	if err != nil {
		return res, err
	}
	if res.IsError() {
		return res, errors.Newf("%s %s returned status %d", res.Request.Method, res.Request.URL, res.StatusCode())
	}
	return res, nil
}
