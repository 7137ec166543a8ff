// SPDX-License-Identifier: GPL-2.0-only

package notify

import (
	"context"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-resty/resty/v2"
)

const (
	TwilioAPIBaseURL = "https://api.twilio.com"
	twilioTimeout    = 30 * time.Second
)

type TwilioConfig struct {
	AccountSID          string
	AuthToken           string
	MessagingServiceSID string
	// BaseURL overrides TwilioAPIBaseURL.
	BaseURL string
}

type twilioMessage struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Twilio sends MMS messages through the Twilio Messages API.
type Twilio struct {
	httpClient *resty.Client
	cfg        TwilioConfig
}

func NewTwilio(cfg TwilioConfig) *Twilio {
	baseURL := TwilioAPIBaseURL
	if cfg.BaseURL != "" {
		baseURL = cfg.BaseURL
	}
	return &Twilio{
		httpClient: resty.New().
			SetDebug(false).
			SetTimeout(twilioTimeout).
			SetBaseURL(baseURL).
			SetBasicAuth(cfg.AccountSID, cfg.AuthToken).
			SetHeader("Accept", "application/json"),
		cfg: cfg,
	}
}

// Send delivers body with the media at mediaURL to the given number and
// returns the message SID.
func (t *Twilio) Send(ctx context.Context, to, body, mediaURL string) (string, error) {
	form := map[string]string{
		"To":                  to,
		"Body":                body,
		"MessagingServiceSid": t.cfg.MessagingServiceSID,
	}
	if mediaURL != "" {
		form["MediaUrl"] = mediaURL
	}

	result := &twilioMessage{}
	apiErr := &twilioError{}
	res, err := t.httpClient.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"accountSid": t.cfg.AccountSID}).
		SetFormData(form).
		SetResult(result).
		SetError(apiErr).
		Post("/2010-04-01/Accounts/{accountSid}/Messages.json")
	if _, err := handleError(res, err); err != nil {
		if apiErr.Message != "" {
			return "", errors.Wrapf(ErrNotify, "twilio error %d: %s", apiErr.Code, apiErr.Message)
		}
		return "", errors.Wrapf(ErrNotify, "%v", err)
	}
	if result.SID == "" {
		return "", errors.Wrap(ErrNotify, "response carries no message SID")
	}
	return result.SID, nil
}
