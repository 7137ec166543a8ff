// SPDX-License-Identifier: GPL-2.0-only

package notify

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-resty/resty/v2"
)

const (
	uploadField   = "captured_image"
	uploadTimeout = 30 * time.Second
)

// Uploader posts files to the image logger as multipart form content.
// Uploaded files are then served under the same base URL.
type Uploader struct {
	httpClient *resty.Client
	baseURL    string
	root       string
}

// NewUploader returns an uploader posting to baseURL. Paths passed to
// Upload are resolved against root.
func NewUploader(baseURL string, root string) *Uploader {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Uploader{
		httpClient: resty.New().SetDebug(false).SetTimeout(uploadTimeout),
		baseURL:    baseURL,
		root:       root,
	}
}

// Upload sends the file at path and returns the server's acknowledgment.
func (u *Uploader) Upload(ctx context.Context, path string) (string, error) {
	res, err := handleError(u.httpClient.R().
		SetContext(ctx).
		SetFile(uploadField, filepath.Join(u.root, filepath.FromSlash(path))).
		Post(u.baseURL))
	if err != nil {
		return "", errors.Wrapf(ErrUpload, "%s: %v", path, err)
	}
	return strings.TrimSpace(res.String()), nil
}

// PublicURL returns the URL at which an uploaded path is served.
func (u *Uploader) PublicURL(path string) string {
	return u.baseURL + strings.TrimPrefix(filepath.ToSlash(path), "/")
}
