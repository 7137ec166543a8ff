package notify

import (
	"context"
	baseerrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/efficientgo/core/testutil"
)

func TestUpload(t *testing.T) {
	root := t.TempDir()
	testutil.Ok(t, os.MkdirAll(filepath.Join(root, "detections"), 0o755))
	testutil.Ok(t, os.WriteFile(filepath.Join(root, "detections", "2026-10-19_10_00_00.jpg"), []byte("annotated"), 0o644))

	var gotName string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testutil.Equals(t, "/tree_disease_detection_web/", r.URL.Path)
		f, hdr, err := r.FormFile("captured_image")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		gotName = hdr.Filename
		gotBody, _ = io.ReadAll(f)
		_, _ = w.Write([]byte("FILE => Saved Successfully!\n"))
	}))
	defer srv.Close()

	u := NewUploader(srv.URL+"/tree_disease_detection_web", root)
	ack, err := u.Upload(context.Background(), "detections/2026-10-19_10_00_00.jpg")
	testutil.Ok(t, err)
	testutil.Equals(t, "FILE => Saved Successfully!", ack)
	testutil.Equals(t, "2026-10-19_10_00_00.jpg", gotName)
	testutil.Equals(t, "annotated", string(gotBody))
	testutil.Equals(t,
		srv.URL+"/tree_disease_detection_web/detections/2026-10-19_10_00_00.jpg",
		u.PublicURL("detections/2026-10-19_10_00_00.jpg"))
}

func TestUploadFailure(t *testing.T) {
	root := t.TempDir()
	testutil.Ok(t, os.WriteFile(filepath.Join(root, "a.jpg"), []byte("x"), 0o644))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	for _, tc := range []struct {
		name string
		path string
		msg  string
	}{
		{name: "server error", path: "a.jpg", msg: "returned status 500"},
		{name: "missing file", path: "missing.jpg", msg: "missing.jpg"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewUploader(srv.URL, root).Upload(context.Background(), tc.path)
			testutil.Assert(t, baseerrors.Is(err, ErrUpload), "expected upload error, got %v", err)
			testutil.Assert(t, strings.Contains(err.Error(), tc.msg), "error %q does not mention %q", err, tc.msg)
		})
	}
}

func TestTwilioSend(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testutil.Equals(t, "/2010-04-01/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		form = map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM42","status":"accepted"}`))
	}))
	defer srv.Close()

	tw := NewTwilio(TwilioConfig{AccountSID: "AC123", AuthToken: "secret", MessagingServiceSID: "MG7", BaseURL: srv.URL})
	sid, err := tw.Send(context.Background(), "+3212345678", "Detections: \nleaf_rust", "https://example.org/detections/a.jpg")
	testutil.Ok(t, err)
	testutil.Equals(t, "SM42", sid)
	testutil.Equals(t, map[string]string{
		"To":                  "+3212345678",
		"Body":                "Detections: \nleaf_rust",
		"MessagingServiceSid": "MG7",
		"MediaUrl":            "https://example.org/detections/a.jpg",
	}, form)
}

func TestTwilioError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number"}`))
	}))
	defer srv.Close()

	tw := NewTwilio(TwilioConfig{AccountSID: "AC123", AuthToken: "secret", BaseURL: srv.URL})
	_, err := tw.Send(context.Background(), "nope", "Not Detected!", "")
	testutil.Assert(t, baseerrors.Is(err, ErrNotify), "expected notify error, got %v", err)
}
