package delivery

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"encoded/1/a/clip.MP4":      "video/mp4",
		"hls/abcd/master.m3u8":      "application/vnd.apple.mpegurl",
		"hls/abcd/seg-1.ts":         "video/mp2t",
		"original/subtitles/a.vtt":  "text/vtt",
		"original/thumbnails/a.jpg": "image/jpeg",
		"other_media/doc.unknownx":  "application/octet-stream",
	}
	for p, want := range tests {
		if got := ContentType(p); got != want {
			t.Errorf("ContentType(%q) = %q, want %q", p, got, want)
		}
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		path string
		want Kind
	}{
		{"original/user/a/clip.mkv", KindVideo},
		{"hls/abcd/index", KindVideo},
		{"original/thumbnails/user/a/t.png", KindImage},
		{"encoded/1/a/preview.gif", KindImage},
		{"original/subtitles/user/a/e.vtt", KindOther},
	}
	for _, tt := range tests {
		if got := KindOf(tt.path); got != tt.want {
			t.Errorf("KindOf(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := http.Header{}
	SetHeaders(h, "encoded/1/a/clip.mp4")
	want := map[string]string{
		"Content-Type":            "video/mp4",
		"Content-Disposition":     "inline",
		"Cache-Control":           "private, max-age=604800",
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'self'; media-src 'self'",
	}
	for k, v := range want {
		if got := h.Get(k); got != v {
			t.Errorf("header %s = %q, want %q", k, got, v)
		}
	}

	h = http.Header{}
	SetHeaders(h, "original/subtitles/user/a/en.vtt")
	if got := h.Get("Content-Security-Policy"); got != "" {
		t.Errorf("non-media CSP = %q, want none", got)
	}
}

func TestXAccelDeliver(t *testing.T) {
	x := NewXAccel("/internal/media")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/media/original/user/a/my%20clip%231.mp4", nil)

	if err := x.Deliver(rec, req, "original/user/a/my clip#1.mp4"); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if got, want := rec.Header().Get("X-Accel-Redirect"), "/internal/media/original/user/a/my%20clip%231.mp4"; got != want {
		t.Errorf("X-Accel-Redirect = %q, want %q", got, want)
	}
	if got := rec.Header().Get("X-Accel-Buffering"); got != "no" {
		t.Errorf("X-Accel-Buffering for video = %q, want no", got)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body length = %d, want 0", rec.Body.Len())
	}

	rec = httptest.NewRecorder()
	_ = x.Deliver(rec, req, "original/thumbnails/user/a/t.jpg")
	if got := rec.Header().Get("X-Accel-Buffering"); got != "yes" {
		t.Errorf("X-Accel-Buffering for image = %q, want yes", got)
	}
}

func newDirect(t *testing.T) *Direct {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "original/user/a"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "original/user/a/clip.mp4"), []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := NewDirect(dir)
	if err != nil {
		t.Fatalf("NewDirect() error = %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDirectDeliver(t *testing.T) {
	d := newDirect(t)

	rec := httptest.NewRecorder()
	if err := d.Deliver(rec, httptest.NewRequest(http.MethodGet, "/media/x", nil), "original/user/a/clip.mp4"); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if rec.Body.String() != "0123456789" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "video/mp4" {
		t.Errorf("Content-Type = %q", got)
	}

	rec = httptest.NewRecorder()
	if err := d.Deliver(rec, httptest.NewRequest(http.MethodHead, "/media/x", nil), "original/user/a/clip.mp4"); err != nil {
		t.Fatalf("Deliver(HEAD) error = %v", err)
	}
	if got := rec.Header().Get("Content-Length"); got != "10" {
		t.Errorf("HEAD Content-Length = %q, want 10", got)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD body length = %d, want 0", rec.Body.Len())
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/media/x", nil)
	req.Header.Set("Range", "bytes=2-4")
	if err := d.Deliver(rec, req, "original/user/a/clip.mp4"); err != nil {
		t.Fatalf("Deliver(Range) error = %v", err)
	}
	if rec.Code != http.StatusPartialContent || rec.Body.String() != "234" {
		t.Errorf("range response = %d %q, want 206 \"234\"", rec.Code, rec.Body.String())
	}
}

func TestDirectDeliverMissing(t *testing.T) {
	d := newDirect(t)
	for _, p := range []string{"original/user/a/none.mp4", "original/user/a", "../etc/passwd"} {
		rec := httptest.NewRecorder()
		err := d.Deliver(rec, httptest.NewRequest(http.MethodGet, "/media/x", nil), p)
		if err == nil {
			t.Errorf("Deliver(%q) succeeded", p)
			continue
		}
		if len(rec.Header()) != 0 {
			t.Errorf("Deliver(%q) wrote headers on failure", p)
		}
	}
	rec := httptest.NewRecorder()
	if err := d.Deliver(rec, httptest.NewRequest(http.MethodGet, "/media/x", nil), "original/user/a/none.mp4"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Deliver(missing) error = %v, want ErrNotFound", err)
	}
}

func newFakeS3(t *testing.T) *S3 {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/media-bucket/original/user/a/clip.mp4" {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method != http.MethodHead {
				_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			}
			return
		}
		w.Header().Set("Content-Length", "5")
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = io.WriteString(w, "video")
		}
	}))
	t.Cleanup(srv.Close)

	s, err := NewS3(context.Background(), srv.URL, "us-east-1", "media-bucket", "key", "secret")
	if err != nil {
		t.Fatalf("NewS3() error = %v", err)
	}
	return s
}

func TestS3Deliver(t *testing.T) {
	s := newFakeS3(t)

	rec := httptest.NewRecorder()
	if err := s.Deliver(rec, httptest.NewRequest(http.MethodGet, "/media/x", nil), "original/user/a/clip.mp4"); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if rec.Body.String() != "video" || rec.Header().Get("Content-Type") != "video/mp4" {
		t.Errorf("response = %q %q", rec.Body.String(), rec.Header().Get("Content-Type"))
	}

	rec = httptest.NewRecorder()
	if err := s.Deliver(rec, httptest.NewRequest(http.MethodHead, "/media/x", nil), "original/user/a/clip.mp4"); err != nil {
		t.Fatalf("Deliver(HEAD) error = %v", err)
	}
	if got := rec.Header().Get("Content-Length"); got != "5" {
		t.Errorf("HEAD Content-Length = %q, want 5", got)
	}

	rec = httptest.NewRecorder()
	err := s.Deliver(rec, httptest.NewRequest(http.MethodGet, "/media/x", nil), "original/user/a/gone.mp4")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Deliver(missing) error = %v, want ErrNotFound", err)
	}
	if strings.Contains(rec.Header().Get("Content-Type"), "video") {
		t.Errorf("headers written for a missing object")
	}
}
