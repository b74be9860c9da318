// Package delivery transfers the bytes of an authorized file to the client.
//
// Three transports are provided: an internal redirect understood by the fronting
// reverse proxy, direct streaming from a local media root, and streaming from an
// S3-compatible bucket. All of them support GET and HEAD.
package delivery

import (
	"errors"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// ErrNotFound means the resolved file does not exist in the backing storage.
var ErrNotFound = errors.New("file not found")

// Deliverer sends the file at a validated relative path. It writes the whole
// response on success and writes nothing when it returns an error.
type Deliverer interface {
	Deliver(w http.ResponseWriter, r *http.Request, p string) error
}

// XAccel hands delivery off to the reverse proxy through X-Accel-Redirect.
type XAccel struct {
	Prefix string // internal location, e.g. /internal/media/
}

// NewXAccel returns an X-Accel deliverer for an internal location prefix.
func NewXAccel(prefix string) *XAccel {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &XAccel{Prefix: prefix}
}

// Target returns the internal redirect target of p.
func (x *XAccel) Target(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return x.Prefix + strings.Join(segs, "/")
}

func (x *XAccel) Deliver(w http.ResponseWriter, _ *http.Request, p string) error {
	h := w.Header()
	SetHeaders(h, p)
	h.Set("X-Accel-Redirect", x.Target(p))
	if KindOf(p) == KindVideo {
		h.Set("X-Accel-Buffering", "no")
	} else {
		h.Set("X-Accel-Buffering", "yes")
	}
	// the proxy supplies the body and its length
	h.Del("Content-Length")
	w.WriteHeader(http.StatusOK)
	return nil
}

// Direct streams files from a local media root. Access is confined to the root,
// symlinks included.
type Direct struct {
	root *os.Root
}

// NewDirect opens the media root.
func NewDirect(mediaRoot string) (*Direct, error) {
	root, err := os.OpenRoot(mediaRoot)
	if err != nil {
		return nil, err
	}
	return &Direct{root: root}, nil
}

func (d *Direct) Deliver(w http.ResponseWriter, r *http.Request, p string) error {
	f, err := d.root.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return ErrNotFound
	}
	SetHeaders(w.Header(), p)
	// ServeContent answers HEAD with the full Content-Length and honours Range
	http.ServeContent(w, r, "", info.ModTime(), f)
	return nil
}

// Close releases the media root.
func (d *Direct) Close() error {
	return d.root.Close()
}
