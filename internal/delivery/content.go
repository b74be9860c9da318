package delivery

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".pdf":  "application/pdf",
	".vtt":  "text/vtt",
	".m3u8": "application/vnd.apple.mpegurl",
	".ts":   "video/mp2t",
}

var videoExtensions = map[string]bool{
	".mp4": true, ".avi": true, ".mkv": true, ".mov": true, ".wmv": true, ".flv": true,
	".webm": true, ".m4v": true, ".3gp": true, ".ogv": true, ".asf": true, ".rm": true,
	".rmvb": true, ".vob": true, ".mpg": true, ".mpeg": true, ".mp2": true, ".mpe": true,
	".mpv": true, ".m2v": true, ".m4p": true, ".f4v": true, ".ts": true, ".m3u8": true,
}

// ContentType returns the content type served for p.
func ContentType(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// IsVideo reports whether p is video content, including HLS playlists and segments.
func IsVideo(p string) bool {
	if strings.HasPrefix(p, "hls/") {
		return true
	}
	if videoExtensions[strings.ToLower(path.Ext(p))] {
		return true
	}
	ct := ContentType(p)
	return strings.HasPrefix(ct, "video/") || ct == "application/vnd.apple.mpegurl"
}

// Kind groups content for header policy.
type Kind int

const (
	KindOther Kind = iota
	KindImage
	KindVideo
)

// KindOf classifies p.
func KindOf(p string) Kind {
	switch {
	case IsVideo(p):
		return KindVideo
	case strings.HasPrefix(ContentType(p), "image/"):
		return KindImage
	default:
		return KindOther
	}
}

// CacheControl of successful deliveries.
const CacheControl = "private, max-age=604800"

// SetHeaders writes the delivery headers for p: content type, inline disposition,
// caching and the security header set of its kind.
func SetHeaders(h http.Header, p string) {
	h.Set("Content-Type", ContentType(p))
	h.Set("Content-Disposition", "inline")
	h.Set("Cache-Control", CacheControl)
	SetSecurityHeaders(h, KindOf(p))
}

// SetSecurityHeaders writes the security header set of a content kind.
func SetSecurityHeaders(h http.Header, k Kind) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	switch k {
	case KindVideo:
		h.Set("Content-Security-Policy", "default-src 'self'; media-src 'self'")
	case KindImage:
		h.Set("Content-Security-Policy", "default-src 'self'; img-src 'self'")
	}
}
