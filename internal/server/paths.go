package server

import (
	"regexp"
	"strings"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/delivery"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/resolver"
)

// invalidPath matches traversal, backslashes, NUL and control bytes.
var invalidPath = regexp.MustCompile(`\.\.|\\|\x00|[\x01-\x1f\x7f]`)

// publicPrefixes are served without authorization.
var publicPrefixes = []string{
	"userlogos/",
	"logos/",
	"favicons/",
	"social-media-icons/",
	"tinymce_media/",
	"homepage-popups/",
	"original/categories/",
	"original/topics/",
	"original/userlogos/",
}

var allowedPrefixes = func() []string {
	out := []string{
		"videos/media/",
		"videos/encoded/",
		"videos/subtitles/",
		"other_media/",
		"hls/",
		"encoded/",
		"original/",
	}
	for _, p := range publicPrefixes {
		out = append(out, p)
		if !strings.HasPrefix(p, "original/") {
			out = append(out, "original/"+p)
		}
	}
	return out
}()

// ValidPath reports whether p may be looked up at all.
func ValidPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || invalidPath.MatchString(p) {
		return false
	}
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// Class is the authorization class of a path.
type Class string

const (
	ClassPublic     Class = "public"     // fixed public directories
	ClassAssociated Class = "associated" // thumbnails, preview GIFs, subtitles
	ClassBypass     Class = "bypass"     // other non-video files
	ClassProtected  Class = "protected"  // video content
)

// Classify returns the class of a valid path. Media-associated files are checked
// before the non-video bypass: a thumbnail is not video but still needs authorization.
func Classify(p string) Class {
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(p, prefix) {
			return ClassPublic
		}
	}
	if resolver.IsMediaAssociated(p) {
		return ClassAssociated
	}
	if !delivery.IsVideo(p) {
		return ClassBypass
	}
	return ClassProtected
}

// needsAuthorization reports whether files of class c are only served after authorization.
func (c Class) needsAuthorization() bool {
	return c == ClassAssociated || c == ClassProtected
}
