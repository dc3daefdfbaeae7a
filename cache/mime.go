package cache

import (
	"path"
	"strings"

	"github.com/h2non/filetype"
)

// DefaultMimeType is used when no MIME type can be determined.
const DefaultMimeType = "application/octet-stream"

// mimeByExtension covers the resource types commonly found in book
// packages: documents, images, fonts, audio and video.
var mimeByExtension = map[string]string{
	// Documents
	"xhtml": "application/xhtml+xml",
	"html":  "text/html",
	"htm":   "text/html",
	"css":   "text/css",
	"js":    "text/javascript",
	"mjs":   "text/javascript",
	"json":  "application/json",
	"xml":   "application/xml",
	"opf":   "application/oebps-package+xml",
	"ncx":   "application/x-dtbncx+xml",
	"smil":  "application/smil+xml",
	"txt":   "text/plain",
	"md":    "text/markdown",
	"pdf":   "application/pdf",
	"epub":  "application/epub+zip",

	// Images
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"svg":  "image/svg+xml",
	"webp": "image/webp",
	"avif": "image/avif",
	"bmp":  "image/bmp",
	"ico":  "image/x-icon",
	"tif":  "image/tiff",
	"tiff": "image/tiff",

	// Fonts
	"ttf":   "font/ttf",
	"otf":   "font/otf",
	"woff":  "font/woff",
	"woff2": "font/woff2",
	"eot":   "application/vnd.ms-fontobject",

	// Audio
	"mp3":  "audio/mpeg",
	"m4a":  "audio/mp4",
	"m4b":  "audio/mp4",
	"ogg":  "audio/ogg",
	"oga":  "audio/ogg",
	"opus": "audio/ogg",
	"wav":  "audio/wav",
	"flac": "audio/flac",
	"aac":  "audio/aac",

	// Video
	"mp4":  "video/mp4",
	"m4v":  "video/mp4",
	"webm": "video/webm",
	"ogv":  "video/ogg",
}

// MimeByExtension resolves a MIME type from the href's file extension.
func MimeByExtension(href string) (string, bool) {
	// Hrefs may carry query strings or fragments.
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(href)), ".")
	if ext == "" {
		return "", false
	}
	mime, ok := mimeByExtension[ext]
	return mime, ok
}

// DetectMime resolves a MIME type for a resource the provider did not type:
// extension table first, then content sniffing, then DefaultMimeType.
func DetectMime(href string, data []byte) string {
	if mime, ok := MimeByExtension(href); ok {
		return mime
	}
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}
	return DefaultMimeType
}
