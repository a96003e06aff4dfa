package localmedia

import (
	"bytes"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Format is a detected file extension (without dot) and MIME type.
type Format struct {
	Ext  string
	MIME string
}

var defaults = map[string]Format{
	"image": {Ext: "png", MIME: "image/png"},
	"audio": {Ext: "wav", MIME: "audio/wav"},
	"music": {Ext: "wav", MIME: "audio/wav"},
	"video": {Ext: "mp4", MIME: "video/mp4"},
}

var unknown = Format{Ext: "bin", MIME: "application/octet-stream"}

// Sniff detects the format of data. Audio magic numbers are checked first
// (RIFF is wav, ID3 or an MPEG frame sync is mp3); otherwise content
// sniffing decides. When nothing matches, mediaType's default applies and
// with no known media type the result is bin. Sniff never fails.
func Sniff(data []byte, mediaType string) Format {
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	switch {
	case bytes.HasPrefix(data, []byte("RIFF")) && len(data) >= 12 && string(data[8:12]) == "WAVE":
		return Format{Ext: "wav", MIME: "audio/wav"}
	case bytes.HasPrefix(data, []byte("ID3")) || bytes.HasPrefix(data, []byte{0xff, 0xfb}):
		return Format{Ext: "mp3", MIME: "audio/mpeg"}
	}
	if len(data) > 0 {
		mt := mimetype.Detect(data)
		if f, ok := fromMIME(mt, mediaType); ok {
			return f
		}
	}
	if f, ok := defaults[mediaType]; ok {
		return f
	}
	return unknown
}

func fromMIME(mt *mimetype.MIME, mediaType string) (Format, bool) {
	if mt == nil {
		return Format{}, false
	}
	mime := mt.String()
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	top, _, _ := strings.Cut(mime, "/")
	switch top {
	case "image", "audio", "video":
	case "text", "application":
		if mime == "application/json" {
			return Format{Ext: "json", MIME: mime}, true
		}
		if top == "text" && mediaType == "" {
			return Format{Ext: "txt", MIME: "text/plain"}, true
		}
		return Format{}, false
	default:
		return Format{}, false
	}
	ext := strings.TrimPrefix(mt.Extension(), ".")
	if ext == "" {
		return Format{}, false
	}
	if ext == "jpeg" {
		ext = "jpg"
	}
	return Format{Ext: ext, MIME: mime}, true
}

// ExtFromMIME maps a Content-Type header to an extension, "" when unknown.
func ExtFromMIME(contentType string) string {
	ct, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(contentType)), ";")
	if ct == "" || ct == "application/octet-stream" {
		return ""
	}
	if mt := mimetype.Lookup(ct); mt != nil {
		ext := strings.TrimPrefix(mt.Extension(), ".")
		if ext == "jpeg" {
			ext = "jpg"
		}
		return ext
	}
	return ""
}
