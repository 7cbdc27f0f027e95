package ingest

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Yordanos7/telegram-collector/internal/transport"
)

const (
	photoExt    = "jpg"
	fallbackExt = "bin"
)

var mimeExt = map[string]string{
	"application/pdf":         "pdf",
	"application/zip":         "zip",
	"application/json":        "json",
	"application/x-tgsticker": "tgs",
	"application/ogg":         "ogg",
	"audio/mpeg":              "mp3",
	"audio/mp4":               "m4a",
	"audio/ogg":               "ogg",
	"text/plain":              "txt",
	"text/html":               "html",
	"video/mp4":               "mp4",
	"video/quicktime":         "mov",
	"video/webm":              "webm",
}

// Extension picks the stored file extension for an attachment: photos are
// always jpg; documents use the MIME type, then the declared file name,
// then a generic fallback.
func Extension(m *transport.Media) string {
	if m == nil {
		return fallbackExt
	}
	if m.Kind == transport.MediaPhoto {
		return photoExt
	}
	if ext := extFromMIME(m.MimeType); ext != "" {
		return ext
	}
	if ext := sanitizeExt(strings.TrimPrefix(filepath.Ext(m.FileName), ".")); ext != "" {
		return ext
	}
	return fallbackExt
}

func extFromMIME(raw string) string {
	mt := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if mt == "" {
		return ""
	}
	if sub, ok := strings.CutPrefix(mt, "image/"); ok {
		// image/svg+xml -> svg
		if i := strings.IndexByte(sub, '+'); i >= 0 {
			sub = sub[:i]
		}
		return sanitizeExt(sub)
	}
	return mimeExt[mt]
}

func sanitizeExt(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MediaName builds the deterministic media file name for a message.
func MediaName(channel string, messageID int64, ext string) string {
	return channel + "_" + strconv.FormatInt(messageID, 10) + "." + ext
}
