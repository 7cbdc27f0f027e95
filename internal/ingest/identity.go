package ingest

import (
	"strings"
	"unicode"

	"github.com/Yordanos7/telegram-collector/internal/transport"
)

// UnknownChannel is used when a source gives neither a handle nor a usable title.
const UnknownChannel = "unknown_channel"

// ChannelID derives the stable channel identifier used in the dedup key.
// Handle wins; otherwise the title lowercased with everything except letters
// and digits removed; otherwise UnknownChannel.
func ChannelID(h transport.ChannelHint) string {
	if handle := strings.TrimPrefix(strings.TrimSpace(h.Handle), "@"); handle != "" {
		return handle
	}
	var b strings.Builder
	for _, r := range h.Title {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	if b.Len() == 0 {
		return UnknownChannel
	}
	return b.String()
}
