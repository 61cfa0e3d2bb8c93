// Package playback maps room names to their HLS playback location. The
// convention mirrors the media server's publish layout; nothing here talks to
// the media server itself.
package playback

import (
	"net/url"
	"strings"
)

// URL returns the HLS playlist address for a room:
// <base>/live/<room>/index.m3u8. The room name is path-escaped.
func URL(base, room string) string {
	return strings.TrimRight(base, "/") + "/live/" + url.PathEscape(room) + "/index.m3u8"
}
