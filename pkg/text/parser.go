// Package text provides query parsing and chat text helpers for song requests.
package text

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	// MaxChatLineLength keeps replies under the Twitch 500-character message limit
	MaxChatLineLength = 450
)

var (
	trackURIRegex  = regexp.MustCompile(`spotify:track:([A-Za-z0-9]{22})`)
	trackLinkRegex = regexp.MustCompile(`(?:https?://)?open\.spotify\.com/track/([A-Za-z0-9]{22})`)
	byRegex        = regexp.MustCompile(`(?i)^(.+?)\s+(?:by|av)\s+(.+)$`)
	spaceRegex     = regexp.MustCompile(`\s+`)
)

// ExtractTrackID returns the 22-character Spotify track ID embedded in a
// track URI or open.spotify.com link, or "" if the text contains neither.
func ExtractTrackID(s string) string {
	if m := trackURIRegex.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	if m := trackLinkRegex.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return ""
}

// SplitTitleArtist splits a `"<title> by <artist>"`-shaped query into its
// parts. The Swedish "av" is accepted alongside "by". Returns ok=false when
// the query has no such shape.
func SplitTitleArtist(query string) (title, artist string, ok bool) {
	m := byRegex.FindStringSubmatch(query)
	if m == nil {
		return "", "", false
	}
	title = strings.TrimSpace(m[1])
	artist = strings.TrimSpace(m[2])
	if title == "" || artist == "" {
		return "", "", false
	}
	return title, artist, true
}

// NormalizeQuery trims, NFKC-normalizes and collapses whitespace in a raw
// chat query.
func NormalizeQuery(s string) string {
	s = strings.TrimSpace(s)
	s = norm.NFKC.String(s)
	return spaceRegex.ReplaceAllString(s, " ")
}

// ChunkLines joins lines with sep into messages no longer than
// MaxChatLineLength, starting the first message with prefix. A single
// over-long line becomes its own message rather than being split mid-line.
func ChunkLines(prefix string, lines []string, sep string) []string {
	var out []string
	buf := prefix
	for _, line := range lines {
		piece := line
		if buf != "" {
			piece = sep + line
		}
		if len(buf)+len(piece) > MaxChatLineLength {
			if buf != "" {
				out = append(out, buf)
			}
			buf = line
			continue
		}
		buf += piece
	}
	if buf != "" {
		out = append(out, buf)
	}
	return out
}
