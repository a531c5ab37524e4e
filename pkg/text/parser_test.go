package text

import (
	"strings"
	"testing"
)

func TestExtractTrackID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "spotify URI",
			input: "spotify:track:4uLU6hMCjMI75M1A2tKUQC",
			want:  "4uLU6hMCjMI75M1A2tKUQC",
		},
		{
			name:  "open.spotify.com link",
			input: "https://open.spotify.com/track/4uLU6hMCjMI75M1A2tKUQC?si=abc",
			want:  "4uLU6hMCjMI75M1A2tKUQC",
		},
		{
			name:  "link without scheme",
			input: "open.spotify.com/track/4uLU6hMCjMI75M1A2tKUQC",
			want:  "4uLU6hMCjMI75M1A2tKUQC",
		},
		{
			name:  "link embedded in request text",
			input: "please play https://open.spotify.com/track/4uLU6hMCjMI75M1A2tKUQC thanks",
			want:  "4uLU6hMCjMI75M1A2tKUQC",
		},
		{
			name:  "free text",
			input: "bohemian rhapsody by queen",
			want:  "",
		},
		{
			name:  "too-short ID",
			input: "spotify:track:abc123",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractTrackID(tt.input); got != tt.want {
				t.Errorf("ExtractTrackID(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSplitTitleArtist(t *testing.T) {
	tests := []struct {
		input      string
		wantTitle  string
		wantArtist string
		wantOK     bool
	}{
		{"Bohemian Rhapsody by Queen", "Bohemian Rhapsody", "Queen", true},
		{"Gubben i lådan av Kent", "Gubben i lådan", "Kent", true},
		{"Stand By Me by Ben E. King", "Stand", "Me by Ben E. King", true}, // non-greedy split, first separator wins
		{"just a title", "", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		title, artist, ok := SplitTitleArtist(tt.input)
		if ok != tt.wantOK || title != tt.wantTitle || artist != tt.wantArtist {
			t.Errorf("SplitTitleArtist(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.input, title, artist, ok, tt.wantTitle, tt.wantArtist, tt.wantOK)
		}
	}
}

func TestNormalizeQuery(t *testing.T) {
	got := NormalizeQuery("  hello   world\n\tagain  ")
	if got != "hello world again" {
		t.Errorf("NormalizeQuery = %q, want %q", got, "hello world again")
	}
}

func TestChunkLines(t *testing.T) {
	long := strings.Repeat("x", 200)
	chunks := ChunkLines("Queue (3):", []string{long, long, long}, " | ")

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %v", len(chunks), chunks)
	}
	for i, c := range chunks {
		if len(c) > MaxChatLineLength {
			t.Errorf("chunk %d length %d exceeds limit", i, len(c))
		}
	}
	if !strings.HasPrefix(chunks[0], "Queue (3):") {
		t.Errorf("first chunk missing prefix: %q", chunks[0][:20])
	}
}

func TestChunkLinesEmpty(t *testing.T) {
	chunks := ChunkLines("", nil, " | ")
	if len(chunks) != 0 {
		t.Errorf("expected no chunks for empty input, got %v", chunks)
	}
}
