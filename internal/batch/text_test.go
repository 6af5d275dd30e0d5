package batch

import (
	"strings"
	"testing"

	"github.com/loqalabs/loqa-notes/internal/recording"
)

func TestComposeText(t *testing.T) {
	rec := recording.Recording{Latitude: 51.5, Longitude: -0.12}

	cases := []struct {
		name   string
		text   string
		maxLen int
		want   string
	}{
		{"transcript", "pothole on corner", 2000, "pothole on corner"},
		{"blank falls back to coordinates", "  \n", 2000, "51.5,-0.12 (no text)"},
		{"exactly at cap", strings.Repeat("a", 10), 10, strings.Repeat("a", 10)},
		{"over cap", strings.Repeat("a", 11), 10, strings.Repeat("a", 7) + "..."},
		{"cap counts runes", strings.Repeat("ß", 12), 10, strings.Repeat("ß", 7) + "..."},
		{"no cap", strings.Repeat("a", 5000), 0, strings.Repeat("a", 5000)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec.TranscriptionResult = tc.text
			if got := ComposeText(rec, tc.maxLen); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestComposeTextDefaultCap(t *testing.T) {
	rec := recording.Recording{TranscriptionResult: strings.Repeat("x", 2500)}
	got := ComposeText(rec, 2000)
	if len(got) != 2000 || !strings.HasSuffix(got, "...") {
		t.Fatalf("expected 2000 chars ending in ellipsis, got %d", len(got))
	}
}
