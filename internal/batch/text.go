package batch

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/loqalabs/loqa-notes/internal/recording"
)

const ellipsis = "..."

// ComposeText builds the annotation body for rec. Blank transcripts fall back
// to the coordinates. Text longer than maxLen runes is cut to maxLen-3 runes
// followed by "...". maxLen <= 0 disables the cap.
func ComposeText(rec recording.Recording, maxLen int) string {
	text := rec.TranscriptionResult
	if strings.TrimSpace(text) == "" {
		text = fmt.Sprintf("%s (no text)", recording.FormatCoordinates(rec.Latitude, rec.Longitude))
	}
	return truncate(text, maxLen)
}

func truncate(text string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	keep := maxLen - len(ellipsis)
	if keep < 0 {
		keep = 0
	}
	runes := []rune(text)
	return string(runes[:keep]) + ellipsis
}
