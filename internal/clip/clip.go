package clip

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrNotFound is returned when the referenced audio file does not exist.
var ErrNotFound = errors.New("audio file not found")

// Clip is the audio referenced by a recording.
type Clip struct {
	Path string
	Data []byte
	// Format and Duration are only known for WAV input.
	Format   *audio.Format
	Duration time.Duration
}

// Name is the base file name, used when uploading the clip.
func (c Clip) Name() string {
	return filepath.Base(c.Path)
}

// IsWAV reports whether the clip carried a valid RIFF/WAVE header.
func (c Clip) IsWAV() bool {
	return c.Format != nil
}

// Load reads the audio file at path. WAV files are probed for format and
// duration; other containers are returned as opaque bytes.
func Load(path string) (Clip, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Clip{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return Clip{}, fmt.Errorf("read audio %s: %w", path, err)
	}
	if len(data) == 0 {
		return Clip{}, fmt.Errorf("audio file %s is empty", path)
	}

	c := Clip{Path: path, Data: data}
	if !looksLikeWAV(path, data) {
		return c, nil
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Clip{}, fmt.Errorf("audio file %s is not a valid wav file", path)
	}
	if err := dec.FwdToPCM(); err != nil {
		return Clip{}, fmt.Errorf("probe wav %s: %w", path, err)
	}
	c.Format = dec.Format()
	if dec.AvgBytesPerSec > 0 {
		c.Duration = time.Duration(float64(dec.PCMSize) / float64(dec.AvgBytesPerSec) * float64(time.Second))
	}
	return c, nil
}

func looksLikeWAV(path string, data []byte) bool {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		return true
	}
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}
