package clip

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func writeTestWAV(t *testing.T, path string, sampleRate, samples int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()

	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:   make([]int, samples),
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
}

func TestLoadWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.wav")
	writeTestWAV(t, path, 16000, 16000)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !c.IsWAV() {
		t.Fatal("expected wav format to be probed")
	}
	if c.Format.SampleRate != 16000 || c.Format.NumChannels != 1 {
		t.Fatalf("unexpected format %+v", c.Format)
	}
	if c.Duration < 990*time.Millisecond || c.Duration > 1010*time.Millisecond {
		t.Fatalf("expected 1s duration, got %s", c.Duration)
	}
	if c.Name() != "note.wav" {
		t.Fatalf("unexpected name %q", c.Name())
	}
}

func TestLoadOpaqueContainer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.m4a")
	if err := os.WriteFile(path, []byte("\x00\x00\x00\x18ftypM4A "), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.IsWAV() || len(c.Data) == 0 {
		t.Fatalf("expected opaque clip, got %+v", c)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "gone.wav"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadRejectsBrokenWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.wav")
	if err := os.WriteFile(path, []byte("definitely not riff"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid wav")
	}
}

func TestLoadEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for empty file")
	}
}
