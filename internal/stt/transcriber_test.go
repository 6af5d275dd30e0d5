package stt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-notes/internal/clip"
	"github.com/loqalabs/loqa-notes/internal/config"
)

func TestMockTranscriber(t *testing.T) {
	res, err := NewMockTranscriber().Transcribe(context.Background(), clip.Clip{Path: "/x/a.wav", Data: []byte("1234")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "[transcript a.wav length=4]" {
		t.Fatalf("unexpected text %q", res.Text)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMockTranscriber().Transcribe(ctx, clip.Clip{}); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("exec backend tests need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-stt.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecTranscriberPassesFlags(t *testing.T) {
	script := writeScript(t, `echo "{\"text\": \"$*\", \"confidence\": 0.5}"`)
	tr, err := NewExecTranscriber(config.STTConfig{Command: script + " --fast", ModelPath: "base.en", Language: "en"})
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	res, err := tr.Transcribe(context.Background(), clip.Clip{Path: "/clips/a.wav"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	want := "--fast --audio /clips/a.wav --model base.en --language en"
	if res.Text != want || res.Confidence != 0.5 {
		t.Fatalf("got %+v, want text %q", res, want)
	}
}

func TestExecTranscriberFailure(t *testing.T) {
	script := writeScript(t, `echo "model missing" >&2; exit 3`)
	tr, err := NewExecTranscriber(config.STTConfig{Command: script})
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	_, err = tr.Transcribe(context.Background(), clip.Clip{Path: "/clips/a.wav"})
	if err == nil || !strings.Contains(err.Error(), "model missing") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestExecTranscriberBadOutput(t *testing.T) {
	script := writeScript(t, `echo not-json`)
	tr, err := NewExecTranscriber(config.STTConfig{Command: script})
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	if _, err := tr.Transcribe(context.Background(), clip.Clip{Path: "/clips/a.wav"}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestExecTranscriberEmptyCommand(t *testing.T) {
	if _, err := NewExecTranscriber(config.STTConfig{Command: "   "}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestOpenAITranscriber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"text": r.FormValue("model") + ":" + header.Filename + ":" + string(data),
		})
	}))
	defer srv.Close()

	tr, err := New(config.STTConfig{Mode: "openai", Endpoint: srv.URL + "/v1", APIKey: "sk-test", Model: "whisper-1"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := tr.Transcribe(context.Background(), clip.Clip{Path: "/clips/note.wav", Data: []byte("RIFF")})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "whisper-1:note.wav:RIFF" {
		t.Fatalf("unexpected text %q", res.Text)
	}
}

func TestOpenAITranscriberServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer srv.Close()

	tr := NewOpenAITranscriber(config.STTConfig{Endpoint: srv.URL, APIKey: "k", Model: "whisper-1"})
	if _, err := tr.Transcribe(context.Background(), clip.Clip{Path: "a.wav", Data: []byte("x")}); err == nil {
		t.Fatal("expected error from failing endpoint")
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(config.STTConfig{Mode: "carrier-pigeon"}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
