package recording

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidTransition is returned when a state machine method is called from
// a status that does not allow it.
var ErrInvalidTransition = errors.New("invalid status transition")

// Recording is one captured audio note with its processing state.
type Recording struct {
	ID         string    `json:"id"`
	FilePath   string    `json:"file_path"`
	CapturedAt time.Time `json:"captured_at"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`

	TranscriptionStatus TranscriptionStatus `json:"transcription_status"`
	TranscriptionResult string              `json:"transcription_result"`
	UsedFallback        bool                `json:"used_fallback"`
	ErrorMessage        string              `json:"error_message,omitempty"`

	AnnotationStatus AnnotationStatus `json:"annotation_status"`
	AnnotationResult string           `json:"annotation_result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns a recording in its initial state.
func New(id, filePath string, capturedAt time.Time, lat, lon float64) Recording {
	return Recording{
		ID:                  id,
		FilePath:            filePath,
		CapturedAt:          capturedAt,
		Latitude:            lat,
		Longitude:           lon,
		TranscriptionStatus: TranscriptionNotStarted,
		AnnotationStatus:    AnnotationNotAttempted,
	}
}

// Filename is the base name of the audio file, or the id when no path is set.
func (r Recording) Filename() string {
	if r.FilePath == "" {
		return r.ID
	}
	return filepath.Base(r.FilePath)
}

// Validate checks the fields the capture flow is responsible for.
func (r Recording) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("recording id must not be empty")
	}
	if strings.TrimSpace(r.FilePath) == "" {
		return errors.New("recording file path must not be empty")
	}
	if err := ValidateCoordinates(r.Latitude, r.Longitude); err != nil {
		return err
	}
	if !r.TranscriptionStatus.Valid() {
		return fmt.Errorf("unknown transcription status %q", r.TranscriptionStatus)
	}
	if !r.AnnotationStatus.Valid() {
		return fmt.Errorf("unknown annotation status %q", r.AnnotationStatus)
	}
	return nil
}

// BeginTranscription starts a fresh processing attempt. Any previous result,
// including terminal ones, is discarded. A record left in PROCESSING by a
// crashed run is picked up again here as well.
func (r *Recording) BeginTranscription() error {
	r.TranscriptionStatus = TranscriptionProcessing
	r.TranscriptionResult = ""
	r.UsedFallback = false
	r.ErrorMessage = ""
	r.AnnotationStatus = AnnotationNotAttempted
	r.AnnotationResult = ""
	return nil
}

// CompleteTranscription records a successful transcription. Blank text is a
// success that flags the fallback path.
func (r *Recording) CompleteTranscription(text string) error {
	if r.TranscriptionStatus != TranscriptionProcessing {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, r.TranscriptionStatus)
	}
	r.TranscriptionStatus = TranscriptionCompleted
	if strings.TrimSpace(text) == "" {
		r.TranscriptionResult = ""
		r.UsedFallback = true
		return nil
	}
	r.TranscriptionResult = text
	r.UsedFallback = false
	return nil
}

// FailTranscription records a failed or timed out transcription.
func (r *Recording) FailTranscription(msg string) error {
	if r.TranscriptionStatus != TranscriptionProcessing {
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, r.TranscriptionStatus)
	}
	r.TranscriptionStatus = TranscriptionError
	r.ErrorMessage = msg
	return nil
}

// BeginAnnotation moves the annotation sub-flow to IN_PROGRESS. It requires a
// completed transcription.
func (r *Recording) BeginAnnotation() error {
	if r.TranscriptionStatus != TranscriptionCompleted {
		return fmt.Errorf("%w: annotate while transcription %s", ErrInvalidTransition, r.TranscriptionStatus)
	}
	if r.AnnotationStatus == AnnotationInProgress {
		return fmt.Errorf("%w: annotation already %s", ErrInvalidTransition, r.AnnotationStatus)
	}
	r.AnnotationStatus = AnnotationInProgress
	r.AnnotationResult = ""
	return nil
}

func (r *Recording) DisableAnnotation() error {
	if r.AnnotationStatus != AnnotationInProgress {
		return fmt.Errorf("%w: disable from %s", ErrInvalidTransition, r.AnnotationStatus)
	}
	r.AnnotationStatus = AnnotationDisabled
	return nil
}

func (r *Recording) CompleteAnnotation(result string) error {
	if r.AnnotationStatus != AnnotationInProgress {
		return fmt.Errorf("%w: complete annotation from %s", ErrInvalidTransition, r.AnnotationStatus)
	}
	r.AnnotationStatus = AnnotationCompleted
	r.AnnotationResult = result
	return nil
}

// FailAnnotation records a publish failure. The transcription fields are left
// untouched.
func (r *Recording) FailAnnotation(cause string) error {
	if r.AnnotationStatus != AnnotationInProgress {
		return fmt.Errorf("%w: fail annotation from %s", ErrInvalidTransition, r.AnnotationStatus)
	}
	r.AnnotationStatus = AnnotationError
	r.ErrorMessage = "annotation: " + cause
	return nil
}

// Requeue puts the recording back into the pending queue.
func (r *Recording) Requeue() {
	r.TranscriptionStatus = TranscriptionNotStarted
	r.TranscriptionResult = ""
	r.UsedFallback = false
	r.ErrorMessage = ""
	r.AnnotationStatus = AnnotationNotAttempted
	r.AnnotationResult = ""
}
