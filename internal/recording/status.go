package recording

// TranscriptionStatus tracks the speech-to-text sub-flow of a recording.
type TranscriptionStatus string

const (
	TranscriptionNotStarted TranscriptionStatus = "NOT_STARTED"
	TranscriptionProcessing TranscriptionStatus = "PROCESSING"
	TranscriptionCompleted  TranscriptionStatus = "COMPLETED"
	TranscriptionError      TranscriptionStatus = "ERROR"
	// Legacy terminal variants. They are accepted when read back from storage
	// but the batch pipeline never writes them.
	TranscriptionFallback TranscriptionStatus = "FALLBACK"
	TranscriptionDisabled TranscriptionStatus = "DISABLED"
)

// Valid reports whether s is a known status.
func (s TranscriptionStatus) Valid() bool {
	switch s {
	case TranscriptionNotStarted, TranscriptionProcessing, TranscriptionCompleted,
		TranscriptionError, TranscriptionFallback, TranscriptionDisabled:
		return true
	}
	return false
}

// Terminal reports whether s ends the transcription sub-flow.
func (s TranscriptionStatus) Terminal() bool {
	switch s {
	case TranscriptionCompleted, TranscriptionError, TranscriptionFallback, TranscriptionDisabled:
		return true
	}
	return false
}

// AnnotationStatus tracks the map-note publishing sub-flow of a recording.
type AnnotationStatus string

const (
	AnnotationNotAttempted AnnotationStatus = "NOT_ATTEMPTED"
	AnnotationInProgress   AnnotationStatus = "IN_PROGRESS"
	AnnotationCompleted    AnnotationStatus = "COMPLETED"
	AnnotationError        AnnotationStatus = "ERROR"
	AnnotationDisabled     AnnotationStatus = "DISABLED"
)

func (s AnnotationStatus) Valid() bool {
	switch s {
	case AnnotationNotAttempted, AnnotationInProgress, AnnotationCompleted,
		AnnotationError, AnnotationDisabled:
		return true
	}
	return false
}

func (s AnnotationStatus) Terminal() bool {
	switch s {
	case AnnotationCompleted, AnnotationError, AnnotationDisabled:
		return true
	}
	return false
}
