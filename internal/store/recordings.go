package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-notes/internal/recording"
)

const recordingColumns = `id, file_path, captured_at, latitude, longitude,
	transcription_status, transcription_result, used_fallback, error_message,
	annotation_status, annotation_result, created_at, updated_at`

// InsertRecording adds a new recording. Status fields default to their
// initial values when left empty.
func (s *Store) InsertRecording(ctx context.Context, rec recording.Recording) (recording.Recording, error) {
	if rec.TranscriptionStatus == "" {
		rec.TranscriptionStatus = recording.TranscriptionNotStarted
	}
	if rec.AnnotationStatus == "" {
		rec.AnnotationStatus = recording.AnnotationNotAttempted
	}
	if err := rec.Validate(); err != nil {
		return recording.Recording{}, err
	}
	now := s.clock().UTC()
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = now
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now

	err := s.withTx(ctx, func(tx DBTX) error {
		if _, err := getRecording(ctx, tx, rec.ID); err == nil {
			return fmt.Errorf("recording %s: %w", rec.ID, ErrAlreadyExists)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO recordings(`+recordingColumns+`)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			recordingArgs(rec)...); err != nil {
			return fmt.Errorf("insert recording %s: %w", rec.ID, err)
		}
		return nil
	})
	if err != nil {
		return recording.Recording{}, err
	}
	return rec, nil
}

// GetRecording returns the recording with the given id or ErrNotFound.
func (s *Store) GetRecording(ctx context.Context, id string) (recording.Recording, error) {
	return getRecording(ctx, s.db, id)
}

// ListRecordings returns recordings ordered by capture time then id. An empty
// status returns every recording.
func (s *Store) ListRecordings(ctx context.Context, status recording.TranscriptionStatus) ([]recording.Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings`
	var args []any
	if status != "" {
		query += ` WHERE transcription_status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY captured_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()

	var out []recording.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recordings: %w", err)
	}
	return out, nil
}

// ListPending returns every recording whose transcription has not started.
func (s *Store) ListPending(ctx context.Context) ([]recording.Recording, error) {
	return s.ListRecordings(ctx, recording.TranscriptionNotStarted)
}

// UpdateRecording performs an atomic read-modify-write of one recording. The
// mutation runs inside a transaction; an error from fn aborts the write.
// UpdatedAt is refreshed and never moves backwards.
func (s *Store) UpdateRecording(ctx context.Context, id string, fn func(*recording.Recording) error) (recording.Recording, error) {
	var updated recording.Recording
	err := s.withTx(ctx, func(tx DBTX) error {
		rec, err := getRecording(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.ID = id
		now := s.clock().UTC()
		if !now.After(rec.UpdatedAt) {
			now = rec.UpdatedAt.Add(time.Microsecond)
		}
		rec.UpdatedAt = now

		_, err = tx.ExecContext(ctx,
			`UPDATE recordings SET
				file_path = ?, captured_at = ?, latitude = ?, longitude = ?,
				transcription_status = ?, transcription_result = ?, used_fallback = ?, error_message = ?,
				annotation_status = ?, annotation_result = ?, updated_at = ?
			 WHERE id = ?`,
			rec.FilePath, toNanos(rec.CapturedAt), rec.Latitude, rec.Longitude,
			string(rec.TranscriptionStatus), rec.TranscriptionResult, rec.UsedFallback, nullString(rec.ErrorMessage),
			string(rec.AnnotationStatus), nullString(rec.AnnotationResult), toNanos(rec.UpdatedAt),
			id)
		if err != nil {
			return fmt.Errorf("update recording %s: %w", id, err)
		}
		updated = rec
		return nil
	})
	if err != nil {
		return recording.Recording{}, err
	}
	return updated, nil
}

// Requeue resets every recording in the given transcription status back to
// NOT_STARTED and reports how many were reset.
func (s *Store) Requeue(ctx context.Context, status recording.TranscriptionStatus) (int, error) {
	recs, err := s.ListRecordings(ctx, status)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		if _, err := s.UpdateRecording(ctx, rec.ID, func(r *recording.Recording) error {
			r.Requeue()
			return nil
		}); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

func getRecording(ctx context.Context, db DBTX, id string) (recording.Recording, error) {
	row := db.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return recording.Recording{}, fmt.Errorf("recording %s: %w", id, ErrNotFound)
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecording(row rowScanner) (recording.Recording, error) {
	var (
		rec                          recording.Recording
		capturedAt, created, updated int64
		transcriptionStatus          string
		annotationStatus             string
		errorMessage                 sql.NullString
		annotationResult             sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.FilePath, &capturedAt, &rec.Latitude, &rec.Longitude,
		&transcriptionStatus, &rec.TranscriptionResult, &rec.UsedFallback, &errorMessage,
		&annotationStatus, &annotationResult, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return recording.Recording{}, err
		}
		return recording.Recording{}, fmt.Errorf("scan recording: %w", err)
	}
	rec.CapturedAt = fromNanos(capturedAt)
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(updated)
	rec.TranscriptionStatus = recording.TranscriptionStatus(strings.ToUpper(transcriptionStatus))
	rec.AnnotationStatus = recording.AnnotationStatus(strings.ToUpper(annotationStatus))
	rec.ErrorMessage = errorMessage.String
	rec.AnnotationResult = annotationResult.String
	return rec, nil
}

func recordingArgs(rec recording.Recording) []any {
	return []any{
		rec.ID, rec.FilePath, toNanos(rec.CapturedAt), rec.Latitude, rec.Longitude,
		string(rec.TranscriptionStatus), rec.TranscriptionResult, rec.UsedFallback, nullString(rec.ErrorMessage),
		string(rec.AnnotationStatus), nullString(rec.AnnotationResult), toNanos(rec.CreatedAt), toNanos(rec.UpdatedAt),
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
