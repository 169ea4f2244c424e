// Package speaker defines the client contract for the external
// speaker-recognition service used by the Recognize Speakers job (C9,
// spec.md §6): post the conversation's audio file plus its speaker
// segments, get back each segment labeled with a speaker id.
package speaker

import (
	"context"
	"io"
)

// SegmentInput is one span of the combined transcript to be attributed to a
// speaker.
type SegmentInput struct {
	StartS float64
	EndS   float64
	Text   string
}

// RecognizedSegment is one input segment annotated with the recognized
// speaker label and the embedding id the service stored for it.
type RecognizedSegment struct {
	StartS      float64
	EndS        float64
	Text        string
	Speaker     string
	EmbeddingID string
}

// Service recognizes speakers across a conversation's audio.
type Service interface {
	// Recognize posts audio (named filename, used only for the multipart
	// part's content type hint) and segments to the service and returns the
	// speaker-labeled result. The returned slice has the same length and
	// order as segments.
	Recognize(ctx context.Context, audio io.Reader, filename string, segments []SegmentInput) ([]RecognizedSegment, error)
}
