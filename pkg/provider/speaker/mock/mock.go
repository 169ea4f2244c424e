// Package mock provides a test double for the speaker package's Service.
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/conversalabs/conversa-core/pkg/provider/speaker"
)

// RecognizeCall records one invocation of Service.Recognize.
type RecognizeCall struct {
	Filename string
	Segments []speaker.SegmentInput
}

// Service is a mock implementation of speaker.Service.
type Service struct {
	mu sync.Mutex

	// Result is returned verbatim from Recognize when Err is nil. If nil,
	// Recognize synthesizes a result by copying Speaker into every input
	// segment.
	Result  []speaker.RecognizedSegment
	Speaker string
	Err     error

	Calls []RecognizeCall
}

var _ speaker.Service = (*Service)(nil)

func (s *Service) Recognize(ctx context.Context, audio io.Reader, filename string, segments []speaker.SegmentInput) ([]speaker.RecognizedSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.Copy(io.Discard, audio)
	s.Calls = append(s.Calls, RecognizeCall{Filename: filename, Segments: segments})

	if s.Err != nil {
		return nil, s.Err
	}
	if s.Result != nil {
		return s.Result, nil
	}

	label := s.Speaker
	if label == "" {
		label = "speaker-1"
	}
	out := make([]speaker.RecognizedSegment, len(segments))
	for i, seg := range segments {
		out[i] = speaker.RecognizedSegment{
			StartS:  seg.StartS,
			EndS:    seg.EndS,
			Text:    seg.Text,
			Speaker: label,
		}
	}
	return out, nil
}

// CallCount returns the number of recorded Recognize calls. Thread-safe.
func (s *Service) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}
