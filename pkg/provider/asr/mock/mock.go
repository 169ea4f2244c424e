// Package mock provides test doubles for the asr package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/conversalabs/conversa-core/pkg/provider/asr"
)

// StartStreamCall records a single invocation of StreamProvider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg asr.StreamConfig
}

// StreamProvider is a mock implementation of asr.StreamProvider.
type StreamProvider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil,
	// StartStream returns a new default Session with buffered channels.
	Session asr.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

var _ asr.StreamProvider = (*StreamProvider)(nil)

func (p *StreamProvider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{
		PartialsCh: make(chan asr.Transcript, 16),
		FinalsCh:   make(chan asr.Transcript, 16),
	}, nil
}

// CallCount returns the number of recorded StartStream calls. Thread-safe.
func (p *StreamProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	Chunk []byte
}

// Session is a mock implementation of asr.SessionHandle. Callers pre-populate
// PartialsCh/FinalsCh and close them when the simulated connection ends.
type Session struct {
	mu sync.Mutex

	PartialsCh chan asr.Transcript
	FinalsCh   chan asr.Transcript

	SendAudioErr error
	CloseErr     error

	SendAudioCalls []SendAudioCall
	CloseCallCount int
}

var _ asr.SessionHandle = (*Session)(nil)

func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

func (s *Session) Partials() <-chan asr.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PartialsCh
}

func (s *Session) Finals() <-chan asr.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FinalsCh
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// BatchProvider is a mock implementation of asr.BatchProvider.
type BatchProvider struct {
	mu sync.Mutex

	Result          asr.Transcript
	Err             error
	TranscribeCalls int
}

var _ asr.BatchProvider = (*BatchProvider)(nil)

func (p *BatchProvider) Transcribe(ctx context.Context, pcm []byte, cfg asr.StreamConfig) (asr.Transcript, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls++
	return p.Result, p.Err
}

// CallCount returns the number of recorded Transcribe calls. Thread-safe.
func (p *BatchProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.TranscribeCalls
}
