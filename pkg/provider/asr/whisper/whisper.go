// Package whisper provides a local whisper.cpp-backed batch ASR provider
// using the whisper.cpp Go (CGO) bindings. It implements asr.BatchProvider,
// used by the Batch Transcription Consumer (C4) and the post-conversation
// full-audio retranscription job (spec.md §4.4, §9).
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/conversalabs/conversa-core/pkg/provider/asr"
)

const defaultLanguage = "en"

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code passed to whisper.cpp for every
// Transcribe call that doesn't specify one in its StreamConfig.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// Provider implements asr.BatchProvider using a whisper.cpp model loaded
// once and shared across all Transcribe calls. Each call creates its own
// whisper.cpp context, since a context is not safe for concurrent use but
// the model is.
type Provider struct {
	model    whisperlib.Model
	language string
}

var _ asr.BatchProvider = (*Provider)(nil)

// New loads the whisper.cpp model at modelPath. The caller must call Close
// when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &Provider{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper.cpp model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe runs whisper.cpp inference over a complete PCM buffer and
// returns the concatenated segment text. pcm must be 16-bit signed
// little-endian; cfg.Channels above 1 is down-mixed to mono before
// inference.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg asr.StreamConfig) (asr.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return asr.Transcript{}, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return asr.Transcript{}, fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(lang); err != nil {
		return asr.Transcript{}, fmt.Errorf("whisper: set language %q: %w", lang, err)
	}

	samples := pcmToFloat32Mono(pcm, channels)
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return asr.Transcript{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	var segments []asr.SegmentDetail
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return asr.Transcript{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		segments = append(segments, asr.SegmentDetail{
			Start: segment.Start,
			End:   segment.End,
			Text:  text,
		})
	}

	return asr.Transcript{
		Text:     strings.Join(parts, " "),
		IsFinal:  true,
		Segments: segments,
	}, nil
}
