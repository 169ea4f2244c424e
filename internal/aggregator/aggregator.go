// Package aggregator implements the Transcription Results Aggregator
// (spec.md §4.6, component C6): a stateless reader over a session's
// transcript.results stream that merges per-chunk transcripts into a single
// session-relative view.
//
// The merge policy implements streaming supersession (spec.md §4.6, §8 S6):
// a later "final" chunk for a chunk_id replaces an earlier one for the same
// id, since the external ASR may emit multiple final messages for a span as
// it tightens its recognition. In batch mode every chunk is final and
// chunk_ids never repeat, so supersession is a no-op and chunks are simply
// concatenated in log order.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/conversalabs/conversa-core/pkg/streamlog"
	"github.com/conversalabs/conversa-core/pkg/types"
)

// maxRange bounds a single Range call; the result stream is deleted wholesale
// on conversation end (spec.md §4.1) so it never approaches the audio
// stream's ~25k retention bound, but a bound is still required of any XRANGE
// call.
const maxRange = 100000

// Aggregator reads the result stream for a session and produces combined,
// incremental, or raw views over it. It holds no per-session state of its
// own — every call re-reads from the log, which is the system of record.
// All three operations use [streamlog.Log.Range], a plain non-consuming
// read, so repeated calls (the Speech Detector Job polls get_combined every
// second) never compete with, or starve, any processing consumer group.
type Aggregator struct {
	streams streamlog.Factory
}

// New creates an Aggregator reading result streams via streams.
func New(streams streamlog.Factory) *Aggregator {
	return &Aggregator{streams: streams}
}

// GetRaw returns the raw list of chunks for sessionID in stream order.
func (a *Aggregator) GetRaw(ctx context.Context, sessionID string) ([]types.TranscriptChunk, error) {
	entries, err := a.rangeAll(ctx, sessionID, "-")
	if err != nil {
		return nil, err
	}
	return decodeChunks(entries)
}

// GetCombined implements get_combined: the merged, session-relative view.
// In streaming mode (IsFinal chunks sharing a ChunkID) only the
// latest-written chunk per ChunkID counts; in batch mode (unique ChunkIDs)
// every chunk counts. Consecutive whitespace in the combined text is
// collapsed; segment boundaries are never merged across chunks.
func (a *Aggregator) GetCombined(ctx context.Context, sessionID string) (types.CombinedTranscript, error) {
	chunks, err := a.GetRaw(ctx, sessionID)
	if err != nil {
		return types.CombinedTranscript{}, err
	}
	return combine(chunks), nil
}

// GetIncremental implements get_incremental: chunks with a stream id after
// cursor, plus the next cursor to pass on the following call. cursor = "0-0"
// (or empty) yields every chunk in the stream.
func (a *Aggregator) GetIncremental(ctx context.Context, sessionID, cursor string) ([]types.TranscriptChunk, string, error) {
	if cursor == "" {
		cursor = "0-0"
	}
	entries, err := a.rangeAll(ctx, sessionID, exclusive(cursor))
	if err != nil {
		return nil, cursor, err
	}
	chunks, err := decodeChunks(entries)
	if err != nil {
		return nil, cursor, err
	}
	next := cursor
	if len(entries) > 0 {
		next = entries[len(entries)-1].ID
	}
	return chunks, next, nil
}

func (a *Aggregator) rangeAll(ctx context.Context, sessionID, start string) ([]streamlog.Entry, error) {
	log := a.streams.Stream(streamlog.ResultStreamName(sessionID))
	entries, err := log.Range(ctx, start, "+", maxRange)
	if err != nil {
		return nil, fmt.Errorf("aggregator: range %s: %w", sessionID, err)
	}
	return entries, nil
}

// exclusive turns a Redis Streams id into the lower bound for "strictly
// after id", per the "(" prefix XRANGE supports. "0-0" already means "from
// the start" so it needs no adjustment.
func exclusive(id string) string {
	if id == "0-0" {
		return "-"
	}
	return "(" + id
}

func decodeChunks(entries []streamlog.Entry) ([]types.TranscriptChunk, error) {
	chunks := make([]types.TranscriptChunk, 0, len(entries))
	for _, e := range entries {
		c, err := types.DecodeChunk(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("aggregator: decode chunk %s: %w", e.ID, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// combine applies the supersession merge policy: keep only the latest chunk
// written for each ChunkID, then concatenate in ChunkID order. "Latest"
// means "last one seen in stream order". ChunkIDs are themselves stream ids
// ("<ms>-<seq>") of the covered entries, so "ChunkID order" compares the
// millisecond part and then the sequence part numerically (see streamIDLess).
func combine(chunks []types.TranscriptChunk) types.CombinedTranscript {
	latest := make(map[string]types.TranscriptChunk, len(chunks))
	order := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if _, seen := latest[c.ChunkID]; !seen {
			order = append(order, c.ChunkID)
		}
		latest[c.ChunkID] = c
	}
	sort.Slice(order, func(i, j int) bool { return streamIDLess(order[i], order[j]) })

	var (
		textParts []string
		words     []types.Word
		segments  []types.SpeakerSegment
		provider  string
	)
	for _, id := range order {
		c := latest[id]
		if c.Text != "" {
			textParts = append(textParts, c.Text)
		}
		words = append(words, c.Words...)
		segments = append(segments, c.Segments...)
		if provider == "" {
			provider = c.Provider
		}
	}

	return types.CombinedTranscript{
		Text:       collapseWhitespace(strings.Join(textParts, " ")),
		Words:      words,
		Segments:   segments,
		Provider:   provider,
		ChunkCount: len(order),
	}
}

// streamIDLess orders stream ids numerically: "5-9" sorts before "5-10".
func streamIDLess(a, b string) bool {
	aMs, aSeq, _ := strings.Cut(a, "-")
	bMs, bSeq, _ := strings.Cut(b, "-")
	if aMs != bMs {
		return len(aMs) < len(bMs) || (len(aMs) == len(bMs) && aMs < bMs)
	}
	return len(aSeq) < len(bSeq) || (len(aSeq) == len(bSeq) && aSeq < bSeq)
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
