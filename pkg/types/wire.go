package types

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Wire encoding for one AudioFrame as a streamlog.Log payload: a 1-byte kind
// tag, an 8-byte big-endian sequence offset, then the raw PCM payload (empty
// for the END sentinel). Frames carry their own sequence offset on the wire
// so every consumer — streaming or batch, original delivery or a redelivered
// claim — can compute the session-relative timestamp
// (offset = SequenceOffset * FrameDuration) without depending on stream
// position, which the durable log does not guarantee survives trimming.
const (
	frameKindAudio byte = 0
	frameKindEnd   byte = 1

	frameHeaderLen = 1 + 8
)

// EncodeFrame serializes f for storage in a streamlog entry.
func EncodeFrame(f AudioFrame) []byte {
	kind := frameKindAudio
	if f.End {
		kind = frameKindEnd
	}
	buf := make([]byte, frameHeaderLen+len(f.Payload))
	buf[0] = kind
	binary.BigEndian.PutUint64(buf[1:9], uint64(f.SequenceOffset))
	copy(buf[frameHeaderLen:], f.Payload)
	return buf
}

// DecodeFrame parses a payload previously produced by [EncodeFrame].
// AppendedAt is not encoded on the wire; callers set it from the log entry's
// own append time when that is known.
func DecodeFrame(payload []byte) (AudioFrame, error) {
	if len(payload) < frameHeaderLen {
		return AudioFrame{}, fmt.Errorf("types: frame payload too short (%d bytes)", len(payload))
	}
	kind := payload[0]
	offset := int64(binary.BigEndian.Uint64(payload[1:9]))
	body := payload[frameHeaderLen:]
	f := AudioFrame{SequenceOffset: offset}
	switch kind {
	case frameKindEnd:
		f.End = true
	case frameKindAudio:
		f.Payload = append([]byte(nil), body...)
	default:
		return AudioFrame{}, fmt.Errorf("types: unknown frame kind %d", kind)
	}
	return f, nil
}

// EncodeChunk serializes a TranscriptChunk for storage in the
// transcript.results.{session_id} stream. JSON, not a binary format: result
// volume is orders of magnitude lower than raw audio frames, and a readable
// wire format makes the result stream inspectable with redis-cli during
// operations — the same tradeoff spec.md §6 makes for ASR provider events.
func EncodeChunk(c TranscriptChunk) ([]byte, error) {
	return json.Marshal(c)
}

// DecodeChunk parses a payload previously produced by [EncodeChunk].
func DecodeChunk(payload []byte) (TranscriptChunk, error) {
	var c TranscriptChunk
	if err := json.Unmarshal(payload, &c); err != nil {
		return TranscriptChunk{}, fmt.Errorf("types: decode chunk: %w", err)
	}
	return c, nil
}
