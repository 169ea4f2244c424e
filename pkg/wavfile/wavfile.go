// Package wavfile writes the per-conversation audio files the Persistence
// Consumer produces (spec.md §4.5, §6): 16-bit/mono PCM WAV files named
// "{epoch_ms}_{client_id}_{conversation_id}.wav", with the RIFF header's
// placeholder sizes rewritten once the file is closed.
//
// A process crash mid-file leaves a WAV with correct audio data but a stale
// (zero or under-counted) header, since [*wav.Encoder] only fixes up the
// RIFF/data chunk sizes in Close. [RepairHeader] recomputes both from the
// file's actual size so a restarted persistence worker can make an
// in-progress file valid without touching the audio bytes (spec.md §4.5:
// "recovery is a scan that rewrites headers from file size (recoverable,
// idempotent)").
package wavfile

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	// BitDepth is the canonical sample width spec.md §3 requires.
	BitDepth = 16
	// Channels is the canonical channel count spec.md §3 requires (mono).
	Channels = 1
	// wavFormatPCM is the RIFF "fmt " AudioFormat tag for uncompressed PCM.
	wavFormatPCM = 1

	// headerSize is the byte length of a standard 44-byte PCM WAV header
	// (RIFF/WAVE/fmt /data, no extra chunks) — what go-audio/wav's encoder
	// writes for this configuration.
	headerSize = 44
)

// FileName returns the conversation audio file name spec.md §6 specifies:
// "{epoch_ms}_{client_id}_{conversation_id}.wav".
func FileName(appendedAtMs int64, clientID, conversationID string) string {
	return fmt.Sprintf("%d_%s_%s.wav", appendedAtMs, clientID, conversationID)
}

// OrphanFileName returns the name for audio written before a conversation's
// Current-Conversation Pointer was observed (spec.md §4.5 step 3): frames
// are written to a "pending-{session_id}"-suffixed file, relinked on the
// next rotation.
func OrphanFileName(appendedAtMs int64, clientID, sessionID string) string {
	return fmt.Sprintf("%d_%s_pending-%s.wav", appendedAtMs, clientID, sessionID)
}

// Writer appends raw 16-bit/mono PCM to one WAV file, opened once and closed
// once the owning conversation's rotation or END sentinel says it is done.
// Not safe for concurrent use — the Persistence Consumer owns one Writer per
// session exclusively (spec.md §5: "WAV files are owned exclusively by the
// persistence worker for the session").
type Writer struct {
	path string
	f    *os.File
	enc  *wav.Encoder
}

// Create opens path for writing and begins a new WAV stream at sampleRate.
func Create(path string, sampleRate int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: create %s: %w", path, err)
	}
	enc := wav.NewEncoder(f, sampleRate, BitDepth, Channels, wavFormatPCM)
	return &Writer{path: path, f: f, enc: enc}, nil
}

// Path returns the file path this Writer was created with.
func (w *Writer) Path() string { return w.path }

// Rename moves the underlying file to newPath and updates Path accordingly.
// The open file descriptor keeps referencing the same inode across the
// rename, so writes already in flight and any subsequent WritePCM/Close call
// are unaffected — only the name on disk (and the path this Writer reports)
// changes. Used to re-link an orphan file (spec.md §4.5 step 3: audio
// written before a Current-Conversation Pointer was observed) into the
// proper conversation filename once rotation discovers it.
func (w *Writer) Rename(newPath string) error {
	if err := os.Rename(w.path, newPath); err != nil {
		return fmt.Errorf("wavfile: rename %s -> %s: %w", w.path, newPath, err)
	}
	w.path = newPath
	return nil
}

// WritePCM appends raw little-endian 16-bit PCM samples to the file.
func (w *Writer) WritePCM(pcm []byte) error {
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: Channels, SampleRate: w.enc.SampleRate},
		Data:           bytesToInt16Samples(pcm),
		SourceBitDepth: BitDepth,
	}
	if err := w.enc.Write(buf); err != nil {
		return fmt.Errorf("wavfile: write %s: %w", w.path, err)
	}
	return nil
}

// Sync flushes written data durably to disk. The Persistence Consumer calls
// this at each read batch boundary before acking (spec.md §4.5 step 4:
// "Ack the entry only after the write is durable (fsync at batch
// boundary)").
func (w *Writer) Sync() error {
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("wavfile: sync %s: %w", w.path, err)
	}
	return nil
}

// Close rewrites the RIFF/data chunk sizes from the bytes actually written
// and closes the underlying file. Safe to call once; a clean close never
// needs [RepairHeader].
func (w *Writer) Close() error {
	if err := w.enc.Close(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("wavfile: close encoder %s: %w", w.path, err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("wavfile: close file %s: %w", w.path, err)
	}
	return nil
}

// ReadPCM decodes path's full audio payload back into raw little-endian
// 16-bit PCM bytes, along with the file's sample rate. Used by the batch
// Post-Conversation Pipeline's transcribe_full_audio_job (spec.md §4.9) to
// feed an uploaded WAV file to a [asr.BatchProvider].
func ReadPCM(path string) ([]byte, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("wavfile: read open %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("wavfile: decode %s: %w", path, err)
	}

	pcm := make([]byte, 0, len(buf.Data)*2)
	for _, sample := range buf.Data {
		pcm = append(pcm, byte(sample), byte(sample>>8))
	}
	return pcm, buf.Format.SampleRate, nil
}

// RepairHeader recomputes the RIFF chunk size and the "data" subchunk size
// of the WAV file at path from the file's actual size on disk, and writes
// them back in place. It is idempotent: repairing an already-correct header
// is a no-op write of the same values. Used by the crash-recovery scan a
// restarted persistence worker runs over files it may have left open.
func RepairHeader(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("wavfile: repair open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("wavfile: repair stat %s: %w", path, err)
	}
	size := info.Size()
	if size < headerSize {
		return fmt.Errorf("wavfile: repair %s: file too small to be a WAV (%d bytes)", path, size)
	}

	riffSize := uint32(size - 8)
	dataSize := uint32(size - headerSize)
	if err := writeUint32At(f, 4, riffSize); err != nil {
		return err
	}
	if err := writeUint32At(f, 40, dataSize); err != nil {
		return err
	}
	return nil
}

func writeUint32At(f *os.File, offset int64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if _, err := f.WriteAt(buf[:], offset); err != nil {
		return fmt.Errorf("wavfile: write header field at offset %d: %w", offset, err)
	}
	return nil
}

// bytesToInt16Samples decodes little-endian 16-bit PCM bytes into the
// caller's sample slice shape go-audio/audio.IntBuffer expects. Any trailing
// odd byte (should not happen for canonical frame-sized writes) is dropped.
func bytesToInt16Samples(pcm []byte) []int {
	n := len(pcm) / 2
	out := make([]int, n)
	for i := 0; i < n; i++ {
		v := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		out[i] = int(v)
	}
	return out
}
