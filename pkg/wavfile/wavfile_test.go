package wavfile

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/conversalabs/conversa-core/pkg/types"
)

func readUint32At(t *testing.T, path string, offset int64) uint32 {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var buf [4]byte
	if _, err := f.ReadAt(buf[:], offset); err != nil {
		t.Fatalf("read at %d: %v", offset, err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func TestWriter_WritePCMThenCloseProducesCorrectSizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	w, err := Create(path, types.SampleRate)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	frame := make([]byte, types.FrameBytes)
	for i := 0; i < 3; i++ {
		if err := w.WritePCM(frame); err != nil {
			t.Fatalf("write pcm: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	wantData := uint32(3 * types.FrameBytes)
	wantRiff := uint32(info.Size() - 8)

	if got := readUint32At(t, path, 4); got != wantRiff {
		t.Fatalf("riff chunk size = %d, want %d", got, wantRiff)
	}
	if got := readUint32At(t, path, 40); got != wantData {
		t.Fatalf("data chunk size = %d, want %d", got, wantData)
	}
}

func TestRepairHeader_RecomputesSizesFromFileSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crashed.wav")
	w, err := Create(path, types.SampleRate)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	frame := make([]byte, types.FrameBytes)
	if err := w.WritePCM(frame); err != nil {
		t.Fatalf("write pcm: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	// Simulate a crash: the underlying file is abandoned without Close, so
	// the header still carries whatever placeholder go-audio/wav wrote.
	if err := w.f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}

	if err := RepairHeader(path); err != nil {
		t.Fatalf("repair header: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	wantData := uint32(info.Size() - headerSize)
	wantRiff := uint32(info.Size() - 8)

	if got := readUint32At(t, path, 4); got != wantRiff {
		t.Fatalf("riff chunk size = %d, want %d", got, wantRiff)
	}
	if got := readUint32At(t, path, 40); got != wantData {
		t.Fatalf("data chunk size = %d, want %d", got, wantData)
	}
}

func TestWriter_RenameContinuesWritingToNewPath(t *testing.T) {
	dir := t.TempDir()
	orphanPath := filepath.Join(dir, "orphan.wav")
	w, err := Create(orphanPath, types.SampleRate)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	frame := make([]byte, types.FrameBytes)
	if err := w.WritePCM(frame); err != nil {
		t.Fatalf("write pcm before rename: %v", err)
	}

	newPath := filepath.Join(dir, "final.wav")
	if err := w.Rename(newPath); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if w.Path() != newPath {
		t.Fatalf("Path() = %s, want %s", w.Path(), newPath)
	}
	if _, err := os.Stat(orphanPath); !os.IsNotExist(err) {
		t.Fatalf("expected orphan path to no longer exist, stat err = %v", err)
	}

	if err := w.WritePCM(frame); err != nil {
		t.Fatalf("write pcm after rename: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	info, err := os.Stat(newPath)
	if err != nil {
		t.Fatalf("stat renamed file: %v", err)
	}
	wantData := uint32(2 * types.FrameBytes)
	if got := readUint32At(t, newPath, 40); got != wantData {
		t.Fatalf("data chunk size = %d, want %d", got, wantData)
	}
	if uint32(info.Size()-8) != readUint32At(t, newPath, 4) {
		t.Fatalf("riff chunk size mismatch after rename+close")
	}
}

func TestRepairHeader_TooSmallFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.wav")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := RepairHeader(path); err == nil {
		t.Fatalf("expected error for file smaller than a WAV header")
	}
}
