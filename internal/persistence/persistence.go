// Package persistence implements the Persistence Consumer (spec.md §4.5,
// component C5): one WAV writer per session, rotated whenever the
// Current-Conversation Pointer changes, so each conversation ends up with
// its own audio file on disk.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/conversalabs/conversa-core/internal/retry"
	"github.com/conversalabs/conversa-core/pkg/metadata"
	"github.com/conversalabs/conversa-core/pkg/streamlog"
	"github.com/conversalabs/conversa-core/pkg/types"
	"github.com/conversalabs/conversa-core/pkg/wavfile"
)

// GroupName is the consumer group every persistence worker joins (spec.md
// §4.5).
const GroupName = "audio-persistence"

const (
	readBatch    = 20
	readBlock    = 2 * time.Second
	scanInterval = 2 * time.Second
)

// Manager discovers active sessions and runs one worker per session, writing
// its audio to baseDir.
type Manager struct {
	meta    metadata.Store
	logs    streamlog.Factory
	baseDir string

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewManager creates a Manager. baseDir is the directory conversation and
// orphan WAV files are written into; it must already exist.
func NewManager(logs streamlog.Factory, meta metadata.Store, baseDir string) *Manager {
	return &Manager{
		meta:    meta,
		logs:    logs,
		baseDir: baseDir,
		running: make(map[string]context.CancelFunc),
	}
}

// Run scans for active sessions every scanInterval and spawns a worker for
// each one not already running, until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		m.scanOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) scanOnce(ctx context.Context) {
	ids, err := m.meta.ListActiveSessions(ctx)
	if err != nil {
		slog.Error("persistence: scan active sessions failed", "err", err)
		return
	}
	for _, sessionID := range ids {
		m.mu.Lock()
		_, already := m.running[sessionID]
		m.mu.Unlock()
		if already {
			continue
		}
		session, err := m.meta.GetSession(ctx, sessionID)
		if err != nil {
			continue
		}
		m.spawn(ctx, session)
	}
}

func (m *Manager) spawn(parent context.Context, session types.Session) {
	wctx, cancel := context.WithCancel(parent)
	m.mu.Lock()
	m.running[session.SessionID] = cancel
	m.mu.Unlock()

	w := &worker{
		session: session,
		logs:    m.logs,
		meta:    m.meta,
		baseDir: m.baseDir,
	}
	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.running, session.SessionID)
			m.mu.Unlock()
			cancel()
		}()
		if err := w.run(wctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("persistence: worker exited with error", "session_id", session.SessionID, "err", err)
		}
	}()
}

// worker is the per-session WAV-writing loop (spec.md §4.5).
type worker struct {
	session types.Session
	logs    streamlog.Factory
	meta    metadata.Store
	baseDir string

	writer       *wavfile.Writer
	writerOrphan bool
	openConvID   string // conversation id the current non-orphan writer belongs to
	lastPointer  string // last Current-Conversation Pointer value observed
}

func (w *worker) run(ctx context.Context) error {
	consumer := "persistence-" + w.session.SessionID
	log := w.logs.Stream(streamlog.AudioStreamName(w.session.ClientID))

	defer func() {
		if w.writer != nil {
			if err := w.writer.Close(); err != nil {
				slog.Warn("persistence: close on exit failed", "session_id", w.session.SessionID, "err", err)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := w.checkRotation(ctx); err != nil {
			return err
		}

		deliveries, err := log.ReadGroup(ctx, GroupName, consumer, readBatch, readBlock)
		if err != nil {
			return fmt.Errorf("persistence: read group %s: %w", w.session.SessionID, err)
		}
		if len(deliveries) == 0 {
			continue
		}

		var ackIDs []string
		for _, d := range deliveries {
			frame, err := types.DecodeFrame(d.Payload)
			if err != nil {
				slog.Error("persistence: decode frame failed, skipping", "session_id", w.session.SessionID, "err", err)
				continue
			}

			if frame.End {
				if err := w.syncAndAck(ctx, log, ackIDs); err != nil {
					return err
				}
				ackIDs = nil
				if err := w.closeFinal(ctx); err != nil {
					return err
				}
				if err := log.Ack(ctx, GroupName, d.ID); err != nil {
					return fmt.Errorf("persistence: ack end %s: %w", w.session.SessionID, err)
				}
				if _, err := w.meta.MarkConsumerDrained(ctx, w.session.SessionID, GroupName); err != nil {
					return fmt.Errorf("persistence: mark drained %s: %w", w.session.SessionID, err)
				}
				return nil
			}

			if err := w.writeFrame(frame); err != nil {
				return fmt.Errorf("persistence: write frame %s: %w", w.session.SessionID, err)
			}
			ackIDs = append(ackIDs, d.ID)
		}

		if err := w.syncAndAck(ctx, log, ackIDs); err != nil {
			return err
		}
	}
}

// checkRotation implements spec.md §4.5 step 1: before each read, check the
// Current-Conversation Pointer; if it changed, close the previous file
// (recording its Audio File Binding) and open the next one.
func (w *worker) checkRotation(ctx context.Context) error {
	ptr, err := w.meta.GetCurrentConversation(ctx, w.session.SessionID)
	if err != nil {
		if !errors.Is(err, metadata.ErrNotFound) {
			return fmt.Errorf("persistence: get current conversation %s: %w", w.session.SessionID, err)
		}
		ptr = ""
	}
	if ptr == w.lastPointer {
		return nil
	}
	w.lastPointer = ptr

	if w.writer != nil && !w.writerOrphan {
		path := w.writer.Path()
		if err := w.writer.Close(); err != nil {
			return fmt.Errorf("persistence: close rotated file %s: %w", w.session.SessionID, err)
		}
		w.writer = nil
		if err := w.bindAudioFile(ctx, w.openConvID, path); err != nil {
			return err
		}
		w.openConvID = ""
	}

	if ptr == "" {
		return nil
	}
	return w.openForConversation(ptr)
}

// openForConversation opens the file for a newly-current conversation,
// re-linking any pending orphan file in place rather than losing the audio
// it already holds (spec.md §4.5 step 3).
func (w *worker) openForConversation(conversationID string) error {
	newPath := filepath.Join(w.baseDir, wavfile.FileName(time.Now().UnixMilli(), w.session.ClientID, conversationID))

	if w.writer != nil && w.writerOrphan {
		if err := w.writer.Rename(newPath); err != nil {
			return fmt.Errorf("persistence: relink orphan %s: %w", w.session.SessionID, err)
		}
		w.writerOrphan = false
		w.openConvID = conversationID
		return nil
	}

	writer, err := wavfile.Create(newPath, types.SampleRate)
	if err != nil {
		return fmt.Errorf("persistence: open %s: %w", w.session.SessionID, err)
	}
	w.writer = writer
	w.writerOrphan = false
	w.openConvID = conversationID
	return nil
}

// writeFrame appends frame's PCM to whatever file is open, opening an orphan
// file first if none is (spec.md §4.5 step 3).
func (w *worker) writeFrame(frame types.AudioFrame) error {
	if w.writer == nil {
		path := filepath.Join(w.baseDir, wavfile.OrphanFileName(time.Now().UnixMilli(), w.session.ClientID, w.session.SessionID))
		writer, err := wavfile.Create(path, types.SampleRate)
		if err != nil {
			return err
		}
		w.writer = writer
		w.writerOrphan = true
	}
	return w.writer.WritePCM(frame.Payload)
}

// syncAndAck fsyncs the open file (if any) before acking, so ack never
// outruns durability (spec.md §4.5 step 4).
func (w *worker) syncAndAck(ctx context.Context, log streamlog.Log, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if w.writer != nil {
		err := retry.Do(ctx, retry.Config{MaxAttempts: 2, Name: "persistence.sync." + w.session.SessionID}, func(context.Context) error {
			return w.writer.Sync()
		})
		if err != nil {
			if syncErr := w.meta.SetTransportDisconnected(ctx, w.session.SessionID); syncErr != nil {
				slog.Error("persistence: mark transport disconnected after sync failure failed", "session_id", w.session.SessionID, "err", syncErr)
			}
			return fmt.Errorf("persistence: PERSISTENCE_WRITE_FAILED: sync %s: %w", w.session.SessionID, err)
		}
	}
	if err := log.Ack(ctx, GroupName, ids...); err != nil {
		return fmt.Errorf("persistence: ack batch %s: %w", w.session.SessionID, err)
	}
	return nil
}

// closeFinal closes whatever file is open on END. A file that belongs to a
// named conversation gets its Audio File Binding recorded; an orphan file (a
// session that never produced meaningful speech, §8 S2) is left unbound on
// disk.
func (w *worker) closeFinal(ctx context.Context) error {
	if w.writer == nil {
		return nil
	}
	path := w.writer.Path()
	if err := w.writer.Close(); err != nil {
		return fmt.Errorf("persistence: close final %s: %w", w.session.SessionID, err)
	}
	convID := w.openConvID
	w.writer = nil
	w.openConvID = ""
	if convID == "" {
		return nil
	}
	return w.bindAudioFile(ctx, convID, path)
}

func (w *worker) bindAudioFile(ctx context.Context, conversationID, path string) error {
	if conversationID == "" {
		return nil
	}
	if err := w.meta.SetAudioFileBinding(ctx, conversationID, path); err != nil {
		return fmt.Errorf("persistence: bind audio file %s: %w", conversationID, err)
	}
	return nil
}

// RecoverDir scans dir for WAV files and rewrites each one's header from its
// current size on disk (spec.md §4.5: "recovery is a scan that rewrites
// headers from file size"). Safe to run against a directory containing
// cleanly-closed files too: [wavfile.RepairHeader] is idempotent. Intended to
// run once at persistence-worker startup, before any worker is spawned,
// covering files a prior crash may have left with a stale header.
func RecoverDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("persistence: recover dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".wav") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := wavfile.RepairHeader(path); err != nil {
			slog.Error("persistence: repair header failed", "path", path, "err", err)
		}
	}
	return nil
}
