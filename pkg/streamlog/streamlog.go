// Package streamlog defines the durable, append-only log contract that the
// rest of the pipeline is built on (spec component C1).
//
// A Log is a named stream supporting a blocking durable append, consumer-group
// reads with explicit ack, claiming of entries abandoned by idle consumers,
// and length-bounded trimming. Each named consumer group is created lazily on
// first use and remembers its last-delivered id per consumer — callers never
// need to pre-provision groups.
//
// The production implementation (see [NewRedisFactory] in this package) is
// backed by Redis Streams, whose
// XADD/XREADGROUP/XACK/XAUTOCLAIM primitives map directly onto this contract.
//
// All implementations must be safe for concurrent use.
package streamlog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an operation references an id that the log
// has no record of (already trimmed, or never existed).
var ErrNotFound = errors.New("streamlog: entry not found")

// Entry is one record read back from a stream.
type Entry struct {
	// ID is the log-assigned id, "<ms>-<seq>": monotonic, but not
	// lexicographically sortable as a string ("5-10" sorts before "5-9");
	// ids order by comparing both parts numerically.
	ID string
	// Payload is the raw record bytes (an encoded AudioFrame, TranscriptChunk,
	// or job descriptor, depending on the stream).
	Payload []byte
}

// Delivery pairs an Entry with the consumer group and consumer name it was
// delivered to, as required by the C1 contract's "(id, payload, group,
// consumer)" tuple.
type Delivery struct {
	Entry
	Group    string
	Consumer string
}

// Log is the append-only, consumer-group stream contract.
type Log interface {
	// Append durably writes payload to the stream and returns the assigned
	// id. Append must not return until the write is durable — callers rely
	// on this to implement at-least-once delivery.
	Append(ctx context.Context, payload []byte) (id string, err error)

	// ReadGroup reads up to count new entries for the stream, assigning each
	// to group/consumer. It creates the group on first use. It blocks up to
	// block waiting for new entries (block <= 0 means return immediately with
	// whatever is available).
	ReadGroup(ctx context.Context, group, consumer string, count int, block time.Duration) ([]Delivery, error)

	// Ack acknowledges ids as durably processed by group, removing them from
	// the group's pending entries list.
	Ack(ctx context.Context, group string, ids ...string) error

	// Claim reclaims entries pending for longer than minIdle within group,
	// reassigning them to consumer. Used by the recovery posture in §7: a
	// restarted worker claims entries its predecessor never acked.
	Claim(ctx context.Context, group, consumer string, minIdle time.Duration, count int) ([]Delivery, error)

	// Trim bounds the stream to approximately maxLen entries, discarding the
	// oldest. Implementations may trim approximately for efficiency (Redis's
	// MAXLEN ~ semantics) — spec.md §3's retention bound is a target, not an
	// exact cap.
	Trim(ctx context.Context, maxLen int64) error

	// Delete removes the stream entirely (used to delete
	// transcript.results.{session_id} wholesale on conversation end, per
	// spec.md §4.1).
	Delete(ctx context.Context) error

	// Len reports the approximate number of entries currently in the stream.
	Len(ctx context.Context) (int64, error)

	// Range reads entries between start and end ids (inclusive, Redis RANGE
	// semantics: "-" and "+" denote the stream's bounds), up to count
	// entries. Unlike ReadGroup, Range does not participate in
	// consumer-group delivery or acking — repeated calls with the same
	// bounds return the same entries. This backs read-only, idempotent
	// views over a stream's full contents (the aggregator's get_combined /
	// get_raw, spec.md §4.6) that must not compete with, or be consumed by,
	// any processing consumer group.
	Range(ctx context.Context, start, end string, count int) ([]Entry, error)
}

// Factory opens or creates the named stream.
type Factory interface {
	Stream(name string) Log
}

// PubSub is the ephemeral, best-effort channel contract used for
// transcript.interim.{session_id} (spec.md §4.1): no persistence, no acks,
// delivery is whatever subscribers happen to be listening at publish time.
type PubSub interface {
	// Publish delivers payload to all current subscribers of channel.
	// Publish never blocks waiting for a subscriber and never returns an
	// error solely because there were no subscribers.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a channel of payloads published to name. The
	// returned cancel function must be called to stop the subscription and
	// release resources; it is safe to call more than once.
	Subscribe(ctx context.Context, channel string) (msgs <-chan []byte, cancel func())
}
