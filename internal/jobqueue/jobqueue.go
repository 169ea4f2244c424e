// Package jobqueue implements the job-dispatch primitive shared by the
// Speech Detector Job (C7), the Conversation Job (C8), and the
// Post-Conversation Pipeline (C9): each job kind gets its own `jobs.*`
// durable stream, consumed by a pool of goroutines bounded by a weighted
// semaphore, so job dispatch survives a job-worker process restart exactly
// like frame delivery does (spec.md §6's "cooperative worker pool" and §7's
// recovery posture, reusing component C1's stream/group/ack/claim contract
// instead of standing up a second queue technology).
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/conversalabs/conversa-core/pkg/streamlog"
)

const (
	// DefaultConcurrency bounds how many handler invocations a Pool runs at
	// once when the caller doesn't specify one.
	DefaultConcurrency = 4

	readCount     = 10
	readBlock     = 2 * time.Second
	claimInterval = 10 * time.Second

	// ClaimIdle is the default idle threshold before an unacked job entry is
	// reclaimed by another worker (spec.md §7: "pending entries are claimed
	// after an idle threshold, default 30 s").
	ClaimIdle = 30 * time.Second
)

// StreamName returns the durable stream name for a job kind, e.g.
// "jobs.speech_detector" or "jobs.post.memory_extraction".
func StreamName(kind string) string { return "jobs." + kind }

// Encode serializes a job descriptor for Queue.Enqueue.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: encode: %w", err)
	}
	return b, nil
}

// Decode parses a job descriptor previously produced by [Encode].
func Decode[T any](payload []byte) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("jobqueue: decode: %w", err)
	}
	return v, nil
}

// Queue is one job kind's durable stream plus the single consumer group that
// competes over it. Every job-worker process for that kind shares the group.
type Queue struct {
	name  string
	log   streamlog.Log
	group string
}

// NewQueue opens the stream for kind, consumed by the named group.
func NewQueue(streams streamlog.Factory, kind, group string) *Queue {
	name := StreamName(kind)
	return &Queue{name: name, log: streams.Stream(name), group: group}
}

// Enqueue appends a job descriptor, returning its durable id.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	id, err := q.log.Append(ctx, payload)
	if err != nil {
		return "", fmt.Errorf("jobqueue: enqueue %s: %w", q.name, err)
	}
	return id, nil
}

// Handler processes one job descriptor's payload. A returned error leaves
// the entry unacked, so it is redelivered to another worker in the group
// after ClaimIdle (spec.md §5: "release but do not ack in-flight entries").
type Handler func(ctx context.Context, payload []byte) error

// Pool runs up to concurrency job handlers at once for one Queue, pulling
// new deliveries and periodically reclaiming entries abandoned by a crashed
// worker.
type Pool struct {
	queue       *Queue
	consumer    string
	handler     Handler
	concurrency int64
	sem         *semaphore.Weighted
}

// NewPool creates a Pool. consumer identifies this worker process within the
// queue's group. concurrency <= 0 defaults to DefaultConcurrency.
func NewPool(queue *Queue, consumer string, concurrency int64, handler Handler) *Pool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Pool{
		queue:       queue,
		consumer:    consumer,
		handler:     handler,
		concurrency: concurrency,
		sem:         semaphore.NewWeighted(concurrency),
	}
}

// Run reads new deliveries and reclaimed stale ones, dispatching each to the
// handler on its own goroutine bounded by the pool's semaphore, until ctx is
// cancelled.
func (p *Pool) Run(ctx context.Context) error {
	claimTicker := time.NewTicker(claimInterval)
	defer claimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-claimTicker.C:
			p.claimAbandoned(ctx)
		default:
		}

		deliveries, err := p.queue.log.ReadGroup(ctx, p.queue.group, p.consumer, readCount, readBlock)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			slog.Error("jobqueue: read group failed", "queue", p.queue.name, "err", err)
			continue
		}
		p.dispatch(ctx, deliveries)
	}
}

func (p *Pool) claimAbandoned(ctx context.Context) {
	deliveries, err := p.queue.log.Claim(ctx, p.queue.group, p.consumer, ClaimIdle, readCount)
	if err != nil {
		slog.Error("jobqueue: claim failed", "queue", p.queue.name, "err", err)
		return
	}
	p.dispatch(ctx, deliveries)
}

func (p *Pool) dispatch(ctx context.Context, deliveries []streamlog.Delivery) {
	for _, d := range deliveries {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		d := d
		go func() {
			defer p.sem.Release(1)
			p.process(ctx, d)
		}()
	}
}

func (p *Pool) process(ctx context.Context, d streamlog.Delivery) {
	if err := p.handler(ctx, d.Payload); err != nil {
		slog.Error("jobqueue: handler failed, leaving unacked for redelivery",
			"queue", p.queue.name, "id", d.ID, "err", err)
		return
	}
	if err := p.queue.log.Ack(ctx, p.queue.group, d.ID); err != nil {
		slog.Error("jobqueue: ack failed", "queue", p.queue.name, "id", d.ID, "err", err)
	}
}
